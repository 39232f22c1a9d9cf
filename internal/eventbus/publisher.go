// ABOUTME: Publisher interface and fan-out combinator
// ABOUTME: Satisfies eventlog.Publisher

package eventbus

import (
	"context"

	"github.com/2389/sessiongate/internal/store"
)

// Publisher receives committed events.
type Publisher interface {
	Publish(ctx context.Context, event *store.Event)
}

// Multi publishes to every non-nil publisher in order.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, event *store.Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, event)
		}
	}
}

// SessionKey identifies a session across agents.
func SessionKey(agentID, sessionID string) string {
	return agentID + "/" + sessionID
}
