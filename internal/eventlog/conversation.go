// ABOUTME: Turn-paired view of a session's log
// ABOUTME: Pairs each user event with the agent event that immediately follows it

package eventlog

import (
	"context"
	"fmt"
	"slices"

	"github.com/2389/sessiongate/internal/store"
)

// Turn is one user message and the agent reply that followed it. Either side
// may be nil: a user message still waiting for a reply, or an agent event
// with no user message before it.
type Turn struct {
	User  *store.Event
	Agent *store.Event
}

// Messages flattens turns back into their events in log order.
func Messages(turns []Turn) []store.Event {
	var out []store.Event
	for _, t := range turns {
		if t.User != nil {
			out = append(out, *t.User)
		}
		if t.Agent != nil {
			out = append(out, *t.Agent)
		}
	}
	return out
}

// conversationPageSize is how many events each backward scan step reads.
const conversationPageSize = store.MaxPageSize

// Conversation returns the last maxTurns turns of a session, oldest first.
// System events are skipped. maxTurns <= 0 returns every turn.
func (l *Log) Conversation(ctx context.Context, agentID, sessionID string, maxTurns int) ([]Turn, error) {
	var (
		turns   []Turn
		pending *store.Event // agent event waiting for the user event before it
		cursor  string
	)
	full := func() bool { return maxTurns > 0 && len(turns) >= maxTurns }

scan:
	for {
		page, err := l.store.ListEvents(ctx, store.ListEventsParams{
			AgentID:    agentID,
			SessionID:  sessionID,
			Limit:      conversationPageSize,
			Cursor:     cursor,
			Descending: true,
		})
		if err != nil {
			return nil, fmt.Errorf("reading conversation: %w", err)
		}

		for _, evt := range page.Events {
			switch evt.Author {
			case store.AuthorAgent:
				if pending != nil {
					turns = append(turns, Turn{Agent: pending})
					if full() {
						pending = nil
						break scan
					}
				}
				pending = evt
			case store.AuthorUser:
				turns = append(turns, Turn{User: evt, Agent: pending})
				pending = nil
				if full() {
					break scan
				}
			}
		}

		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	if pending != nil && !full() {
		turns = append(turns, Turn{Agent: pending})
	}

	slices.Reverse(turns)
	return turns, nil
}
