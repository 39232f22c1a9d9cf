// ABOUTME: Session creation and deletion under the per-session lock
// ABOUTME: A session's initial state is committed as its first event

package eventlog

import (
	"context"
	"fmt"

	"github.com/2389/sessiongate/internal/store"
)

// CreateSession stores sess and, when initial is non-nil, the event that
// installs its initial state. The initial event is published like any other.
func (l *Log) CreateSession(ctx context.Context, sess *store.Session, initial *AppendRequest) (*store.Session, error) {
	var first *store.NewEvent
	if initial != nil {
		if err := validate(*initial); err != nil {
			return nil, err
		}
		first = &store.NewEvent{
			InvocationID: initial.InvocationID,
			Author:       initial.Author,
			Content:      initial.Content,
			StateDelta:   initial.StateDelta,
			Replace:      initial.Replace,
			Timestamp:    l.now().UTC(),
		}
	}

	unlock := l.Lock(sess.AgentID, sess.ID)
	defer unlock()

	created, err := l.store.CreateSession(ctx, sess, first)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	l.logger.Info("session created",
		"agent_id", created.AgentID,
		"user_id", created.UserID,
		"session_id", created.ID,
		"initial_state_keys", len(created.State),
	)

	if first != nil && l.publisher != nil {
		evt, err := l.store.GetEvent(ctx, created.AgentID, created.ID, created.LastEventID)
		if err != nil {
			l.logger.Warn("initial event not readable after create", "session_id", created.ID, "error", err)
		} else {
			l.publisher.Publish(ctx, evt)
		}
	}
	return created, nil
}

// DeleteSessionLocked removes a session and its events. The caller holds the
// session lock.
func (l *Log) DeleteSessionLocked(ctx context.Context, agentID, sessionID string) error {
	if err := l.store.DeleteSession(ctx, agentID, sessionID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	l.logger.Info("session deleted", "agent_id", agentID, "session_id", sessionID)
	return nil
}
