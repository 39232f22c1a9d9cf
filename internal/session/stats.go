// ABOUTME: Per-agent user listing and per-session statistics
// ABOUTME: Derived from the session row; no event scan is needed

package session

import (
	"context"
	"fmt"
	"time"
)

// Stats summarizes one session.
type Stats struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	EventCount  int64     `json:"event_count"`
	StateSize   int       `json:"state_size"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	AgeSeconds  float64   `json:"age_seconds"`
	IdleSeconds float64   `json:"idle_seconds"`
}

// Stats reports counts and ages for a session.
func (m *Manager) Stats(ctx context.Context, agentID, sessionID string) (*Stats, error) {
	sess, err := m.Get(ctx, agentID, sessionID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	return &Stats{
		SessionID:   sess.ID,
		UserID:      sess.UserID,
		EventCount:  sess.LastEventID,
		StateSize:   len(sess.State),
		CreatedAt:   sess.CreatedAt,
		UpdatedAt:   sess.UpdatedAt,
		AgeSeconds:  now.Sub(sess.CreatedAt).Seconds(),
		IdleSeconds: now.Sub(sess.UpdatedAt).Seconds(),
	}, nil
}

// ListUsers returns the users that own at least one session of the agent.
func (m *Manager) ListUsers(ctx context.Context, agentID string) ([]string, error) {
	if _, err := m.agents.Lookup(agentID); err != nil {
		return nil, err
	}
	users, err := m.store.ListUsers(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return users, nil
}
