// ABOUTME: In-memory Store implementation
// ABOUTME: Used by tests and by deployments configured with database.driver: memory

package store

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/2389/sessiongate/internal/state"
)

// MemoryStore is an in-memory Store. One mutex guards everything, which makes
// every operation trivially atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session // keyed by "agentID\x00sessionID"
	events   map[string][]*Event // same key, ordered by event id
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		events:   make(map[string][]*Event),
	}
}

func sessionKey(agentID, sessionID string) string {
	return agentID + "\x00" + sessionID
}

// CreateSession stores a new session and its optional initial event.
func (m *MemoryStore) CreateSession(ctx context.Context, session *Session, initial *NewEvent) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey(session.AgentID, session.ID)
	if _, ok := m.sessions[key]; ok {
		return nil, ErrDuplicateSession
	}

	created := *session
	created.State = state.State{}
	created.LastEventID = 0
	if created.UpdatedAt.IsZero() {
		created.UpdatedAt = created.CreatedAt
	}

	var events []*Event
	if initial != nil {
		evt := m.apply(&created, initial)
		events = append(events, evt)
	}

	m.sessions[key] = &created
	m.events[key] = events
	return copySession(&created), nil
}

// GetSession retrieves a session by id.
func (m *MemoryStore) GetSession(ctx context.Context, agentID, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionKey(agentID, sessionID)]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(sess), nil
}

// ListSessions returns an agent's sessions, newest created first.
func (m *MemoryStore) ListSessions(ctx context.Context, p ListSessionsParams) (*ListSessionsResult, error) {
	limit := clampLimit(p.Limit)

	var (
		afterTS int64
		afterID string
	)
	if p.Cursor != "" {
		var err error
		if afterTS, afterID, err = decodeSessionCursor(p.Cursor); err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	var matched []*Session
	for _, sess := range m.sessions {
		if sess.AgentID != p.AgentID {
			continue
		}
		if p.UserID != "" && sess.UserID != p.UserID {
			continue
		}
		if p.Cursor != "" {
			ts := sess.CreatedAt.UnixNano()
			if ts > afterTS || (ts == afterTS && sess.ID >= afterID) {
				continue
			}
		}
		matched = append(matched, copySession(sess))
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	result := &ListSessionsResult{}
	if len(matched) > limit {
		matched = matched[:limit]
		last := matched[len(matched)-1]
		result.HasMore = true
		result.NextCursor = encodeSessionCursor(last.CreatedAt, last.ID)
	}
	result.Sessions = matched
	return result, nil
}

// DeleteSession removes a session and its events.
func (m *MemoryStore) DeleteSession(ctx context.Context, agentID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey(agentID, sessionID)
	if _, ok := m.sessions[key]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, key)
	delete(m.events, key)
	return nil
}

// ListUsers returns the distinct owners of an agent's sessions, sorted.
func (m *MemoryStore) ListUsers(ctx context.Context, agentID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	users := []string{}
	for _, sess := range m.sessions {
		if sess.AgentID == agentID && !seen[sess.UserID] {
			seen[sess.UserID] = true
			users = append(users, sess.UserID)
		}
	}
	slices.Sort(users)
	return users, nil
}

// AppendEvent appends event to the session and applies its delta.
func (m *MemoryStore) AppendEvent(ctx context.Context, agentID, sessionID string, event *NewEvent) (*Event, *Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey(agentID, sessionID)
	sess, ok := m.sessions[key]
	if !ok {
		return nil, nil, ErrNotFound
	}

	evt := m.apply(sess, event)
	m.events[key] = append(m.events[key], evt)
	return copyEvent(evt), copySession(sess), nil
}

// apply builds the next event of sess and advances sess. Caller holds mu.
func (m *MemoryStore) apply(sess *Session, event *NewEvent) *Event {
	evt := newEvent(sess, event)
	if evt.HasDelta() {
		sess.State = state.Apply(sess.State, evt.StateDelta, evt.Replace)
	}
	sess.UpdatedAt = evt.Timestamp
	sess.LastEventID = evt.ID
	return evt
}

// GetEvent retrieves one event by id.
func (m *MemoryStore) GetEvent(ctx context.Context, agentID, sessionID string, eventID int64) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.events[sessionKey(agentID, sessionID)]
	// ids are gapless from 1, so the id is the index plus one
	if eventID < 1 || eventID > int64(len(events)) {
		return nil, ErrNotFound
	}
	return copyEvent(events[eventID-1]), nil
}

// ListEvents returns a page of a session's events.
func (m *MemoryStore) ListEvents(ctx context.Context, p ListEventsParams) (*ListEventsResult, error) {
	limit := clampLimit(p.Limit)

	var after int64
	if p.Cursor != "" {
		var err error
		if after, err = decodeEventCursor(p.Cursor, p.Descending); err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	key := sessionKey(p.AgentID, p.SessionID)
	if _, ok := m.sessions[key]; !ok {
		m.mu.RUnlock()
		return nil, ErrNotFound
	}
	all := m.events[key]

	var page []*Event
	for i := range all {
		evt := all[i]
		if p.Descending {
			evt = all[len(all)-1-i]
		}
		if p.Author != "" && evt.Author != p.Author {
			continue
		}
		if p.Cursor != "" {
			if p.Descending && evt.ID >= after {
				continue
			}
			if !p.Descending && evt.ID <= after {
				continue
			}
		}
		page = append(page, copyEvent(evt))
		if len(page) > limit {
			break
		}
	}
	m.mu.RUnlock()

	result := &ListEventsResult{}
	if len(page) > limit {
		page = page[:limit]
		result.HasMore = true
		result.NextCursor = encodeEventCursor(page[len(page)-1].ID, p.Descending)
	}
	result.Events = page
	return result, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

func copySession(s *Session) *Session {
	c := *s
	c.State = s.State.Clone()
	return &c
}

func copyEvent(e *Event) *Event {
	c := *e
	if e.StateDelta != nil {
		c.StateDelta = e.StateDelta.Clone()
	}
	return &c
}
