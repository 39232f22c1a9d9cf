// ABOUTME: Store interface and data types for sessiongate persistence
// ABOUTME: Defines Session, Event and the paging parameters shared by all engines

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/sessiongate/internal/state"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when creating a session whose id is taken
var ErrDuplicateSession = errors.New("session already exists")

// ErrInvalidCursor is returned when a page token cannot be decoded or was
// issued for a different listing
var ErrInvalidCursor = errors.New("invalid page token")

// Author identifies who produced an event
type Author string

const (
	AuthorUser   Author = "user"
	AuthorAgent  Author = "agent"
	AuthorSystem Author = "system"
)

// Valid reports whether a is one of the known authors
func (a Author) Valid() bool {
	switch a {
	case AuthorUser, AuthorAgent, AuthorSystem:
		return true
	}
	return false
}

// Content is the payload of an event
type Content struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Session is a conversation owned by one user of one agent
type Session struct {
	AgentID     string
	UserID      string
	ID          string
	State       state.State
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastEventID int64 // event ids are gapless, so this is also the event count
}

// Event is one immutable entry in a session's log
type Event struct {
	AgentID      string
	SessionID    string
	ID           int64
	InvocationID string
	Author       Author
	Content      Content
	StateDelta   state.State // nil when the event carries no delta
	Replace      bool
	Timestamp    time.Time
}

// HasDelta reports whether the event changed session state
func (e *Event) HasDelta() bool {
	return e.StateDelta != nil || e.Replace
}

// NewEvent is an event before it has been assigned an id
type NewEvent struct {
	InvocationID string
	Author       Author
	Content      Content
	StateDelta   state.State
	Replace      bool
	Timestamp    time.Time
}

// ListEventsParams selects a page of a session's events
type ListEventsParams struct {
	AgentID    string
	SessionID  string
	Author     Author // empty for all authors
	Limit      int    // clamped to [1, MaxPageSize], DefaultPageSize when 0
	Cursor     string // opaque token from a previous page
	Descending bool   // newest first
}

// ListEventsResult is one page of events
type ListEventsResult struct {
	Events     []*Event
	NextCursor string
	HasMore    bool
}

// ListSessionsParams selects a page of an agent's sessions
type ListSessionsParams struct {
	AgentID string
	UserID  string // empty for every user
	Limit   int
	Cursor  string
}

// ListSessionsResult is one page of sessions, newest created first
type ListSessionsResult struct {
	Sessions   []*Session
	NextCursor string
	HasMore    bool
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Store defines the persistence contract for sessions and their event logs.
// AppendEvent and CreateSession are atomic: the event and the session state
// it produces are committed together or not at all.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, session *Session, initial *NewEvent) (*Session, error)
	GetSession(ctx context.Context, agentID, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, p ListSessionsParams) (*ListSessionsResult, error)
	DeleteSession(ctx context.Context, agentID, sessionID string) error
	ListUsers(ctx context.Context, agentID string) ([]string, error)

	// Events
	AppendEvent(ctx context.Context, agentID, sessionID string, event *NewEvent) (*Event, *Session, error)
	GetEvent(ctx context.Context, agentID, sessionID string, eventID int64) (*Event, error)
	ListEvents(ctx context.Context, p ListEventsParams) (*ListEventsResult, error)

	Ping(ctx context.Context) error
	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
