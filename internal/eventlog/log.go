// ABOUTME: Event log service: validated appends, listings and conversation view
// ABOUTME: Appends are serialized per session and published after commit

package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/sessiongate/internal/state"
	"github.com/2389/sessiongate/internal/store"
)

// ErrInvalidEvent is returned when an append request is malformed.
var ErrInvalidEvent = errors.New("invalid event")

// Publisher receives every event after it has been committed.
type Publisher interface {
	Publish(ctx context.Context, event *store.Event)
}

// AppendRequest is an event to add to a session's log.
type AppendRequest struct {
	Author       store.Author
	InvocationID string
	Content      store.Content
	StateDelta   state.State // nil for no change
	Replace      bool
}

// ListRequest selects a page of events.
type ListRequest struct {
	AgentID    string
	SessionID  string
	Author     store.Author
	PageSize   int
	PageToken  string
	Descending bool
}

// Log is the append-only event log shared by every session.
type Log struct {
	store     store.Store
	publisher Publisher
	locks     *sessionLocks
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithPublisher sets where committed events are published.
func WithPublisher(p Publisher) Option {
	return func(l *Log) { l.publisher = p }
}

// WithClock overrides the time source for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// New creates a Log over s.
func New(s store.Store, opts ...Option) *Log {
	l := &Log{
		store:  s,
		locks:  newSessionLocks(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "eventlog")
	return l
}

// Append validates req and appends it to the session's log, applying its
// state delta in the same commit. The returned session is the post-append
// snapshot.
func (l *Log) Append(ctx context.Context, agentID, sessionID string, req AppendRequest) (*store.Event, *store.Session, error) {
	if err := validate(req); err != nil {
		return nil, nil, err
	}

	unlock := l.Lock(agentID, sessionID)
	defer unlock()

	return l.AppendLocked(ctx, agentID, sessionID, req)
}

// Lock enters the session's exclusive section. Callers that need to read and
// then append atomically hold it and call AppendLocked.
func (l *Log) Lock(agentID, sessionID string) func() {
	return l.locks.lock(agentID, sessionID)
}

// AppendLocked is Append for callers already holding the session lock.
func (l *Log) AppendLocked(ctx context.Context, agentID, sessionID string, req AppendRequest) (*store.Event, *store.Session, error) {
	if err := validate(req); err != nil {
		return nil, nil, err
	}

	evt, sess, err := l.store.AppendEvent(ctx, agentID, sessionID, &store.NewEvent{
		InvocationID: req.InvocationID,
		Author:       req.Author,
		Content:      req.Content,
		StateDelta:   req.StateDelta,
		Replace:      req.Replace,
		Timestamp:    l.now().UTC(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("appending event: %w", err)
	}

	l.logger.Debug("event appended",
		"agent_id", agentID,
		"session_id", sessionID,
		"event_id", evt.ID,
		"author", evt.Author,
		"has_delta", evt.HasDelta(),
	)

	if l.publisher != nil {
		l.publisher.Publish(ctx, evt)
	}
	return evt, sess, nil
}

func validate(req AppendRequest) error {
	if !req.Author.Valid() {
		return fmt.Errorf("%w: unknown author %q", ErrInvalidEvent, req.Author)
	}
	if req.StateDelta != nil {
		if err := req.StateDelta.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
	}
	return nil
}

// Get returns one event.
func (l *Log) Get(ctx context.Context, agentID, sessionID string, eventID int64) (*store.Event, error) {
	evt, err := l.store.GetEvent(ctx, agentID, sessionID, eventID)
	if err != nil {
		return nil, fmt.Errorf("getting event %d: %w", eventID, err)
	}
	return evt, nil
}

// List returns a page of events. Pages are stable: the same token yields the
// same events while nothing is appended.
func (l *Log) List(ctx context.Context, req ListRequest) (*store.ListEventsResult, error) {
	if req.Author != "" && !req.Author.Valid() {
		return nil, fmt.Errorf("%w: unknown author %q", ErrInvalidEvent, req.Author)
	}
	if req.PageSize < 0 || req.PageSize > store.MaxPageSize {
		return nil, fmt.Errorf("%w: page size must be between 1 and %d", ErrInvalidEvent, store.MaxPageSize)
	}
	res, err := l.store.ListEvents(ctx, store.ListEventsParams{
		AgentID:    req.AgentID,
		SessionID:  req.SessionID,
		Author:     req.Author,
		Limit:      req.PageSize,
		Cursor:     req.PageToken,
		Descending: req.Descending,
	})
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	return res, nil
}
