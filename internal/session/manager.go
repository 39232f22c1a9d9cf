// ABOUTME: Session manager: create, get, list, update state, delete
// ABOUTME: Owner checks run under the per-session lock before any side effect

package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/sessiongate/internal/agent"
	"github.com/2389/sessiongate/internal/eventlog"
	"github.com/2389/sessiongate/internal/state"
	"github.com/2389/sessiongate/internal/store"
)

var (
	// ErrForbidden is returned when a user changes a session they do not own.
	ErrForbidden = errors.New("session belongs to another user")

	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("invalid request")
)

// Manager implements the session operations.
type Manager struct {
	agents *agent.Registry
	store  store.Store
	log    *eventlog.Log
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source for created_at.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides how session ids are minted.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a session manager.
func NewManager(agents *agent.Registry, s store.Store, log *eventlog.Log, opts ...Option) *Manager {
	m := &Manager{
		agents: agents,
		store:  s,
		log:    log,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session")
	return m
}

// CreateRequest describes a new session.
type CreateRequest struct {
	AgentID      string
	UserID       string
	SessionID    string      // empty to mint one
	InitialState state.State // recorded as one replace delta when non-empty
}

// Create creates a session. An existing id fails with store.ErrDuplicateSession.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*store.Session, error) {
	if _, err := m.agents.Lookup(req.AgentID); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if err := req.InitialState.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	id := req.SessionID
	if id == "" {
		id = m.newID()
	}

	var initial *eventlog.AppendRequest
	if len(req.InitialState) > 0 {
		initial = &eventlog.AppendRequest{
			Author:       store.AuthorSystem,
			InvocationID: "init-" + shortID(),
			Content:      store.Content{Role: "system", Text: "Initial state"},
			StateDelta:   req.InitialState,
			Replace:      true,
		}
	}

	now := m.now().UTC()
	return m.log.CreateSession(ctx, &store.Session{
		AgentID:   req.AgentID,
		UserID:    req.UserID,
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
	}, initial)
}

// Get returns a session without checking ownership.
func (m *Manager) Get(ctx context.Context, agentID, sessionID string) (*store.Session, error) {
	if _, err := m.agents.Lookup(agentID); err != nil {
		return nil, err
	}
	sess, err := m.store.GetSession(ctx, agentID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", sessionID, err)
	}
	return sess, nil
}

// GetOwned returns a session after confirming userID owns it.
func (m *Manager) GetOwned(ctx context.Context, agentID, userID, sessionID string) (*store.Session, error) {
	sess, err := m.Get(ctx, agentID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(sess, userID); err != nil {
		return nil, err
	}
	return sess, nil
}

// ListRequest selects a page of sessions.
type ListRequest struct {
	AgentID   string
	UserID    string // empty lists every user's sessions
	PageSize  int
	PageToken string
}

// List returns sessions newest created first.
func (m *Manager) List(ctx context.Context, req ListRequest) (*store.ListSessionsResult, error) {
	if _, err := m.agents.Lookup(req.AgentID); err != nil {
		return nil, err
	}
	if req.PageSize < 0 || req.PageSize > store.MaxPageSize {
		return nil, fmt.Errorf("%w: page size must be between 1 and %d", ErrInvalidRequest, store.MaxPageSize)
	}
	res, err := m.store.ListSessions(ctx, store.ListSessionsParams{
		AgentID: req.AgentID,
		UserID:  req.UserID,
		Limit:   req.PageSize,
		Cursor:  req.PageToken,
	})
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return res, nil
}

// UpdateStateRequest is a state change made outside of a query.
type UpdateStateRequest struct {
	AgentID   string
	UserID    string
	SessionID string
	Delta     state.State
	Replace   bool
}

// UpdateState records a system event carrying the delta and returns the
// post-update session.
func (m *Manager) UpdateState(ctx context.Context, req UpdateStateRequest) (*store.Session, error) {
	if req.Delta == nil && !req.Replace {
		return nil, fmt.Errorf("%w: state delta is required", ErrInvalidRequest)
	}
	if err := req.Delta.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	var updated *store.Session
	err := m.withOwnedSession(ctx, req.AgentID, req.UserID, req.SessionID, func(*store.Session) error {
		_, sess, err := m.log.AppendLocked(ctx, req.AgentID, req.SessionID, eventlog.AppendRequest{
			Author:       store.AuthorSystem,
			InvocationID: "state-update-" + shortID(),
			Content:      store.Content{Role: "system", Text: fmt.Sprintf("State updated: %d keys", len(req.Delta))},
			StateDelta:   nonNil(req.Delta),
			Replace:      req.Replace,
		})
		updated = sess
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AppendRequest is an event appended on behalf of a user.
type AppendRequest struct {
	AgentID   string
	UserID    string
	SessionID string
	Event     eventlog.AppendRequest
}

// AppendEvent appends an event to a session the user owns.
func (m *Manager) AppendEvent(ctx context.Context, req AppendRequest) (*store.Event, *store.Session, error) {
	var (
		evt     *store.Event
		updated *store.Session
	)
	err := m.withOwnedSession(ctx, req.AgentID, req.UserID, req.SessionID, func(*store.Session) error {
		var err error
		evt, updated, err = m.log.AppendLocked(ctx, req.AgentID, req.SessionID, req.Event)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return evt, updated, nil
}

// Delete removes a session the user owns, together with its events.
func (m *Manager) Delete(ctx context.Context, agentID, userID, sessionID string) error {
	return m.withOwnedSession(ctx, agentID, userID, sessionID, func(*store.Session) error {
		return m.log.DeleteSessionLocked(ctx, agentID, sessionID)
	})
}

// Resolve returns the session a query should run in, creating it when
// sessionID is empty or unseen. created reports whether this call made it.
func (m *Manager) Resolve(ctx context.Context, agentID, userID, sessionID string) (sess *store.Session, created bool, err error) {
	if _, err := m.agents.Lookup(agentID); err != nil {
		return nil, false, err
	}
	if userID == "" {
		return nil, false, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}

	if sessionID != "" {
		sess, err = m.store.GetSession(ctx, agentID, sessionID)
		switch {
		case err == nil:
			return sess, false, checkOwner(sess, userID)
		case !errors.Is(err, store.ErrNotFound):
			return nil, false, fmt.Errorf("getting session %s: %w", sessionID, err)
		}
	}

	sess, err = m.Create(ctx, CreateRequest{AgentID: agentID, UserID: userID, SessionID: sessionID})
	if errors.Is(err, store.ErrDuplicateSession) {
		// lost a race with another creator of the same id; first one wins
		sess, err = m.store.GetSession(ctx, agentID, sessionID)
		if err != nil {
			return nil, false, fmt.Errorf("getting session %s: %w", sessionID, err)
		}
		return sess, false, checkOwner(sess, userID)
	}
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// withOwnedSession runs fn inside the session's exclusive section after
// confirming userID owns it.
func (m *Manager) withOwnedSession(ctx context.Context, agentID, userID, sessionID string, fn func(*store.Session) error) error {
	if _, err := m.agents.Lookup(agentID); err != nil {
		return err
	}
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}

	unlock := m.log.Lock(agentID, sessionID)
	defer unlock()

	sess, err := m.store.GetSession(ctx, agentID, sessionID)
	if err != nil {
		return fmt.Errorf("getting session %s: %w", sessionID, err)
	}
	if err := checkOwner(sess, userID); err != nil {
		m.logger.Warn("rejected change to session owned by another user",
			"agent_id", agentID,
			"session_id", sessionID,
			"user_id", userID,
		)
		return err
	}
	return fn(sess)
}

func checkOwner(sess *store.Session, userID string) error {
	if sess.UserID != userID {
		return fmt.Errorf("%w: %s", ErrForbidden, sess.ID)
	}
	return nil
}

func nonNil(s state.State) state.State {
	if s == nil {
		return state.State{}
	}
	return s
}

// shortID returns 8 random hex characters for synthetic invocation ids.
func shortID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
