// ABOUTME: Query service: logs the user message, streams the backend reply to
// ABOUTME: the client and logs one aggregated agent event however the stream ends

package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/sessiongate/internal/eventlog"
	"github.com/2389/sessiongate/internal/runtime"
	"github.com/2389/sessiongate/internal/session"
	"github.com/2389/sessiongate/internal/state"
	"github.com/2389/sessiongate/internal/store"
)

var (
	// ErrInvalidQuery is returned for malformed query requests.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrCancelled is returned when the client went away before the backend
	// produced anything.
	ErrCancelled = errors.New("query cancelled")
)

const (
	DefaultQueueSize    = 32
	DefaultTimeout      = 2 * time.Minute
	DefaultFlushTimeout = 5 * time.Second
)

// Config tunes the query service.
type Config struct {
	// QueueSize bounds how many frames may wait for the client. When the
	// queue is full the service stops reading from the backend.
	QueueSize int
	// Timeout bounds each backend call.
	Timeout time.Duration
	// FlushTimeout bounds the final log append and the wait to queue a
	// terminal frame.
	FlushTimeout time.Duration
	// NewID mints the unique part of invocation ids. Defaults to uuid.
	NewID func() string
}

// Service runs queries.
type Service struct {
	sessions *session.Manager
	backend  runtime.Backend
	cfg      Config
	logger   *slog.Logger
}

// QueryRequest is one user message to an agent.
type QueryRequest struct {
	AgentID   string
	UserID    string
	SessionID string // empty to start a new session
	Message   string
	Metadata  map[string]any
}

// QueryResult is the outcome of a non-streaming query.
type QueryResult struct {
	SessionID      string
	InvocationID   string
	SessionCreated bool
	Content        string
	State          state.State
	Events         []*store.Event
}

// New creates a query service. Zero config fields take defaults.
func New(sessions *session.Manager, backend runtime.Backend, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Service{
		sessions: sessions,
		backend:  backend,
		cfg:      cfg,
		logger:   logger.With("component", "conversation"),
	}
}

// StreamQuery records the user message, starts the backend call and returns
// once the first chunk has arrived. A backend failure before any chunk is
// returned as an error and no agent event is logged. After that, every
// outcome ends with exactly one agent event holding what was received.
func (s *Service) StreamQuery(ctx context.Context, req *QueryRequest) (*Stream, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidQuery)
	}

	sess, created, err := s.sessions.Resolve(ctx, req.AgentID, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}

	invocationID := "e-" + s.cfg.NewID()
	userEvt, _, err := s.sessions.AppendEvent(ctx, session.AppendRequest{
		AgentID:   req.AgentID,
		UserID:    req.UserID,
		SessionID: sess.ID,
		Event: eventlog.AppendRequest{
			Author:       store.AuthorUser,
			InvocationID: invocationID,
			Content:      store.Content{Role: "user", Text: req.Message},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("recording user message: %w", err)
	}

	logger := s.logger.With(
		"agent_id", req.AgentID,
		"session_id", sess.ID,
		"invocation_id", invocationID,
	)
	logger.Info("query started", "session_created", created, "message_len", len(req.Message))

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	bctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	bs, err := s.backend.StreamQuery(bctx, &runtime.Request{
		AgentID:   req.AgentID,
		UserID:    req.UserID,
		SessionID: sess.ID,
		Message:   req.Message,
		Metadata:  req.Metadata,
	})
	if err != nil {
		cancel()
		err = upstreamError(ctx, bctx, err)
		logger.Warn("backend call failed before streaming", "error", err)
		return nil, err
	}

	first, err := bs.Recv()
	if err != nil && !errors.Is(err, io.EOF) {
		_ = bs.Close()
		cancel()
		err = upstreamError(ctx, bctx, err)
		logger.Warn("backend failed before first chunk", "error", err)
		return nil, err
	}

	st := &Stream{
		SessionID:      sess.ID,
		InvocationID:   invocationID,
		SessionCreated: created,
		UserEvent:      userEvt,
		frames:         make(chan Frame, s.cfg.QueueSize),
		done:           make(chan struct{}),
	}
	st.outcome.Status = StatusStreaming

	p := &pump{
		svc:     s,
		req:     req,
		stream:  st,
		backend: bs,
		ctx:     ctx,
		bctx:    bctx,
		cancel:  cancel,
		logger:  logger,
		started: time.Now(),
	}
	go p.run(first, err)

	return st, nil
}

// Query runs the same path as StreamQuery and collects the frames in process,
// so both produce identical log entries.
func (s *Service) Query(ctx context.Context, req *QueryRequest) (*QueryResult, error) {
	st, err := s.StreamQuery(ctx, req)
	if err != nil {
		return nil, err
	}
	for range st.Frames() {
	}

	out := st.Wait()
	switch out.Status {
	case StatusCompleted:
		res := &QueryResult{
			SessionID:      st.SessionID,
			InvocationID:   st.InvocationID,
			SessionCreated: st.SessionCreated,
			Content:        out.Content,
			Events:         []*store.Event{st.UserEvent},
		}
		if out.Session != nil {
			res.State = out.Session.State
		}
		if out.AgentEvent != nil {
			res.Events = append(res.Events, out.AgentEvent)
		}
		return res, nil
	case StatusCancelled:
		return nil, out.Err
	default:
		if out.Err == nil {
			return nil, &runtime.Error{Op: "stream", Err: errors.New("stream ended without a result")}
		}
		return nil, out.Err
	}
}

// upstreamError turns a backend failure into the error reported to callers.
func upstreamError(ctx, bctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	if errors.Is(bctx.Err(), context.DeadlineExceeded) {
		return &runtime.Error{Op: "timeout", Err: err, Transient: true}
	}
	if _, ok := runtime.AsError(err); ok {
		return err
	}
	return &runtime.Error{Op: "stream", Err: err}
}
