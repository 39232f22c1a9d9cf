// ABOUTME: HTTP API exposing agents, sessions, state and event logs
// ABOUTME: Routes use net/http method patterns under /api/v1

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/sessiongate/internal/agent"
	"github.com/2389/sessiongate/internal/auth"
	"github.com/2389/sessiongate/internal/conversation"
	"github.com/2389/sessiongate/internal/eventbus"
	"github.com/2389/sessiongate/internal/eventlog"
	"github.com/2389/sessiongate/internal/idempotency"
	"github.com/2389/sessiongate/internal/session"
	"github.com/2389/sessiongate/internal/state"
	"github.com/2389/sessiongate/internal/store"
	"github.com/2389/sessiongate/internal/transcript"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// DefaultKeepalive is the SSE ping interval when none is configured.
const DefaultKeepalive = 15 * time.Second

// APIConfig wires the API to its services.
type APIConfig struct {
	Agents      *agent.Registry
	Store       store.Store
	Sessions    *session.Manager
	Log         *eventlog.Log
	Queries     *conversation.Service
	Broadcaster *eventbus.Broadcaster
	Idempotency *idempotency.Cache
	// Verifier enables bearer authentication on /api/v1 when non-nil.
	Verifier  auth.TokenVerifier
	Keepalive time.Duration
	Version   string
	Logger    *slog.Logger
}

// API serves the HTTP surface.
type API struct {
	agents      *agent.Registry
	store       store.Store
	sessions    *session.Manager
	log         *eventlog.Log
	queries     *conversation.Service
	broadcaster *eventbus.Broadcaster
	idempotency *idempotency.Cache
	verifier    auth.TokenVerifier
	keepalive   time.Duration
	version     string
	logger      *slog.Logger
}

// NewAPI creates the API.
func NewAPI(cfg APIConfig) *API {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keepalive := cfg.Keepalive
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	return &API{
		agents:      cfg.Agents,
		store:       cfg.Store,
		sessions:    cfg.Sessions,
		log:         cfg.Log,
		queries:     cfg.Queries,
		broadcaster: cfg.Broadcaster,
		idempotency: cfg.Idempotency,
		verifier:    cfg.Verifier,
		keepalive:   keepalive,
		version:     cfg.Version,
		logger:      logger.With("component", "api"),
	}
}

// Handler returns the routed handler. Health endpoints never require
// authentication.
func (a *API) Handler() http.Handler {
	const (
		user = "/api/v1/agents/{agent}/users/{user}"
		sess = user + "/sessions/{session}"
	)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/v1/agents", a.handleListAgents)
	api.HandleFunc("POST /api/v1/agents/{agent}/query", a.handleQuery)
	api.HandleFunc("POST /api/v1/agents/{agent}/stream_query", a.handleStreamQuery)
	api.HandleFunc("GET /api/v1/agents/{agent}/users", a.handleListUsers)
	api.HandleFunc("GET /api/v1/agents/{agent}/sessions", a.handleListAgentSessions)

	api.HandleFunc("POST "+user+"/sessions", a.handleCreateSession)
	api.HandleFunc("GET "+user+"/sessions", a.handleListUserSessions)
	api.HandleFunc("POST "+sess, a.handleCreateSession)
	api.HandleFunc("GET "+sess, a.handleGetSession)
	api.HandleFunc("DELETE "+sess, a.handleDeleteSession)
	api.HandleFunc("PATCH "+sess+"/state", a.handleUpdateState)
	api.HandleFunc("GET "+sess+"/stats", a.handleSessionStats)
	api.HandleFunc("POST "+sess+"/events", a.handleAppendEvent)
	api.HandleFunc("GET "+sess+"/events", a.handleListEvents)
	api.HandleFunc("GET "+sess+"/events/stream", a.handleStreamEvents)
	api.HandleFunc("GET "+sess+"/events/{event}", a.handleGetEvent)
	api.HandleFunc("GET "+sess+"/conversation", a.handleConversation)

	var protected http.Handler = api
	if a.verifier != nil {
		protected = auth.HTTPAuthMiddleware(a.verifier, a.logger)(api)
	}

	var health http.Handler = http.HandlerFunc(a.handleHealth)
	if a.verifier != nil {
		health = auth.OptionalAuthMiddleware(a.verifier)(health)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health", health)
	mux.HandleFunc("GET /health/ready", a.handleReady)
	mux.Handle("GET /api/v1/health", health)
	mux.Handle("/api/v1/", protected)
	return mux
}

// AgentResponse describes one configured agent.
type AgentResponse struct {
	AgentID     string `json:"agent_id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// SessionResponse is the JSON view of a session.
type SessionResponse struct {
	SessionID  string      `json:"session_id"`
	UserID     string      `json:"user_id"`
	AgentID    string      `json:"agent_id"`
	State      state.State `json:"state"`
	EventCount int64       `json:"event_count"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// SessionListResponse is one page of sessions.
type SessionListResponse struct {
	Sessions      []SessionResponse `json:"sessions"`
	NextPageToken string            `json:"next_page_token,omitempty"`
	HasMore       bool              `json:"has_more"`
}

// EventResponse is the JSON view of an event.
type EventResponse struct {
	EventID      int64         `json:"event_id"`
	SessionID    string        `json:"session_id"`
	InvocationID string        `json:"invocation_id"`
	Author       store.Author  `json:"author"`
	Content      store.Content `json:"content"`
	StateDelta   state.State   `json:"state_delta,omitempty"`
	Replace      bool          `json:"replace,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// EventListResponse is one page of events.
type EventListResponse struct {
	Events        []EventResponse `json:"events"`
	NextPageToken string          `json:"next_page_token,omitempty"`
	HasMore       bool            `json:"has_more"`
}

// AppendEventResponse is returned after appending an event.
type AppendEventResponse struct {
	Event        EventResponse `json:"event"`
	SessionState state.State   `json:"session_state"`
	Replayed     bool          `json:"replayed,omitempty"`
}

// TurnResponse is one user message and the reply that followed.
type TurnResponse struct {
	User  *EventResponse `json:"user,omitempty"`
	Agent *EventResponse `json:"agent,omitempty"`
}

// ConversationResponse is a session's turn-paired history. Messages holds
// the same events flattened in log order.
type ConversationResponse struct {
	SessionID string          `json:"session_id"`
	Turns     []TurnResponse  `json:"turns"`
	Messages  []EventResponse `json:"messages"`
}

// HealthResponse is the liveness report.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Agents    []AgentResponse `json:"agents"`
	// Caller is the token subject when a valid bearer token was sent.
	Caller string `json:"caller,omitempty"`
}

func toAgentResponse(a agent.Agent) AgentResponse {
	return AgentResponse{
		AgentID:     a.ID,
		Name:        a.Name,
		DisplayName: a.DisplayName,
		Description: a.Description,
		Enabled:     a.Enabled,
	}
}

// orEmpty keeps empty states rendering as {} rather than null.
func orEmpty(s state.State) state.State {
	if s == nil {
		return state.State{}
	}
	return s
}

func toSessionResponse(s *store.Session) SessionResponse {
	return SessionResponse{
		SessionID:  s.ID,
		UserID:     s.UserID,
		AgentID:    s.AgentID,
		State:      orEmpty(s.State),
		EventCount: s.LastEventID,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

func toEventResponse(e *store.Event) EventResponse {
	return EventResponse{
		EventID:      e.ID,
		SessionID:    e.SessionID,
		InvocationID: e.InvocationID,
		Author:       e.Author,
		Content:      e.Content,
		StateDelta:   e.StateDelta,
		Replace:      e.Replace,
		Timestamp:    e.Timestamp,
	}
}

func toEventResponses(events []*store.Event) []EventResponse {
	out := make([]EventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, toEventResponse(e))
	}
	return out
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched
// when optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

// pageParams reads page_size and page_token.
func pageParams(r *http.Request) (int, string, error) {
	q := r.URL.Query()
	size := 0
	if raw := q.Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > store.MaxPageSize {
			return 0, "", fmt.Errorf("%w: page_size must be between 1 and %d", errBadRequest, store.MaxPageSize)
		}
		size = n
	}
	return size, q.Get("page_token"), nil
}

// authorizeUser confirms the caller may act as userID.
func (a *API) authorizeUser(r *http.Request, userID string) error {
	if a.verifier == nil {
		return nil
	}
	if auth.FromContext(r.Context()).CanActAs(userID) {
		return nil
	}
	return fmt.Errorf("%w: caller may not act as user %s", session.ErrForbidden, userID)
}

// authorizeAdmin confirms the caller may see every user's data.
func (a *API) authorizeAdmin(r *http.Request) error {
	if a.verifier == nil || auth.FromContext(r.Context()).IsAdmin() {
		return nil
	}
	return fmt.Errorf("%w: admin role required", session.ErrForbidden)
}

// ownedSession loads the session in the request path and checks that the
// path user owns it and that the caller may act as that user.
func (a *API) ownedSession(r *http.Request) (*store.Session, error) {
	userID := r.PathValue("user")
	if err := a.authorizeUser(r, userID); err != nil {
		return nil, err
	}
	return a.sessions.GetOwned(r.Context(), r.PathValue("agent"), userID, r.PathValue("session"))
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	agents := a.agents.List()
	resp := HealthResponse{
		Status:    "healthy",
		Version:   a.version,
		Timestamp: time.Now().UTC(),
		Agents:    make([]AgentResponse, 0, len(agents)),
	}
	for _, ag := range agents {
		resp.Agents = append(resp.Agents, toAgentResponse(ag))
	}
	if id := auth.FromContext(r.Context()); id != nil {
		resp.Caller = id.Subject
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReady reports whether the store is reachable.
func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": "store unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "agents": len(a.agents.Enabled())})
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := a.agents.List()
	out := make([]AgentResponse, 0, len(agents))
	for _, ag := range agents {
		out = append(out, toAgentResponse(ag))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if err := a.authorizeAdmin(r); err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	agentID := r.PathValue("agent")
	users, err := a.sessions.ListUsers(r.Context(), agentID)
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "users": users})
}

func (a *API) handleListAgentSessions(w http.ResponseWriter, r *http.Request) {
	if err := a.authorizeAdmin(r); err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	a.listSessions(w, r, "")
}

func (a *API) handleListUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	if err := a.authorizeUser(r, userID); err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	a.listSessions(w, r, userID)
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request, userID string) {
	size, token, err := pageParams(r)
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	res, err := a.sessions.List(r.Context(), session.ListRequest{
		AgentID:   r.PathValue("agent"),
		UserID:    userID,
		PageSize:  size,
		PageToken: token,
	})
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	resp := SessionListResponse{
		Sessions:      make([]SessionResponse, 0, len(res.Sessions)),
		NextPageToken: res.NextCursor,
		HasMore:       res.HasMore,
	}
	for _, s := range res.Sessions {
		resp.Sessions = append(resp.Sessions, toSessionResponse(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateSessionRequest is the body of a session create. SessionID is ignored
// when the id is part of the path.
type CreateSessionRequest struct {
	SessionID    string      `json:"session_id,omitempty"`
	InitialState state.State `json:"initial_state,omitempty"`
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	if err := a.authorizeUser(r, userID); err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	var req CreateSessionRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	sessionID := req.SessionID
	if id := r.PathValue("session"); id != "" {
		sessionID = id
	}

	sess, err := a.sessions.Create(r.Context(), session.CreateRequest{
		AgentID:      r.PathValue("agent"),
		UserID:       userID,
		SessionID:    sessionID,
		InitialState: req.InitialState,
	})
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.ownedSession(r)
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (a *API) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	if err := a.authorizeUser(r, userID); err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	if err := a.sessions.Delete(r.Context(), r.PathValue("agent"), userID, r.PathValue("session")); err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	sess, err := a.ownedSession(r)
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	stats, err := a.sessions.Stats(r.Context(), sess.AgentID, sess.ID)
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// UpdateStateRequest is the body of PATCH .../state. UserID, when given, must
// match the path.
type UpdateStateRequest struct {
	UserID     string       `json:"user_id,omitempty"`
	StateDelta *state.State `json:"state_delta"`
	Replace    bool         `json:"replace"`
}

func (a *API) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	if err := a.authorizeUser(r, userID); err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	var req UpdateStateRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	if req.UserID != "" && req.UserID != userID {
		writeError(w, a.logger, r, fmt.Errorf("%w: user_id does not match path", errBadRequest))
		return
	}
	var delta state.State
	if req.StateDelta != nil {
		delta = *req.StateDelta
	}

	sess, err := a.sessions.UpdateState(r.Context(), session.UpdateStateRequest{
		AgentID:   r.PathValue("agent"),
		UserID:    userID,
		SessionID: r.PathValue("session"),
		Delta:     delta,
		Replace:   req.Replace,
	})
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// AppendEventRequest is the body of POST .../events.
type AppendEventRequest struct {
	UserID       string        `json:"user_id,omitempty"`
	Author       store.Author  `json:"author"`
	InvocationID string        `json:"invocation_id,omitempty"`
	Content      store.Content `json:"content"`
	StateDelta   *state.State  `json:"state_delta,omitempty"`
	Replace      bool          `json:"replace,omitempty"`
}

// handleAppendEvent appends one event. A repeated Idempotency-Key returns
// the event the first request created, with the session's current state.
func (a *API) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	agentID, userID, sessionID := r.PathValue("agent"), r.PathValue("user"), r.PathValue("session")
	if err := a.authorizeUser(r, userID); err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	var req AppendEventRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	if req.UserID != "" && req.UserID != userID {
		writeError(w, a.logger, r, fmt.Errorf("%w: user_id does not match path", errBadRequest))
		return
	}
	if req.InvocationID == "" {
		req.InvocationID = "e-" + uuid.NewString()
	}
	if req.Content.Role == "" {
		req.Content.Role = string(req.Author)
	}
	appendReq := session.AppendRequest{
		AgentID:   agentID,
		UserID:    userID,
		SessionID: sessionID,
		Event: eventlog.AppendRequest{
			Author:       req.Author,
			InvocationID: req.InvocationID,
			Content:      req.Content,
			Replace:      req.Replace,
		},
	}
	if req.StateDelta != nil {
		appendReq.Event.StateDelta = *req.StateDelta
		if appendReq.Event.StateDelta == nil {
			appendReq.Event.StateDelta = state.State{}
		}
	}

	var (
		evt  *store.Event
		sess *store.Session
	)
	appendOnce := func() (int64, error) {
		var err error
		evt, sess, err = a.sessions.AppendEvent(r.Context(), appendReq)
		if err != nil {
			return 0, err
		}
		return evt.ID, nil
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" || a.idempotency == nil {
		if _, err := appendOnce(); err != nil {
			writeError(w, a.logger, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, AppendEventResponse{Event: toEventResponse(evt), SessionState: orEmpty(sess.State)})
		return
	}

	eventID, replayed, err := a.idempotency.Do(idempotency.Key(agentID, sessionID, userID, key), appendOnce)
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	if !replayed {
		writeJSON(w, http.StatusCreated, AppendEventResponse{Event: toEventResponse(evt), SessionState: orEmpty(sess.State)})
		return
	}

	sess, err = a.sessions.GetOwned(r.Context(), agentID, userID, sessionID)
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	evt, err = a.log.Get(r.Context(), agentID, sessionID, eventID)
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	a.logger.Debug("replayed idempotent append", "session_id", sessionID, "event_id", eventID)
	writeJSON(w, http.StatusOK, AppendEventResponse{Event: toEventResponse(evt), SessionState: orEmpty(sess.State), Replayed: true})
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := a.ownedSession(r)
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	size, token, err := pageParams(r)
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	q := r.URL.Query()
	var descending bool
	switch q.Get("order") {
	case "", "asc":
	case "desc":
		descending = true
	default:
		writeError(w, a.logger, r, fmt.Errorf("%w: order must be asc or desc", errBadRequest))
		return
	}

	res, err := a.log.List(r.Context(), eventlog.ListRequest{
		AgentID:    sess.AgentID,
		SessionID:  sess.ID,
		Author:     store.Author(q.Get("author")),
		PageSize:   size,
		PageToken:  token,
		Descending: descending,
	})
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EventListResponse{
		Events:        toEventResponses(res.Events),
		NextPageToken: res.NextCursor,
		HasMore:       res.HasMore,
	})
}

func (a *API) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	sess, err := a.ownedSession(r)
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	id, err := strconv.ParseInt(r.PathValue("event"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, a.logger, r, fmt.Errorf("%w: event id must be a positive integer", errBadRequest))
		return
	}
	evt, err := a.log.Get(r.Context(), sess.AgentID, sess.ID, id)
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResponse(evt))
}

func (a *API) handleConversation(w http.ResponseWriter, r *http.Request) {
	sess, err := a.ownedSession(r)
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	maxTurns := 0
	if raw := r.URL.Query().Get("max_turns"); raw != "" {
		maxTurns, err = strconv.Atoi(raw)
		if err != nil || maxTurns < 1 {
			writeError(w, a.logger, r, fmt.Errorf("%w: max_turns must be a positive integer", errBadRequest))
			return
		}
	}

	turns, err := a.log.Conversation(r.Context(), sess.AgentID, sess.ID, maxTurns)
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}

	if r.URL.Query().Get("format") == "html" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := transcript.Render(w, "Session "+sess.ID, turns); err != nil {
			a.logger.Error("failed to render transcript", "session_id", sess.ID, "error", err)
		}
		return
	}

	resp := ConversationResponse{SessionID: sess.ID, Turns: make([]TurnResponse, 0, len(turns))}
	for _, t := range turns {
		var tr TurnResponse
		if t.User != nil {
			e := toEventResponse(t.User)
			tr.User = &e
		}
		if t.Agent != nil {
			e := toEventResponse(t.Agent)
			tr.Agent = &e
		}
		resp.Turns = append(resp.Turns, tr)
	}
	msgs := eventlog.Messages(turns)
	resp.Messages = make([]EventResponse, 0, len(msgs))
	for i := range msgs {
		resp.Messages = append(resp.Messages, toEventResponse(&msgs[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}
