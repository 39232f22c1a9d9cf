package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sessiongate/internal/agent"
	"github.com/2389/sessiongate/internal/auth"
	"github.com/2389/sessiongate/internal/conversation"
	"github.com/2389/sessiongate/internal/eventbus"
	"github.com/2389/sessiongate/internal/eventlog"
	"github.com/2389/sessiongate/internal/idempotency"
	"github.com/2389/sessiongate/internal/runtime"
	"github.com/2389/sessiongate/internal/session"
	"github.com/2389/sessiongate/internal/store"
)

const testSecret = "test-secret-that-is-at-least-32-bytes-long"

type testEnv struct {
	api         *API
	handler     http.Handler
	log         *eventlog.Log
	sessions    *session.Manager
	broadcaster *eventbus.Broadcaster
}

type envOption func(*APIConfig, *conversation.Config)

func withAuth(v auth.TokenVerifier) envOption {
	return func(c *APIConfig, _ *conversation.Config) { c.Verifier = v }
}

func withBackend(b runtime.Backend) envOption {
	return func(c *APIConfig, _ *conversation.Config) {
		c.Queries = conversation.New(c.Sessions, b, conversation.Config{NewID: func() string { return "0001" }}, nil)
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	reg, err := agent.NewRegistry([]agent.Agent{
		{ID: "agent-1", Name: "Agent One", Enabled: true},
		{ID: "off", Name: "Disabled", Enabled: false},
	})
	require.NoError(t, err)

	s := store.NewMemoryStore()
	b := eventbus.NewBroadcaster(nil)
	log := eventlog.New(s, eventlog.WithPublisher(b))
	sessions := session.NewManager(reg, s, log)
	cache := idempotency.New(time.Hour, 100)
	t.Cleanup(func() {
		cache.Close()
		b.Close()
	})

	convCfg := conversation.Config{NewID: func() string { return "0001" }}
	cfg := APIConfig{
		Agents:      reg,
		Store:       s,
		Sessions:    sessions,
		Log:         log,
		Broadcaster: b,
		Idempotency: cache,
		Keepalive:   time.Hour,
		Version:     "test",
	}
	for _, opt := range opts {
		opt(&cfg, &convCfg)
	}
	if cfg.Queries == nil {
		cfg.Queries = conversation.New(sessions, &runtime.Echo{}, convCfg, nil)
	}

	api := NewAPI(cfg)
	return &testEnv{
		api:         api,
		handler:     api.Handler(),
		log:         log,
		sessions:    sessions,
		broadcaster: b,
	}
}

// do sends a request and returns the recorded response.
func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[ErrorResponse](t, rec).Type
}

const sessionsPath = "/api/v1/agents/agent-1/users/alice/sessions"

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/health", "/api/v1/health"} {
		rec := env.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[HealthResponse](t, rec)
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "test", resp.Version)
		assert.Len(t, resp.Agents, 2)
	}

	rec := env.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListAgents(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	agents := decode[[]AgentResponse](t, rec)
	require.Len(t, agents, 2)
	assert.Equal(t, "agent-1", agents[0].AgentID)
	assert.True(t, agents[0].Enabled)
	assert.False(t, agents[1].Enabled)
}

func TestCreateSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, sessionsPath, map[string]any{
		"session_id":    "s1",
		"initial_state": map[string]any{"lang": "en"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sess := decode[SessionResponse](t, rec)
	assert.Equal(t, "s1", sess.SessionID)
	assert.Equal(t, "alice", sess.UserID)
	assert.Equal(t, "agent-1", sess.AgentID)
	assert.Equal(t, int64(1), sess.EventCount)
	assert.Contains(t, rec.Body.String(), `"state":{"lang":"en"}`)

	rec = env.do(t, http.MethodPost, sessionsPath+"/s1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, KindConflict, errorType(t, rec))
}

func TestCreateSession_PathIDAndEmptyBody(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, sessionsPath+"/from-path", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sess := decode[SessionResponse](t, rec)
	assert.Equal(t, "from-path", sess.SessionID)
	assert.Contains(t, rec.Body.String(), `"state":{}`)

	rec = env.do(t, http.MethodPost, sessionsPath, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, decode[SessionResponse](t, rec).SessionID)
}

func TestCreateSession_UnknownAndDisabledAgent(t *testing.T) {
	env := newTestEnv(t)

	for _, agentID := range []string{"nope", "off"} {
		rec := env.do(t, http.MethodPost, "/api/v1/agents/"+agentID+"/users/alice/sessions", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, agentID)
		assert.Equal(t, KindNotFound, errorType(t, rec))
	}
}

func TestCreateSession_BadJSON(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, sessionsPath, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, KindValidation, errorType(t, rec))
}

func TestGetSession_Ownership(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, sessionsPath+"/s1", nil).Code)

	rec := env.do(t, http.MethodGet, sessionsPath+"/s1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/agents/agent-1/users/bob/sessions/s1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, KindForbidden, errorType(t, rec))

	rec = env.do(t, http.MethodGet, sessionsPath+"/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSessions(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, fmt.Sprintf("%s/a%d", sessionsPath, i), nil).Code)
	}
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/agents/agent-1/users/bob/sessions/b0", nil).Code)

	rec := env.do(t, http.MethodGet, sessionsPath+"?page_size=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[SessionListResponse](t, rec)
	assert.Len(t, page.Sessions, 2)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextPageToken)

	rec = env.do(t, http.MethodGet, sessionsPath+"?page_size=2&page_token="+page.NextPageToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[SessionListResponse](t, rec)
	assert.Len(t, page.Sessions, 1)
	assert.False(t, page.HasMore)

	rec = env.do(t, http.MethodGet, "/api/v1/agents/agent-1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[SessionListResponse](t, rec).Sessions, 4)

	rec = env.do(t, http.MethodGet, "/api/v1/agents/agent-1/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"agent_id":"agent-1","users":["alice","bob"]}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, sessionsPath+"?page_size=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, sessionsPath+"?page_token=garbage", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, sessionsPath+"/s1", nil).Code)

	rec := env.do(t, http.MethodDelete, "/api/v1/agents/agent-1/users/bob/sessions/s1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodDelete, sessionsPath+"/s1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, sessionsPath+"/s1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodGet, sessionsPath+"/s1/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateState(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, sessionsPath, map[string]any{
		"session_id":    "s1",
		"initial_state": map[string]any{"a": 1, "b": 2},
	}).Code)

	rec := env.do(t, http.MethodPatch, sessionsPath+"/s1/state", map[string]any{
		"state_delta": map[string]any{"b": 3, "c": 4},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"a":1,"b":3,"c":4}`, string(extractField(t, rec, "state")))
	assert.Equal(t, int64(2), decode[SessionResponse](t, rec).EventCount)

	rec = env.do(t, http.MethodPatch, sessionsPath+"/s1/state", map[string]any{
		"state_delta": map[string]any{"z": true},
		"replace":     true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"z":true}`, string(extractField(t, rec, "state")))

	rec = env.do(t, http.MethodPatch, sessionsPath+"/s1/state", map[string]any{
		"state_delta": nil,
		"replace":     true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, string(extractField(t, rec, "state")))
}

func TestUpdateState_UserMismatch(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, sessionsPath+"/s1", nil).Code)

	rec := env.do(t, http.MethodPatch, sessionsPath+"/s1/state", map[string]any{
		"user_id":     "bob",
		"state_delta": map[string]any{"x": 1},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPatch, "/api/v1/agents/agent-1/users/bob/sessions/s1/state", map[string]any{
		"state_delta": map[string]any{"x": 1},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	events, err := env.log.List(t.Context(), eventlog.ListRequest{AgentID: "agent-1", SessionID: "s1"})
	require.NoError(t, err)
	assert.Empty(t, events.Events)
}

func extractField(t *testing.T, rec *httptest.ResponseRecorder, field string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m[field]
}

func TestAppendAndListEvents(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, sessionsPath+"/s1", nil).Code)

	for i, author := range []string{"user", "agent", "user", "agent"} {
		body := map[string]any{
			"author":  author,
			"content": map[string]any{"role": author, "text": fmt.Sprintf("m%d", i)},
		}
		if i == 1 {
			body["state_delta"] = map[string]any{"seen": 1}
		}
		rec := env.do(t, http.MethodPost, sessionsPath+"/s1/events", body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		resp := decode[AppendEventResponse](t, rec)
		assert.Equal(t, int64(i+1), resp.Event.EventID)
		assert.NotEmpty(t, resp.Event.InvocationID)
	}

	rec := env.do(t, http.MethodGet, sessionsPath+"/s1/events?page_size=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[EventListResponse](t, rec)
	require.Len(t, page.Events, 3)
	assert.Equal(t, int64(1), page.Events[0].EventID)
	assert.True(t, page.HasMore)

	rec = env.do(t, http.MethodGet, sessionsPath+"/s1/events?page_token="+page.NextPageToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[EventListResponse](t, rec)
	require.Len(t, page.Events, 1)
	assert.Equal(t, int64(4), page.Events[0].EventID)

	rec = env.do(t, http.MethodGet, sessionsPath+"/s1/events?order=desc&author=agent", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[EventListResponse](t, rec)
	require.Len(t, page.Events, 2)
	assert.Equal(t, int64(4), page.Events[0].EventID)
	assert.Equal(t, int64(2), page.Events[1].EventID)

	rec = env.do(t, http.MethodGet, sessionsPath+"/s1/events?order=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, sessionsPath+"/s1/events/2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	evt := decode[EventResponse](t, rec)
	assert.Equal(t, "m1", evt.Content.Text)
	assert.Contains(t, rec.Body.String(), `"state_delta":{"seen":1}`)

	rec = env.do(t, http.MethodGet, sessionsPath+"/s1/events/99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodGet, sessionsPath+"/s1/events/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, sessionsPath+"/s1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[session.Stats](t, rec)
	assert.Equal(t, int64(4), stats.EventCount)
	assert.Equal(t, 1, stats.StateSize)
}

func TestAppendEvent_InvalidAuthor(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, sessionsPath+"/s1", nil).Code)

	rec := env.do(t, http.MethodPost, sessionsPath+"/s1/events", map[string]any{
		"author":  "robot",
		"content": map[string]any{"text": "hi"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, KindValidation, errorType(t, rec))
}

func TestAppendEvent_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, sessionsPath+"/s1", nil).Code)

	body := map[string]any{
		"author":      "user",
		"content":     map[string]any{"role": "user", "text": "once"},
		"state_delta": map[string]any{"n": 1},
	}

	first := env.do(t, http.MethodPost, sessionsPath+"/s1/events", body, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	firstResp := decode[AppendEventResponse](t, first)
	assert.False(t, firstResp.Replayed)

	second := env.do(t, http.MethodPost, sessionsPath+"/s1/events", body, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	secondResp := decode[AppendEventResponse](t, second)
	assert.True(t, secondResp.Replayed)
	assert.Equal(t, firstResp.Event.EventID, secondResp.Event.EventID)

	third := env.do(t, http.MethodPost, sessionsPath+"/s1/events", body, "Idempotency-Key", "k2")
	require.Equal(t, http.StatusCreated, third.Code)
	assert.Equal(t, int64(2), decode[AppendEventResponse](t, third).Event.EventID)

	sess, err := env.sessions.Get(t.Context(), "agent-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sess.LastEventID)
}

func TestAppendEvent_IdempotentConcurrent(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, sessionsPath+"/s1", nil).Code)

	body := map[string]any{"author": "user", "content": map[string]any{"text": "race"}}
	const n = 8
	var wg sync.WaitGroup
	ids := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := env.do(t, http.MethodPost, sessionsPath+"/s1/events", body, "Idempotency-Key", "same")
			var resp AppendEventResponse
			if json.Unmarshal(rec.Body.Bytes(), &resp) == nil {
				ids[i] = resp.Event.EventID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, int64(1), id)
	}
	sess, err := env.sessions.Get(t.Context(), "agent-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sess.LastEventID)
}

func TestConversation(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, sessionsPath+"/s1", nil).Code)

	for _, m := range []struct{ author, text string }{
		{"user", "hi"}, {"agent", "**hello**"}, {"user", "bye"}, {"agent", "see you"},
	} {
		rec := env.do(t, http.MethodPost, sessionsPath+"/s1/events", map[string]any{
			"author":  m.author,
			"content": map[string]any{"text": m.text},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := env.do(t, http.MethodGet, sessionsPath+"/s1/conversation?max_turns=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	conv := decode[ConversationResponse](t, rec)
	require.Len(t, conv.Turns, 1)
	assert.Equal(t, "bye", conv.Turns[0].User.Content.Text)
	assert.Equal(t, "see you", conv.Turns[0].Agent.Content.Text)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, store.AuthorUser, conv.Messages[0].Author)
	assert.Equal(t, "bye", conv.Messages[0].Content.Text)
	assert.Equal(t, store.AuthorAgent, conv.Messages[1].Author)

	rec = env.do(t, http.MethodGet, sessionsPath+"/s1/conversation?format=html", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "<strong>hello</strong>")

	rec = env.do(t, http.MethodGet, sessionsPath+"/s1/conversation?max_turns=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuth_RequiresToken(t *testing.T) {
	v, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	env := newTestEnv(t, withAuth(v))

	rec := env.do(t, http.MethodGet, "/api/v1/agents", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[HealthResponse](t, rec).Caller)

	alice, err := v.Generate("alice", nil, time.Hour)
	require.NoError(t, err)
	rec = env.do(t, http.MethodGet, "/health", nil, "Authorization", "Bearer "+alice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", decode[HealthResponse](t, rec).Caller)

	rec = env.do(t, http.MethodGet, "/health", nil, "Authorization", "Bearer not-a-token")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[HealthResponse](t, rec).Caller)
}

func TestAuth_UserScoping(t *testing.T) {
	v, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	env := newTestEnv(t, withAuth(v))

	alice, err := v.Generate("alice", nil, time.Hour)
	require.NoError(t, err)
	admin, err := v.Generate("ops", []string{auth.RoleAdmin}, time.Hour)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, sessionsPath+"/s1", nil, "Authorization", "Bearer "+alice)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/agents/agent-1/users/bob/sessions", nil, "Authorization", "Bearer "+alice)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/agents/agent-1/users", nil, "Authorization", "Bearer "+alice)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/agents/agent-1/users", nil, "Authorization", "Bearer "+admin)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, sessionsPath+"/s1", nil, "Authorization", "Bearer "+admin)
	assert.Equal(t, http.StatusOK, rec.Code)

	// user_id defaults to the token subject
	rec = env.do(t, http.MethodPost, "/api/v1/agents/agent-1/query",
		map[string]any{"session_id": "s1", "message": "hi"}, "Authorization", "Bearer "+alice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "alice", decode[QueryResponse](t, rec).UserID)
}
