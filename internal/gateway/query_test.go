package gateway

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sessiongate/internal/eventlog"
	"github.com/2389/sessiongate/internal/runtime"
	"github.com/2389/sessiongate/internal/store"
)

// failingBackend emits the scripted chunks and then fails.
type failingBackend struct {
	chunks []string
	err    error
}

func (b *failingBackend) StreamQuery(ctx context.Context, _ *runtime.Request) (runtime.Stream, error) {
	return &failingStream{chunks: append([]string(nil), b.chunks...), err: b.err}, nil
}

type failingStream struct {
	chunks []string
	err    error
}

func (s *failingStream) Recv() (*runtime.Chunk, error) {
	if len(s.chunks) == 0 {
		return nil, s.err
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return &runtime.Chunk{Text: c}, nil
}

func (s *failingStream) Close() error { return nil }

func TestStreamQuery_Golden(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/agents/agent-1/stream_query", map[string]any{
		"user_id":    "alice",
		"session_id": "s1",
		"message":    "hello world",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "stream_query_echo", rec.Body.Bytes())
}

func TestStreamQuery_LogsBothEvents(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/agents/agent-1/stream_query", map[string]any{
		"user_id":    "alice",
		"session_id": "s1",
		"message":    "hello world",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	page, err := env.log.List(t.Context(), eventlog.ListRequest{AgentID: "agent-1", SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, store.AuthorUser, page.Events[0].Author)
	assert.Equal(t, "hello world", page.Events[0].Content.Text)
	assert.Equal(t, store.AuthorAgent, page.Events[1].Author)
	assert.Equal(t, "echo: hello world", page.Events[1].Content.Text)
	assert.Equal(t, page.Events[0].InvocationID, page.Events[1].InvocationID)
}

func TestStreamQuery_ErrorsBeforeStreaming(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		path   string
		body   map[string]any
		status int
		kind   string
	}{
		{"empty message", "/api/v1/agents/agent-1/stream_query", map[string]any{"user_id": "alice", "message": "  "}, http.StatusBadRequest, KindValidation},
		{"missing user", "/api/v1/agents/agent-1/stream_query", map[string]any{"message": "hi"}, http.StatusBadRequest, KindValidation},
		{"unknown agent", "/api/v1/agents/nope/stream_query", map[string]any{"user_id": "alice", "message": "hi"}, http.StatusNotFound, KindNotFound},
		{"disabled agent", "/api/v1/agents/off/stream_query", map[string]any{"user_id": "alice", "message": "hi"}, http.StatusNotFound, KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.kind, errorType(t, rec))
		})
	}
}

func TestStreamQuery_OtherUsersSession(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, sessionsPath+"/s1", nil).Code)

	rec := env.do(t, http.MethodPost, "/api/v1/agents/agent-1/stream_query", map[string]any{
		"user_id":    "bob",
		"session_id": "s1",
		"message":    "hi",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStreamQuery_BackendFailsBeforeFirstChunk(t *testing.T) {
	backend := &failingBackend{err: &runtime.Error{Op: "recv", Err: errors.New("unavailable"), Transient: true}}
	env := newTestEnv(t, withBackend(backend))

	rec := env.do(t, http.MethodPost, "/api/v1/agents/agent-1/stream_query", map[string]any{
		"user_id": "alice", "session_id": "s1", "message": "hi",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, KindUpstream, resp.Type)
	assert.True(t, resp.Transient)

	page, err := env.log.List(t.Context(), eventlog.ListRequest{AgentID: "agent-1", SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, store.AuthorUser, page.Events[0].Author)
}

func TestStreamQuery_BackendFailsMidStream(t *testing.T) {
	backend := &failingBackend{
		chunks: []string{"partial ", "answer"},
		err:    &runtime.Error{Op: "recv", Err: errors.New("connection reset")},
	}
	env := newTestEnv(t, withBackend(backend))

	rec := env.do(t, http.MethodPost, "/api/v1/agents/agent-1/stream_query", map[string]any{
		"user_id": "alice", "session_id": "s1", "message": "hi",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	frames := parseSSE(t, rec.Body.String())
	require.Len(t, frames, 4)
	assert.Equal(t, "message_start", frames[0].event)
	assert.Equal(t, "content_delta", frames[1].event)
	assert.Equal(t, "content_delta", frames[2].event)
	assert.Equal(t, "error", frames[3].event)
	assert.Equal(t, "3", frames[3].id)
	assert.JSONEq(t, `{"error":"runtime recv (terminal): connection reset","type":"upstream_error","transient":false}`, frames[3].data)

	page, err := env.log.List(t.Context(), eventlog.ListRequest{AgentID: "agent-1", SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, "partial answer", page.Events[1].Content.Text)
	assert.Nil(t, page.Events[1].StateDelta)
}

func TestQuery_NonStreaming(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/agents/agent-1/query", map[string]any{
		"user_id": "alice",
		"message": "hello world",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[QueryResponse](t, rec)
	assert.NotEmpty(t, resp.SessionID)
	assert.True(t, resp.SessionCreated)
	assert.Equal(t, "e-0001", resp.InvocationID)
	assert.Equal(t, "echo: hello world", resp.Content)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, int64(1), resp.Events[0].EventID)
	assert.Equal(t, int64(2), resp.Events[1].EventID)
	assert.JSONEq(t, `{"last_message":"hello world"}`, string(extractField(t, rec, "state")))

	rec = env.do(t, http.MethodPost, "/api/v1/agents/agent-1/query", map[string]any{
		"user_id":    "alice",
		"session_id": resp.SessionID,
		"message":    "again",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[QueryResponse](t, rec)
	assert.False(t, second.SessionCreated)
	assert.Equal(t, int64(4), second.Events[1].EventID)
}

func TestQuery_BackendFailure(t *testing.T) {
	backend := &failingBackend{
		chunks: []string{"half"},
		err:    &runtime.Error{Op: "recv", Err: errors.New("deadline"), Transient: true},
	}
	env := newTestEnv(t, withBackend(backend))

	rec := env.do(t, http.MethodPost, "/api/v1/agents/agent-1/query", map[string]any{
		"user_id": "alice", "session_id": "s1", "message": "hi",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, KindUpstream, errorType(t, rec))

	page, err := env.log.List(t.Context(), eventlog.ListRequest{AgentID: "agent-1", SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, "half", page.Events[1].Content.Text)
}

func TestStreamEvents_ReplayAndLive(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, sessionsPath+"/s1", nil).Code)
	for _, text := range []string{"one", "two"} {
		rec := env.do(t, http.MethodPost, sessionsPath+"/s1/events", map[string]any{
			"author": "user", "content": map[string]any{"text": text},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+sessionsPath+"/s1/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	replayed := readFrame(t, reader)
	assert.Equal(t, "event", replayed.event)
	assert.Equal(t, "2", replayed.id)
	assert.Contains(t, replayed.data, `"text":"two"`)

	require.Eventually(t, func() bool {
		return env.broadcaster.SubscriberCount("agent-1", "s1") == 1
	}, time.Second, 10*time.Millisecond)

	rec := env.do(t, http.MethodPost, sessionsPath+"/s1/events", map[string]any{
		"author": "agent", "content": map[string]any{"text": "three"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	live := readFrame(t, reader)
	assert.Equal(t, "3", live.id)
	assert.Contains(t, live.data, `"text":"three"`)
}

func TestStreamEvents_BadResumePoint(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, sessionsPath+"/s1", nil).Code)

	rec := env.do(t, http.MethodGet, sessionsPath+"/s1/events/stream?after=-4", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/agents/agent-1/users/bob/sessions/s1/events/stream", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

type sseFrame struct {
	event string
	id    string
	data  string
}

func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	r := bufio.NewReader(strings.NewReader(body))
	for {
		f, err := nextFrame(r)
		if errors.Is(err, io.EOF) {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func readFrame(t *testing.T, r *bufio.Reader) sseFrame {
	t.Helper()
	f, err := nextFrame(r)
	require.NoError(t, err)
	return f
}

// nextFrame reads lines up to the blank line that ends a frame.
func nextFrame(r *bufio.Reader) (sseFrame, error) {
	var f sseFrame
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return f, err
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			if f.event == "" {
				continue
			}
			return f, nil
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			f.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
}
