package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deadlineRecorder is a flushing response that records write deadlines and
// can fail them.
type deadlineRecorder struct {
	*httptest.ResponseRecorder
	deadlines   []time.Time
	deadlineErr error
}

func (d *deadlineRecorder) SetWriteDeadline(t time.Time) error {
	d.deadlines = append(d.deadlines, t)
	return d.deadlineErr
}

func TestSSEWriter_SetsWriteDeadlinePerFrame(t *testing.T) {
	rec := &deadlineRecorder{ResponseRecorder: httptest.NewRecorder()}
	sse := newSSEWriter(rec, slog.Default())
	require.NotNil(t, sse)
	sse.start()

	before := time.Now()
	require.NoError(t, sse.event("content_delta", "1", map[string]string{"text": "hi"}))
	require.NoError(t, sse.ping())

	require.Len(t, rec.deadlines, 2)
	for _, d := range rec.deadlines {
		assert.False(t, d.Before(before.Add(sseWriteTimeout)))
	}
	assert.Contains(t, rec.Body.String(), "event: content_delta\nid: 1\ndata: {\"text\":\"hi\"}\n\n")
}

func TestSSEWriter_DeadlineFailureStopsFrame(t *testing.T) {
	rec := &deadlineRecorder{ResponseRecorder: httptest.NewRecorder(), deadlineErr: errors.New("conn closed")}
	sse := newSSEWriter(rec, slog.Default())
	require.NotNil(t, sse)

	err := sse.event("content_delta", "1", map[string]string{"text": "hi"})
	require.Error(t, err)
	assert.Empty(t, rec.Body.String())
}

func TestSSEWriter_DeadlineUnsupported(t *testing.T) {
	rec := httptest.NewRecorder()
	sse := newSSEWriter(rec, slog.Default())
	require.NotNil(t, sse)

	require.NoError(t, sse.event("ping", "", struct{}{}))
	assert.Equal(t, "event: ping\ndata: {}\n\n", rec.Body.String())
	assert.Equal(t, http.StatusOK, rec.Code)
}
