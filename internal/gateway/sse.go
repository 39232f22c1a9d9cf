// ABOUTME: Server-sent event framing shared by the streaming endpoints
// ABOUTME: Writes event/id/data frames and flushes after each one

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// sseWriteTimeout bounds each frame write so a client that stops reading
// cannot hold a handler forever.
const sseWriteTimeout = 30 * time.Second

// sseWriter writes SSE frames to a flushing response.
type sseWriter struct {
	w            http.ResponseWriter
	flusher      http.Flusher
	rc           *http.ResponseController
	writeTimeout time.Duration
	logger       *slog.Logger
}

// newSSEWriter returns nil when the response cannot stream.
func newSSEWriter(w http.ResponseWriter, logger *slog.Logger) *sseWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &sseWriter{
		w:            w,
		flusher:      flusher,
		rc:           http.NewResponseController(w),
		writeTimeout: sseWriteTimeout,
		logger:       logger,
	}
}

// start sends the SSE headers.
func (s *sseWriter) start() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

// event writes one frame. An empty id omits the id line.
func (s *sseWriter) event(name, id string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "event", name, "error", err)
		return err
	}
	if err := s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\n", name); err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// ping writes a keepalive frame.
func (s *sseWriter) ping() error {
	return s.event("ping", "", struct{}{})
}
