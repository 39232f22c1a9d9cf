// ABOUTME: Maps domain errors to HTTP status codes and JSON error bodies
// ABOUTME: Every handler reports failures through writeError

package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/2389/sessiongate/internal/agent"
	"github.com/2389/sessiongate/internal/conversation"
	"github.com/2389/sessiongate/internal/eventlog"
	"github.com/2389/sessiongate/internal/runtime"
	"github.com/2389/sessiongate/internal/session"
	"github.com/2389/sessiongate/internal/state"
	"github.com/2389/sessiongate/internal/store"
)

// StatusClientClosedRequest is reported when the client went away before a
// response was produced.
const StatusClientClosedRequest = 499

// Error kinds reported in the "type" field of error bodies.
const (
	KindNotFound   = "not_found"
	KindConflict   = "conflict"
	KindForbidden  = "forbidden"
	KindValidation = "validation_error"
	KindUpstream   = "upstream_error"
	KindCancelled  = "cancelled"
	KindInternal   = "internal_error"
)

// errBadRequest marks malformed HTTP input (bad JSON, bad query parameter).
var errBadRequest = errors.New("bad request")

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Type      string `json:"type"`
	Transient bool   `json:"transient,omitempty"`
}

// classifyError returns the HTTP status and error kind for err.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, agent.ErrAgentNotFound):
		return http.StatusNotFound, KindNotFound
	case errors.Is(err, store.ErrDuplicateSession):
		return http.StatusConflict, KindConflict
	case errors.Is(err, session.ErrForbidden):
		return http.StatusForbidden, KindForbidden
	case errors.Is(err, errBadRequest),
		errors.Is(err, store.ErrInvalidCursor),
		errors.Is(err, state.ErrInvalidDelta),
		errors.Is(err, eventlog.ErrInvalidEvent),
		errors.Is(err, session.ErrInvalidRequest),
		errors.Is(err, conversation.ErrInvalidQuery):
		return http.StatusBadRequest, KindValidation
	case errors.Is(err, conversation.ErrCancelled):
		return StatusClientClosedRequest, KindCancelled
	}
	if rerr, ok := runtime.AsError(err); ok {
		if rerr.Transient {
			return http.StatusServiceUnavailable, KindUpstream
		}
		return http.StatusBadGateway, KindUpstream
	}
	return http.StatusInternalServerError, KindInternal
}

// errorBody builds the error body for err. Internal errors are not echoed
// to clients.
func errorBody(err error) (int, ErrorResponse) {
	status, kind := classifyError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	return status, ErrorResponse{
		Error:     msg,
		Type:      kind,
		Transient: runtime.IsTransient(err),
	}
}

// writeError writes err as a JSON error response.
func writeError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusServiceUnavailable {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
