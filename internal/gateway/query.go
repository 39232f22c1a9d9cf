// ABOUTME: Query endpoints that forward a user message to the agent runtime
// ABOUTME: stream_query relays frames over SSE, query returns the collected reply

package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/sessiongate/internal/auth"
	"github.com/2389/sessiongate/internal/conversation"
	"github.com/2389/sessiongate/internal/state"
)

var errStreamAborted = errors.New("stream aborted")

// QueryRequestBody is the body of both query endpoints.
type QueryRequestBody struct {
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id,omitempty"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// QueryResponse is the reply to a non-streaming query.
type QueryResponse struct {
	SessionID      string          `json:"session_id"`
	UserID         string          `json:"user_id"`
	InvocationID   string          `json:"invocation_id"`
	SessionCreated bool            `json:"session_created"`
	Content        string          `json:"content"`
	State          state.State     `json:"state"`
	Events         []EventResponse `json:"events"`
}

type messageStart struct {
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	InvocationID   string `json:"invocation_id"`
	SessionCreated bool   `json:"session_created"`
	UserEventID    int64  `json:"user_event_id"`
}

type contentDelta struct {
	Text       string      `json:"text"`
	StateDelta state.State `json:"state_delta,omitempty"`
}

type messageComplete struct {
	Status  string      `json:"status"`
	EventID int64       `json:"event_id"`
	State   state.State `json:"state"`
}

type streamError struct {
	Error     string `json:"error"`
	Type      string `json:"type"`
	Transient bool   `json:"transient"`
}

// queryRequest decodes and authorizes a query body.
func (a *API) queryRequest(r *http.Request) (*conversation.QueryRequest, error) {
	var body QueryRequestBody
	if err := decodeBody(r, &body, false); err != nil {
		return nil, err
	}
	if body.UserID == "" && a.verifier != nil {
		if id := auth.FromContext(r.Context()); id != nil {
			body.UserID = id.Subject
		}
	}
	if err := a.authorizeUser(r, body.UserID); err != nil {
		return nil, err
	}
	return &conversation.QueryRequest{
		AgentID:   r.PathValue("agent"),
		UserID:    body.UserID,
		SessionID: body.SessionID,
		Message:   body.Message,
		Metadata:  body.Metadata,
	}, nil
}

func (a *API) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, err := a.queryRequest(r)
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	res, err := a.queries.Query(r.Context(), req)
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{
		SessionID:      res.SessionID,
		UserID:         req.UserID,
		InvocationID:   res.InvocationID,
		SessionCreated: res.SessionCreated,
		Content:        res.Content,
		State:          orEmpty(res.State),
		Events:         toEventResponses(res.Events),
	})
}

// handleStreamQuery relays a query as SSE. Failures before the first chunk
// are plain JSON errors; after that the stream ends with message_complete or
// error.
func (a *API) handleStreamQuery(w http.ResponseWriter, r *http.Request) {
	sse := newSSEWriter(w, a.logger)
	if sse == nil {
		a.logger.Error("streaming not supported")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "streaming not supported", Type: KindInternal})
		return
	}
	req, err := a.queryRequest(r)
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}

	ctx := r.Context()
	stream, err := a.queries.StreamQuery(ctx, req)
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}

	sse.start()
	_ = sse.event("message_start", "", messageStart{
		SessionID:      stream.SessionID,
		UserID:         req.UserID,
		InvocationID:   stream.InvocationID,
		SessionCreated: stream.SessionCreated,
		UserEventID:    stream.UserEvent.ID,
	})

	ticker := time.NewTicker(a.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Debug("client disconnected from stream", "session_id", stream.SessionID)
			return
		case <-ticker.C:
			if err := sse.ping(); err != nil {
				return
			}
		case f, ok := <-stream.Frames():
			if !ok {
				return
			}
			if err := a.writeFrame(sse, f); err != nil {
				a.logger.Debug("stream write failed", "session_id", stream.SessionID, "error", err)
				return
			}
		}
	}
}

func (a *API) writeFrame(sse *sseWriter, f conversation.Frame) error {
	id := strconv.Itoa(f.Seq)
	switch f.Type {
	case conversation.FrameDelta:
		return sse.event(string(f.Type), id, contentDelta{Text: f.Text, StateDelta: f.StateDelta})
	case conversation.FrameComplete:
		return sse.event(string(f.Type), id, messageComplete{Status: "completed", EventID: f.EventID, State: orEmpty(f.State)})
	default:
		err := f.Err
		if err == nil {
			err = errStreamAborted
		}
		_, body := errorBody(err)
		return sse.event(string(f.Type), id, streamError{Error: body.Error, Type: body.Type, Transient: f.Transient})
	}
}
