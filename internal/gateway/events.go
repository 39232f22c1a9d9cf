// ABOUTME: Live SSE feed of a session's appended events
// ABOUTME: Replays the log after Last-Event-ID before switching to live delivery

package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/sessiongate/internal/eventlog"
	"github.com/2389/sessiongate/internal/store"
)

// resumePoint reads the event id to resume after from Last-Event-ID or the
// after query parameter. Zero means start from the beginning of the log.
func resumePoint(r *http.Request) (int64, bool, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	if raw == "" {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, false, fmt.Errorf("%w: resume point must be a non-negative event id", errBadRequest)
	}
	return id, true, nil
}

// handleStreamEvents streams events as they are appended. With a resume
// point the missed events are replayed from the log first. Events are framed
// with the event id so clients can reconnect without gaps.
func (a *API) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	sse := newSSEWriter(w, a.logger)
	if sse == nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "streaming not supported", Type: KindInternal})
		return
	}
	sess, err := a.ownedSession(r)
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}
	after, replay, err := resumePoint(r)
	if err != nil {
		writeError(w, a.logger, r, err)
		return
	}

	ctx := r.Context()
	// Subscribe before replaying so nothing appended in between is missed.
	live, subID := a.broadcaster.Subscribe(ctx, sess.AgentID, sess.ID)
	logger := a.logger.With("session_id", sess.ID, "sub_id", subID)

	sse.start()
	last := after
	if replay {
		last, err = a.replayEvents(sse, r, sess, after)
		if err != nil {
			logger.Debug("event replay stopped", "error", err)
			return
		}
	}

	ticker := time.NewTicker(a.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("event stream closed by client")
			return
		case <-ticker.C:
			if err := sse.ping(); err != nil {
				return
			}
		case evt, ok := <-live:
			if !ok {
				return
			}
			if evt.ID <= last {
				continue
			}
			if err := a.writeEvent(sse, evt); err != nil {
				return
			}
			last = evt.ID
		}
	}
}

// replayEvents writes every event after the given id and returns the last id
// written.
func (a *API) replayEvents(sse *sseWriter, r *http.Request, sess *store.Session, after int64) (int64, error) {
	last := after
	token := store.EventCursorAfter(after)
	for {
		page, err := a.log.List(r.Context(), eventlog.ListRequest{
			AgentID:   sess.AgentID,
			SessionID: sess.ID,
			PageSize:  store.MaxPageSize,
			PageToken: token,
		})
		if err != nil {
			return last, err
		}
		for _, evt := range page.Events {
			if err := a.writeEvent(sse, evt); err != nil {
				return last, err
			}
			last = evt.ID
		}
		if !page.HasMore {
			return last, nil
		}
		token = page.NextCursor
	}
}

func (a *API) writeEvent(sse *sseWriter, evt *store.Event) error {
	return sse.event("event", strconv.FormatInt(evt.ID, 10), toEventResponse(evt))
}
