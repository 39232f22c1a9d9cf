// ABOUTME: Per-query goroutine moving backend chunks into the client queue
// ABOUTME: Aggregates text in arrival order and writes the single agent event

package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/sessiongate/internal/eventlog"
	"github.com/2389/sessiongate/internal/runtime"
	"github.com/2389/sessiongate/internal/session"
	"github.com/2389/sessiongate/internal/state"
	"github.com/2389/sessiongate/internal/store"
)

type pump struct {
	svc     *Service
	req     *QueryRequest
	stream  *Stream
	backend runtime.Stream
	ctx     context.Context // client context
	bctx    context.Context // backend context, ctx plus timeout
	cancel  context.CancelFunc
	logger  *slog.Logger
	started time.Time

	buf    strings.Builder
	delta  state.State // merged partial deltas, nil when none arrived
	chunks int
	seq    int
}

// run drains the backend. first and firstErr are the result of the Recv made
// before the stream was handed to the caller.
func (p *pump) run(first *runtime.Chunk, firstErr error) {
	defer close(p.stream.done)

	chunk, err := first, firstErr
	for err == nil {
		p.chunks++
		p.buf.WriteString(chunk.Text)
		if chunk.StateDelta != nil {
			p.delta = state.Apply(p.delta, chunk.StateDelta, false)
		}
		if serr := p.send(Frame{Type: FrameDelta, Text: chunk.Text, StateDelta: chunk.StateDelta}); serr != nil {
			if p.ctx.Err() != nil {
				p.finishCancelled()
			} else {
				p.finishFailed(upstreamError(p.ctx, p.bctx, serr))
			}
			return
		}
		chunk, err = p.backend.Recv()
	}

	switch {
	case errors.Is(err, io.EOF):
		p.finishCompleted()
	case p.ctx.Err() != nil:
		p.finishCancelled()
	default:
		p.finishFailed(upstreamError(p.ctx, p.bctx, err))
	}
}

// send queues a delta frame, blocking while the queue is full. A client that
// stops reading holds the pump only until the backend deadline.
func (p *pump) send(f Frame) error {
	p.seq++
	f.Seq = p.seq
	select {
	case p.stream.frames <- f:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-p.bctx.Done():
		return p.bctx.Err()
	}
}

// deliver queues a terminal frame after the reply is logged. The frame is
// dropped if the queue stays full for FlushTimeout.
func (p *pump) deliver(f Frame) {
	p.seq++
	f.Seq = p.seq
	timer := time.NewTimer(p.svc.cfg.FlushTimeout)
	defer timer.Stop()
	select {
	case p.stream.frames <- f:
	case <-p.ctx.Done():
	case <-timer.C:
		p.logger.Warn("client not reading, dropping terminal frame", "frame", string(f.Type))
	}
}

func (p *pump) releaseBackend() {
	p.cancel()
	_ = p.backend.Close()
}

func (p *pump) finishCompleted() {
	p.releaseBackend()

	evt, sess, err := p.appendAgentEvent(p.delta)
	if err != nil {
		p.logger.Error("failed to log agent reply", "error", err)
		p.stream.outcome = Outcome{
			Status:  StatusFailed,
			Content: p.buf.String(),
			Chunks:  p.chunks,
			Err:     err,
		}
		p.deliver(Frame{Type: FrameError, Err: err})
		close(p.stream.frames)
		return
	}

	p.stream.outcome = Outcome{
		Status:     StatusCompleted,
		Content:    p.buf.String(),
		Chunks:     p.chunks,
		AgentEvent: evt,
		Session:    sess,
	}
	p.logger.Info("query completed",
		"event_id", evt.ID,
		"chunks", p.chunks,
		"duration", time.Since(p.started),
	)
	p.deliver(Frame{Type: FrameComplete, EventID: evt.ID, State: sess.State})
	close(p.stream.frames)
}

func (p *pump) finishFailed(cause error) {
	p.releaseBackend()

	out := Outcome{
		Status:  StatusFailed,
		Content: p.buf.String(),
		Chunks:  p.chunks,
		Err:     cause,
	}
	evt, sess, err := p.appendAgentEvent(nil)
	if err != nil {
		p.logger.Error("failed to log partial reply", "error", err)
	} else {
		out.AgentEvent, out.Session = evt, sess
	}
	p.stream.outcome = out

	p.logger.Warn("query failed mid-stream",
		"error", cause,
		"chunks", p.chunks,
		"transient", runtime.IsTransient(cause),
	)
	p.deliver(Frame{Type: FrameError, Err: cause, Transient: runtime.IsTransient(cause)})
	close(p.stream.frames)
}

// finishCancelled aborts the backend, closes the client queue without a
// terminal frame and then flushes what was received.
func (p *pump) finishCancelled() {
	p.releaseBackend()
	close(p.stream.frames)

	out := Outcome{
		Status:  StatusCancelled,
		Content: p.buf.String(),
		Chunks:  p.chunks,
		Err:     fmt.Errorf("%w: %w", ErrCancelled, p.ctx.Err()),
	}
	evt, sess, err := p.appendAgentEvent(nil)
	if err != nil {
		p.logger.Error("failed to log partial reply after cancel", "error", err)
	} else {
		out.AgentEvent, out.Session = evt, sess
	}
	p.stream.outcome = out

	p.logger.Info("query cancelled by client", "chunks", p.chunks)
}

// appendAgentEvent logs the aggregated reply. The append runs on a context
// detached from the client so that a disconnect cannot lose the reply.
func (p *pump) appendAgentEvent(delta state.State) (*store.Event, *store.Session, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), p.svc.cfg.FlushTimeout)
	defer cancel()

	return p.svc.sessions.AppendEvent(ctx, session.AppendRequest{
		AgentID:   p.req.AgentID,
		UserID:    p.req.UserID,
		SessionID: p.stream.SessionID,
		Event: eventlog.AppendRequest{
			Author:       store.AuthorAgent,
			InvocationID: p.stream.InvocationID,
			Content:      store.Content{Role: "model", Text: p.buf.String()},
			StateDelta:   delta,
		},
	})
}
