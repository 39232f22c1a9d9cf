// ABOUTME: Client-facing stream of frames for one query and its final outcome
// ABOUTME: Frames arrive on a bounded channel; Wait reports how the query ended

package conversation

import (
	"github.com/2389/sessiongate/internal/state"
	"github.com/2389/sessiongate/internal/store"
)

// Status is the lifecycle state of a query once its Stream exists. Failures
// before the first chunk return an error from StreamQuery instead.
type Status int

const (
	StatusStreaming Status = iota
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusStreaming:
		return "streaming"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// FrameType names a frame on the client stream.
type FrameType string

const (
	FrameDelta    FrameType = "content_delta"
	FrameComplete FrameType = "message_complete"
	FrameError    FrameType = "error"
)

// Frame is one item delivered to the client. Seq starts at 1 and increases by
// one per frame, terminal frames included.
type Frame struct {
	Type FrameType
	Seq  int

	// content_delta
	Text       string
	StateDelta state.State

	// message_complete
	EventID int64
	State   state.State

	// error
	Err       error
	Transient bool
}

// Terminal reports whether f ends the stream.
func (f Frame) Terminal() bool {
	return f.Type == FrameComplete || f.Type == FrameError
}

// Outcome is how a query ended.
type Outcome struct {
	Status     Status
	Content    string         // aggregated text that was logged
	Chunks     int            // backend chunks received
	AgentEvent *store.Event   // nil when no agent event was appended
	Session    *store.Session // snapshot after the agent event
	Err        error          // set for StatusFailed and StatusCancelled
}

// Stream is an in-flight query.
type Stream struct {
	SessionID      string
	InvocationID   string
	SessionCreated bool
	UserEvent      *store.Event

	frames  chan Frame
	done    chan struct{}
	outcome Outcome
}

// Frames returns the frame channel. It is closed after the terminal frame,
// or without one when the client cancelled.
func (s *Stream) Frames() <-chan Frame {
	return s.frames
}

// Done is closed once the outcome is final and the log is written.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the query has finished and returns its outcome. A caller
// that never reads Frames waits for the backend timeout plus FlushTimeout.
func (s *Stream) Wait() Outcome {
	<-s.done
	return s.outcome
}
