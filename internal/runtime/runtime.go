// ABOUTME: Backend interface, request/chunk types and the upstream error type
// ABOUTME: Shared by the gRPC client, the echo backend and the router

package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/sessiongate/internal/state"
)

// Request is one query sent to a runtime.
type Request struct {
	AgentID   string
	UserID    string
	SessionID string
	Message   string
	Metadata  map[string]any
}

// Chunk is one piece of a streamed response.
type Chunk struct {
	Text       string
	StateDelta state.State
}

// Stream yields chunks until io.EOF or an error.
type Stream interface {
	Recv() (*Chunk, error)
	Close() error
}

// Backend runs queries against an agent runtime.
type Backend interface {
	StreamQuery(ctx context.Context, req *Request) (Stream, error)
}

// Error is a failure reported by, or while talking to, a runtime.
type Error struct {
	Op        string
	Err       error
	Transient bool
}

func (e *Error) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("runtime %s (%s): %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a runtime error worth retrying.
func IsTransient(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Transient
}

// AsError reports whether err came from a runtime.
func AsError(err error) (*Error, bool) {
	var re *Error
	ok := errors.As(err, &re)
	return re, ok
}
