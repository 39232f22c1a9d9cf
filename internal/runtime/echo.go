// ABOUTME: Echo backend that streams the query back word by word
// ABOUTME: Used by the fake runtime binary and by tests

package runtime

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/2389/sessiongate/internal/state"
)

// Echo answers every query with "echo: <message>", one word per chunk. The
// last chunk carries a state delta recording the message.
type Echo struct {
	// Delay is waited before each chunk.
	Delay time.Duration
}

// StreamQuery implements Backend.
func (e *Echo) StreamQuery(ctx context.Context, req *Request) (Stream, error) {
	words := strings.Fields("echo: " + req.Message)
	chunks := make([]*Chunk, len(words))
	for i, w := range words {
		text := w
		if i < len(words)-1 {
			text += " "
		}
		chunks[i] = &Chunk{Text: text}
	}
	chunks[len(chunks)-1].StateDelta = state.State{
		"last_message": state.String(req.Message),
	}
	return &echoStream{ctx: ctx, chunks: chunks, delay: e.Delay}, nil
}

type echoStream struct {
	ctx    context.Context
	chunks []*Chunk
	delay  time.Duration
}

func (s *echoStream) Recv() (*Chunk, error) {
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		case <-t.C:
		}
	} else if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *echoStream) Close() error {
	s.chunks = nil
	return nil
}
