// ABOUTME: Routes queries to a backend chosen by agent id
// ABOUTME: Falls back to a default backend for agents without their own

package runtime

import (
	"context"
	"fmt"
)

// Router is a Backend that forwards each query to the backend registered for
// its agent.
type Router struct {
	backends map[string]Backend
	fallback Backend
}

// NewRouter creates a router. fallback may be nil.
func NewRouter(fallback Backend) *Router {
	return &Router{
		backends: make(map[string]Backend),
		fallback: fallback,
	}
}

// Route registers b for agentID. Call before serving traffic.
func (r *Router) Route(agentID string, b Backend) {
	r.backends[agentID] = b
}

// StreamQuery implements Backend.
func (r *Router) StreamQuery(ctx context.Context, req *Request) (Stream, error) {
	b, ok := r.backends[req.AgentID]
	if !ok {
		b = r.fallback
	}
	if b == nil {
		return nil, &Error{Op: "route", Err: fmt.Errorf("no runtime configured for agent %q", req.AgentID)}
	}
	return b.StreamQuery(ctx, req)
}
