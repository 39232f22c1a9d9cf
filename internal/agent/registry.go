// ABOUTME: Immutable registry of configured agents
// ABOUTME: Disabled and unknown agents are both reported as ErrAgentNotFound

package agent

import (
	"errors"
	"fmt"
)

// ErrAgentNotFound is returned for unknown or disabled agents.
var ErrAgentNotFound = errors.New("agent not found")

// Agent describes one backend agent the gateway fronts.
type Agent struct {
	ID          string `json:"agent_id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	// Endpoint is the runtime address serving this agent. Empty means the
	// gateway's default runtime.
	Endpoint string `json:"endpoint,omitempty"`
}

// Registry is a read-only set of agents keyed by id.
type Registry struct {
	agents []Agent
	byID   map[string]int
}

// NewRegistry builds a registry. Ids must be non-empty and unique.
func NewRegistry(agents []Agent) (*Registry, error) {
	r := &Registry{
		agents: make([]Agent, 0, len(agents)),
		byID:   make(map[string]int, len(agents)),
	}
	for _, a := range agents {
		if a.ID == "" {
			return nil, errors.New("agent id is required")
		}
		if _, dup := r.byID[a.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", a.ID)
		}
		if a.Name == "" {
			a.Name = a.ID
		}
		if a.DisplayName == "" {
			a.DisplayName = a.Name
		}
		r.byID[a.ID] = len(r.agents)
		r.agents = append(r.agents, a)
	}
	return r, nil
}

// Lookup returns an enabled agent.
func (r *Registry) Lookup(id string) (Agent, error) {
	a, ok := r.Get(id)
	if !ok || !a.Enabled {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return a, nil
}

// Get returns an agent whether or not it is enabled.
func (r *Registry) Get(id string) (Agent, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Agent{}, false
	}
	return r.agents[i], true
}

// List returns every agent in declaration order.
func (r *Registry) List() []Agent {
	out := make([]Agent, len(r.agents))
	copy(out, r.agents)
	return out
}

// Enabled returns the enabled agents in declaration order.
func (r *Registry) Enabled() []Agent {
	var out []Agent
	for _, a := range r.agents {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}
