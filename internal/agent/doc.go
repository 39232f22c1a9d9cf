// Package agent holds the registry of agents the gateway serves.
//
// # Overview
//
// Agents are declared in configuration and loaded once at startup:
//
//	reg, err := agent.NewRegistry([]agent.Agent{
//	    {ID: "support", Name: "support", DisplayName: "Support", Enabled: true},
//	})
//
// The registry is immutable after construction and safe for concurrent use
// without locking.
//
// # Lookup
//
//   - Lookup(id): the agent, or ErrAgentNotFound when it is unknown or disabled
//   - Get(id): the agent regardless of its enabled flag
//   - List(): every agent in declaration order
//
// Every session and query operation starts with Lookup, so a disabled agent
// rejects all operations the same way an unknown one does.
package agent
