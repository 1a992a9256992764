// Package runtime supervises agent worker processes. The process
// runtime owns the exec/signal mechanics; the lazy runtime layers
// on-demand startup and idle shutdown on top of any delegate.
package runtime

import "context"

// Runtime manages worker lifecycles. The orchestrator only says what to
// do (start, stop, check); implementations decide how agents run.
type Runtime interface {
	// Start launches the worker for agentID. Starting an already-alive
	// agent is a no-op.
	Start(ctx context.Context, agentID string) error

	// Alive reports whether the agent's worker is currently running.
	Alive(agentID string) bool

	// AgentIDs returns every agent this runtime tracks.
	AgentIDs() []string

	// Stop shuts one agent down gracefully: mailbox shutdown message,
	// then escalating signals.
	Stop(ctx context.Context, agentID string) error

	// StopAll shuts every tracked agent down.
	StopAll(ctx context.Context) error
}
