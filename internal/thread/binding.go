// Package thread defines the contract between the orchestrator and the
// external conversational execution engine. The orchestrator never runs an
// agent's conversation itself; it binds each agent to a thread through a
// Binder and reacts to the binding's event stream.
package thread

import "context"

// Status is the execution state reported by a thread binding.
type Status string

const (
	// StatusRunning indicates the thread is actively executing.
	StatusRunning Status = "running"

	// StatusPaused indicates the thread acknowledged a pause request.
	StatusPaused Status = "paused"

	// StatusCompleted indicates the thread finished its task.
	StatusCompleted Status = "completed"

	// StatusError indicates the thread failed.
	StatusError Status = "error"

	// StatusCancelled indicates the thread acknowledged cancellation.
	StatusCancelled Status = "cancelled"
)

// Event is a status update emitted by the execution engine for one thread.
// Seq is a per-agent monotonic sequence number: the registry drops events
// whose sequence is not newer than the last applied one, so a delayed
// "still running" can never clobber a later "completed".
type Event struct {
	ThreadID    string
	AgentID     string
	Seq         uint64
	Status      Status
	Output      string // incremental or final output text
	ErrMessage  string // populated when Status is StatusError
	ErrCode     string
	Recoverable bool
}

// Binder starts, controls, and re-attaches to conversational executions.
// All control operations are requests: the authoritative outcome arrives
// asynchronously on the Events channel. Implementations must be safe for
// concurrent use.
type Binder interface {
	// Start launches a new execution for the agent's task and returns the
	// bound thread ID.
	Start(ctx context.Context, agentID, task string) (string, error)

	// Pause requests the thread suspend execution.
	Pause(ctx context.Context, threadID string) error

	// Resume requests a paused thread continue.
	Resume(ctx context.Context, threadID string) error

	// Cancel requests cooperative teardown. The thread is signaled, not
	// killed synchronously; callers must not assume teardown finished.
	Cancel(ctx context.Context, threadID string) error

	// Retry starts a fresh execution for the same task, returning a new
	// thread ID. The old thread's state is never replayed.
	Retry(ctx context.Context, agentID, task string) (string, error)

	// Attach attempts to re-attach to a thread that may have survived a
	// process restart. Returns an error if the thread is gone.
	Attach(ctx context.Context, threadID string) error

	// Events returns the stream of status updates for all threads managed
	// by this binder. The channel is closed when the binder shuts down.
	Events() <-chan Event
}
