// Package agent implements the agent registry: the canonical owner of
// agent descriptors and the single mutation path for their status. All
// status changes flow through the registry, either from explicit control
// commands or from thread-binding events, so no two components can apply
// conflicting writes to the same agent.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-dev/maestro/internal/errors"
	"github.com/maestro-dev/maestro/internal/event"
	"github.com/maestro-dev/maestro/internal/logging"
	"github.com/maestro-dev/maestro/internal/thread"
)

// CodeInterrupted is the failure code tagged on agents whose execution
// was in flight when the supervising process restarted.
const CodeInterrupted = "execution_interrupted"

// Registry owns the canonical set of agents. It is safe for concurrent
// use; control operations on the same agent are additionally deduplicated
// by an operation-in-flight marker so a second rapid cancel is rejected
// with ErrOperationInProgress instead of double-applied.
type Registry struct {
	mu            sync.Mutex
	agents        map[string]*Agent
	order         []string          // agent IDs in creation order
	inFlight      map[string]string // agentID -> operation name
	maxConcurrent int               // 0 means unlimited

	binder thread.Binder
	bus    *event.Bus
	logger *logging.Logger
}

// NewRegistry creates a Registry using the given thread binder.
func NewRegistry(binder thread.Binder, bus *event.Bus, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Registry{
		agents:   make(map[string]*Agent),
		inFlight: make(map[string]string),
		binder:   binder,
		bus:      bus,
		logger:   logger.WithComponent("registry"),
	}
}

// SetMaxConcurrent caps the number of agents holding live executions at
// once. Zero means unlimited. Start rejects the cap overflow with a
// retryable error; the caller tries again once an execution finishes.
func (r *Registry) SetMaxConcurrent(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxConcurrent = n
}

// Spawn registers a new agent in pending state. Every dependency must
// name a known agent; unknown IDs fail with ErrDependencyNotFound and
// leave the registry unchanged.
func (r *Registry) Spawn(agentType Type, task string, dependencies []string) (string, error) {
	r.mu.Lock()

	for _, depID := range dependencies {
		if _, ok := r.agents[depID]; !ok {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: %s", errors.ErrDependencyNotFound, depID)
		}
	}

	a := &Agent{
		ID:           uuid.NewString(),
		Type:         agentType,
		Task:         task,
		Status:       StatusPending,
		Dependencies: append([]string(nil), dependencies...),
		CreatedAt:    time.Now(),
		Attempt:      1,
	}
	r.agents[a.ID] = a
	r.order = append(r.order, a.ID)
	r.mu.Unlock()

	r.logger.Info("agent spawned", "agent_id", a.ID, "type", agentType, "deps", len(dependencies))
	if r.bus != nil {
		r.bus.Publish(event.NewAgentSpawnedEvent(a.ID, string(agentType), task))
	}
	return a.ID, nil
}

// Start transitions a pending agent to running and requests a thread
// binding. All dependencies must be completed first. The running status
// is applied optimistically; the binding's own confirmation arrives later
// through ReportStatus.
func (r *Registry) Start(ctx context.Context, id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return errors.NewNotFoundError("agent", id).WithCause(errors.ErrAgentNotFound)
	}
	if a.Status != StatusPending {
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot start agent %s in status %s", errors.ErrInvalidTransition, id, a.Status)
	}
	for _, depID := range a.Dependencies {
		dep, ok := r.agents[depID]
		if !ok || dep.Status != StatusCompleted {
			r.mu.Unlock()
			return fmt.Errorf("%w: agent %s requires %s", errors.ErrDependencyNotSatisfied, id, depID)
		}
	}
	if r.maxConcurrent > 0 && r.liveCountLocked() >= r.maxConcurrent {
		r.mu.Unlock()
		return errors.NewAgentError(fmt.Sprintf("concurrent agent limit of %d reached", r.maxConcurrent), nil).
			WithAgentID(id).
			WithRetryable(true)
	}
	if err := r.beginOpLocked(id, "start"); err != nil {
		r.mu.Unlock()
		return err
	}
	task := a.Task
	r.mu.Unlock()

	threadID, err := r.binder.Start(ctx, id, task)

	r.mu.Lock()
	delete(r.inFlight, id)
	old := a.Status
	if err != nil {
		a.Status = StatusError
		a.Failure = &Failure{
			Message:     err.Error(),
			Code:        "binding_start_failed",
			Recoverable: errors.IsRetryable(err),
		}
		now := time.Now()
		a.CompletedAt = &now
		r.mu.Unlock()

		r.logger.Error("thread binding start failed", "agent_id", id, "error", err)
		r.publishStatusChange(id, old, StatusError, "", err.Error())
		return errors.NewAgentError("start thread binding", err).
			WithAgentID(id).
			WithRetryable(errors.IsRetryable(err))
	}

	now := time.Now()
	a.Status = StatusRunning
	a.ThreadID = threadID
	a.StartedAt = &now
	r.mu.Unlock()

	r.logger.Info("agent started", "agent_id", id, "thread_id", threadID)
	r.publishStatusChange(id, old, StatusRunning, threadID, "")
	return nil
}

// Pause requests suspension of a running agent. Valid only from running;
// any other status is a no-op reported with ErrInvalidTransition, which
// callers routinely ignore for speculative pauses.
func (r *Registry) Pause(ctx context.Context, id string) error {
	return r.controlTransition(ctx, id, "pause", StatusRunning, StatusPaused)
}

// Resume requests continuation of a paused agent. Valid only from paused.
func (r *Registry) Resume(ctx context.Context, id string) error {
	return r.controlTransition(ctx, id, "resume", StatusPaused, StatusRunning)
}

// controlTransition applies an optimistic pause/resume transition and
// forwards the request to the thread binding.
func (r *Registry) controlTransition(ctx context.Context, id, op string, from, to Status) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return errors.NewNotFoundError("agent", id).WithCause(errors.ErrAgentNotFound)
	}
	if a.Status == StatusError && a.Failure != nil && a.Failure.Code == CodeInterrupted {
		r.mu.Unlock()
		return errors.NewInterruptedError(id, a.ThreadID)
	}
	if a.Status != from {
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot %s agent %s in status %s", errors.ErrInvalidTransition, op, id, a.Status)
	}
	if err := r.beginOpLocked(id, op); err != nil {
		r.mu.Unlock()
		return err
	}

	a.Status = to
	if op == "pause" {
		a.InterruptReason = "pause"
	} else {
		a.InterruptReason = ""
	}
	threadID := a.ThreadID
	r.mu.Unlock()

	// The transition is already applied optimistically; a binder error is
	// surfaced in the log and the binding's eventual event stream settles
	// the true state.
	var err error
	if op == "pause" {
		err = r.binder.Pause(ctx, threadID)
	} else {
		err = r.binder.Resume(ctx, threadID)
	}

	r.mu.Lock()
	delete(r.inFlight, id)
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("thread binding request failed", "agent_id", id, "op", op, "error", err)
	}
	r.publishStatusChange(id, from, to, threadID, "")
	return nil
}

// Cancel moves a non-terminal agent to cancelled and signals the thread
// binding to tear down. Cancellation is cooperative: cancelled is recorded
// immediately while the binding's teardown completes asynchronously.
func (r *Registry) Cancel(ctx context.Context, id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return errors.NewNotFoundError("agent", id).WithCause(errors.ErrAgentNotFound)
	}
	if a.Status.IsTerminal() {
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot cancel agent %s in status %s", errors.ErrInvalidTransition, id, a.Status)
	}
	if err := r.beginOpLocked(id, "cancel"); err != nil {
		r.mu.Unlock()
		return err
	}

	old := a.Status
	now := time.Now()
	a.Status = StatusCancelled
	a.CompletedAt = &now
	threadID := a.ThreadID
	r.mu.Unlock()

	if threadID != "" {
		// Best-effort teardown; the outcome does not change the registry's
		// cancelled record.
		go func() {
			if err := r.binder.Cancel(ctx, threadID); err != nil {
				r.logger.Warn("thread binding cancel failed", "agent_id", id, "thread_id", threadID, "error", err)
			}
			r.mu.Lock()
			delete(r.inFlight, id)
			r.mu.Unlock()
		}()
	} else {
		r.mu.Lock()
		delete(r.inFlight, id)
		r.mu.Unlock()
	}

	r.logger.Info("agent cancelled", "agent_id", id, "from", old)
	r.publishStatusChange(id, old, StatusCancelled, threadID, "")
	return nil
}

// Retry archives a recoverably-failed agent and spawns a fresh run bound
// to the same task and dependencies. The new run gets a new agent ID and
// a new thread so stale thread state is never replayed. Returns the new
// agent's ID.
func (r *Registry) Retry(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return "", errors.NewNotFoundError("agent", id).WithCause(errors.ErrAgentNotFound)
	}
	if a.Status != StatusError || a.Failure == nil || !a.Failure.Recoverable {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: agent %s is not retryable", errors.ErrInvalidTransition, id)
	}
	if err := r.beginOpLocked(id, "retry"); err != nil {
		r.mu.Unlock()
		return "", err
	}

	a.Archived = true
	replacement := &Agent{
		ID:           uuid.NewString(),
		Type:         a.Type,
		Task:         a.Task,
		Status:       StatusPending,
		Dependencies: append([]string(nil), a.Dependencies...),
		CreatedAt:    time.Now(),
		Attempt:      a.Attempt + 1,
		RetryOf:      a.ID,
	}
	r.agents[replacement.ID] = replacement
	r.order = append(r.order, replacement.ID)
	task := replacement.Task
	attempt := replacement.Attempt
	r.mu.Unlock()

	threadID, err := r.binder.Retry(ctx, replacement.ID, task)

	r.mu.Lock()
	delete(r.inFlight, id)
	if err != nil {
		replacement.Status = StatusError
		replacement.Failure = &Failure{
			Message:     err.Error(),
			Code:        "binding_start_failed",
			Recoverable: true,
		}
		r.mu.Unlock()
		r.logger.Error("retry binding failed", "agent_id", replacement.ID, "retry_of", id, "error", err)
		return replacement.ID, errors.NewAgentError("retry thread binding", err).
			WithAgentID(replacement.ID).
			WithRetryable(true)
	}
	now := time.Now()
	replacement.Status = StatusRunning
	replacement.ThreadID = threadID
	replacement.StartedAt = &now
	r.mu.Unlock()

	r.logger.Info("agent retried", "old_agent_id", id, "new_agent_id", replacement.ID, "attempt", attempt)
	if r.bus != nil {
		r.bus.Publish(event.NewAgentRetriedEvent(id, replacement.ID, attempt))
	}
	r.publishStatusChange(replacement.ID, StatusPending, StatusRunning, threadID, "")
	return replacement.ID, nil
}

// ReportStatus applies a thread-binding event to the bound agent. It is
// the only path by which status flows from running to completed or error.
// Events bearing a sequence number not newer than the last applied one
// are dropped, so delayed callbacks cannot clobber later state.
func (r *Registry) ReportStatus(e thread.Event) error {
	r.mu.Lock()
	a, ok := r.agents[e.AgentID]
	if !ok {
		r.mu.Unlock()
		return errors.NewNotFoundError("agent", e.AgentID).WithCause(errors.ErrAgentNotFound)
	}

	if e.Seq != 0 && e.Seq <= a.seq {
		r.mu.Unlock()
		r.logger.Debug("dropped stale thread event", "agent_id", e.AgentID, "seq", e.Seq, "applied_seq", a.seq)
		return nil
	}

	to := statusFromThread(e.Status)
	old := a.Status

	// Confirmations of the current state refresh bookkeeping without
	// emitting duplicate notifications.
	if to == old {
		if e.Seq != 0 {
			a.seq = e.Seq
		}
		if e.Output != "" {
			a.Output = e.Output
			a.Progress.Description = e.Output
		}
		r.mu.Unlock()
		return nil
	}

	if !canTransition(old, to) {
		r.mu.Unlock()
		r.logger.Warn("ignored illegal thread transition", "agent_id", e.AgentID, "from", old, "to", to)
		return fmt.Errorf("%w: agent %s cannot move %s -> %s", errors.ErrInvalidTransition, e.AgentID, old, to)
	}

	if e.Seq != 0 {
		a.seq = e.Seq
	}
	a.Status = to
	if e.Output != "" {
		a.Output = e.Output
	}
	if to.IsTerminal() {
		now := time.Now()
		a.CompletedAt = &now
		a.Progress.Percent = 100
	}
	if to == StatusError {
		a.Failure = &Failure{
			Message:     e.ErrMessage,
			Code:        e.ErrCode,
			Recoverable: e.Recoverable,
		}
	}
	threadID := a.ThreadID
	r.mu.Unlock()

	r.logger.Info("agent status reported", "agent_id", e.AgentID, "from", old, "to", to, "seq", e.Seq)
	r.publishStatusChange(e.AgentID, old, to, threadID, e.ErrMessage)
	return nil
}

// UpdateProgress records task progress for a running agent.
func (r *Registry) UpdateProgress(id, description string, percent int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return errors.NewNotFoundError("agent", id).WithCause(errors.ErrAgentNotFound)
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	a.Progress = Progress{Description: description, Percent: percent}
	return nil
}

// Reattach restores an interrupted agent to running after a successful
// thread re-attachment. Only agents carrying the interrupted failure code
// are eligible; this is the one sanctioned exit from the error state.
func (r *Registry) Reattach(id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return errors.NewNotFoundError("agent", id).WithCause(errors.ErrAgentNotFound)
	}
	if a.Status != StatusError || a.Failure == nil || a.Failure.Code != CodeInterrupted {
		r.mu.Unlock()
		return fmt.Errorf("%w: agent %s is not interrupted", errors.ErrInvalidTransition, id)
	}

	a.Status = StatusRunning
	a.Failure = nil
	a.InterruptReason = ""
	a.CompletedAt = nil
	threadID := a.ThreadID
	r.mu.Unlock()

	r.logger.Info("agent reattached", "agent_id", id, "thread_id", threadID)
	r.publishStatusChange(id, StatusError, StatusRunning, threadID, "")
	return nil
}

// MarkInterrupted tags an agent with the distinguished recoverable error
// meaning its execution was in flight across a process restart.
func (r *Registry) MarkInterrupted(id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return errors.NewNotFoundError("agent", id).WithCause(errors.ErrAgentNotFound)
	}
	old := a.Status
	a.Status = StatusError
	a.InterruptReason = "restart"
	a.Failure = &Failure{
		Message:     "execution interrupted by process restart",
		Code:        CodeInterrupted,
		Recoverable: true,
	}
	threadID := a.ThreadID
	r.mu.Unlock()

	r.publishStatusChange(id, old, StatusError, threadID, "execution interrupted by process restart")
	return nil
}

// Archive marks a terminal agent as archived so listings of active
// agents skip it. Archiving a live agent is invalid.
func (r *Registry) Archive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return errors.NewNotFoundError("agent", id).WithCause(errors.ErrAgentNotFound)
	}
	if !a.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot archive agent %s in status %s", errors.ErrInvalidTransition, id, a.Status)
	}
	a.Archived = true
	return nil
}

// Get returns a copy of the agent with the given ID, or nil if not found.
func (r *Registry) Get(id string) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return nil
	}
	return a.clone()
}

// List returns copies of all agents in creation order, including archived
// ones.
func (r *Registry) List() []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id].clone())
	}
	return out
}

// Active returns copies of all non-archived agents in creation order.
func (r *Registry) Active() []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Agent
	for _, id := range r.order {
		if a := r.agents[id]; !a.Archived {
			out = append(out, a.clone())
		}
	}
	return out
}

// Interrupted returns the IDs of agents tagged with the interrupted
// failure code, in creation order.
func (r *Registry) Interrupted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, id := range r.order {
		a := r.agents[id]
		if a.Status == StatusError && a.Failure != nil && a.Failure.Code == CodeInterrupted && !a.Archived {
			out = append(out, id)
		}
	}
	return out
}

// Clear removes every agent. Used when the owning workflow is cleared.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents = make(map[string]*Agent)
	r.order = nil
	r.inFlight = make(map[string]string)
}

// Snapshot returns deep copies of all agents in creation order, suitable
// for persistence by a host process.
func (r *Registry) Snapshot() []*Agent {
	return r.List()
}

// Restore replaces the registry contents from a snapshot. When
// markInterrupted is true, agents that were running or paused at snapshot
// time are tagged with the interrupted failure code for the recovery
// supervisor to pick up.
func (r *Registry) Restore(agents []*Agent, markInterrupted bool) {
	r.mu.Lock()
	r.agents = make(map[string]*Agent, len(agents))
	r.order = make([]string, 0, len(agents))
	r.inFlight = make(map[string]string)

	var interrupted []string
	for _, src := range agents {
		a := src.clone()
		if markInterrupted && (a.Status == StatusRunning || a.Status == StatusPaused) {
			a.Status = StatusError
			a.InterruptReason = "restart"
			a.Failure = &Failure{
				Message:     "execution interrupted by process restart",
				Code:        CodeInterrupted,
				Recoverable: true,
			}
			interrupted = append(interrupted, a.ID)
		}
		r.agents[a.ID] = a
		r.order = append(r.order, a.ID)
	}
	r.mu.Unlock()

	if len(interrupted) > 0 {
		r.logger.Warn("restored agents with interrupted executions", "count", len(interrupted))
	}
}

// liveCountLocked counts agents holding live executions. Paused agents
// still own a thread, so they count against the concurrency limit.
// Caller must hold the mutex.
func (r *Registry) liveCountLocked() int {
	n := 0
	for _, a := range r.agents {
		if a.Status == StatusRunning || a.Status == StatusPaused {
			n++
		}
	}
	return n
}

// beginOpLocked records an operation-in-flight marker. The caller must
// hold the mutex.
func (r *Registry) beginOpLocked(id, op string) error {
	if current, ok := r.inFlight[id]; ok {
		return fmt.Errorf("%w: %s already running for agent %s", errors.ErrOperationInProgress, current, id)
	}
	r.inFlight[id] = op
	return nil
}

// publishStatusChange emits the committed transition. Called without the
// mutex held so handlers can call back into the registry.
func (r *Registry) publishStatusChange(id string, from, to Status, threadID, errMsg string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(event.NewAgentStatusChangedEvent(id, string(from), string(to), threadID, errMsg))
}

// statusFromThread maps a thread-binding status onto an agent status.
func statusFromThread(s thread.Status) Status {
	switch s {
	case thread.StatusRunning:
		return StatusRunning
	case thread.StatusPaused:
		return StatusPaused
	case thread.StatusCompleted:
		return StatusCompleted
	case thread.StatusCancelled:
		return StatusCancelled
	default:
		return StatusError
	}
}
