package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-dev/maestro/internal/agent"
	"github.com/maestro-dev/maestro/internal/approval"
	"github.com/maestro-dev/maestro/internal/errors"
	"github.com/maestro-dev/maestro/internal/event"
	"github.com/maestro-dev/maestro/internal/logging"
)

// Scheduler advances one workflow through its phases. Each phase fans
// out to agents in the registry; the scheduler decides when a phase is
// complete, needs approval, or has failed.
//
// The scheduler does not subscribe to the event bus. Its owner feeds it
// agent status changes through OnAgentStatusChanged and approval
// timeouts through OnApprovalTimeout, keeping all mutations on a single
// call path. Events are published after the internal lock is released.
type Scheduler struct {
	mu         sync.Mutex
	wf         *Workflow
	agentPhase map[string]string // agentID -> phaseID
	queued     []event.Event     // events to publish once the lock drops

	registry *agent.Registry
	gate     *approval.Gate
	bus      *event.Bus
	logger   *logging.Logger
}

// NewScheduler creates a Scheduler over the given registry and approval
// gate.
func NewScheduler(registry *agent.Registry, gate *approval.Gate, bus *event.Bus, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Scheduler{
		agentPhase: make(map[string]string),
		registry:   registry,
		gate:       gate,
		bus:        bus,
		logger:     logger.WithComponent("scheduler"),
	}
}

// Start builds a workflow from the definition and dispatches its first
// phase. Only one workflow can be active at a time; starting while a
// non-terminal workflow exists fails.
func (s *Scheduler) Start(ctx context.Context, def *Definition) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.wf != nil && !s.wf.Status.IsTerminal() {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: workflow %s is still %s", errors.ErrInvalidTransition, s.wf.ID, s.wf.Status)
	}

	wf := &Workflow{
		ID:        uuid.NewString(),
		Name:      def.Name,
		Status:    WorkflowRunning,
		CreatedAt: time.Now(),
	}
	for _, pd := range def.Phases {
		wf.Phases = append(wf.Phases, &Phase{
			ID:               uuid.NewString(),
			Name:             pd.Name,
			Description:      pd.Description,
			Agents:           pd.Agents,
			RequiresApproval: pd.RequiresApproval,
			Status:           PhasePending,
		})
	}
	s.wf = wf
	s.agentPhase = make(map[string]string)
	s.queued = append(s.queued, event.NewWorkflowStatusChangedEvent(wf.ID, string(WorkflowRunning), 0))

	err := s.dispatchPhaseLocked(ctx, wf.Phases[0])
	s.evaluatePhaseLocked(ctx, wf.Phases[0])
	evs := s.takeQueuedLocked()
	s.mu.Unlock()

	s.publishAll(evs)
	if err != nil {
		return wf.ID, err
	}
	s.logger.Info("workflow started", "workflow_id", wf.ID, "name", wf.Name, "phases", len(wf.Phases))
	return wf.ID, nil
}

// OnAgentStatusChanged re-evaluates the phase owning the given agent.
// The owner calls this after every registry mutation that changed an
// agent's status.
func (s *Scheduler) OnAgentStatusChanged(ctx context.Context, agentID string) {
	s.mu.Lock()
	phaseID, ok := s.agentPhase[agentID]
	if !ok || s.wf == nil || s.wf.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	if p := s.wf.phaseByID(phaseID); p != nil {
		s.evaluatePhaseLocked(ctx, p)
	}
	evs := s.takeQueuedLocked()
	s.mu.Unlock()

	s.publishAll(evs)
}

// ReplaceAgent swaps a retried agent's ID into its phase. The owner
// calls this after agent.Registry.Retry returns a replacement.
func (s *Scheduler) ReplaceAgent(oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	phaseID, ok := s.agentPhase[oldID]
	if !ok {
		return
	}
	delete(s.agentPhase, oldID)
	s.agentPhase[newID] = phaseID

	if s.wf == nil {
		return
	}
	if p := s.wf.phaseByID(phaseID); p != nil {
		for i, id := range p.AgentIDs {
			if id == oldID {
				p.AgentIDs[i] = newID
			}
		}
	}
}

// Approve records approval for a phase gated on sign-off and, once all
// of its agents are done, completes it and advances the workflow.
// Approving an already-approved phase is a no-op.
func (s *Scheduler) Approve(ctx context.Context, phaseID string) error {
	s.mu.Lock()
	p, err := s.phaseLocked(phaseID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if p.Status == PhaseApproved || p.Status == PhaseCompleted {
		s.mu.Unlock()
		return nil
	}
	if p.Status != PhaseAwaitingApproval && p.Status != PhaseApprovalTimeout {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", errors.ErrNotAwaitingApproval, phaseID)
	}
	if err := s.gate.Approve(phaseID); err != nil {
		s.mu.Unlock()
		return err
	}

	s.setPhaseStatusLocked(p, PhaseApproved)
	s.evaluatePhaseLocked(ctx, p)
	evs := s.takeQueuedLocked()
	s.mu.Unlock()

	s.publishAll(evs)
	return nil
}

// Reject records rejection of a phase. The phase fails and, with the
// operator having declined to retry, the workflow fails with it.
func (s *Scheduler) Reject(phaseID, reason string) error {
	s.mu.Lock()
	p, err := s.phaseLocked(phaseID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if p.Status != PhaseAwaitingApproval && p.Status != PhaseApprovalTimeout {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", errors.ErrNotAwaitingApproval, phaseID)
	}
	if err := s.gate.Reject(phaseID, reason); err != nil {
		s.mu.Unlock()
		return err
	}

	s.setPhaseStatusLocked(p, PhaseRejected)
	s.setPhaseStatusLocked(p, PhaseFailed)
	s.wf.Status = WorkflowFailed
	s.queued = append(s.queued,
		event.NewWorkflowStatusChangedEvent(s.wf.ID, string(WorkflowFailed), s.wf.CurrentPhaseIndex))
	evs := s.takeQueuedLocked()
	s.mu.Unlock()

	s.publishAll(evs)
	s.logger.Info("phase rejected", "phase_id", phaseID, "reason", reason)
	return nil
}

// RejectAndRetry rejects a phase and immediately re-dispatches it with a
// fresh agent fan-out. The old agents are archived; the attempt counter
// increments. The workflow keeps running.
func (s *Scheduler) RejectAndRetry(ctx context.Context, phaseID, reason string) error {
	s.mu.Lock()
	p, err := s.phaseLocked(phaseID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if p.Status != PhaseAwaitingApproval && p.Status != PhaseApprovalTimeout {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", errors.ErrNotAwaitingApproval, phaseID)
	}
	if err := s.gate.Reject(phaseID, reason); err != nil {
		s.mu.Unlock()
		return err
	}
	s.gate.Clear(phaseID)

	s.setPhaseStatusLocked(p, PhaseRejected)
	s.retireAgentsLocked(ctx, p)
	s.setPhaseStatusLocked(p, PhasePending)
	dispatchErr := s.dispatchPhaseLocked(ctx, p)
	s.evaluatePhaseLocked(ctx, p)
	evs := s.takeQueuedLocked()
	s.mu.Unlock()

	s.publishAll(evs)
	s.logger.Info("phase rejected and retried", "phase_id", phaseID, "reason", reason)
	return dispatchErr
}

// RecoverTimeout clears a phase's approval-timeout marker, returning it
// to awaiting_approval without forcing a decision.
func (s *Scheduler) RecoverTimeout(phaseID string) error {
	s.mu.Lock()
	p, err := s.phaseLocked(phaseID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if p.Status != PhaseApprovalTimeout {
		s.mu.Unlock()
		return fmt.Errorf("%w: phase %s is not timed out", errors.ErrInvalidTransition, phaseID)
	}
	if err := s.gate.RecoverTimeout(phaseID); err != nil {
		s.mu.Unlock()
		return err
	}

	s.setPhaseStatusLocked(p, PhaseAwaitingApproval)
	evs := s.takeQueuedLocked()
	s.mu.Unlock()

	s.publishAll(evs)
	return nil
}

// OnApprovalTimeout marks a phase as approval_timeout when the gate's
// advisory timer fires. The phase remains actionable.
func (s *Scheduler) OnApprovalTimeout(phaseID string) {
	s.mu.Lock()
	p, err := s.phaseLocked(phaseID)
	if err != nil || p.Status != PhaseAwaitingApproval {
		s.mu.Unlock()
		return
	}
	s.setPhaseStatusLocked(p, PhaseApprovalTimeout)
	evs := s.takeQueuedLocked()
	s.mu.Unlock()

	s.publishAll(evs)
}

// RetryPhase re-dispatches a failed phase with a fresh agent fan-out.
func (s *Scheduler) RetryPhase(ctx context.Context, phaseID string) error {
	s.mu.Lock()
	p, err := s.phaseLocked(phaseID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if s.wf.Status != WorkflowRunning {
		s.mu.Unlock()
		return fmt.Errorf("%w: workflow is %s", errors.ErrWorkflowTerminal, s.wf.Status)
	}
	if p.Status != PhaseFailed {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot retry phase %s in status %s", errors.ErrInvalidTransition, phaseID, p.Status)
	}

	s.gate.Clear(phaseID)
	s.retireAgentsLocked(ctx, p)
	s.setPhaseStatusLocked(p, PhasePending)
	dispatchErr := s.dispatchPhaseLocked(ctx, p)
	s.evaluatePhaseLocked(ctx, p)
	evs := s.takeQueuedLocked()
	s.mu.Unlock()

	s.publishAll(evs)
	s.logger.Info("phase retried", "phase_id", phaseID)
	return dispatchErr
}

// Cancel cancels the workflow: every non-terminal agent is cancelled
// best-effort and the workflow becomes cancelled, which is terminal.
// Already-merged work is not undone.
func (s *Scheduler) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if s.wf == nil {
		s.mu.Unlock()
		return errors.ErrWorkflowNotFound
	}
	if s.wf.Status.IsTerminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: workflow is %s", errors.ErrWorkflowTerminal, s.wf.Status)
	}

	for _, p := range s.wf.Phases {
		for _, id := range p.AgentIDs {
			a := s.registry.Get(id)
			if a == nil || a.Status.IsTerminal() {
				continue
			}
			if err := s.registry.Cancel(ctx, id); err != nil {
				s.logger.Warn("cancel agent during workflow cancel", "agent_id", id, "error", err)
			}
		}
	}
	s.wf.Status = WorkflowCancelled
	s.queued = append(s.queued,
		event.NewWorkflowStatusChangedEvent(s.wf.ID, string(WorkflowCancelled), s.wf.CurrentPhaseIndex))
	evs := s.takeQueuedLocked()
	s.mu.Unlock()

	s.publishAll(evs)
	s.logger.Info("workflow cancelled", "workflow_id", s.Current().ID)
	return nil
}

// Clear drops the workflow. Valid only once the workflow is terminal.
func (s *Scheduler) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wf == nil {
		return nil
	}
	if !s.wf.Status.IsTerminal() {
		return fmt.Errorf("%w: workflow %s is still %s", errors.ErrInvalidTransition, s.wf.ID, s.wf.Status)
	}
	for _, p := range s.wf.Phases {
		s.gate.Clear(p.ID)
	}
	s.wf = nil
	s.agentPhase = make(map[string]string)
	return nil
}

// Current returns a copy of the active workflow, or nil if none.
func (s *Scheduler) Current() *Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wf == nil {
		return nil
	}
	return s.wf.clone()
}

// Snapshot returns a deep copy of the workflow for persistence.
func (s *Scheduler) Snapshot() *Workflow {
	return s.Current()
}

// Restore replaces the scheduler's workflow from a snapshot and rebuilds
// the agent-to-phase index.
func (s *Scheduler) Restore(wf *Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wf == nil {
		s.wf = nil
		s.agentPhase = make(map[string]string)
		return
	}
	s.wf = wf.clone()
	s.agentPhase = make(map[string]string)
	for _, p := range s.wf.Phases {
		for _, id := range p.AgentIDs {
			s.agentPhase[id] = p.ID
		}
	}
}

// phaseLocked resolves a phase ID. Caller must hold the mutex.
func (s *Scheduler) phaseLocked(phaseID string) (*Phase, error) {
	if s.wf == nil {
		return nil, errors.ErrWorkflowNotFound
	}
	p := s.wf.phaseByID(phaseID)
	if p == nil {
		return nil, errors.NewNotFoundError("phase", phaseID).WithCause(errors.ErrPhaseNotFound)
	}
	return p, nil
}

// dispatchPhaseLocked spawns a fresh agent fan-out for the phase and
// starts every agent with no unmet intra-phase dependencies. Caller must
// hold the mutex.
func (s *Scheduler) dispatchPhaseLocked(ctx context.Context, p *Phase) error {
	p.Attempt++
	p.Output = ""
	p.AgentIDs = nil

	// Spawn in dependency order so every dependency resolves to an
	// already-spawned agent, regardless of spec order in the file.
	nameToID := make(map[string]string, len(p.Agents))
	for _, spec := range specTopoOrder(p.Agents) {
		deps := make([]string, 0, len(spec.DependsOn))
		for _, depName := range spec.DependsOn {
			deps = append(deps, nameToID[depName])
		}
		id, err := s.registry.Spawn(spec.Type, spec.Task, deps)
		if err != nil {
			return errors.NewSchedulerError(fmt.Sprintf("dispatch phase %s", p.Name), err).
				WithWorkflowID(s.wf.ID).
				WithPhaseID(p.ID).
				WithPhaseIndex(s.phaseIndexLocked(p))
		}
		nameToID[spec.Name] = id
		s.agentPhase[id] = p.ID
	}
	// AgentIDs stays in spec order; it defines the tie-break order for
	// same-tick terminal reports.
	for _, spec := range p.Agents {
		p.AgentIDs = append(p.AgentIDs, nameToID[spec.Name])
	}

	s.setPhaseStatusLocked(p, PhaseRunning)
	s.queued = append(s.queued, event.NewPhaseStartedEvent(p.ID, s.phaseIndexLocked(p), append([]string(nil), p.AgentIDs...)))

	for i, spec := range p.Agents {
		if len(spec.DependsOn) > 0 {
			continue
		}
		if err := s.registry.Start(ctx, p.AgentIDs[i]); err != nil {
			s.logger.Warn("start agent during dispatch", "agent_id", p.AgentIDs[i], "error", err)
		}
	}
	return nil
}

// evaluatePhaseLocked inspects the phase's agents and applies any due
// transition: start newly unblocked agents, request approval, complete,
// or fail. Agents are read in AgentIDs order so same-tick terminal
// reports resolve deterministically. Caller must hold the mutex.
func (s *Scheduler) evaluatePhaseLocked(ctx context.Context, p *Phase) {
	switch p.Status {
	case PhaseRunning, PhaseApproved:
	default:
		return
	}

	agents := make([]*agent.Agent, len(p.AgentIDs))
	for i, id := range p.AgentIDs {
		agents[i] = s.registry.Get(id)
	}

	if p.Status == PhaseRunning {
		for _, a := range agents {
			if a == nil {
				continue
			}
			if a.Status == agent.StatusCancelled ||
				(a.Status == agent.StatusError && (a.Failure == nil || !a.Failure.Recoverable)) {
				s.setPhaseStatusLocked(p, PhaseFailed)
				return
			}
		}

		// Start pending agents whose dependencies completed.
		for i, a := range agents {
			if a == nil || a.Status != agent.StatusPending {
				continue
			}
			if !s.depsCompletedLocked(a) {
				continue
			}
			if err := s.registry.Start(ctx, p.AgentIDs[i]); err != nil {
				s.logger.Warn("start unblocked agent", "agent_id", p.AgentIDs[i], "error", err)
			}
			agents[i] = s.registry.Get(p.AgentIDs[i])
		}
	}

	for _, a := range agents {
		if a == nil || a.Status != agent.StatusCompleted {
			return
		}
	}

	if p.RequiresApproval && !s.gate.IsApproved(p.ID) {
		if p.Status == PhaseRunning {
			s.setPhaseStatusLocked(p, PhaseAwaitingApproval)
			if err := s.gate.Request(p.ID); err != nil {
				s.logger.Error("request approval", "phase_id", p.ID, "error", err)
			}
		}
		return
	}

	p.Output = aggregateOutput(agents)
	s.setPhaseStatusLocked(p, PhaseCompleted)
	s.advanceLocked(ctx)
}

// advanceLocked moves the cursor past completed phases, dispatching the
// next phase or completing the workflow. Caller must hold the mutex.
func (s *Scheduler) advanceLocked(ctx context.Context) {
	if s.wf.Status != WorkflowRunning {
		return
	}
	p := s.wf.CurrentPhase()
	if p == nil || p.Status != PhaseCompleted {
		return
	}
	s.wf.CurrentPhaseIndex++
	next := s.wf.CurrentPhase()
	if next == nil {
		s.wf.Status = WorkflowCompleted
		s.queued = append(s.queued,
			event.NewWorkflowStatusChangedEvent(s.wf.ID, string(WorkflowCompleted), s.wf.CurrentPhaseIndex))
		return
	}
	s.queued = append(s.queued,
		event.NewWorkflowStatusChangedEvent(s.wf.ID, string(WorkflowRunning), s.wf.CurrentPhaseIndex))
	if err := s.dispatchPhaseLocked(ctx, next); err != nil {
		s.logger.Error("dispatch next phase", "phase_id", next.ID, "error", err)
		return
	}
	// A phase whose agents all finish synchronously cascades through
	// this path again.
	s.evaluatePhaseLocked(ctx, next)
}

// retireAgentsLocked cancels any live agents of the phase's current
// fan-out and archives the terminal ones. Caller must hold the mutex.
func (s *Scheduler) retireAgentsLocked(ctx context.Context, p *Phase) {
	for _, id := range p.AgentIDs {
		a := s.registry.Get(id)
		if a == nil {
			continue
		}
		if !a.Status.IsTerminal() {
			if err := s.registry.Cancel(ctx, id); err != nil {
				s.logger.Warn("cancel agent during phase retire", "agent_id", id, "error", err)
			}
		}
		if err := s.registry.Archive(id); err != nil {
			s.logger.Warn("archive agent during phase retire", "agent_id", id, "error", err)
		}
		delete(s.agentPhase, id)
	}
	p.AgentIDs = nil
}

// depsCompletedLocked reports whether all of an agent's dependencies are
// completed. Caller must hold the mutex.
func (s *Scheduler) depsCompletedLocked(a *agent.Agent) bool {
	for _, depID := range a.Dependencies {
		dep := s.registry.Get(depID)
		if dep == nil || dep.Status != agent.StatusCompleted {
			return false
		}
	}
	return true
}

// setPhaseStatusLocked applies a phase transition, queueing the change
// event. Illegal transitions are logged and dropped. Caller must hold
// the mutex.
func (s *Scheduler) setPhaseStatusLocked(p *Phase, to PhaseStatus) {
	if p.Status == to {
		return
	}
	if !canTransitionPhase(p.Status, to) {
		s.logger.Warn("dropped illegal phase transition", "phase_id", p.ID, "from", p.Status, "to", to)
		return
	}
	from := p.Status
	p.Status = to
	s.queued = append(s.queued, event.NewPhaseStatusChangedEvent(p.ID, string(from), string(to)))
}

// phaseIndexLocked returns the index of the phase within the workflow.
func (s *Scheduler) phaseIndexLocked(p *Phase) int {
	for i, candidate := range s.wf.Phases {
		if candidate.ID == p.ID {
			return i
		}
	}
	return -1
}

// takeQueuedLocked drains the queued events. Caller must hold the mutex.
func (s *Scheduler) takeQueuedLocked() []event.Event {
	evs := s.queued
	s.queued = nil
	return evs
}

// publishAll publishes queued events outside the lock.
func (s *Scheduler) publishAll(evs []event.Event) {
	if s.bus == nil {
		return
	}
	for _, e := range evs {
		s.bus.Publish(e)
	}
}

// aggregateOutput joins the agents' outputs in fan-out order.
func aggregateOutput(agents []*agent.Agent) string {
	var parts []string
	for _, a := range agents {
		if a == nil || a.Output == "" {
			continue
		}
		parts = append(parts, a.Output)
	}
	return strings.Join(parts, "\n\n")
}
