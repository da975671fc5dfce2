package workflow

import (
	"time"

	"github.com/maestro-dev/maestro/internal/agent"
)

// PhaseStatus represents the state of a workflow phase.
type PhaseStatus string

const (
	// PhasePending indicates the phase has not been dispatched.
	PhasePending PhaseStatus = "pending"

	// PhaseRunning indicates the phase's agents are executing.
	PhaseRunning PhaseStatus = "running"

	// PhaseAwaitingApproval indicates all agents finished and the phase
	// is gated on a human decision.
	PhaseAwaitingApproval PhaseStatus = "awaiting_approval"

	// PhaseApprovalTimeout indicates the advisory approval deadline
	// elapsed. Not terminal; the phase still accepts approve, reject,
	// and recover.
	PhaseApprovalTimeout PhaseStatus = "approval_timeout"

	// PhaseApproved indicates a human approved the phase.
	PhaseApproved PhaseStatus = "approved"

	// PhaseRejected indicates a human rejected the phase.
	PhaseRejected PhaseStatus = "rejected"

	// PhaseCompleted indicates the phase finished and the workflow may
	// advance past it.
	PhaseCompleted PhaseStatus = "completed"

	// PhaseFailed indicates the phase failed and is waiting for a retry
	// or abandonment.
	PhaseFailed PhaseStatus = "failed"
)

// String returns the string representation of the status.
func (s PhaseStatus) String() string {
	return string(s)
}

// phaseTransitions is the set of legal phase status transitions.
var phaseTransitions = map[PhaseStatus][]PhaseStatus{
	PhasePending:          {PhaseRunning},
	PhaseRunning:          {PhaseAwaitingApproval, PhaseCompleted, PhaseFailed},
	PhaseAwaitingApproval: {PhaseApproved, PhaseRejected, PhaseApprovalTimeout},
	PhaseApprovalTimeout:  {PhaseApproved, PhaseRejected, PhaseAwaitingApproval},
	PhaseApproved:         {PhaseCompleted},
	PhaseRejected:         {PhaseFailed, PhasePending},
	PhaseFailed:           {PhasePending},
	PhaseCompleted:        {},
}

// canTransitionPhase reports whether moving from one phase status to
// another is legal. A phase reset to pending (retry) is modeled as a
// transition from rejected or failed.
func canTransitionPhase(from, to PhaseStatus) bool {
	for _, next := range phaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AgentSpec describes one agent to fan out when a phase is dispatched.
// Specs are templates; each dispatch (including retries) spawns fresh
// agents from them.
type AgentSpec struct {
	// Name identifies the spec within its phase for dependency wiring.
	Name string `json:"name" yaml:"name"`

	// Type selects the agent profile.
	Type agent.Type `json:"type" yaml:"type"`

	// Task is the free-text instruction handed to the agent.
	Task string `json:"task" yaml:"task"`

	// DependsOn names other specs in the same phase whose agents must
	// complete before this one starts.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Phase is an ordered stage of a workflow that fans out to one or more
// agents.
type Phase struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Description      string      `json:"description,omitempty"`
	Agents           []AgentSpec `json:"agents"`
	RequiresApproval bool        `json:"requires_approval"`

	// AgentIDs holds the current fan-out generation, in spec order.
	// Terminal reports within a tick are processed in this order.
	AgentIDs []string `json:"agent_ids"`

	Status PhaseStatus `json:"status"`

	// Output aggregates the agents' outputs once the phase completes.
	Output string `json:"output,omitempty"`

	// Attempt counts dispatches of this phase, starting at 1.
	Attempt int `json:"attempt"`
}

// clone returns a deep copy of the phase.
func (p *Phase) clone() *Phase {
	cp := *p
	cp.Agents = make([]AgentSpec, len(p.Agents))
	for i, spec := range p.Agents {
		spec.DependsOn = append([]string(nil), spec.DependsOn...)
		cp.Agents[i] = spec
	}
	cp.AgentIDs = append([]string(nil), p.AgentIDs...)
	return &cp
}

// WorkflowStatus represents the overall state of a workflow.
type WorkflowStatus string

const (
	// WorkflowIdle indicates the workflow is constructed but not started.
	WorkflowIdle WorkflowStatus = "idle"

	// WorkflowRunning indicates the workflow is progressing through its
	// phases.
	WorkflowRunning WorkflowStatus = "running"

	// WorkflowCompleted indicates every phase completed.
	WorkflowCompleted WorkflowStatus = "completed"

	// WorkflowFailed indicates a phase failed and the operator declined
	// to retry. Terminal.
	WorkflowFailed WorkflowStatus = "failed"

	// WorkflowCancelled indicates the operator cancelled the workflow.
	// Terminal; a cancelled workflow is restarted fresh, never resumed.
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// String returns the string representation of the status.
func (s WorkflowStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the workflow can make no further progress.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// Workflow is an ordered sequence of phases with a cursor.
type Workflow struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Phases            []*Phase       `json:"phases"`
	CurrentPhaseIndex int            `json:"current_phase_index"`
	Status            WorkflowStatus `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
}

// clone returns a deep copy of the workflow.
func (w *Workflow) clone() *Workflow {
	cp := *w
	cp.Phases = make([]*Phase, len(w.Phases))
	for i, p := range w.Phases {
		cp.Phases[i] = p.clone()
	}
	return &cp
}

// CurrentPhase returns the phase at the cursor, or nil if the cursor is
// past the last phase.
func (w *Workflow) CurrentPhase() *Phase {
	if w.CurrentPhaseIndex < 0 || w.CurrentPhaseIndex >= len(w.Phases) {
		return nil
	}
	return w.Phases[w.CurrentPhaseIndex]
}

// phaseByID returns the phase with the given ID, or nil.
func (w *Workflow) phaseByID(id string) *Phase {
	for _, p := range w.Phases {
		if p.ID == id {
			return p
		}
	}
	return nil
}
