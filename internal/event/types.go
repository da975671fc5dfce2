package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "agent.started", "phase.approved")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// Event type identifiers, for use with Bus.Subscribe.
const (
	TypeAgentSpawned          = "agent.spawned"
	TypeAgentStatusChanged    = "agent.status_changed"
	TypeAgentRetried          = "agent.retried"
	TypePhaseStarted          = "phase.started"
	TypePhaseStatusChanged    = "phase.status_changed"
	TypeWorkflowStatusChanged = "workflow.status_changed"
	TypeApprovalRequested     = "approval.requested"
	TypeApprovalDecided       = "approval.decided"
	TypeApprovalTimedOut      = "approval.timed_out"
	TypeTaskAssigned          = "task.assigned"
	TypeTaskMerged            = "task.merged"
	TypeTaskFailed            = "task.failed"
	TypeRecoveryStarted       = "recovery.started"
	TypeRecoveryFinished      = "recovery.finished"
)

// -----------------------------------------------------------------------------
// Agent Lifecycle Events
// -----------------------------------------------------------------------------

// AgentSpawnedEvent is emitted when an agent is registered in pending state.
type AgentSpawnedEvent struct {
	baseEvent
	AgentID string
	Type    string // agent type: explorer, planner, code-writer, ...
	Task    string // task description
}

// NewAgentSpawnedEvent creates an AgentSpawnedEvent.
func NewAgentSpawnedEvent(agentID, agentType, task string) AgentSpawnedEvent {
	return AgentSpawnedEvent{
		baseEvent: newBaseEvent(TypeAgentSpawned),
		AgentID:   agentID,
		Type:      agentType,
		Task:      task,
	}
}

// AgentStatusChangedEvent is emitted on every committed agent status
// transition, including optimistic transitions later confirmed by the
// thread binding.
type AgentStatusChangedEvent struct {
	baseEvent
	AgentID   string
	OldStatus string
	NewStatus string
	ThreadID  string
	Error     string // populated when NewStatus is "error"
}

// NewAgentStatusChangedEvent creates an AgentStatusChangedEvent.
func NewAgentStatusChangedEvent(agentID, oldStatus, newStatus, threadID, errMsg string) AgentStatusChangedEvent {
	return AgentStatusChangedEvent{
		baseEvent: newBaseEvent(TypeAgentStatusChanged),
		AgentID:   agentID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		ThreadID:  threadID,
		Error:     errMsg,
	}
}

// AgentRetriedEvent is emitted when a failed agent is retried. The old
// agent is archived and a fresh agent takes over the same task.
type AgentRetriedEvent struct {
	baseEvent
	OldAgentID string
	NewAgentID string
	Attempt    int
}

// NewAgentRetriedEvent creates an AgentRetriedEvent.
func NewAgentRetriedEvent(oldAgentID, newAgentID string, attempt int) AgentRetriedEvent {
	return AgentRetriedEvent{
		baseEvent:  newBaseEvent(TypeAgentRetried),
		OldAgentID: oldAgentID,
		NewAgentID: newAgentID,
		Attempt:    attempt,
	}
}

// -----------------------------------------------------------------------------
// Phase / Workflow Events
// -----------------------------------------------------------------------------

// PhaseStartedEvent is emitted when the scheduler dispatches a phase's agents.
type PhaseStartedEvent struct {
	baseEvent
	PhaseID    string
	PhaseIndex int
	AgentIDs   []string
}

// NewPhaseStartedEvent creates a PhaseStartedEvent.
func NewPhaseStartedEvent(phaseID string, phaseIndex int, agentIDs []string) PhaseStartedEvent {
	return PhaseStartedEvent{
		baseEvent:  newBaseEvent(TypePhaseStarted),
		PhaseID:    phaseID,
		PhaseIndex: phaseIndex,
		AgentIDs:   agentIDs,
	}
}

// PhaseStatusChangedEvent is emitted on every committed phase transition.
type PhaseStatusChangedEvent struct {
	baseEvent
	PhaseID   string
	OldStatus string
	NewStatus string
}

// NewPhaseStatusChangedEvent creates a PhaseStatusChangedEvent.
func NewPhaseStatusChangedEvent(phaseID, oldStatus, newStatus string) PhaseStatusChangedEvent {
	return PhaseStatusChangedEvent{
		baseEvent: newBaseEvent(TypePhaseStatusChanged),
		PhaseID:   phaseID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
	}
}

// WorkflowStatusChangedEvent is emitted when the workflow itself moves
// (running, completed, failed, cancelled) or the cursor advances.
type WorkflowStatusChangedEvent struct {
	baseEvent
	WorkflowID string
	Status     string
	PhaseIndex int
}

// NewWorkflowStatusChangedEvent creates a WorkflowStatusChangedEvent.
func NewWorkflowStatusChangedEvent(workflowID, status string, phaseIndex int) WorkflowStatusChangedEvent {
	return WorkflowStatusChangedEvent{
		baseEvent:  newBaseEvent(TypeWorkflowStatusChanged),
		WorkflowID: workflowID,
		Status:     status,
		PhaseIndex: phaseIndex,
	}
}

// -----------------------------------------------------------------------------
// Approval Events
// -----------------------------------------------------------------------------

// ApprovalRequestedEvent is emitted when a phase enters awaiting_approval.
type ApprovalRequestedEvent struct {
	baseEvent
	PhaseID string
	Soft    time.Duration // advisory timeout; zero means none
}

// NewApprovalRequestedEvent creates an ApprovalRequestedEvent.
func NewApprovalRequestedEvent(phaseID string, soft time.Duration) ApprovalRequestedEvent {
	return ApprovalRequestedEvent{
		baseEvent: newBaseEvent(TypeApprovalRequested),
		PhaseID:   phaseID,
		Soft:      soft,
	}
}

// ApprovalDecidedEvent is emitted when a human approves or rejects a phase.
type ApprovalDecidedEvent struct {
	baseEvent
	PhaseID  string
	Approved bool
	Reason   string // rejection reason; empty on approval
}

// NewApprovalDecidedEvent creates an ApprovalDecidedEvent.
func NewApprovalDecidedEvent(phaseID string, approved bool, reason string) ApprovalDecidedEvent {
	return ApprovalDecidedEvent{
		baseEvent: newBaseEvent(TypeApprovalDecided),
		PhaseID:   phaseID,
		Approved:  approved,
		Reason:    reason,
	}
}

// ApprovalTimedOutEvent is emitted when the advisory timeout elapses.
// The approval remains actionable; this is a UI-visible nudge only.
type ApprovalTimedOutEvent struct {
	baseEvent
	PhaseID string
}

// NewApprovalTimedOutEvent creates an ApprovalTimedOutEvent.
func NewApprovalTimedOutEvent(phaseID string) ApprovalTimedOutEvent {
	return ApprovalTimedOutEvent{
		baseEvent: newBaseEvent(TypeApprovalTimedOut),
		PhaseID:   phaseID,
	}
}

// -----------------------------------------------------------------------------
// Task Graph Events
// -----------------------------------------------------------------------------

// TaskAssignedEvent is emitted when a worker pulls a ready task.
type TaskAssignedEvent struct {
	baseEvent
	TaskID   string
	WorkerID string
}

// NewTaskAssignedEvent creates a TaskAssignedEvent.
func NewTaskAssignedEvent(taskID, workerID string) TaskAssignedEvent {
	return TaskAssignedEvent{
		baseEvent: newBaseEvent(TypeTaskAssigned),
		TaskID:    taskID,
		WorkerID:  workerID,
	}
}

// TaskMergedEvent is emitted when a task's work is merged.
type TaskMergedEvent struct {
	baseEvent
	TaskID    string
	CommitSHA string
	Unblocked []string // task IDs newly ready as a result
}

// NewTaskMergedEvent creates a TaskMergedEvent.
func NewTaskMergedEvent(taskID, commitSHA string, unblocked []string) TaskMergedEvent {
	return TaskMergedEvent{
		baseEvent: newBaseEvent(TypeTaskMerged),
		TaskID:    taskID,
		CommitSHA: commitSHA,
		Unblocked: unblocked,
	}
}

// TaskFailedEvent is emitted when a task fails, including merge conflicts.
type TaskFailedEvent struct {
	baseEvent
	TaskID string
	Reason string
}

// NewTaskFailedEvent creates a TaskFailedEvent.
func NewTaskFailedEvent(taskID, reason string) TaskFailedEvent {
	return TaskFailedEvent{
		baseEvent: newBaseEvent(TypeTaskFailed),
		TaskID:    taskID,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Recovery Events
// -----------------------------------------------------------------------------

// RecoveryStartedEvent is emitted when restart recovery begins scanning
// for interrupted agents.
type RecoveryStartedEvent struct {
	baseEvent
	AgentIDs []string // agents flagged as interrupted
}

// NewRecoveryStartedEvent creates a RecoveryStartedEvent.
func NewRecoveryStartedEvent(agentIDs []string) RecoveryStartedEvent {
	return RecoveryStartedEvent{
		baseEvent: newBaseEvent(TypeRecoveryStarted),
		AgentIDs:  agentIDs,
	}
}

// RecoveryFinishedEvent is emitted once the one-shot auto-recovery pass
// completes, with the per-agent outcome.
type RecoveryFinishedEvent struct {
	baseEvent
	Reattached []string // agents restored to running
	Remaining  []string // agents left in recoverable error state
}

// NewRecoveryFinishedEvent creates a RecoveryFinishedEvent.
func NewRecoveryFinishedEvent(reattached, remaining []string) RecoveryFinishedEvent {
	return RecoveryFinishedEvent{
		baseEvent:  newBaseEvent(TypeRecoveryFinished),
		Reattached: reattached,
		Remaining:  remaining,
	}
}
