package taskgraph

import "time"

// Status represents the execution state of a task in the graph.
type Status string

const (
	// StatusUnclaimed indicates the task is waiting to be claimed.
	StatusUnclaimed Status = "unclaimed"

	// StatusClaimed indicates a worker holds the task but has not
	// started executing it.
	StatusClaimed Status = "claimed"

	// StatusInProgress indicates the task is actively being executed.
	StatusInProgress Status = "in_progress"

	// StatusMerging indicates the task's result is being integrated.
	StatusMerging Status = "merging"

	// StatusMerged indicates the task's result has been integrated.
	// Only merged tasks satisfy downstream dependencies.
	StatusMerged Status = "merged"

	// StatusFailed indicates integration failed. Failed tasks stay
	// failed until explicitly reassigned.
	StatusFailed Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether this status is final absent manual
// intervention.
func (s Status) IsTerminal() bool {
	return s == StatusMerged || s == StatusFailed
}

// Task is a unit of work with declared dependencies on other tasks.
type Task struct {
	// ID uniquely identifies the task within its graph.
	ID string `json:"id"`

	// Title is a short human-readable summary.
	Title string `json:"title"`

	// Description holds the full task instructions.
	Description string `json:"description,omitempty"`

	// DependsOn lists task IDs that must be merged before this task
	// becomes ready.
	DependsOn []string `json:"depends_on"`

	// Priority orders ready tasks; lower values are claimed first.
	Priority int `json:"priority"`

	// Status is the current execution state.
	Status Status `json:"status"`

	// AssignedTo is the worker ID holding the task.
	AssignedTo string `json:"assigned_to,omitempty"`

	// ClaimedAt is when the task was claimed.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	// MergedAt is when the task's result was integrated.
	MergedAt *time.Time `json:"merged_at,omitempty"`

	// FailedAt is when the task failed.
	FailedAt *time.Time `json:"failed_at,omitempty"`

	// MergeCommitSHA identifies the integration commit. It is written
	// exactly once, when the task moves from merging to merged.
	MergeCommitSHA string `json:"merge_commit_sha,omitempty"`

	// FailureReason records why integration failed.
	FailureReason string `json:"failure_reason,omitempty"`
}

// clone returns a deep copy of the task.
func (t *Task) clone() *Task {
	cp := *t
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	if t.ClaimedAt != nil {
		v := *t.ClaimedAt
		cp.ClaimedAt = &v
	}
	if t.MergedAt != nil {
		v := *t.MergedAt
		cp.MergedAt = &v
	}
	if t.FailedAt != nil {
		v := *t.FailedAt
		cp.FailedAt = &v
	}
	return &cp
}

// GraphStatus is a snapshot of the graph's state counts.
type GraphStatus struct {
	Total      int `json:"total"`
	Unclaimed  int `json:"unclaimed"`
	Claimed    int `json:"claimed"`
	InProgress int `json:"in_progress"`
	Merging    int `json:"merging"`
	Merged     int `json:"merged"`
	Failed     int `json:"failed"`
}
