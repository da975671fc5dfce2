package agent

import (
	"time"
)

// Type classifies what kind of work an agent performs.
type Type string

// Known agent types. The registry treats the type as opaque; these
// constants exist so callers and workflow files agree on spelling.
const (
	TypeExplorer    Type = "explorer"
	TypePlanner     Type = "planner"
	TypeCodeWriter  Type = "code-writer"
	TypeShellRunner Type = "shell-runner"
	TypeTester      Type = "tester"
	TypeReviewer    Type = "reviewer"
)

// Status represents the current state of an agent.
type Status string

const (
	// StatusPending indicates the agent is registered but not started.
	StatusPending Status = "pending"

	// StatusRunning indicates the agent has a live thread binding.
	StatusRunning Status = "running"

	// StatusPaused indicates execution is suspended at the user's request.
	StatusPaused Status = "paused"

	// StatusCompleted indicates the agent finished successfully.
	StatusCompleted Status = "completed"

	// StatusError indicates the agent failed; Failure carries the detail.
	StatusError Status = "error"

	// StatusCancelled indicates the agent was cancelled by an operator.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// transitions is the closed table of legal status transitions.
// Transitions not listed here are invalid; the registry reports them
// with ErrInvalidTransition instead of applying them.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusError},
	StatusRunning: {StatusPaused, StatusCompleted, StatusError, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCompleted, StatusError, StatusCancelled},
	// Terminal states have no outgoing transitions. Retry archives the
	// agent and spawns a fresh one instead of resurrecting it.
	StatusCompleted: {},
	StatusError:     {},
	StatusCancelled: {},
}

// canTransition reports whether from -> to is a legal transition.
func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Failure describes why an agent is in the error state.
type Failure struct {
	Message     string `json:"message"`
	Code        string `json:"code,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// Progress describes how far along an agent's task is.
type Progress struct {
	Description string `json:"description,omitempty"`
	Percent     int    `json:"percent"`
}

// Agent is one autonomous execution unit bound to a conversational thread.
type Agent struct {
	ID              string     `json:"id"`
	Type            Type       `json:"type"`
	Task            string     `json:"task"`
	Status          Status     `json:"status"`
	InterruptReason string     `json:"interrupt_reason,omitempty"`
	Failure         *Failure   `json:"failure,omitempty"`
	ThreadID        string     `json:"thread_id,omitempty"`
	Dependencies    []string   `json:"dependencies,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Progress        Progress   `json:"progress"`
	Output          string     `json:"output,omitempty"`

	// Attempt counts retries of the same task; the first run is attempt 1.
	Attempt int `json:"attempt"`

	// RetryOf names the archived agent this one replaced, if any.
	RetryOf string `json:"retry_of,omitempty"`

	// Archived marks agents superseded by a retry. Archived agents are
	// kept for history but excluded from scheduling decisions.
	Archived bool `json:"archived,omitempty"`

	// seq is the last applied thread-binding sequence number. Updates
	// bearing an older sequence are dropped.
	seq uint64
}

// clone returns a deep copy safe to hand outside the registry.
func (a *Agent) clone() *Agent {
	cp := *a
	if a.Failure != nil {
		f := *a.Failure
		cp.Failure = &f
	}
	if a.Dependencies != nil {
		cp.Dependencies = make([]string, len(a.Dependencies))
		copy(cp.Dependencies, a.Dependencies)
	}
	if a.StartedAt != nil {
		ts := *a.StartedAt
		cp.StartedAt = &ts
	}
	if a.CompletedAt != nil {
		ts := *a.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}
