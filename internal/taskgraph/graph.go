package taskgraph

import (
	"fmt"
	"sync"
	"time"

	"github.com/maestro-dev/maestro/internal/errors"
)

// Graph manages a set of dependency-linked tasks with pull-based
// claiming. Workers ask for work rather than having it pushed; a task is
// handed out only once all of its dependencies are merged. All methods
// are safe for concurrent use via an internal mutex.
type Graph struct {
	mu    sync.Mutex
	tasks map[string]*Task // taskID -> task
	order []string         // task IDs in priority/topological order
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{tasks: make(map[string]*Task)}
}

// newFromTasks creates a Graph from pre-built task maps and order.
// Used internally for loading persisted state.
func newFromTasks(tasks map[string]*Task, order []string) *Graph {
	return &Graph{tasks: tasks, order: order}
}

// Register validates and adds a batch of tasks to the graph. Every
// dependency must refer to a task already present or in the same batch,
// and the combined dependency relation must stay acyclic. On any
// validation failure the graph is left unchanged.
func (g *Graph) Register(tasks []Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	batch := make(map[string]*Task, len(tasks))
	for i := range tasks {
		t := tasks[i]
		if t.ID == "" {
			return fmt.Errorf("%w: task with empty ID", errors.ErrInvalidInput)
		}
		if _, exists := g.tasks[t.ID]; exists {
			return fmt.Errorf("%w: duplicate task ID %s", errors.ErrInvalidInput, t.ID)
		}
		if _, dup := batch[t.ID]; dup {
			return fmt.Errorf("%w: duplicate task ID %s", errors.ErrInvalidInput, t.ID)
		}
		if t.DependsOn == nil {
			t.DependsOn = []string{}
		}
		t.Status = StatusUnclaimed
		batch[t.ID] = &t
	}

	for id, t := range batch {
		for _, depID := range t.DependsOn {
			if _, inGraph := g.tasks[depID]; inGraph {
				continue
			}
			if _, inBatch := batch[depID]; inBatch {
				continue
			}
			return fmt.Errorf("%w: task %s depends on unknown task %s", errors.ErrDependencyNotFound, id, depID)
		}
	}

	merged := make(map[string]*Task, len(g.tasks)+len(batch))
	for id, t := range g.tasks {
		merged[id] = t
	}
	for id, t := range batch {
		merged[id] = t
	}
	if cycle := findCycle(merged); cycle != nil {
		return fmt.Errorf("%w: %v", errors.ErrCyclicDependency, cycle)
	}

	g.tasks = merged
	g.order = buildPriorityOrder(merged)
	return nil
}

// ClaimNext hands the highest-priority ready task to the given worker.
// A task is ready when it is unclaimed and all of its dependencies are
// merged. Returns nil with no error when nothing is ready.
func (g *Graph) ClaimNext(workerID string) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if workerID == "" {
		return nil, fmt.Errorf("%w: workerID must not be empty", errors.ErrInvalidInput)
	}

	// Readiness changes as merges land, so the claim is picked by
	// scanning the tasks that are ready right now rather than a
	// precomputed order.
	var best *Task
	for _, id := range g.order {
		t := g.tasks[id]
		if !g.isReady(t) {
			continue
		}
		if best == nil || lessPriority(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}

	now := time.Now()
	best.Status = StatusClaimed
	best.AssignedTo = workerID
	best.ClaimedAt = &now
	return best.clone(), nil
}

// Claim assigns a specific ready task to a worker. Claiming a task the
// same worker already holds is a no-op; a claim attempt on a task held
// by a different worker fails with ErrAlreadyAssigned.
func (g *Graph) Claim(taskID, workerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if workerID == "" {
		return fmt.Errorf("%w: workerID must not be empty", errors.ErrInvalidInput)
	}
	t, ok := g.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}
	if t.AssignedTo == workerID && !t.Status.IsTerminal() {
		return nil
	}
	if t.Status != StatusUnclaimed {
		if t.AssignedTo != "" {
			return fmt.Errorf("%w: task %s is held by %s", errors.ErrAlreadyAssigned, taskID, t.AssignedTo)
		}
		return fmt.Errorf("%w: cannot claim task %s in status %s", errors.ErrInvalidTransition, taskID, t.Status)
	}
	if !g.depsMerged(t) {
		return fmt.Errorf("%w: task %s has unmerged dependencies", errors.ErrDependencyNotSatisfied, taskID)
	}

	now := time.Now()
	t.Status = StatusClaimed
	t.AssignedTo = workerID
	t.ClaimedAt = &now
	return nil
}

// Start transitions a claimed task to in_progress.
func (g *Graph) Start(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}
	if t.Status != StatusClaimed {
		return fmt.Errorf("%w: cannot start task %s in status %s", errors.ErrInvalidTransition, taskID, t.Status)
	}
	t.Status = StatusInProgress
	return nil
}

// BeginMerge transitions an in_progress task to merging. Exactly one
// worker can hold a task in merging.
func (g *Graph) BeginMerge(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}
	if t.Status != StatusInProgress {
		return fmt.Errorf("%w: cannot merge task %s in status %s", errors.ErrInvalidTransition, taskID, t.Status)
	}
	t.Status = StatusMerging
	return nil
}

// FinishMerge records successful integration, moving a merging task to
// merged. This is the only place MergeCommitSHA is written. Returns the
// IDs of tasks that become ready as a result.
func (g *Graph) FinishMerge(taskID, commitSHA string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}
	if t.Status != StatusMerging {
		return nil, fmt.Errorf("%w: cannot finish merge of task %s in status %s", errors.ErrInvalidTransition, taskID, t.Status)
	}

	now := time.Now()
	t.Status = StatusMerged
	t.MergedAt = &now
	t.MergeCommitSHA = commitSHA
	return g.unblockedBy(taskID), nil
}

// FailMerge records an integration failure. The task stays failed until
// a human reassigns it; there is no automatic retry of merge conflicts.
func (g *Graph) FailMerge(taskID, reason string) error {
	return g.fail(taskID, reason, StatusMerging)
}

// Fail records an execution failure for a claimed or in_progress task.
func (g *Graph) Fail(taskID, reason string) error {
	return g.fail(taskID, reason, StatusClaimed, StatusInProgress)
}

func (g *Graph) fail(taskID, reason string, from ...Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}
	valid := false
	for _, s := range from {
		if t.Status == s {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: cannot fail task %s in status %s", errors.ErrInvalidTransition, taskID, t.Status)
	}

	now := time.Now()
	t.Status = StatusFailed
	t.FailedAt = &now
	t.FailureReason = reason
	return nil
}

// Reassign returns a failed task to the unclaimed pool for another
// attempt. The previous assignment and failure context are cleared;
// MergeCommitSHA was never written for a failed task so there is
// nothing to roll back.
func (g *Graph) Reassign(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}
	if t.Status != StatusFailed {
		return fmt.Errorf("%w: cannot reassign task %s in status %s", errors.ErrInvalidTransition, taskID, t.Status)
	}

	t.Status = StatusUnclaimed
	t.AssignedTo = ""
	t.ClaimedAt = nil
	t.FailedAt = nil
	t.FailureReason = ""
	return nil
}

// Release returns a claimed or in_progress task to the unclaimed pool.
// Used for cleanup when a worker dies holding work.
func (g *Graph) Release(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}
	if t.Status != StatusClaimed && t.Status != StatusInProgress {
		return fmt.Errorf("%w: cannot release task %s in status %s", errors.ErrInvalidTransition, taskID, t.Status)
	}

	t.Status = StatusUnclaimed
	t.AssignedTo = ""
	t.ClaimedAt = nil
	return nil
}

// ReleaseStaleClaims releases tasks claimed before the cutoff that never
// started executing. Returns the IDs of released tasks.
func (g *Graph) ReleaseStaleClaims(cutoff time.Time) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var released []string
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status == StatusClaimed && t.ClaimedAt != nil && t.ClaimedAt.Before(cutoff) {
			t.Status = StatusUnclaimed
			t.AssignedTo = ""
			t.ClaimedAt = nil
			released = append(released, id)
		}
	}
	return released
}

// Get returns a copy of the task with the given ID, or nil if not found.
func (g *Graph) Get(taskID string) *Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return nil
	}
	return t.clone()
}

// List returns copies of all tasks in claim order.
func (g *Graph) List() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id].clone())
	}
	return out
}

// WorkerTasks returns all tasks currently assigned to the given worker.
func (g *Graph) WorkerTasks(workerID string) []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*Task
	for _, id := range g.order {
		t := g.tasks[id]
		if t.AssignedTo == workerID && !t.Status.IsTerminal() {
			out = append(out, t.clone())
		}
	}
	return out
}

// Status returns a snapshot of the current graph state counts.
func (g *Graph) Status() GraphStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := GraphStatus{Total: len(g.tasks)}
	for _, t := range g.tasks {
		switch t.Status {
		case StatusUnclaimed:
			s.Unclaimed++
		case StatusClaimed:
			s.Claimed++
		case StatusInProgress:
			s.InProgress++
		case StatusMerging:
			s.Merging++
		case StatusMerged:
			s.Merged++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// IsComplete reports whether every task is merged or failed.
func (g *Graph) IsComplete() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, t := range g.tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return len(g.tasks) > 0
}
