package taskgraph

import (
	"sync"

	"github.com/maestro-dev/maestro/internal/event"
)

// EventGraph wraps a Graph and publishes events to an event bus whenever
// graph operations commit.
type EventGraph struct {
	mu  sync.Mutex
	g   *Graph
	bus *event.Bus
}

// NewEventGraph creates an EventGraph that publishes on the given bus.
func NewEventGraph(g *Graph, bus *event.Bus) *EventGraph {
	return &EventGraph{g: g, bus: bus}
}

// Graph returns the wrapped graph for read-only queries.
func (eg *EventGraph) Graph() *Graph {
	return eg.g
}

// Register adds tasks to the graph. No event is published; registration
// is setup, not progress.
func (eg *EventGraph) Register(tasks []Task) error {
	eg.mu.Lock()
	defer eg.mu.Unlock()
	return eg.g.Register(tasks)
}

// ClaimNext claims the next ready task for the worker and publishes a
// TaskAssignedEvent.
func (eg *EventGraph) ClaimNext(workerID string) (*Task, error) {
	eg.mu.Lock()
	defer eg.mu.Unlock()

	t, err := eg.g.ClaimNext(workerID)
	if err != nil || t == nil {
		return t, err
	}
	eg.bus.Publish(event.NewTaskAssignedEvent(t.ID, workerID))
	return t, nil
}

// Claim assigns a specific task to a worker and publishes a
// TaskAssignedEvent. Idempotent re-claims publish nothing.
func (eg *EventGraph) Claim(taskID, workerID string) error {
	eg.mu.Lock()
	defer eg.mu.Unlock()

	before := eg.g.Get(taskID)
	if err := eg.g.Claim(taskID, workerID); err != nil {
		return err
	}
	if before != nil && before.AssignedTo == workerID {
		return nil
	}
	eg.bus.Publish(event.NewTaskAssignedEvent(taskID, workerID))
	return nil
}

// Start transitions a claimed task to in_progress.
func (eg *EventGraph) Start(taskID string) error {
	eg.mu.Lock()
	defer eg.mu.Unlock()
	return eg.g.Start(taskID)
}

// BeginMerge transitions an in_progress task to merging.
func (eg *EventGraph) BeginMerge(taskID string) error {
	eg.mu.Lock()
	defer eg.mu.Unlock()
	return eg.g.BeginMerge(taskID)
}

// FinishMerge records a successful merge and publishes a TaskMergedEvent
// carrying the newly unblocked task IDs.
func (eg *EventGraph) FinishMerge(taskID, commitSHA string) ([]string, error) {
	eg.mu.Lock()
	defer eg.mu.Unlock()

	unblocked, err := eg.g.FinishMerge(taskID, commitSHA)
	if err != nil {
		return nil, err
	}
	eg.bus.Publish(event.NewTaskMergedEvent(taskID, commitSHA, unblocked))
	return unblocked, nil
}

// FailMerge records an integration failure and publishes a
// TaskFailedEvent.
func (eg *EventGraph) FailMerge(taskID, reason string) error {
	eg.mu.Lock()
	defer eg.mu.Unlock()

	if err := eg.g.FailMerge(taskID, reason); err != nil {
		return err
	}
	eg.bus.Publish(event.NewTaskFailedEvent(taskID, reason))
	return nil
}

// Fail records an execution failure and publishes a TaskFailedEvent.
func (eg *EventGraph) Fail(taskID, reason string) error {
	eg.mu.Lock()
	defer eg.mu.Unlock()

	if err := eg.g.Fail(taskID, reason); err != nil {
		return err
	}
	eg.bus.Publish(event.NewTaskFailedEvent(taskID, reason))
	return nil
}

// Reassign returns a failed task to the unclaimed pool.
func (eg *EventGraph) Reassign(taskID string) error {
	eg.mu.Lock()
	defer eg.mu.Unlock()
	return eg.g.Reassign(taskID)
}

// Release returns a claimed or in_progress task to the unclaimed pool.
func (eg *EventGraph) Release(taskID string) error {
	eg.mu.Lock()
	defer eg.mu.Unlock()
	return eg.g.Release(taskID)
}
