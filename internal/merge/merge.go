// Package merge integrates completed task branches into the shared
// integration branch.
//
// The Coordinator is the only writer of merge outcomes: it drives a task
// through merging and records either the merge commit or a failure on the
// task graph. Merges are serialized because they target a single branch;
// concurrent completions queue behind the coordinator's mutex.
package merge

import (
	"context"
	"fmt"
	"sync"

	"github.com/maestro-dev/maestro/internal/errors"
	"github.com/maestro-dev/maestro/internal/logging"
	"github.com/maestro-dev/maestro/internal/taskgraph"
)

// Merger performs the actual integration of a task's work and returns the
// resulting merge commit SHA.
type Merger interface {
	// Merge integrates the task's branch. A conflict is reported by
	// returning an error wrapping errors.ErrMergeConflict; the merger
	// must leave the repository clean in that case.
	Merge(ctx context.Context, task *taskgraph.Task) (commitSHA string, err error)
}

// Coordinator serializes merges and keeps the task graph in sync with
// their outcomes.
type Coordinator struct {
	mu     sync.Mutex
	graph  *taskgraph.EventGraph
	merger Merger
	logger *logging.Logger
}

// NewCoordinator creates a Coordinator over the given graph and merger.
func NewCoordinator(graph *taskgraph.EventGraph, merger Merger, logger *logging.Logger) *Coordinator {
	return &Coordinator{
		graph:  graph,
		merger: merger,
		logger: logger.WithComponent("merge"),
	}
}

// Complete finalizes an in_progress task: it moves the task to merging,
// runs the merger, and records either the merge commit or the failure.
// It returns the IDs of tasks unblocked by a successful merge.
//
// A conflict leaves the task failed with its reason recorded; it is not
// retried automatically. An operator resolves the conflict and calls
// Reassign on the graph to put the task back in the pool.
func (c *Coordinator) Complete(ctx context.Context, taskID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	task := c.graph.Graph().Get(taskID)
	if task == nil {
		return nil, fmt.Errorf("complete task %s: %w", taskID, errors.ErrTaskNotFound)
	}

	if err := c.graph.BeginMerge(taskID); err != nil {
		return nil, err
	}

	sha, err := c.merger.Merge(ctx, task)
	if err != nil {
		reason := err.Error()
		if ferr := c.graph.FailMerge(taskID, reason); ferr != nil {
			c.logger.Error("record merge failure", "task_id", taskID, "error", ferr)
		}
		c.logger.Warn("merge failed", "task_id", taskID, "error", err)
		return nil, fmt.Errorf("merge task %s: %w", taskID, err)
	}

	unblocked, err := c.graph.FinishMerge(taskID, sha)
	if err != nil {
		return nil, err
	}

	c.logger.Info("task merged",
		"task_id", taskID,
		"commit", sha,
		"unblocked", len(unblocked))
	return unblocked, nil
}
