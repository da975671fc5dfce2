// Package worker runs a pool of task workers over the task graph.
//
// Workers pull: the dispatcher claims the next ready task and hands it
// to a worker slot, so nothing pushes tasks at workers and removing a
// slot never redistributes work. A weighted semaphore bounds how many
// tasks run at once.
package worker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/maestro-dev/maestro/internal/errors"
	"github.com/maestro-dev/maestro/internal/event"
	"github.com/maestro-dev/maestro/internal/logging"
	"github.com/maestro-dev/maestro/internal/merge"
	"github.com/maestro-dev/maestro/internal/taskgraph"
)

// DefaultPollInterval bounds how long the idle dispatcher waits before
// re-checking the graph when no wake event arrives.
const DefaultPollInterval = 500 * time.Millisecond

// Executor performs the work of a single task.
type Executor interface {
	// Execute runs the task to completion. Returning an error marks the
	// task failed; it stays failed until an operator reassigns it.
	Execute(ctx context.Context, task *taskgraph.Task) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *taskgraph.Task) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task *taskgraph.Task) error {
	return f(ctx, task)
}

// Pool drains the task graph with at most a fixed number of tasks in
// flight.
type Pool struct {
	graph    *taskgraph.EventGraph
	coord    *merge.Coordinator
	executor Executor
	bus      *event.Bus
	logger   *logging.Logger

	workers  int
	interval time.Duration

	// wake is poked whenever a merge lands so the idle dispatcher
	// re-checks the graph without waiting out the poll interval.
	wake chan struct{}
}

// NewPool creates a Pool bounded to the given number of concurrent
// tasks.
func NewPool(graph *taskgraph.EventGraph, coord *merge.Coordinator, executor Executor, bus *event.Bus, workers int, logger *logging.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		graph:    graph,
		coord:    coord,
		executor: executor,
		bus:      bus,
		logger:   logger.WithComponent("worker"),
		workers:  workers,
		interval: DefaultPollInterval,
		wake:     make(chan struct{}, 1),
	}
}

// SetPollInterval overrides the idle re-check interval. Tests use short
// intervals.
func (p *Pool) SetPollInterval(d time.Duration) {
	p.interval = d
}

// Run executes tasks until the graph is complete or ctx is cancelled.
// It returns the first worker error, or nil when every runnable task
// reached a terminal state.
func (p *Pool) Run(ctx context.Context) error {
	subID := p.bus.Subscribe(event.TypeTaskMerged, func(event.Event) {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	})
	defer p.bus.Unsubscribe(subID)

	sem := semaphore.NewWeighted(int64(p.workers))
	g, gctx := errgroup.WithContext(ctx)
	claims := 0

	for {
		if gctx.Err() != nil {
			break
		}
		if p.graph.Graph().IsComplete() {
			break
		}

		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}

		claims++
		workerID := fmt.Sprintf("worker-%d", claims)
		task, err := p.graph.ClaimNext(workerID)
		if err != nil {
			sem.Release(1)
			_ = g.Wait()
			return errors.NewGraphError("claim next task", err).WithWorkerID(workerID)
		}
		if task == nil {
			sem.Release(1)
			if p.stalled() {
				// Every remaining task is blocked behind a failed
				// dependency. Only the dispatcher puts tasks in
				// flight, so the stall cannot clear on its own.
				p.logger.Warn("no runnable tasks remain", "status", p.graph.Graph().Status())
				break
			}
			select {
			case <-gctx.Done():
			case <-p.wake:
			case <-time.After(p.interval):
			}
			continue
		}

		g.Go(func() error {
			defer sem.Release(1)
			return p.runTask(gctx, workerID, task)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	// g.Wait cancels the group context, so only the caller's context
	// says whether the run was cut short.
	return ctx.Err()
}

// stalled reports whether nothing is in flight while unclaimed tasks
// remain. In that state no merge can land, so nothing will ever become
// ready.
func (p *Pool) stalled() bool {
	s := p.graph.Graph().Status()
	return s.Unclaimed > 0 && s.Claimed == 0 && s.InProgress == 0 && s.Merging == 0
}

// runTask drives one task through execution and merge. Task failures are
// recorded on the graph and do not stop the pool; only infrastructure
// errors propagate.
func (p *Pool) runTask(ctx context.Context, workerID string, task *taskgraph.Task) error {
	logger := p.logger.With("worker_id", workerID, "task_id", task.ID)

	if err := p.graph.Start(task.ID); err != nil {
		return err
	}
	logger.Info("task started", "title", task.Title)

	if err := p.executor.Execute(ctx, task); err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a task failure. Put the task back so a
			// later run can pick it up.
			if relErr := p.graph.Release(task.ID); relErr != nil {
				logger.Error("release task on shutdown", "error", relErr)
			}
			return ctx.Err()
		}
		logger.Warn("task execution failed", "error", err)
		return p.graph.Fail(task.ID, err.Error())
	}

	if _, err := p.coord.Complete(ctx, task.ID); err != nil {
		// Merge outcomes, conflicts included, are already recorded on
		// the graph. The pool moves on.
		logger.Warn("task merge failed", "error", err)
	}
	return nil
}
