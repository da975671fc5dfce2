package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/maestro-dev/maestro/internal/errors"
	"github.com/maestro-dev/maestro/internal/event"
	"github.com/maestro-dev/maestro/internal/logging"
	"github.com/maestro-dev/maestro/internal/merge"
	"github.com/maestro-dev/maestro/internal/taskgraph"
)

type poolHarness struct {
	graph  *taskgraph.EventGraph
	merger *merge.ScriptedMerger
	pool   *Pool
}

// recordingExecutor tracks execution order and fails scripted tasks.
type recordingExecutor struct {
	mu    sync.Mutex
	order []string
	errs  map[string]error
	block chan struct{}
}

func (e *recordingExecutor) Execute(ctx context.Context, task *taskgraph.Task) error {
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.order = append(e.order, task.ID)
	if err := e.errs[task.ID]; err != nil {
		return err
	}
	return nil
}

func (e *recordingExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

func newPoolHarness(t *testing.T, executor Executor, workers int, tasks []taskgraph.Task) *poolHarness {
	t.Helper()

	bus := event.NewBus()
	graph := taskgraph.NewEventGraph(taskgraph.New(), bus)
	if err := graph.Register(tasks); err != nil {
		t.Fatalf("register: %v", err)
	}
	merger := merge.NewScriptedMerger()
	coord := merge.NewCoordinator(graph, merger, logging.NopLogger())

	pool := NewPool(graph, coord, executor, bus, workers, logging.NopLogger())
	pool.SetPollInterval(5 * time.Millisecond)
	return &poolHarness{graph: graph, merger: merger, pool: pool}
}

func diamondTasks() []taskgraph.Task {
	return []taskgraph.Task{
		{ID: "root", Title: "root"},
		{ID: "left", Title: "left", DependsOn: []string{"root"}},
		{ID: "right", Title: "right", DependsOn: []string{"root"}},
		{ID: "join", Title: "join", DependsOn: []string{"left", "right"}},
	}
}

func TestPool_RunsAllTasks(t *testing.T) {
	executor := &recordingExecutor{}
	h := newPoolHarness(t, executor, 3, diamondTasks())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.pool.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if !h.graph.Graph().IsComplete() {
		t.Fatal("graph should be complete")
	}
	merged := h.merger.Merged()
	if len(merged) != 4 {
		t.Fatalf("merged %d tasks, want 4", len(merged))
	}

	pos := make(map[string]int, len(merged))
	for i, id := range merged {
		pos[id] = i
	}
	for _, dep := range []struct{ before, after string }{
		{"root", "left"}, {"root", "right"}, {"left", "join"}, {"right", "join"},
	} {
		if pos[dep.before] > pos[dep.after] {
			t.Errorf("%s merged after %s", dep.before, dep.after)
		}
	}
}

func TestPool_TaskFailureBlocksDependents(t *testing.T) {
	executor := &recordingExecutor{errs: map[string]error{
		"flaky": stderrors.New("build broke"),
	}}
	h := newPoolHarness(t, executor, 2, []taskgraph.Task{
		{ID: "flaky", Title: "flaky"},
		{ID: "dependent", Title: "dependent", DependsOn: []string{"flaky"}},
		{ID: "solo", Title: "solo"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.pool.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := h.graph.Graph().Get("flaky"); got.Status != taskgraph.StatusFailed || got.FailureReason == "" {
		t.Errorf("flaky = %s (%q), want failed with reason", got.Status, got.FailureReason)
	}
	if got := h.graph.Graph().Get("solo").Status; got != taskgraph.StatusMerged {
		t.Errorf("solo = %s, want merged", got)
	}
	// The dependent stays in the pool until an operator reassigns the
	// failed task.
	if got := h.graph.Graph().Get("dependent").Status; got != taskgraph.StatusUnclaimed {
		t.Errorf("dependent = %s, want unclaimed", got)
	}
}

func TestPool_MergeConflictDoesNotStopWorkers(t *testing.T) {
	executor := &recordingExecutor{}
	h := newPoolHarness(t, executor, 2, []taskgraph.Task{
		{ID: "conflicted", Title: "conflicted"},
		{ID: "clean", Title: "clean"},
	})
	h.merger.SetError("conflicted", fmt.Errorf("integrate: %w", errors.ErrMergeConflict))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.pool.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := h.graph.Graph().Get("conflicted").Status; got != taskgraph.StatusFailed {
		t.Errorf("conflicted = %s, want failed", got)
	}
	if got := h.graph.Graph().Get("clean").Status; got != taskgraph.StatusMerged {
		t.Errorf("clean = %s, want merged", got)
	}
}

func TestPool_CancelReleasesRunningTask(t *testing.T) {
	executor := &recordingExecutor{block: make(chan struct{})}
	h := newPoolHarness(t, executor, 1, []taskgraph.Task{
		{ID: "t1", Title: "t1"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pool.Run(ctx) }()

	// Wait for the worker to pick the task up, then shut down.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.graph.Graph().Get("t1").Status == taskgraph.StatusInProgress {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-done; !stderrors.Is(err, context.Canceled) {
		t.Fatalf("run = %v, want context.Canceled", err)
	}
	if got := h.graph.Graph().Get("t1").Status; got != taskgraph.StatusUnclaimed {
		t.Errorf("t1 = %s, want unclaimed after release", got)
	}
}
