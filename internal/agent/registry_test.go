package agent

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/maestro-dev/maestro/internal/errors"
	"github.com/maestro-dev/maestro/internal/event"
	"github.com/maestro-dev/maestro/internal/logging"
	"github.com/maestro-dev/maestro/internal/thread"
)

func newTestRegistry(t *testing.T) (*Registry, *thread.ScriptedBinder, *event.Bus) {
	t.Helper()
	binder := thread.NewScriptedBinder()
	t.Cleanup(binder.Close)
	bus := event.NewBus()
	return NewRegistry(binder, bus, logging.NopLogger()), binder, bus
}

func mustSpawn(t *testing.T, r *Registry, typ Type, task string, deps []string) string {
	t.Helper()
	id, err := r.Spawn(typ, task, deps)
	if err != nil {
		t.Fatalf("Spawn(%s) failed: %v", task, err)
	}
	return id
}

func TestSpawnRejectsUnknownDependency(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	_, err := r.Spawn(TypeCodeWriter, "write parser", []string{"no-such-agent"})
	if !stderrors.Is(err, errors.ErrDependencyNotFound) {
		t.Fatalf("expected ErrDependencyNotFound, got %v", err)
	}
	if got := len(r.List()); got != 0 {
		t.Errorf("registry should be unchanged after failed spawn, has %d agents", got)
	}
}

func TestSpawnStartsPending(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	id := mustSpawn(t, r, TypeExplorer, "survey repo", nil)
	a := r.Get(id)
	if a == nil {
		t.Fatal("Get returned nil for spawned agent")
	}
	if a.Status != StatusPending {
		t.Errorf("new agent status = %s, want %s", a.Status, StatusPending)
	}
	if a.Attempt != 1 {
		t.Errorf("new agent attempt = %d, want 1", a.Attempt)
	}

	// Get must return an isolated copy.
	a.Status = StatusCompleted
	if r.Get(id).Status != StatusPending {
		t.Error("mutating a Get result leaked into the registry")
	}
}

func TestStartRequiresCompletedDependencies(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	depID := mustSpawn(t, r, TypeExplorer, "survey", nil)
	id := mustSpawn(t, r, TypePlanner, "plan", []string{depID})

	err := r.Start(ctx, id)
	if !stderrors.Is(err, errors.ErrDependencyNotSatisfied) {
		t.Fatalf("expected ErrDependencyNotSatisfied, got %v", err)
	}
	if got := r.Get(id).Status; got != StatusPending {
		t.Errorf("agent status after rejected start = %s, want %s", got, StatusPending)
	}
}

func TestStartBindsThread(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	id := mustSpawn(t, r, TypeCodeWriter, "implement feature", nil)
	if err := r.Start(ctx, id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	a := r.Get(id)
	if a.Status != StatusRunning {
		t.Errorf("status = %s, want %s", a.Status, StatusRunning)
	}
	if a.ThreadID == "" {
		t.Error("started agent has no thread ID")
	}
	if a.StartedAt == nil {
		t.Error("started agent has no start time")
	}

	// Starting twice is an invalid transition.
	if err := r.Start(ctx, id); !stderrors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("second start: expected ErrInvalidTransition, got %v", err)
	}
}

func TestStartBindingFailure(t *testing.T) {
	r, binder, _ := newTestRegistry(t)
	binder.SetStartError(stderrors.New("spawn refused"))

	id := mustSpawn(t, r, TypeShellRunner, "run tests", nil)
	if err := r.Start(context.Background(), id); err == nil {
		t.Fatal("expected error from failed binding start")
	}

	a := r.Get(id)
	if a.Status != StatusError {
		t.Errorf("status = %s, want %s", a.Status, StatusError)
	}
	if a.Failure == nil || a.Failure.Code != "binding_start_failed" {
		t.Errorf("failure = %+v, want binding_start_failed", a.Failure)
	}
}

func TestPauseOnlyFromRunning(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	id := mustSpawn(t, r, TypeTester, "write tests", nil)

	// Speculative pause of a pending agent is rejected without effect.
	if err := r.Pause(ctx, id); !stderrors.Is(err, errors.ErrInvalidTransition) {
		t.Fatalf("pause pending: expected ErrInvalidTransition, got %v", err)
	}
	if got := r.Get(id).Status; got != StatusPending {
		t.Errorf("status after rejected pause = %s, want %s", got, StatusPending)
	}

	if err := r.Start(ctx, id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Pause(ctx, id); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	a := r.Get(id)
	if a.Status != StatusPaused {
		t.Errorf("status = %s, want %s", a.Status, StatusPaused)
	}
	if a.InterruptReason != "pause" {
		t.Errorf("interrupt reason = %q, want %q", a.InterruptReason, "pause")
	}

	if err := r.Resume(ctx, id); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	a = r.Get(id)
	if a.Status != StatusRunning {
		t.Errorf("status after resume = %s, want %s", a.Status, StatusRunning)
	}
	if a.InterruptReason != "" {
		t.Errorf("interrupt reason after resume = %q, want empty", a.InterruptReason)
	}
}

func TestCancelIsOptimistic(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	id := mustSpawn(t, r, TypeReviewer, "review diff", nil)
	if err := r.Start(ctx, id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	// Cancelled is recorded before the binding teardown finishes.
	a := r.Get(id)
	if a.Status != StatusCancelled {
		t.Errorf("status = %s, want %s", a.Status, StatusCancelled)
	}
	if a.CompletedAt == nil {
		t.Error("cancelled agent has no completion time")
	}

	if err := r.Cancel(ctx, id); !stderrors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("cancel of cancelled agent: expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelPendingAgent(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	id := mustSpawn(t, r, TypeExplorer, "survey", nil)
	if err := r.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel of pending agent failed: %v", err)
	}
	if got := r.Get(id).Status; got != StatusCancelled {
		t.Errorf("status = %s, want %s", got, StatusCancelled)
	}
}

func TestRetrySpawnsReplacement(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	id := mustSpawn(t, r, TypeCodeWriter, "implement feature", nil)
	if err := r.Start(ctx, id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	threadID := r.Get(id).ThreadID

	err := r.ReportStatus(thread.Event{
		ThreadID: threadID, AgentID: id, Seq: 1,
		Status: thread.StatusError, ErrMessage: "compiler crashed", ErrCode: "tool_failure", Recoverable: true,
	})
	if err != nil {
		t.Fatalf("ReportStatus failed: %v", err)
	}

	newID, err := r.Retry(ctx, id)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if newID == id {
		t.Fatal("retry must create a fresh agent ID")
	}

	old := r.Get(id)
	if !old.Archived {
		t.Error("retried agent was not archived")
	}

	fresh := r.Get(newID)
	if fresh.Status != StatusRunning {
		t.Errorf("replacement status = %s, want %s", fresh.Status, StatusRunning)
	}
	if fresh.Attempt != 2 {
		t.Errorf("replacement attempt = %d, want 2", fresh.Attempt)
	}
	if fresh.RetryOf != id {
		t.Errorf("replacement retryOf = %q, want %q", fresh.RetryOf, id)
	}
	if fresh.ThreadID == threadID {
		t.Error("replacement reused the failed agent's thread")
	}
	if fresh.Task != old.Task {
		t.Errorf("replacement task = %q, want %q", fresh.Task, old.Task)
	}
}

func TestRetryRejectsUnrecoverableFailure(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	id := mustSpawn(t, r, TypeCodeWriter, "implement feature", nil)
	if err := r.Start(ctx, id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	threadID := r.Get(id).ThreadID

	err := r.ReportStatus(thread.Event{
		ThreadID: threadID, AgentID: id, Seq: 1,
		Status: thread.StatusError, ErrMessage: "task is impossible", Recoverable: false,
	})
	if err != nil {
		t.Fatalf("ReportStatus failed: %v", err)
	}

	if _, err := r.Retry(ctx, id); !stderrors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for unrecoverable failure, got %v", err)
	}

	// Retry of a running agent is equally invalid.
	other := mustSpawn(t, r, TypeTester, "write tests", nil)
	if err := r.Start(ctx, other); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := r.Retry(ctx, other); !stderrors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for running agent, got %v", err)
	}
}

func TestReportStatusDropsStaleSequence(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	id := mustSpawn(t, r, TypeCodeWriter, "implement feature", nil)
	if err := r.Start(ctx, id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	threadID := r.Get(id).ThreadID

	// Events delivered out of order: 1 (running), 3 (completed), 2 (error).
	events := []thread.Event{
		{ThreadID: threadID, AgentID: id, Seq: 1, Status: thread.StatusRunning, Output: "working"},
		{ThreadID: threadID, AgentID: id, Seq: 3, Status: thread.StatusCompleted, Output: "done"},
		{ThreadID: threadID, AgentID: id, Seq: 2, Status: thread.StatusError, ErrMessage: "late failure"},
	}
	for _, e := range events {
		if err := r.ReportStatus(e); err != nil {
			t.Fatalf("ReportStatus(seq=%d) failed: %v", e.Seq, err)
		}
	}

	a := r.Get(id)
	if a.Status != StatusCompleted {
		t.Errorf("final status = %s, want %s (stale seq 2 must be dropped)", a.Status, StatusCompleted)
	}
	if a.Failure != nil {
		t.Errorf("stale error event left a failure record: %+v", a.Failure)
	}
	if a.Output != "done" {
		t.Errorf("output = %q, want %q", a.Output, "done")
	}
}

func TestReportStatusConfirmationIsIdempotent(t *testing.T) {
	r, _, bus := newTestRegistry(t)
	ctx := context.Background()

	id := mustSpawn(t, r, TypeCodeWriter, "implement feature", nil)
	if err := r.Start(ctx, id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	threadID := r.Get(id).ThreadID

	var mu sync.Mutex
	var changes int
	bus.Subscribe(event.TypeAgentStatusChanged, func(event.Event) {
		mu.Lock()
		changes++
		mu.Unlock()
	})

	// The binding confirms the optimistic running state, then completes.
	confirm := thread.Event{ThreadID: threadID, AgentID: id, Seq: 1, Status: thread.StatusRunning}
	done := thread.Event{ThreadID: threadID, AgentID: id, Seq: 2, Status: thread.StatusCompleted, Output: "done"}
	for _, e := range []thread.Event{confirm, done} {
		if err := r.ReportStatus(e); err != nil {
			t.Fatalf("ReportStatus(seq=%d) failed: %v", e.Seq, err)
		}
	}

	mu.Lock()
	got := changes
	mu.Unlock()
	if got != 1 {
		t.Errorf("published %d status-change events, want 1 (confirmation must not duplicate)", got)
	}
	if status := r.Get(id).Status; status != StatusCompleted {
		t.Errorf("status = %s, want %s", status, StatusCompleted)
	}
}

func TestReportStatusRejectsIllegalTransition(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	id := mustSpawn(t, r, TypeCodeWriter, "implement feature", nil)
	if err := r.Start(ctx, id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	threadID := r.Get(id).ThreadID

	if err := r.ReportStatus(thread.Event{ThreadID: threadID, AgentID: id, Seq: 1, Status: thread.StatusCompleted}); err != nil {
		t.Fatalf("ReportStatus failed: %v", err)
	}
	err := r.ReportStatus(thread.Event{ThreadID: threadID, AgentID: id, Seq: 2, Status: thread.StatusRunning})
	if !stderrors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if status := r.Get(id).Status; status != StatusCompleted {
		t.Errorf("status = %s, want %s", status, StatusCompleted)
	}
}

// stallBinder blocks Pause until released, keeping the operation marker
// held long enough for a competing command to observe it.
type stallBinder struct {
	*thread.ScriptedBinder
	gate chan struct{}
}

func (b *stallBinder) Pause(ctx context.Context, threadID string) error {
	<-b.gate
	return b.ScriptedBinder.Pause(ctx, threadID)
}

func TestConcurrentOperationRejected(t *testing.T) {
	inner := thread.NewScriptedBinder()
	defer inner.Close()
	binder := &stallBinder{ScriptedBinder: inner, gate: make(chan struct{})}
	r := NewRegistry(binder, event.NewBus(), logging.NopLogger())
	ctx := context.Background()

	id, err := r.Spawn(TypeShellRunner, "run build", nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if err := r.Start(ctx, id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	pauseDone := make(chan error, 1)
	go func() { pauseDone <- r.Pause(ctx, id) }()

	// Wait until the pause operation holds the in-flight marker.
	deadline := time.After(2 * time.Second)
	for {
		if err := r.Cancel(ctx, id); stderrors.Is(err, errors.ErrOperationInProgress) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("never observed ErrOperationInProgress while pause was in flight")
		case <-time.After(time.Millisecond):
		}
	}

	close(binder.gate)
	if err := <-pauseDone; err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if status := r.Get(id).Status; status != StatusPaused {
		t.Errorf("status = %s, want %s", status, StatusPaused)
	}
}

func TestRestoreMarksInFlightAgentsInterrupted(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	runningID := mustSpawn(t, r, TypeCodeWriter, "implement feature", nil)
	if err := r.Start(ctx, runningID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	doneID := mustSpawn(t, r, TypeExplorer, "survey", nil)
	if err := r.Start(ctx, doneID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.ReportStatus(thread.Event{AgentID: doneID, Seq: 1, Status: thread.StatusCompleted}); err != nil {
		t.Fatalf("ReportStatus failed: %v", err)
	}

	snap := r.Snapshot()

	// Simulate a process restart into a fresh registry.
	r2, _, _ := newTestRegistry(t)
	r2.Restore(snap, true)

	a := r2.Get(runningID)
	if a.Status != StatusError {
		t.Errorf("restored running agent status = %s, want %s", a.Status, StatusError)
	}
	if a.Failure == nil || a.Failure.Code != CodeInterrupted || !a.Failure.Recoverable {
		t.Errorf("restored running agent failure = %+v, want recoverable %s", a.Failure, CodeInterrupted)
	}
	if got := r2.Get(doneID).Status; got != StatusCompleted {
		t.Errorf("restored completed agent status = %s, want %s", got, StatusCompleted)
	}

	interrupted := r2.Interrupted()
	if len(interrupted) != 1 || interrupted[0] != runningID {
		t.Errorf("Interrupted() = %v, want [%s]", interrupted, runningID)
	}
}

func TestReattachRestoresRunning(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	id := mustSpawn(t, r, TypeCodeWriter, "implement feature", nil)
	if err := r.Start(ctx, id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	snap := r.Snapshot()

	r2, _, _ := newTestRegistry(t)
	r2.Restore(snap, true)

	if err := r2.Reattach(id); err != nil {
		t.Fatalf("Reattach failed: %v", err)
	}
	a := r2.Get(id)
	if a.Status != StatusRunning {
		t.Errorf("status = %s, want %s", a.Status, StatusRunning)
	}
	if a.Failure != nil {
		t.Errorf("failure not cleared: %+v", a.Failure)
	}

	// A second reattach has nothing to restore.
	if err := r2.Reattach(id); !stderrors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestActiveExcludesArchived(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	id := mustSpawn(t, r, TypeCodeWriter, "implement feature", nil)
	if err := r.Start(ctx, id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.ReportStatus(thread.Event{AgentID: id, Seq: 1, Status: thread.StatusError, ErrMessage: "boom", Recoverable: true}); err != nil {
		t.Fatalf("ReportStatus failed: %v", err)
	}
	newID, err := r.Retry(ctx, id)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	active := r.Active()
	if len(active) != 1 || active[0].ID != newID {
		t.Fatalf("Active() has %d agents, want only the replacement %s", len(active), newID)
	}
	if got := len(r.List()); got != 2 {
		t.Errorf("List() = %d agents, want 2 including archived", got)
	}
}

func TestUnknownAgentReportsNotFound(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	err := r.Start(context.Background(), "no-such-agent")
	if !stderrors.Is(err, errors.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
	var nf *errors.NotFoundError
	if !stderrors.As(err, &nf) {
		t.Fatalf("error %T does not carry a NotFoundError", err)
	}
	if nf.ResourceType != "agent" || nf.ResourceID != "no-such-agent" {
		t.Errorf("not-found context = %s %q, want agent no-such-agent", nf.ResourceType, nf.ResourceID)
	}
}

func TestStartBindingFailureCarriesAgentContext(t *testing.T) {
	r, binder, _ := newTestRegistry(t)
	binder.SetStartError(stderrors.New("spawn refused"))

	id := mustSpawn(t, r, TypeShellRunner, "run tests", nil)
	err := r.Start(context.Background(), id)
	if err == nil {
		t.Fatal("expected error from failed binding start")
	}

	var agentErr *errors.AgentError
	if !stderrors.As(err, &agentErr) {
		t.Fatalf("error %T does not carry an AgentError", err)
	}
	if agentErr.AgentID != id {
		t.Errorf("agent id on error = %q, want %q", agentErr.AgentID, id)
	}
}

func TestControlOfInterruptedAgentRejected(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	id := mustSpawn(t, r, TypeCodeWriter, "implement feature", nil)
	if err := r.Start(ctx, id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.MarkInterrupted(id); err != nil {
		t.Fatalf("MarkInterrupted failed: %v", err)
	}

	if err := r.Pause(ctx, id); !errors.IsInterrupted(err) {
		t.Fatalf("pause interrupted agent: got %v, want interrupted error", err)
	}
	if err := r.Resume(ctx, id); !errors.IsInterrupted(err) {
		t.Fatalf("resume interrupted agent: got %v, want interrupted error", err)
	}

	// The agent stays interrupted for the recovery supervisor.
	a := r.Get(id)
	if a.Status != StatusError || a.Failure == nil || a.Failure.Code != CodeInterrupted {
		t.Errorf("agent = %s %+v, want interrupted error state", a.Status, a.Failure)
	}
}

func TestStartRespectsConcurrencyLimit(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	r.SetMaxConcurrent(1)

	first := mustSpawn(t, r, TypeCodeWriter, "task one", nil)
	second := mustSpawn(t, r, TypeTester, "task two", nil)
	if err := r.Start(ctx, first); err != nil {
		t.Fatalf("Start first failed: %v", err)
	}

	err := r.Start(ctx, second)
	if err == nil {
		t.Fatal("second start should hit the concurrency limit")
	}
	if !errors.IsRetryable(err) {
		t.Errorf("limit error should be retryable, got %v", err)
	}
	if got := r.Get(second).Status; got != StatusPending {
		t.Errorf("status after rejected start = %s, want %s", got, StatusPending)
	}

	// A finished execution frees the slot.
	if err := r.ReportStatus(thread.Event{AgentID: first, Seq: 1, Status: thread.StatusCompleted}); err != nil {
		t.Fatalf("ReportStatus failed: %v", err)
	}
	if err := r.Start(ctx, second); err != nil {
		t.Fatalf("start after slot freed failed: %v", err)
	}
}
