package taskgraph

import (
	stderrors "errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/maestro-dev/maestro/internal/errors"
)

func makeTasks() []Task {
	return []Task{
		{ID: "task-1", Title: "First task", Priority: 0},
		{ID: "task-2", Title: "Second task", DependsOn: []string{"task-1"}, Priority: 0},
		{ID: "task-3", Title: "Third task", Priority: 1},
	}
}

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	g := New()
	if err := g.Register(makeTasks()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return g
}

// mergeTask drives a claimed task through its full lifecycle to merged.
func mergeTask(t *testing.T, g *Graph, taskID, sha string) []string {
	t.Helper()
	if err := g.Start(taskID); err != nil {
		t.Fatalf("Start(%s): %v", taskID, err)
	}
	if err := g.BeginMerge(taskID); err != nil {
		t.Fatalf("BeginMerge(%s): %v", taskID, err)
	}
	unblocked, err := g.FinishMerge(taskID, sha)
	if err != nil {
		t.Fatalf("FinishMerge(%s): %v", taskID, err)
	}
	return unblocked
}

func TestRegister(t *testing.T) {
	g := newTestGraph(t)

	if got := len(g.List()); got != 3 {
		t.Fatalf("expected 3 tasks, got %d", got)
	}
	for _, task := range g.List() {
		if task.Status != StatusUnclaimed {
			t.Errorf("task %s status = %s, want %s", task.ID, task.Status, StatusUnclaimed)
		}
	}
}

func TestRegister_RejectsCycle(t *testing.T) {
	g := New()
	err := g.Register([]Task{
		{ID: "a", DependsOn: []string{"c"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	})
	if !stderrors.Is(err, errors.ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
	if got := len(g.List()); got != 0 {
		t.Errorf("graph should be unchanged after rejected batch, has %d tasks", got)
	}
}

func TestRegister_RejectsCycleAcrossBatches(t *testing.T) {
	g := New()
	if err := g.Register([]Task{{ID: "a"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// A later batch may depend on existing tasks but must not close a
	// cycle through them.
	err := g.Register([]Task{
		{ID: "b", DependsOn: []string{"a", "c"}},
		{ID: "c", DependsOn: []string{"b"}},
	})
	if !stderrors.Is(err, errors.ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
	if got := len(g.List()); got != 1 {
		t.Errorf("graph should keep only the first batch, has %d tasks", got)
	}
}

func TestRegister_RejectsUnknownDependency(t *testing.T) {
	g := New()
	err := g.Register([]Task{{ID: "a", DependsOn: []string{"ghost"}}})
	if !stderrors.Is(err, errors.ErrDependencyNotFound) {
		t.Fatalf("expected ErrDependencyNotFound, got %v", err)
	}
}

func TestRegister_RejectsDuplicateID(t *testing.T) {
	g := newTestGraph(t)
	err := g.Register([]Task{{ID: "task-1"}})
	if !stderrors.Is(err, errors.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestClaimNext_RespectsDependencies(t *testing.T) {
	g := newTestGraph(t)

	// task-1 (priority 0, no deps) should come before task-3 (priority 1).
	first, err := g.ClaimNext("worker-1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if first == nil || first.ID != "task-1" {
		t.Fatalf("first claim = %v, want task-1", first)
	}
	if first.Status != StatusClaimed || first.AssignedTo != "worker-1" {
		t.Errorf("claimed task = %s/%s, want claimed/worker-1", first.Status, first.AssignedTo)
	}

	// task-2 depends on task-1 which is not merged yet, so task-3 is next.
	second, err := g.ClaimNext("worker-2")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if second == nil || second.ID != "task-3" {
		t.Fatalf("second claim = %v, want task-3", second)
	}

	// Nothing else is ready.
	third, err := g.ClaimNext("worker-3")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if third != nil {
		t.Fatalf("third claim = %v, want nil", third)
	}
}

func TestClaimNext_UnblocksAfterMerge(t *testing.T) {
	g := newTestGraph(t)

	task, err := g.ClaimNext("worker-1")
	if err != nil || task == nil {
		t.Fatalf("ClaimNext: %v, %v", task, err)
	}
	unblocked := mergeTask(t, g, task.ID, "sha-1")
	if len(unblocked) != 1 || unblocked[0] != "task-2" {
		t.Fatalf("unblocked = %v, want [task-2]", unblocked)
	}

	next, err := g.ClaimNext("worker-1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if next == nil || next.ID != "task-2" {
		t.Fatalf("next claim = %v, want task-2", next)
	}
}

func TestClaimNext_RanksReadySetByPriority(t *testing.T) {
	g := New()
	err := g.Register([]Task{
		{ID: "base", Title: "base", Priority: 0},
		{ID: "urgent", Title: "urgent", Priority: 0, DependsOn: []string{"base"}},
		{ID: "chore", Title: "chore", Priority: 5},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	first, err := g.ClaimNext("worker-1")
	if err != nil || first == nil || first.ID != "base" {
		t.Fatalf("first claim = %v, %v, want base", first, err)
	}
	mergeTask(t, g, "base", "sha-base")

	// The newly ready dependent outranks the older low-priority task.
	next, err := g.ClaimNext("worker-1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if next == nil || next.ID != "urgent" {
		t.Fatalf("next claim = %v, want urgent", next)
	}
}

func TestClaim_IdempotentForSameWorker(t *testing.T) {
	g := newTestGraph(t)

	if err := g.Claim("task-1", "worker-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	// Re-claiming by the same worker has no effect and no error.
	if err := g.Claim("task-1", "worker-1"); err != nil {
		t.Fatalf("idempotent re-claim: %v", err)
	}

	task := g.Get("task-1")
	if task.Status != StatusClaimed || task.AssignedTo != "worker-1" {
		t.Errorf("task = %s/%s, want claimed/worker-1", task.Status, task.AssignedTo)
	}
}

func TestClaim_RejectsCompetingWorker(t *testing.T) {
	g := newTestGraph(t)

	if err := g.Claim("task-1", "worker-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	err := g.Claim("task-1", "worker-2")
	if !stderrors.Is(err, errors.ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}
	if got := g.Get("task-1").AssignedTo; got != "worker-1" {
		t.Errorf("assignment changed to %s after rejected claim", got)
	}
}

func TestClaim_RejectsUnmergedDependencies(t *testing.T) {
	g := newTestGraph(t)

	err := g.Claim("task-2", "worker-1")
	if !stderrors.Is(err, errors.ErrDependencyNotSatisfied) {
		t.Fatalf("expected ErrDependencyNotSatisfied, got %v", err)
	}
}

func TestFinishMerge_WritesCommitSHAOnce(t *testing.T) {
	g := newTestGraph(t)

	if err := g.Claim("task-1", "worker-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	mergeTask(t, g, "task-1", "abc123")

	task := g.Get("task-1")
	if task.Status != StatusMerged {
		t.Errorf("status = %s, want %s", task.Status, StatusMerged)
	}
	if task.MergeCommitSHA != "abc123" {
		t.Errorf("merge commit = %q, want abc123", task.MergeCommitSHA)
	}
	if task.MergedAt == nil {
		t.Error("merged task has no merge time")
	}

	// A second merge attempt on a merged task is invalid.
	if _, err := g.FinishMerge("task-1", "def456"); !stderrors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if got := g.Get("task-1").MergeCommitSHA; got != "abc123" {
		t.Errorf("merge commit overwritten to %q", got)
	}
}

func TestFailMerge_RequiresManualReassign(t *testing.T) {
	g := newTestGraph(t)

	if err := g.Claim("task-1", "worker-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := g.Start("task-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := g.BeginMerge("task-1"); err != nil {
		t.Fatalf("BeginMerge: %v", err)
	}
	if err := g.FailMerge("task-1", "conflict in a.go"); err != nil {
		t.Fatalf("FailMerge: %v", err)
	}

	task := g.Get("task-1")
	if task.Status != StatusFailed {
		t.Errorf("status = %s, want %s", task.Status, StatusFailed)
	}
	if task.FailureReason != "conflict in a.go" {
		t.Errorf("failure reason = %q", task.FailureReason)
	}
	if task.MergeCommitSHA != "" {
		t.Errorf("failed task has merge commit %q", task.MergeCommitSHA)
	}
	if task.FailedAt == nil {
		t.Error("failed task has no FailedAt")
	}
	if task.MergedAt != nil {
		t.Errorf("failed task has MergedAt %v, it never merged", task.MergedAt)
	}

	// The failed task blocks its dependents; no automatic retry.
	if next, _ := g.ClaimNext("worker-2"); next != nil && next.ID == "task-2" {
		t.Error("dependent of failed task must not become ready")
	}

	if err := g.Reassign("task-1"); err != nil {
		t.Fatalf("Reassign: %v", err)
	}
	task = g.Get("task-1")
	if task.Status != StatusUnclaimed || task.AssignedTo != "" || task.FailureReason != "" || task.FailedAt != nil {
		t.Errorf("reassigned task = %+v, want clean unclaimed", task)
	}
}

func TestRelease(t *testing.T) {
	g := newTestGraph(t)

	if err := g.Claim("task-1", "worker-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := g.Release("task-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	task := g.Get("task-1")
	if task.Status != StatusUnclaimed || task.AssignedTo != "" {
		t.Errorf("released task = %s/%s, want unclaimed/empty", task.Status, task.AssignedTo)
	}

	if err := g.Release("task-1"); !stderrors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("release of unclaimed task: expected ErrInvalidTransition, got %v", err)
	}
}

func TestReleaseStaleClaims(t *testing.T) {
	g := newTestGraph(t)

	if err := g.Claim("task-1", "worker-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := g.Claim("task-3", "worker-2"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	// worker-2 started executing; its claim is live regardless of age.
	if err := g.Start("task-3"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	released := g.ReleaseStaleClaims(time.Now().Add(time.Minute))
	if len(released) != 1 || released[0] != "task-1" {
		t.Fatalf("released = %v, want [task-1]", released)
	}
	if got := g.Get("task-3").Status; got != StatusInProgress {
		t.Errorf("in_progress task released: status = %s", got)
	}
}

func TestIsComplete(t *testing.T) {
	g := newTestGraph(t)

	if g.IsComplete() {
		t.Error("fresh graph reported complete")
	}

	for {
		task, err := g.ClaimNext("worker-1")
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if task == nil {
			break
		}
		mergeTask(t, g, task.ID, "sha-"+task.ID)
	}

	if !g.IsComplete() {
		t.Errorf("drained graph not complete: %+v", g.Status())
	}
	if New().IsComplete() {
		t.Error("empty graph reported complete")
	}
}

func TestStatus(t *testing.T) {
	g := newTestGraph(t)

	if err := g.Claim("task-1", "worker-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := g.Start("task-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s := g.Status()
	want := GraphStatus{Total: 3, Unclaimed: 2, InProgress: 1}
	if s != want {
		t.Errorf("Status() = %+v, want %+v", s, want)
	}
}

// TestClaimOrder_RandomDAG drains randomly generated dependency graphs
// and checks that every claim respected its dependencies and the whole
// graph drains to merged.
func TestClaimOrder_RandomDAG(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 20; trial++ {
		n := 5 + rng.Intn(15)
		tasks := make([]Task, n)
		for i := 0; i < n; i++ {
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					deps = append(deps, fmt.Sprintf("t%d", j))
				}
			}
			tasks[i] = Task{
				ID:        fmt.Sprintf("t%d", i),
				DependsOn: deps,
				Priority:  rng.Intn(5),
			}
		}

		g := New()
		if err := g.Register(tasks); err != nil {
			t.Fatalf("trial %d: Register: %v", trial, err)
		}

		merged := make(map[string]bool, n)
		for drained := 0; drained < n; drained++ {
			task, err := g.ClaimNext("worker-1")
			if err != nil {
				t.Fatalf("trial %d: ClaimNext: %v", trial, err)
			}
			if task == nil {
				t.Fatalf("trial %d: graph stalled with %d/%d tasks merged", trial, drained, n)
			}
			for _, depID := range task.DependsOn {
				if !merged[depID] {
					t.Fatalf("trial %d: task %s claimed before dependency %s merged", trial, task.ID, depID)
				}
			}
			mergeTask(t, g, task.ID, "sha")
			merged[task.ID] = true
		}

		if !g.IsComplete() {
			t.Fatalf("trial %d: graph not complete after draining", trial)
		}
	}
}
