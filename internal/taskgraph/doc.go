// Package taskgraph provides a dependency graph of tasks with pull-based
// claiming for workflow execution.
//
// Instead of static execution batches where all tasks in group N must
// complete before group N+1 starts, taskgraph lets workers claim the next
// available task as soon as its dependencies are merged. This keeps
// workers busy and reduces overall execution time.
//
// The core type is [Graph], which holds registered tasks and provides
// thread-safe operations for claiming, merging, and failing them.
// Dependencies are tracked internally so that merging a task
// automatically unblocks downstream tasks for claiming. Registration
// rejects dependency cycles up front; a graph that accepted a batch is
// guaranteed to drain.
//
// Graph state can be persisted to disk and restored, enabling crash
// recovery during long-running workflow executions.
//
// Usage:
//
//	graph := taskgraph.New()
//	err := graph.Register(tasks)
//
//	// Worker claims the next ready task
//	task, err := graph.ClaimNext("worker-1")
//	if task != nil {
//	    graph.Start(task.ID)
//	    // ... execute task ...
//	    graph.BeginMerge(task.ID)
//	    unblocked, err := graph.FinishMerge(task.ID, commitSHA)
//	}
package taskgraph
