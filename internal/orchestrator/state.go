package orchestrator

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/maestro-dev/maestro/internal/agent"
	"github.com/maestro-dev/maestro/internal/approval"
	"github.com/maestro-dev/maestro/internal/taskgraph"
	"github.com/maestro-dev/maestro/internal/workflow"
)

const (
	stateFileName = "maestro-state.json"

	// stateVersion is bumped when the snapshot shape changes. Older
	// versions get migrated forward on load; unknown versions are
	// treated as corrupt.
	stateVersion = 1
)

// Snapshot is the full orchestration state: what watchers receive after
// every committed mutation and what persists across restarts.
type Snapshot struct {
	Version    int        `json:"version"`
	SavedAt    time.Time  `json:"saved_at"`
	Restarts   int        `json:"restarts"`
	RestoredAt *time.Time `json:"restored_at,omitempty"`

	Workflow  *workflow.Workflow `json:"workflow,omitempty"`
	Agents    []*agent.Agent     `json:"agents,omitempty"`
	Tasks     []*taskgraph.Task  `json:"tasks,omitempty"`
	Approvals []*approval.Record `json:"approvals,omitempty"`
}

// Watch registers a callback receiving the full snapshot after every
// committed mutation. It returns an id for Unwatch. The callback runs
// on the mutation goroutine and must not call back into the
// orchestrator.
func (o *Orchestrator) Watch(fn func(*Snapshot)) int {
	var id int
	_ = o.do(func(context.Context) error {
		id = o.nextID
		o.nextID++
		o.watchers[id] = fn
		return nil
	})
	return id
}

// Unwatch removes a watcher.
func (o *Orchestrator) Unwatch(id int) {
	_ = o.do(func(context.Context) error {
		delete(o.watchers, id)
		return nil
	})
}

// notifyWatchers runs on the mutation goroutine after each command.
func (o *Orchestrator) notifyWatchers() {
	if len(o.watchers) == 0 {
		return
	}
	snap := o.snapshot()
	for _, fn := range o.watchers {
		fn(snap)
	}
}

// snapshot assembles the current state. The components hand out clones,
// so the result is safe to hold.
func (o *Orchestrator) snapshot() *Snapshot {
	return &Snapshot{
		Version:    stateVersion,
		SavedAt:    time.Now(),
		Restarts:   o.restarts,
		RestoredAt: o.restoredAt,
		Workflow:   o.sched.Snapshot(),
		Agents:     o.registry.Snapshot(),
		Tasks:      o.graph.Graph().List(),
		Approvals:  o.gate.Snapshot(),
	}
}

// Save persists the current snapshot. It runs on the mutation goroutine.
func (o *Orchestrator) Save() error {
	return o.do(func(context.Context) error {
		return o.persist()
	})
}

// persist writes the snapshot atomically: temp file first, then rename.
func (o *Orchestrator) persist() error {
	if o.opts.StateDir == "" {
		return nil
	}
	if err := os.MkdirAll(o.opts.StateDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(o.snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	target := filepath.Join(o.opts.StateDir, stateFileName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename snapshot: %w", err)
	}

	// Task state is additionally written in the graph's own format,
	// under the cross-process directory lock, so another maestro process
	// sharing the state dir reads a consistent graph.
	if err := o.graph.Graph().SaveState(o.opts.StateDir); err != nil {
		return fmt.Errorf("save graph state: %w", err)
	}
	return nil
}

// Restore loads the persisted snapshot, rebuilds all component state
// from it, and tags agents that were in flight as interrupted so the
// recovery supervisor can probe them. A missing snapshot is a clean
// start; a corrupt one is moved aside to *.corrupt and also treated as
// a clean start, never a fatal error.
func (o *Orchestrator) Restore() error {
	return o.do(func(context.Context) error {
		snap, err := loadSnapshot(o.opts.StateDir, o.logger.Warn)
		if err != nil {
			return err
		}
		if snap == nil {
			return nil
		}

		now := time.Now()
		o.restarts = snap.Restarts + 1
		o.restoredAt = &now

		o.registry.Restore(snap.Agents, true)
		o.sched.Restore(snap.Workflow)
		o.gate.Restore(snap.Approvals)

		// The graph state file is the fresher task record; the snapshot's
		// task list is the fallback when it is missing or unreadable.
		g, gerr := taskgraph.LoadState(o.opts.StateDir)
		if gerr != nil {
			if !stderrors.Is(gerr, os.ErrNotExist) {
				o.logger.Warn("graph state unreadable, using snapshot tasks", "error", gerr)
			}
			g = taskgraph.FromTasks(snap.Tasks)
		}
		o.graph = taskgraph.NewEventGraph(g, o.bus)

		o.logger.Info("state restored",
			"restarts", o.restarts,
			"agents", len(snap.Agents),
			"tasks", len(snap.Tasks))
		return nil
	})
}

// ReadSnapshot reads the persisted snapshot from a state dir without
// touching it. Used by read-only consumers like the status command.
// A missing snapshot returns (nil, nil).
func ReadSnapshot(dir string) (*Snapshot, error) {
	target := filepath.Join(dir, stateFileName)
	data, err := os.ReadFile(target)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// loadSnapshot reads and validates the snapshot file. It returns
// (nil, nil) when no usable snapshot exists.
func loadSnapshot(dir string, warn func(msg string, args ...any)) (*Snapshot, error) {
	if dir == "" {
		return nil, nil
	}
	target := filepath.Join(dir, stateFileName)

	data, err := os.ReadFile(target)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		quarantine(target, warn, err)
		return nil, nil
	}
	if snap.Version <= 0 || snap.Version > stateVersion {
		quarantine(target, warn, fmt.Errorf("unsupported snapshot version %d", snap.Version))
		return nil, nil
	}
	return &snap, nil
}

// quarantine moves an unusable snapshot aside so the next save starts
// fresh without destroying evidence.
func quarantine(target string, warn func(msg string, args ...any), cause error) {
	corrupt := target + ".corrupt"
	if err := os.Rename(target, corrupt); err != nil {
		warn("snapshot unusable and could not be moved aside",
			"path", target, "cause", cause, "error", err)
		return
	}
	warn("snapshot unusable, moved aside", "path", corrupt, "cause", cause)
}
