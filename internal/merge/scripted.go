package merge

import (
	"context"
	"fmt"
	"sync"

	"github.com/maestro-dev/maestro/internal/taskgraph"
)

// ScriptedMerger is a Merger for tests. Tasks merge successfully with a
// deterministic SHA unless an error is scripted for them.
type ScriptedMerger struct {
	mu     sync.Mutex
	errs   map[string]error
	merged []string
	calls  int
}

// NewScriptedMerger creates an empty ScriptedMerger.
func NewScriptedMerger() *ScriptedMerger {
	return &ScriptedMerger{errs: make(map[string]error)}
}

// SetError scripts an error for merges of the given task.
func (m *ScriptedMerger) SetError(taskID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[taskID] = err
}

// ClearError removes a scripted error.
func (m *ScriptedMerger) ClearError(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.errs, taskID)
}

// Merge implements Merger.
func (m *ScriptedMerger) Merge(_ context.Context, task *taskgraph.Task) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if err := m.errs[task.ID]; err != nil {
		return "", err
	}
	m.merged = append(m.merged, task.ID)
	return fmt.Sprintf("sha-%s-%d", task.ID, m.calls), nil
}

// Merged returns the IDs of successfully merged tasks in merge order.
func (m *ScriptedMerger) Merged() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.merged...)
}
