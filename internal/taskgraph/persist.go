package taskgraph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const stateFileName = "taskgraph-state.json"

// persistedState is the serializable representation of the graph.
type persistedState struct {
	Tasks map[string]*Task `json:"tasks"`
	Order []string         `json:"order"`
}

// SaveState writes the graph state to a JSON file in the given directory.
// The write is atomic: data is written to a temporary file first, then
// renamed into place. A file lock is held during the operation for
// cross-process safety.
func (g *Graph) SaveState(dir string) error {
	release, err := NewDirLock(dir).Acquire()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer release()

	g.mu.Lock()
	data, err := json.MarshalIndent(persistedState{
		Tasks: g.tasks,
		Order: g.order,
	}, "", "  ")
	g.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal graph state: %w", err)
	}

	target := filepath.Join(dir, stateFileName)
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

// LoadState restores a Graph from a previously saved state file in the
// given directory. A file lock is held during the read for cross-process
// safety. Tasks that were claimed or executing when the state was saved
// are returned to the unclaimed pool; their workers are gone.
func LoadState(dir string) (*Graph, error) {
	release, err := NewDirLock(dir).Acquire()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	defer release()

	target := filepath.Join(dir, stateFileName)

	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal graph state: %w", err)
	}

	if state.Tasks == nil {
		state.Tasks = make(map[string]*Task)
	}
	if state.Order == nil {
		state.Order = []string{}
	}

	for _, t := range state.Tasks {
		switch t.Status {
		case StatusClaimed, StatusInProgress, StatusMerging:
			t.Status = StatusUnclaimed
			t.AssignedTo = ""
			t.ClaimedAt = nil
		}
	}

	return newFromTasks(state.Tasks, state.Order), nil
}

// FromTasks rebuilds a Graph from a task snapshot in slice order.
// Tasks that were claimed or executing when the snapshot was taken are
// returned to the unclaimed pool; their workers are gone.
func FromTasks(tasks []*Task) *Graph {
	m := make(map[string]*Task, len(tasks))
	order := make([]string, 0, len(tasks))
	for _, t := range tasks {
		c := t.clone()
		switch c.Status {
		case StatusClaimed, StatusInProgress, StatusMerging:
			c.Status = StatusUnclaimed
			c.AssignedTo = ""
			c.ClaimedAt = nil
		}
		m[c.ID] = c
		order = append(order, c.ID)
	}
	return newFromTasks(m, order)
}
