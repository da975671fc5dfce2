package taskgraph

// isReady returns true if the task can be handed to a worker: it must be
// unclaimed and all of its dependencies must be merged.
func (g *Graph) isReady(t *Task) bool {
	return t.Status == StatusUnclaimed && g.depsMerged(t)
}

// depsMerged reports whether every dependency of the task is merged.
func (g *Graph) depsMerged(t *Task) bool {
	for _, depID := range t.DependsOn {
		dep, ok := g.tasks[depID]
		if !ok || dep.Status != StatusMerged {
			return false
		}
	}
	return true
}

// unblockedBy returns the IDs of tasks that become ready after the given
// task merges. A task is newly ready if it is still unclaimed, depends on
// the merged task, and has no remaining unmerged dependencies.
func (g *Graph) unblockedBy(taskID string) []string {
	var unblocked []string
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != StatusUnclaimed {
			continue
		}
		dependsOnMerged := false
		allMerged := true
		for _, depID := range t.DependsOn {
			if depID == taskID {
				dependsOnMerged = true
			}
			dep, ok := g.tasks[depID]
			if !ok || dep.Status != StatusMerged {
				allMerged = false
			}
		}
		if dependsOnMerged && allMerged {
			unblocked = append(unblocked, id)
		}
	}
	return unblocked
}

// findCycle checks the dependency relation for cycles using Kahn's
// algorithm. Returns the IDs of tasks involved in a cycle, or nil if the
// graph is acyclic.
func findCycle(tasks map[string]*Task) []string {
	inDegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for id := range tasks {
		inDegree[id] = 0
	}
	for id, t := range tasks {
		for _, depID := range t.DependsOn {
			if _, ok := tasks[depID]; ok {
				inDegree[id]++
				dependents[depID] = append(dependents[depID], id)
			}
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, depID := range dependents[id] {
			inDegree[depID]--
			if inDegree[depID] == 0 {
				queue = append(queue, depID)
			}
		}
	}

	if visited == len(tasks) {
		return nil
	}

	// Everything with remaining in-degree sits on or behind a cycle.
	var cycle []string
	for id, deg := range inDegree {
		if deg > 0 {
			cycle = append(cycle, id)
		}
	}
	return cycle
}

// buildPriorityOrder computes the stable listing order for tasks.
// Tasks are ordered by topological level, then by priority within each
// level. Claim selection does not use this order; it ranks the ready
// set by priority at claim time.
func buildPriorityOrder(tasks map[string]*Task) []string {
	if len(tasks) == 0 {
		return nil
	}

	inDegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for id := range tasks {
		inDegree[id] = 0
	}
	for id, t := range tasks {
		for _, depID := range t.DependsOn {
			if _, ok := tasks[depID]; ok {
				inDegree[id]++
				dependents[depID] = append(dependents[depID], id)
			}
		}
	}

	var order []string
	var level []string
	for id, deg := range inDegree {
		if deg == 0 {
			level = append(level, id)
		}
	}

	for len(level) > 0 {
		sortByPriority(level, tasks)
		order = append(order, level...)

		var next []string
		for _, id := range level {
			for _, depID := range dependents[id] {
				inDegree[depID]--
				if inDegree[depID] == 0 {
					next = append(next, depID)
				}
			}
		}
		level = next
	}

	return order
}

// sortByPriority sorts task IDs by priority (lower first), breaking ties
// by ID for deterministic ordering. Insertion sort; levels are small.
func sortByPriority(ids []string, tasks map[string]*Task) {
	for i := 1; i < len(ids); i++ {
		key := ids[i]
		j := i - 1
		for j >= 0 && lessPriority(tasks[key], tasks[ids[j]]) {
			ids[j+1] = ids[j]
			j--
		}
		ids[j+1] = key
	}
}

func lessPriority(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}
