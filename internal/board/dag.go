package board

import "github.com/msageha/troupe/internal/model"

// findPath follows blockedBy edges from "from" and returns the first chain that
// reaches "to" (both ends included), or nil. Each task and edge is visited at
// most once.
func findPath(tasks map[string]*model.TaskEntry, from, to string) []string {
	if from == to {
		return []string{from}
	}
	parent := map[string]string{from: ""}
	stack := []string{from}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		t, ok := tasks[node]
		if !ok {
			continue
		}
		for _, dep := range t.BlockedBy {
			if _, seen := parent[dep]; seen {
				continue
			}
			parent[dep] = node
			if dep == to {
				var path []string
				for cur := dep; cur != ""; cur = parent[cur] {
					path = append(path, cur)
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path
			}
			stack = append(stack, dep)
		}
	}
	return nil
}

// checkEdge reports the cycle that blocking taskID on blocker would close.
func checkEdge(tasks map[string]*model.TaskEntry, taskID, blocker string) error {
	if taskID == blocker {
		return &model.CycleError{TaskID: taskID, BlockedBy: blocker, Path: []string{taskID, taskID}}
	}
	if path := findPath(tasks, blocker, taskID); path != nil {
		return &model.CycleError{
			TaskID:    taskID,
			BlockedBy: blocker,
			Path:      append([]string{taskID}, path...),
		}
	}
	return nil
}

// TopoOrder returns task ids ordered so every blocker precedes the tasks it
// blocks (Kahn's algorithm). On a cycle it returns a *model.CycleError
// carrying one offending path.
func TopoOrder(tasks []model.TaskEntry) ([]string, error) {
	index := make(map[string]*model.TaskEntry, len(tasks))
	for i := range tasks {
		index[tasks[i].ID] = &tasks[i]
	}

	inDegree := make(map[string]int, len(tasks))
	forward := make(map[string][]string)
	for _, t := range tasks {
		inDegree[t.ID] += 0
		for _, dep := range t.BlockedBy {
			if _, ok := index[dep]; !ok {
				continue
			}
			inDegree[t.ID]++
			forward[dep] = append(forward[dep], t.ID)
		}
	}

	var queue []string
	for _, t := range tasks {
		if inDegree[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}

	sorted := make([]string, 0, len(tasks))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)
		for _, dependent := range forward[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if len(sorted) == len(tasks) {
		return sorted, nil
	}

	for _, t := range tasks {
		if inDegree[t.ID] == 0 {
			continue
		}
		for _, dep := range t.BlockedBy {
			if path := findPath(index, dep, t.ID); path != nil {
				return nil, &model.CycleError{
					TaskID:    t.ID,
					BlockedBy: dep,
					Path:      append([]string{t.ID}, path...),
				}
			}
		}
	}
	return nil, &model.CycleError{Path: []string{"(unresolved)"}}
}
