package board

import (
	"fmt"

	"github.com/msageha/troupe/internal/model"
)

// Snapshot is the serialisable state of the board.
type Snapshot struct {
	Tasks   []model.TaskEntry    `yaml:"tasks" json:"tasks"`
	Workers []model.WorkerRecord `yaml:"workers" json:"workers"`
}

// Snapshot copies the board in creation order.
func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := Snapshot{
		Tasks:   make([]model.TaskEntry, 0, len(b.order)),
		Workers: make([]model.WorkerRecord, 0, len(b.wOrder)),
	}
	for _, id := range b.order {
		s.Tasks = append(s.Tasks, b.tasks[id].Clone())
	}
	for _, id := range b.wOrder {
		s.Workers = append(s.Workers, *b.workers[id])
	}
	return s
}

// Restore replaces the board contents with s. The snapshot is validated first
// (unique ids, known statuses, known blockers, acyclic) and nothing changes if
// it is rejected. Restoring the same snapshot twice yields the same board.
func (b *Board) Restore(s Snapshot) error {
	if err := validateSnapshot(s); err != nil {
		return fmt.Errorf("restore board: %w", err)
	}
	return b.submit(func() error {
		tasks := make(map[string]*model.TaskEntry, len(s.Tasks))
		order := make([]string, 0, len(s.Tasks))
		for _, t := range s.Tasks {
			c := t.Clone()
			tasks[c.ID] = &c
			order = append(order, c.ID)
		}
		workers := make(map[string]*model.WorkerRecord, len(s.Workers))
		wOrder := make([]string, 0, len(s.Workers))
		for _, w := range s.Workers {
			c := w
			workers[c.ID] = &c
			wOrder = append(wOrder, c.ID)
		}
		b.tasks, b.order = tasks, order
		b.workers, b.wOrder = workers, wOrder
		b.idle = make(map[string]int)
		b.logger.Infof("board_restore tasks=%d workers=%d", len(order), len(wOrder))
		return nil
	})
}

func validateSnapshot(s Snapshot) error {
	seen := make(map[string]bool, len(s.Tasks))
	for _, t := range s.Tasks {
		if t.ID == "" {
			return fmt.Errorf("task with empty id")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate task %s", t.ID)
		}
		seen[t.ID] = true
		if !model.IsKnownStatus(t.Status) {
			return fmt.Errorf("task %s: unknown status %q", t.ID, t.Status)
		}
	}
	for _, t := range s.Tasks {
		for _, dep := range t.BlockedBy {
			if !seen[dep] {
				return fmt.Errorf("task %s: %w: blocker %s", t.ID, model.ErrTaskNotFound, dep)
			}
		}
	}
	if _, err := TopoOrder(s.Tasks); err != nil {
		return err
	}

	wseen := make(map[string]bool, len(s.Workers))
	for _, w := range s.Workers {
		if wseen[w.ID] {
			return fmt.Errorf("duplicate worker %s", w.ID)
		}
		wseen[w.ID] = true
		if !w.Role.Valid() {
			return fmt.Errorf("worker %s: %w: %q", w.ID, model.ErrUnknownRole, w.Role)
		}
	}
	return nil
}
