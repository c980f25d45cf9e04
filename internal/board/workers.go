package board

import (
	"fmt"
	"slices"

	"github.com/msageha/troupe/internal/model"
)

// RegisterWorker adds a worker to the directory. Roles outside the closed
// role set are rejected here rather than when the worker is first addressed.
func (b *Board) RegisterWorker(id string, role model.Role) error {
	if id == "" || id == model.Broadcast || id == model.CoordinatorID {
		return fmt.Errorf("register worker: reserved or empty id %q", id)
	}
	if !role.Valid() {
		return fmt.Errorf("register worker %s: %w: %q", id, model.ErrUnknownRole, role)
	}
	return b.submit(func() error {
		if _, exists := b.workers[id]; exists {
			return fmt.Errorf("register worker: %s already registered", id)
		}
		b.workers[id] = &model.WorkerRecord{
			ID:           id,
			Role:         role,
			Reachability: model.ReachabilityActive,
			SpawnedAt:    b.now().UTC(),
		}
		b.wOrder = append(b.wOrder, id)
		b.logger.Infof("worker_register id=%s role=%s", id, role)
		return nil
	})
}

func (b *Board) SetReachability(id string, r model.Reachability) error {
	return b.submit(func() error {
		w, ok := b.workers[id]
		if !ok {
			return fmt.Errorf("%w: %s", model.ErrWorkerNotFound, id)
		}
		if w.Reachability != r {
			b.logger.Infof("worker_reachability id=%s %s->%s", id, w.Reachability, r)
			w.Reachability = r
		}
		return nil
	})
}

// ReplaceWorker marks oldID unreachable and replaced by newID, then hands
// every non-terminal task owned by oldID to newID. newID must already be
// registered. It returns the reassigned task ids.
func (b *Board) ReplaceWorker(oldID, newID string) ([]string, error) {
	var moved []string
	err := b.submit(func() error {
		old, ok := b.workers[oldID]
		if !ok {
			return fmt.Errorf("%w: %s", model.ErrWorkerNotFound, oldID)
		}
		if _, ok := b.workers[newID]; !ok {
			return fmt.Errorf("%w: %s", model.ErrWorkerNotFound, newID)
		}
		old.Reachability = model.ReachabilityUnreachable
		old.ReplacedBy = newID

		now := b.now().UTC()
		for _, id := range b.order {
			t := b.tasks[id]
			if t.Owner != oldID || model.IsTerminal(t.Status) {
				continue
			}
			t.Owner = newID
			t.UpdatedAt = now
			b.idle[id] = 0
			moved = append(moved, id)
		}
		b.logger.Warnf("worker_replace old=%s new=%s reassigned=%v", oldID, newID, moved)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// RemoveWorker drops a worker from the directory at dissolution.
func (b *Board) RemoveWorker(id string) error {
	return b.submit(func() error {
		if _, ok := b.workers[id]; !ok {
			return fmt.Errorf("%w: %s", model.ErrWorkerNotFound, id)
		}
		delete(b.workers, id)
		b.wOrder = slices.DeleteFunc(b.wOrder, func(w string) bool { return w == id })
		return nil
	})
}

func (b *Board) Worker(id string) (model.WorkerRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	w, ok := b.workers[id]
	if !ok {
		return model.WorkerRecord{}, fmt.Errorf("%w: %s", model.ErrWorkerNotFound, id)
	}
	return *w, nil
}

// Workers lists registered workers in registration order.
func (b *Board) Workers() []model.WorkerRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.WorkerRecord, 0, len(b.wOrder))
	for _, id := range b.wOrder {
		out = append(out, *b.workers[id])
	}
	return out
}

// IsReachable reports whether id can receive mail. The coordinator always can.
func (b *Board) IsReachable(id string) bool {
	if id == model.CoordinatorID {
		return true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	w, ok := b.workers[id]
	return ok && w.Reachability == model.ReachabilityActive
}

// ReachableWorkers returns the ids of every active worker.
func (b *Board) ReachableWorkers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for _, id := range b.wOrder {
		if b.workers[id].Reachability == model.ReachabilityActive {
			out = append(out, id)
		}
	}
	return out
}
