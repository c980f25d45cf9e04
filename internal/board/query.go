package board

import (
	"fmt"
	"iter"
	"slices"

	"github.com/msageha/troupe/internal/model"
)

// Filter selects tasks for ListTasks. Zero fields match everything.
type Filter struct {
	Statuses  []model.Status `json:"statuses,omitempty"`
	Owner     string         `json:"owner,omitempty"`
	BlockedBy string         `json:"blocked_by,omitempty"`
	// ReadyOnly keeps only tasks that may move to in_progress right now.
	ReadyOnly bool `json:"ready_only,omitempty"`
}

func (b *Board) matchLocked(t *model.TaskEntry, f Filter) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if f.Owner != "" && t.Owner != f.Owner {
		return false
	}
	if f.BlockedBy != "" && !slices.Contains(t.BlockedBy, f.BlockedBy) {
		return false
	}
	if f.ReadyOnly && !b.eligibleLocked(t) {
		return false
	}
	return true
}

// ListTasks yields the tasks matching f in creation order. Each iteration
// works on its own snapshot taken when the range loop starts, so the sequence
// is finite and can be ranged over again for fresh results.
func (b *Board) ListTasks(f Filter) iter.Seq[model.TaskEntry] {
	return func(yield func(model.TaskEntry) bool) {
		b.mu.RLock()
		snap := make([]model.TaskEntry, 0, len(b.order))
		for _, id := range b.order {
			t := b.tasks[id]
			if b.matchLocked(t, f) {
				snap = append(snap, t.Clone())
			}
		}
		b.mu.RUnlock()

		for _, t := range snap {
			if !yield(t) {
				return
			}
		}
	}
}

func (b *Board) Get(id string) (model.TaskEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tasks[id]
	if !ok {
		return model.TaskEntry{}, fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

// Eligible reports whether the task may move to in_progress now: it is
// pending or retrying and every blocker is completed.
func (b *Board) Eligible(id string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
	}
	return b.eligibleLocked(t), nil
}

func (b *Board) eligibleLocked(t *model.TaskEntry) bool {
	if t.Status != model.StatusPending && t.Status != model.StatusRetrying {
		return false
	}
	return len(b.unmetLocked(t.BlockedBy)) == 0
}

// Stale reports whether an in-progress task has gone thresholdChecks polls
// without any update or sign of life from its owner.
func (b *Board) Stale(id string, thresholdChecks int) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tasks[id]
	if !ok || t.Status != model.StatusInProgress {
		return false
	}
	if thresholdChecks <= 0 {
		thresholdChecks = 1
	}
	return b.idle[id] >= thresholdChecks
}

// Counts returns the number of tasks per status.
func (b *Board) Counts() map[model.Status]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[model.Status]int)
	for _, t := range b.tasks {
		out[t.Status]++
	}
	return out
}

func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tasks)
}
