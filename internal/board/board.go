// Package board is the dependency-tracked task registry and worker directory.
//
// Every mutation is funnelled through a single writer goroutine and applied in
// submission order; readers take a shared lock and never wait on the queue.
package board

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/msageha/troupe/internal/events"
	"github.com/msageha/troupe/internal/logging"
	"github.com/msageha/troupe/internal/model"
)

var ErrClosed = errors.New("board closed")

// TaskUpdate is a partial update. Nil fields are left untouched; an empty
// Owner clears the owner.
type TaskUpdate struct {
	Owner        *string
	AddBlockedBy []string
	Status       *model.Status
}

type mutation struct {
	apply func() error
	reply chan error
}

type Board struct {
	mu      sync.RWMutex
	tasks   map[string]*model.TaskEntry
	order   []string
	idle    map[string]int
	workers map[string]*model.WorkerRecord
	wOrder  []string

	ops       chan mutation
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	bus    *events.Bus
	logger *logging.Logger
	now    func() time.Time
	newID  func() (string, error)
}

type Option func(*Board)

func WithEventBus(bus *events.Bus) Option {
	return func(b *Board) { b.bus = bus }
}

func WithLogger(l *logging.Logger) Option {
	return func(b *Board) { b.logger = l.With("board") }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Board) { b.now = now }
}

// WithIDGenerator overrides task id generation, for tests.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(b *Board) { b.newID = fn }
}

func New(opts ...Option) *Board {
	b := &Board{
		tasks:   make(map[string]*model.TaskEntry),
		idle:    make(map[string]int),
		workers: make(map[string]*model.WorkerRecord),
		ops:     make(chan mutation),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logging.Discard(),
		now:     time.Now,
		newID:   generateTaskID,
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.writer()
	return b
}

func generateTaskID() (string, error) {
	return model.GenerateID(model.IDTypeTask)
}

func (b *Board) writer() {
	defer close(b.done)
	for {
		select {
		case m := <-b.ops:
			b.mu.Lock()
			err := m.apply()
			b.mu.Unlock()
			m.reply <- err
		case <-b.quit:
			return
		}
	}
}

// submit queues fn behind every earlier mutation and waits for its result.
// fn runs with the write lock held.
func (b *Board) submit(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case b.ops <- mutation{apply: fn, reply: reply}:
	case <-b.quit:
		return ErrClosed
	}
	return <-reply
}

// Close stops the writer. Reads keep working on the final state.
func (b *Board) Close() {
	b.closeOnce.Do(func() { close(b.quit) })
	<-b.done
}

func (b *Board) CreateTask(subject, description string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("create task: subject is required")
	}
	id, err := b.newID()
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	err = b.submit(func() error {
		if _, exists := b.tasks[id]; exists {
			return fmt.Errorf("create task: duplicate id %s", id)
		}
		now := b.now().UTC()
		b.tasks[id] = &model.TaskEntry{
			ID:          id,
			Subject:     subject,
			Description: description,
			Status:      model.StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		b.order = append(b.order, id)
		b.logger.Infof("task_create id=%s subject=%q", id, subject)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateTask applies u atomically: either every field is applied or, on any
// error, the board is left exactly as it was. Adding a blocker that would
// close a cycle fails with *model.CycleError.
func (b *Board) UpdateTask(id string, u TaskUpdate) error {
	return b.submit(func() error {
		t, ok := b.tasks[id]
		if !ok {
			return fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
		}

		owner := t.Owner
		if u.Owner != nil {
			owner = *u.Owner
			if owner != "" && owner != model.CoordinatorID {
				if _, ok := b.workers[owner]; !ok {
					return fmt.Errorf("%w: %s", model.ErrWorkerNotFound, owner)
				}
			}
		}

		var added []string
		for _, dep := range u.AddBlockedBy {
			if slices.Contains(t.BlockedBy, dep) || slices.Contains(added, dep) {
				continue
			}
			if _, ok := b.tasks[dep]; !ok {
				return fmt.Errorf("%w: blocker %s", model.ErrTaskNotFound, dep)
			}
			if err := checkEdge(b.tasks, id, dep); err != nil {
				b.logger.Warnf("task_update id=%s rejected_edge=%s err=%v", id, dep, err)
				return err
			}
			added = append(added, dep)
		}
		if len(added) > 0 && model.IsTerminal(t.Status) {
			return &model.TransitionError{From: t.Status, To: t.Status, Reason: "cannot add blockers to a terminal task"}
		}

		blockedBy := append(slices.Clone(t.BlockedBy), added...)
		status := t.Status
		if u.Status != nil && *u.Status != t.Status {
			if err := model.ValidateTaskTransition(t.Status, *u.Status); err != nil {
				return err
			}
			status = *u.Status
		}
		if status == model.StatusInProgress {
			if pending := b.unmetLocked(blockedBy); len(pending) > 0 {
				return fmt.Errorf("%w: %s waits on %v", model.ErrBlocked, id, pending)
			}
		}

		changed := owner != t.Owner || len(added) > 0 || status != t.Status
		if !changed {
			return nil
		}
		prev := t.Status
		t.Owner = owner
		t.BlockedBy = blockedBy
		t.Status = status
		t.UpdatedAt = b.now().UTC()
		b.idle[id] = 0

		b.logger.Infof("task_update id=%s status=%s owner=%s blocked_by=%v", id, t.Status, t.Owner, t.BlockedBy)
		if status == model.StatusEscalated && prev != model.StatusEscalated {
			b.bus.Publish(events.EventEscalated, map[string]any{
				"task_id": id,
				"from":    string(prev),
				"owner":   t.Owner,
			})
		}
		return nil
	})
}

// unmetLocked returns the blockers that are not completed yet.
func (b *Board) unmetLocked(blockedBy []string) []string {
	var out []string
	for _, dep := range blockedBy {
		if d, ok := b.tasks[dep]; !ok || d.Status != model.StatusCompleted {
			out = append(out, dep)
		}
	}
	return out
}

// ObservePoll counts one staleness check against every in-progress task.
func (b *Board) ObservePoll() error {
	return b.submit(func() error {
		for id, t := range b.tasks {
			if t.Status == model.StatusInProgress {
				b.idle[id]++
			}
		}
		return nil
	})
}

// Touch resets the staleness counter of a task after its owner showed signs
// of life.
func (b *Board) Touch(id string) error {
	return b.submit(func() error {
		if _, ok := b.tasks[id]; !ok {
			return fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
		}
		b.idle[id] = 0
		return nil
	})
}
