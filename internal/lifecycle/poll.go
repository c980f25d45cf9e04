package lifecycle

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/msageha/troupe/internal/board"
	"github.com/msageha/troupe/internal/events"
	"github.com/msageha/troupe/internal/model"
	"github.com/msageha/troupe/internal/pattern"
	"github.com/msageha/troupe/internal/retry"
)

// Replacement records one worker handed over to a fresh one.
type Replacement struct {
	OldID    string     `json:"old_id"`
	NewID    string     `json:"new_id"`
	Role     model.Role `json:"role"`
	Tasks    []string   `json:"tasks,omitempty"`
	Sessions []string   `json:"sessions,omitempty"`
	// Failures are the retry decisions for the in-progress tasks handed over.
	Failures []retry.Decision `json:"failures,omitempty"`
}

// PollReport is what one poll did.
type PollReport struct {
	Nudged         []string      `json:"nudged,omitempty"`
	Responded      []string      `json:"responded,omitempty"`
	Replaced       []Replacement `json:"replaced,omitempty"`
	Resumed        []string      `json:"resumed,omitempty"`
	TrackedBytes   int           `json:"tracked_bytes"`
	BudgetExceeded bool          `json:"budget_exceeded"`
}

// Run polls every poll interval until ctx ends. When the context budget is
// exceeded it forces every session to synthesize and dissolves the team.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval())
	defer ticker.Stop()
	m.logger.Infof("lifecycle_run poll_interval=%s", m.cfg.PollInterval())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rep, err := m.Poll(ctx)
			if err != nil {
				m.logger.Errorf("lifecycle_poll: %v", err)
				continue
			}
			if rep.BudgetExceeded {
				reason := fmt.Sprintf("context budget exceeded (%d > %d bytes)", rep.TrackedBytes, m.cfg.ContextBudgetBytes)
				if _, err := m.Dissolve(ctx, reason); err != nil {
					return err
				}
				return nil
			}
		}
	}
}

// Poll runs one pass of the execution loop: it counts a staleness check,
// flushes held mail, nudges the owners of stale tasks, replaces owners that
// stayed silent through max nudges, lets waiting sessions re-check their
// workers, resumes due retries and measures the tracked state against the
// context budget.
func (m *Manager) Poll(ctx context.Context) (PollReport, error) {
	var rep PollReport
	if m.isDissolving() {
		return rep, ErrDissolving
	}
	b := m.deps.Board
	if err := b.ObservePoll(); err != nil {
		return rep, err
	}
	m.deps.Router.Flush()

	rep.Responded = m.checkResponses()

	stale := m.staleByOwner()
	for _, owner := range sortedKeys(stale) {
		tasks := stale[owner]
		m.mu.Lock()
		w, ok := m.watches[owner]
		if !ok {
			w = &watch{}
			m.watches[owner] = w
		}
		exhausted := w.nudges >= m.cfg.MaxNudges
		m.mu.Unlock()

		if exhausted {
			r, err := m.replace(ctx, owner, fmt.Sprintf("no answer to %d nudges", m.cfg.MaxNudges))
			if err != nil {
				m.logger.Errorf("worker_replace old=%s: %v", owner, err)
				continue
			}
			rep.Replaced = append(rep.Replaced, r)
			continue
		}
		m.nudge(ctx, owner, tasks, w)
		rep.Nudged = append(rep.Nudged, owner)
	}

	if m.deps.Sessions != nil {
		for _, sr := range m.deps.Sessions.Recheck(ctx) {
			if r, ok := m.replaceForSession(ctx, sr); ok {
				rep.Replaced = append(rep.Replaced, r)
			}
		}
	}
	if m.deps.Retry != nil {
		rep.Resumed = m.deps.Retry.ResumeDue()
	}

	rep.TrackedBytes = m.TrackedBytes()
	rep.BudgetExceeded = rep.TrackedBytes > m.cfg.ContextBudgetBytes
	if rep.BudgetExceeded {
		m.logger.Warnf("context_budget tracked=%d budget=%d", rep.TrackedBytes, m.cfg.ContextBudgetBytes)
	}
	return rep, nil
}

// staleByOwner groups stale in-progress tasks by owning worker.
func (m *Manager) staleByOwner() map[string][]string {
	out := make(map[string][]string)
	f := board.Filter{Statuses: []model.Status{model.StatusInProgress}}
	for t := range m.deps.Board.ListTasks(f) {
		if t.Owner == "" || t.Owner == model.CoordinatorID {
			continue
		}
		if m.deps.Board.Stale(t.ID, m.staleThreshold) {
			out[t.Owner] = append(out[t.Owner], t.ID)
		}
	}
	return out
}

// checkResponses clears the watch of every nudged worker that has shown any
// activity since its last nudge and marks it reachable again.
func (m *Manager) checkResponses() []string {
	m.mu.Lock()
	var back []string
	for id, w := range m.watches {
		if w.nudges == 0 {
			continue
		}
		last, ok := m.deps.Router.LastActivity(id)
		if ok && last.After(w.lastNudge) {
			back = append(back, id)
			delete(m.watches, id)
		}
	}
	m.mu.Unlock()

	slices.Sort(back)
	for _, id := range back {
		_ = m.deps.Board.SetReachability(id, model.ReachabilityActive)
		for t := range m.deps.Board.ListTasks(board.Filter{Owner: id, Statuses: []model.Status{model.StatusInProgress}}) {
			_ = m.deps.Board.Touch(t.ID)
		}
		m.logger.Infof("worker_responded id=%s", id)
	}
	return back
}

func (m *Manager) nudge(ctx context.Context, owner string, tasks []string, w *watch) {
	m.mu.Lock()
	w.nudges++
	w.lastNudge = m.now()
	n := w.nudges
	markUnreachable := n > 1 && !w.unreachable
	if markUnreachable {
		w.unreachable = true
	}
	m.mu.Unlock()

	msg := model.Message{
		Type:    model.MsgNudge,
		Summary: fmt.Sprintf("nudge %d/%d", n, m.cfg.MaxNudges),
		Content: "no progress on " + strings.Join(tasks, ", ") + "; report status or update the task",
	}
	if _, err := m.deps.Router.Deliver(model.CoordinatorID, owner, msg); err != nil {
		m.logger.Warnf("worker_nudge id=%s: %v", owner, err)
	}
	m.logger.Warnf("worker_nudge id=%s attempt=%d/%d tasks=%v", owner, n, m.cfg.MaxNudges, tasks)
	for _, id := range tasks {
		m.bus.Publish(events.EventStaleTask, map[string]any{
			"task_id":   id,
			"worker_id": owner,
			"nudge":     n,
		})
	}

	// The first nudge went unanswered; sessions bound to the worker start
	// waiting on it.
	if markUnreachable {
		_ = m.deps.Board.SetReachability(owner, model.ReachabilityUnreachable)
		if m.deps.Sessions != nil {
			m.deps.Sessions.MarkUnreachable(owner)
		}
		m.bus.Publish(events.EventWorkerUnreachable, map[string]any{"worker_id": owner})
	}
}

func (m *Manager) replaceForSession(ctx context.Context, sr pattern.Replacement) (Replacement, bool) {
	w, err := m.deps.Board.Worker(sr.WorkerID)
	if err != nil || w.ReplacedBy != "" {
		return Replacement{}, false
	}
	r, err := m.replace(ctx, sr.WorkerID, "session "+sr.SessionID+" got no answer to its nudges")
	if err != nil {
		m.logger.Errorf("worker_replace old=%s session=%s: %v", sr.WorkerID, sr.SessionID, err)
		return Replacement{}, false
	}
	return r, true
}

// replace spawns a worker of the same role as oldID and hands it every task
// and session seat oldID held.
func (m *Manager) replace(ctx context.Context, oldID, reason string) (Replacement, error) {
	old, err := m.deps.Board.Worker(oldID)
	if err != nil {
		return Replacement{}, err
	}
	if old.ReplacedBy != "" {
		return Replacement{}, fmt.Errorf("worker %s was already replaced by %s", oldID, old.ReplacedBy)
	}
	initial := fmt.Sprintf("You replace worker %s (%s): %s.", oldID, old.Role, reason)
	newID, err := m.deps.Spawner.Spawn(ctx, old.Role, old.Role.Capability(), initial)
	if err != nil {
		return Replacement{}, fmt.Errorf("spawn replacement: %w", err)
	}
	if err := m.deps.Board.RegisterWorker(newID, old.Role); err != nil {
		return Replacement{}, err
	}
	moved, err := m.deps.Board.ReplaceWorker(oldID, newID)
	if err != nil {
		return Replacement{}, err
	}
	var sessions []string
	if m.deps.Sessions != nil {
		sessions = m.deps.Sessions.ReplaceWorker(oldID, newID)
	}
	m.deps.Router.ResetBudget(newID)

	m.mu.Lock()
	delete(m.watches, oldID)
	m.mu.Unlock()

	r := Replacement{OldID: oldID, NewID: newID, Role: old.Role, Tasks: moved, Sessions: sessions}
	r.Failures = m.failTasks(ctx, moved, "owner "+oldID+" replaced: "+reason)
	m.logger.Warnf("worker_replaced old=%s new=%s role=%s tasks=%v sessions=%v reason=%q", oldID, newID, old.Role, moved, sessions, reason)
	m.metrics.RecordReplacement(ctx, string(old.Role))
	m.bus.Publish(events.EventWorkerReplaced, map[string]any{
		"old_id":   oldID,
		"new_id":   newID,
		"role":     string(old.Role),
		"tasks":    moved,
		"sessions": sessions,
		"reason":   reason,
	})
	m.boundary(ctx, "replace-"+oldID)
	return r, nil
}

// TrackedBytes estimates the coordinator's own tracked state: the task text
// on the board, the session transcripts and the router's message log.
func (m *Manager) TrackedBytes() int {
	n := m.deps.Router.Bytes()
	for t := range m.deps.Board.ListTasks(board.Filter{}) {
		n += len(t.Subject) + len(t.Description)
	}
	if m.deps.Sessions != nil {
		for _, s := range m.deps.Sessions.Snapshots() {
			n += len(s.Outcome) + len(s.Ruling)
			for _, c := range s.Contributions {
				n += len(c.Summary)
			}
		}
	}
	return n
}

// Watching returns how many nudges a worker has gone without answering.
func (m *Manager) Watching(workerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watches[workerID]; ok {
		return w.nudges
	}
	return 0
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
