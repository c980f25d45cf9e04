package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/msageha/troupe/internal/board"
	"github.com/msageha/troupe/internal/dispatch"
	"github.com/msageha/troupe/internal/model"
	"github.com/msageha/troupe/internal/retry"
	"github.com/msageha/troupe/internal/router"
)

// Fail reports a failed attempt at taskID. The retry engine counts it and
// moves the task to retrying or escalated; an escalation is checkpointed.
func (m *Manager) Fail(ctx context.Context, taskID string, class retry.FaultClass, reason string) (retry.Decision, error) {
	if m.deps.Retry == nil {
		return retry.Decision{}, errors.New("retry is not configured")
	}
	if m.isDissolving() {
		return retry.Decision{}, ErrDissolving
	}
	d, err := m.deps.Retry.RecordFailure(ctx, taskID, class, reason)
	if err != nil {
		return d, err
	}
	if d.Action == retry.ActionEscalate {
		m.boundary(ctx, "escalate-"+taskID)
	}
	return d, nil
}

// failTasks records a transient failure for every listed task still in
// progress. A wait that timed out lands here.
func (m *Manager) failTasks(ctx context.Context, ids []string, reason string) []retry.Decision {
	if m.deps.Retry == nil {
		return nil
	}
	var out []retry.Decision
	for _, id := range ids {
		t, err := m.deps.Board.Get(id)
		if err != nil || t.Status != model.StatusInProgress {
			continue
		}
		d, err := m.deps.Retry.RecordFailure(ctx, id, retry.FaultTransient, reason)
		if err != nil {
			m.logger.Warnf("task_fail id=%s: %v", id, err)
			continue
		}
		out = append(out, d)
	}
	return out
}

func (m *Manager) inProgressOf(workerID string) []string {
	var ids []string
	f := board.Filter{Owner: workerID, Statuses: []model.Status{model.StatusInProgress}}
	for t := range m.deps.Board.ListTasks(f) {
		ids = append(ids, t.ID)
	}
	return ids
}

// onRelease treats every participant that let a barrier time out as failed
// on the tasks it holds.
func (m *Manager) onRelease(rel router.Release) {
	if !rel.Incomplete || len(rel.Missing) == 0 {
		return
	}
	ctx := context.Background()
	reason := "no submission before barrier " + rel.SessionID + " timed out"
	for _, id := range rel.Missing {
		for _, d := range m.failTasks(ctx, m.inProgressOf(id), reason) {
			m.logger.Warnf("barrier_timeout_fail worker=%s task=%s action=%s", id, d.TaskID, d.Action)
		}
	}
}

// failCalls counts every failed or timed-out call of a batch against the task
// it was working on.
func (m *Manager) failCalls(ctx context.Context, b *dispatch.Batch) {
	for _, r := range b.Results {
		if r.OK() || r.Call.TaskID == "" {
			continue
		}
		m.failTasks(ctx, []string{r.Call.TaskID}, fmt.Sprintf("dispatch %s call %d: %s", b.ID, r.Index+1, r.Err))
	}
}
