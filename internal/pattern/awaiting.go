package pattern

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/msageha/troupe/internal/events"
	"github.com/msageha/troupe/internal/model"
)

func (e *Engine) newRecheck() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     e.cfg.RecheckBase(),
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         e.cfg.RecheckMax(),
	}
	b.Reset()
	return b
}

// MarkUnreachable puts every live session the worker is bound to into
// AwaitingResponse. It returns the affected session ids.
func (e *Engine) MarkUnreachable(workerID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var affected []string
	now := e.now()
	for _, id := range e.order {
		s := e.sessions[id]
		if s.snap.Phase == model.PhaseTerminated || !s.hasMember(workerID) {
			continue
		}
		if _, ok := s.waits[workerID]; ok {
			continue
		}
		b := e.newRecheck()
		s.waits[workerID] = &waiting{next: now.Add(b.NextBackOff()), backoff: b}
		if s.snap.Phase != model.PhaseAwaitingResponse {
			s.snap.ResumePhase = s.snap.Phase
			s.snap.Phase = model.PhaseAwaitingResponse
		}
		s.snap.UpdatedAt = now.UTC()
		affected = append(affected, id)
		e.logger.Warnf("session_awaiting id=%s worker=%s resume_phase=%s", id, workerID, s.snap.ResumePhase)
	}
	return affected
}

// clearWaitLocked stops waiting on a worker. When nobody is left to wait
// on, the session resumes the phase it was in.
func (e *Engine) clearWaitLocked(s *session, workerID string) {
	delete(s.waits, workerID)
	if len(s.waits) == 0 && s.snap.Phase == model.PhaseAwaitingResponse {
		s.snap.Phase = s.snap.ResumePhase
		s.snap.ResumePhase = ""
		e.logger.Infof("session_resume id=%s phase=%s", s.snap.ID, s.snap.Phase)
	}
}

type nudge struct {
	sessionID string
	workerID  string
	attempt   int
}

// Recheck walks the sessions waiting on unreachable workers. Workers that
// are reachable again are cleared. Otherwise each worker whose re-check time
// has come is nudged and its interval doubles; once a worker has gone
// unanswered for max nudges a Replacement is returned for it.
func (e *Engine) Recheck(ctx context.Context) []Replacement {
	e.mu.Lock()
	now := e.now()
	var (
		nudges []nudge
		out    []Replacement
	)
	for _, id := range e.order {
		s := e.sessions[id]
		if s.snap.Phase != model.PhaseAwaitingResponse {
			continue
		}
		for _, wid := range sortedIDs(s.waits) {
			w := s.waits[wid]
			if e.dir.IsReachable(wid) {
				e.clearWaitLocked(s, wid)
				continue
			}
			if w.signalled || now.Before(w.next) {
				continue
			}
			if w.nudges >= e.cfg.MaxNudges {
				w.signalled = true
				role, _ := s.roleOf(wid)
				out = append(out, Replacement{SessionID: id, WorkerID: wid, Role: role})
				continue
			}
			w.nudges++
			w.next = now.Add(w.backoff.NextBackOff())
			nudges = append(nudges, nudge{sessionID: id, workerID: wid, attempt: w.nudges})
		}
	}
	e.mu.Unlock()

	for _, n := range nudges {
		msg := model.Message{
			Type:      model.MsgNudge,
			SessionID: n.sessionID,
			Content:   fmt.Sprintf("session %s is waiting on you (nudge %d/%d)", n.sessionID, n.attempt, e.cfg.MaxNudges),
		}
		if _, err := e.router.Deliver(model.CoordinatorID, n.workerID, msg); err != nil {
			e.logger.Warnf("session_nudge id=%s worker=%s: %v", n.sessionID, n.workerID, err)
		}
	}
	for _, r := range out {
		e.logger.Warnf("session_replacement id=%s worker=%s role=%s", r.SessionID, r.WorkerID, r.Role)
		e.bus.Publish(events.EventWorkerUnreachable, map[string]any{
			"session_id": r.SessionID,
			"worker_id":  r.WorkerID,
			"role":       string(r.Role),
		})
	}
	return out
}

// ReplaceWorker swaps oldID for newID in every live session, keeping its role
// and position, and stops waiting on oldID. It returns the affected session
// ids.
func (e *Engine) ReplaceWorker(oldID, newID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var affected []string
	for _, id := range e.order {
		s := e.sessions[id]
		if s.snap.Phase == model.PhaseTerminated {
			continue
		}
		role, ok := s.roleOf(oldID)
		if !ok {
			continue
		}
		ids := s.snap.Roles[role]
		ids[slices.Index(ids, oldID)] = newID
		s.snap.Approvals = slices.DeleteFunc(s.snap.Approvals, func(a string) bool { return a == oldID })
		delete(s.spoke, oldID)
		e.clearWaitLocked(s, oldID)
		s.snap.UpdatedAt = e.now().UTC()
		affected = append(affected, id)
		e.logger.Infof("session_replace id=%s role=%s old=%s new=%s", id, role, oldID, newID)
	}
	return affected
}

// Waiting reports how many nudges a session has sent a worker it waits on.
func (e *Engine) Waiting(sessionID, workerID string) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return 0, false
	}
	w, ok := s.waits[workerID]
	if !ok {
		return 0, false
	}
	return w.nudges, true
}

// NextRecheck returns the earliest re-check time across waiting sessions.
func (e *Engine) NextRecheck() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var next time.Time
	for _, s := range e.sessions {
		for _, w := range s.waits {
			if next.IsZero() || w.next.Before(next) {
				next = w.next
			}
		}
	}
	return next, !next.IsZero()
}
