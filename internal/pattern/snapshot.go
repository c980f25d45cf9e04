package pattern

import (
	"fmt"

	"github.com/msageha/troupe/internal/model"
	"github.com/msageha/troupe/internal/router"
)

// Snapshots returns every session in start order for checkpointing.
func (e *Engine) Snapshots() []model.SessionSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.SessionSnapshot, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, cloneSnapshot(e.sessions[id].snap))
	}
	return out
}

// RestoreSessions replaces every session with snaps. Sessions caught in
// AwaitingResponse come back in the phase they were waiting from; the
// lifecycle poll marks their workers again if they are still unreachable.
// Barriers of mediated sessions that had not released are reopened.
func (e *Engine) RestoreSessions(snaps []model.SessionSnapshot) error {
	restored := make(map[string]*session, len(snaps))
	order := make([]string, 0, len(snaps))
	for _, snap := range snaps {
		def, err := Lookup(snap.Protocol)
		if err != nil {
			return fmt.Errorf("restore session %s: %w", snap.ID, err)
		}
		if _, dup := restored[snap.ID]; dup {
			return fmt.Errorf("restore session %s: duplicate id", snap.ID)
		}
		if err := def.ValidateRoles(snap.Roles, snap.Phase == model.PhaseForming); err != nil {
			return fmt.Errorf("restore session %s: %w", snap.ID, err)
		}
		c := cloneSnapshot(snap)
		if c.Phase == model.PhaseAwaitingResponse {
			c.Phase = c.ResumePhase
			c.ResumePhase = ""
		}
		restored[c.ID] = &session{
			def:   def,
			snap:  c,
			waits: make(map[string]*waiting),
			spoke: make(map[string]bool),
			seen:  router.NewSequenceTracker(),
		}
		order = append(order, c.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, s := range e.sessions {
		if _, keep := restored[id]; !keep && s.def.Mediation == MediationBarrier && !s.snap.Released {
			e.router.CancelBarrier(id)
		}
	}
	e.sessions = restored
	e.order = order
	for _, id := range order {
		s := restored[id]
		if s.def.Mediation == MediationBarrier && s.snap.Phase == model.PhaseActive && !s.snap.Released {
			if err := e.openBarrierLocked(s); err != nil {
				return err
			}
		}
	}
	e.logger.Infof("session_restore count=%d", len(order))
	return nil
}
