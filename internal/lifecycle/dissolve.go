package lifecycle

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/msageha/troupe/internal/events"
	"github.com/msageha/troupe/internal/model"
)

// Dissolution is the outcome of a shutdown negotiation.
type Dissolution struct {
	Reason   string            `json:"reason"`
	Attempts int               `json:"attempts"`
	Approved []string          `json:"approved"`
	Rejected map[string]string `json:"rejected,omitempty"`
	Silent   []string          `json:"silent,omitempty"`
	Forced   []string          `json:"forced_sessions,omitempty"`
	Archived bool              `json:"archived"`
}

// Complete reports whether every worker approved the shutdown.
func (d *Dissolution) Complete() bool {
	return len(d.Rejected) == 0 && len(d.Silent) == 0
}

// Dissolve winds the team down. Live sessions are forced to synthesize, then
// every worker gets a shutdown_request. Workers that reject or stay silent
// are asked again, with the reason and their objection, up to the configured
// number of attempts. Only when every worker has approved is the board
// archived and the workers removed. A second call returns the first result.
func (m *Manager) Dissolve(ctx context.Context, reason string) (*Dissolution, error) {
	m.mu.Lock()
	if m.dissolved != nil {
		d := m.dissolved
		m.mu.Unlock()
		return d, nil
	}
	if m.dissolving {
		m.mu.Unlock()
		return nil, ErrDissolving
	}
	m.dissolving = true
	clear(m.responses)
	m.mu.Unlock()

	m.logger.Infof("dissolution_start reason=%q", reason)
	m.bus.Publish(events.EventDissolutionStarted, map[string]any{"reason": reason})

	d := &Dissolution{Reason: reason, Rejected: make(map[string]string)}
	if m.deps.Sessions != nil {
		for _, s := range m.deps.Sessions.ForceAll(ctx, reason) {
			d.Forced = append(d.Forced, s.ID)
		}
	}
	m.boundary(ctx, "dissolve")

	var workers []string
	for _, w := range m.deps.Board.Workers() {
		if w.ReplacedBy == "" {
			workers = append(workers, w.ID)
		}
	}

	approved := make(map[string]bool, len(workers))
	for attempt := 1; attempt <= m.cfg.ShutdownMaxAttempts; attempt++ {
		d.Attempts = attempt
		asked := m.requestShutdown(workers, approved, d.Rejected, reason, attempt)
		m.collect(ctx, asked, approved, d.Rejected)
		if len(approved) == len(workers) || ctx.Err() != nil {
			break
		}
	}

	for _, id := range workers {
		switch {
		case approved[id]:
			d.Approved = append(d.Approved, id)
		case d.Rejected[id] == "":
			d.Silent = append(d.Silent, id)
		}
	}

	if d.Complete() {
		if m.deps.Checkpoints != nil {
			if err := m.deps.Checkpoints.ArchiveBoard(ctx); err != nil {
				m.logger.Errorf("dissolution_archive: %v", err)
			} else {
				d.Archived = true
			}
		}
		for _, id := range workers {
			_ = m.deps.Board.RemoveWorker(id)
		}
		m.logger.Infof("dissolution_complete workers=%d attempts=%d archived=%t", len(workers), d.Attempts, d.Archived)
	} else {
		m.logger.Warnf("dissolution_incomplete rejected=%d silent=%v attempts=%d", len(d.Rejected), d.Silent, d.Attempts)
	}

	m.mu.Lock()
	m.dissolved = d
	m.mu.Unlock()
	return d, nil
}

// requestShutdown sends shutdown_request to every worker that has not
// approved yet and returns who was asked.
func (m *Manager) requestShutdown(workers []string, approved map[string]bool, rejected map[string]string, reason string, attempt int) []string {
	var asked []string
	for _, id := range workers {
		if approved[id] {
			continue
		}
		content := reason
		if attempt > 1 {
			content = fmt.Sprintf("shutdown is still required: %s", reason)
			if why := rejected[id]; why != "" {
				content += fmt.Sprintf(" (your objection was: %s)", why)
			}
		}
		msg := model.Message{
			Type:    model.MsgShutdownRequest,
			Summary: fmt.Sprintf("shutdown request %d/%d", attempt, m.cfg.ShutdownMaxAttempts),
			Content: content,
		}
		if _, err := m.deps.Router.Deliver(model.CoordinatorID, id, msg); err != nil {
			m.logger.Warnf("shutdown_request worker=%s: %v", id, err)
			continue
		}
		asked = append(asked, id)
	}
	m.logger.Infof("shutdown_request attempt=%d asked=%v", attempt, asked)
	return asked
}

// collect waits until every asked worker has answered, the shutdown wait
// elapses or ctx ends.
func (m *Manager) collect(ctx context.Context, asked []string, approved map[string]bool, rejected map[string]string) {
	timer := time.NewTimer(m.shutdownWait)
	defer timer.Stop()
	pending := slices.Clone(asked)
	for {
		m.mu.Lock()
		pending = slices.DeleteFunc(pending, func(id string) bool {
			resp, ok := m.responses[id]
			if !ok {
				return false
			}
			delete(m.responses, id)
			verdict, why, _ := strings.Cut(resp.Content, ":")
			if strings.TrimSpace(verdict) == model.ShutdownApprove {
				approved[id] = true
				delete(rejected, id)
			} else {
				rejected[id] = firstNonEmpty(strings.TrimSpace(why), "rejected")
			}
			return true
		})
		m.mu.Unlock()
		if len(pending) == 0 {
			return
		}
		select {
		case <-m.responseCh:
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Dissolved returns the dissolution result once Dissolve has finished.
func (m *Manager) Dissolved() (*Dissolution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dissolved, m.dissolved != nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
