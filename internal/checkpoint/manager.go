package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/troupe/internal/board"
	"github.com/msageha/troupe/internal/events"
	"github.com/msageha/troupe/internal/logging"
	"github.com/msageha/troupe/internal/model"
	"github.com/msageha/troupe/internal/retry"
	"github.com/msageha/troupe/internal/router"
	"github.com/msageha/troupe/internal/telemetry"
)

// BoardState is the board as the manager sees it.
type BoardState interface {
	Snapshot() board.Snapshot
	Restore(board.Snapshot) error
}

type RetryState interface {
	Snapshot() map[string]retry.Counter
	Restore(map[string]retry.Counter)
}

type RouterState interface {
	State() router.State
	Restore(router.State)
}

// DispatchState is implemented by the nested dispatch controller.
type DispatchState interface {
	Snapshot() map[string]int
	Restore(map[string]int)
}

// SessionState is implemented by the pattern engine.
type SessionState interface {
	Snapshots() []model.SessionSnapshot
	RestoreSessions([]model.SessionSnapshot) error
}

// Sources are the components a checkpoint captures. Nil members are skipped.
type Sources struct {
	Board    BoardState
	Retry    RetryState
	Router   RouterState
	Sessions SessionState
	Dispatch DispatchState
}

// SyncTask is the live status of one task as reported by a status-sync source.
type SyncTask struct {
	Status model.Status `yaml:"status"`
	Owner  *string      `yaml:"owner,omitempty"`
}

// SyncSnapshot is what a status-sync source last reported.
type SyncSnapshot struct {
	UpdatedAt time.Time           `yaml:"updated_at"`
	Tasks     map[string]SyncTask `yaml:"tasks"`
}

// SyncSource is a live status feed consulted on resume.
type SyncSource interface {
	Latest() (SyncSnapshot, bool)
}

type Manager struct {
	store     Store
	src       Sources
	sessionID string
	freshness time.Duration
	interval  time.Duration

	mu     sync.Mutex
	phase  string
	failed string // phase whose write failed and is retried next boundary

	sf      singleflight.Group
	bus     *events.Bus
	logger  *logging.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

type Option func(*Manager)

func WithEventBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l.With("checkpoint") }
}

func WithMetrics(mt *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, sessionID string, src Sources, cfg model.CheckpointConfig, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		src:       src,
		sessionID: sessionID,
		freshness: cfg.FreshnessWindow(),
		interval:  cfg.Interval(),
		phase:     "start",
		logger:    logging.Discard(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.interval <= 0 {
		m.interval = time.Minute
	}
	return m
}

func (m *Manager) SessionID() string { return m.sessionID }

// Phase returns the phase tag the cadence loop saves under.
func (m *Manager) Phase() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Capture builds a checkpoint from the current state of every source.
func (m *Manager) Capture(phase string) (*Checkpoint, error) {
	id, err := model.GenerateID(model.IDTypeCheckpoint)
	if err != nil {
		return nil, err
	}
	cp := &Checkpoint{
		ID:        id,
		SessionID: m.sessionID,
		Phase:     phase,
		CreatedAt: m.now().UTC(),
	}
	if m.src.Board != nil {
		cp.Board = m.src.Board.Snapshot()
	}
	if m.src.Retry != nil {
		cp.Retry = m.src.Retry.Snapshot()
	}
	if m.src.Router != nil {
		cp.Router = m.src.Router.State()
	}
	if m.src.Sessions != nil {
		cp.Sessions = m.src.Sessions.Snapshots()
	}
	if m.src.Dispatch != nil {
		cp.Dispatch = m.src.Dispatch.Snapshot()
	}
	return cp, nil
}

// Boundary records a phase boundary and saves under it. A failed save never
// blocks the caller's progress; it is logged and retried at the next boundary
// or cadence tick.
func (m *Manager) Boundary(ctx context.Context, phase string) error {
	m.mu.Lock()
	m.phase = phase
	m.mu.Unlock()
	return m.Save(ctx, phase)
}

// Save writes a checkpoint for phase. Concurrent saves of the same key share
// one write. If an earlier write failed, its phase is rewritten first with the
// current state.
func (m *Manager) Save(ctx context.Context, phase string) error {
	m.mu.Lock()
	pending := m.failed
	m.mu.Unlock()
	if pending != "" && pending != phase {
		m.logger.Infof("checkpoint_retry session=%s phase=%s", m.sessionID, pending)
		if err := m.save(ctx, pending); err != nil {
			return err
		}
	}
	return m.save(ctx, phase)
}

func (m *Manager) save(ctx context.Context, phase string) error {
	key := m.sessionID + "/" + phase
	_, err, _ := m.sf.Do(key, func() (any, error) {
		cp, err := m.Capture(phase)
		if err != nil {
			return nil, err
		}
		return nil, m.store.Save(ctx, cp)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.failed = phase
		m.metrics.RecordCheckpointWrite(ctx, false)
		m.logger.Errorf("checkpoint_save key=%s: %v", key, err)
		m.bus.Publish(events.EventCheckpointFailed, map[string]any{
			"session_id": m.sessionID,
			"phase":      phase,
			"error":      err.Error(),
		})
		return err
	}
	if m.failed == phase {
		m.failed = ""
	}
	m.metrics.RecordCheckpointWrite(ctx, true)
	m.logger.Debugf("checkpoint_save key=%s", key)
	return nil
}

// Run saves the current phase every interval until ctx ends. Errors are
// already logged by Save and do not stop the loop.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = m.Save(ctx, m.Phase())
		}
	}
}

// Resume loads the latest checkpoint of the session, provided it lies within
// the freshness window, and restores every source from it. When sync reports
// a state newer than the checkpoint, its status and owner fields replace the
// checkpoint's while blocking edges stay as checkpointed. Resuming twice from
// the same checkpoint yields the same state.
func (m *Manager) Resume(ctx context.Context, sync SyncSource) (*Checkpoint, error) {
	cp, err := m.store.Latest(ctx, m.sessionID)
	if err != nil {
		return nil, err
	}
	if m.freshness > 0 {
		if age := m.now().Sub(cp.CreatedAt); age > m.freshness {
			return nil, fmt.Errorf("%w: %s is %s old", ErrExpired, cp.Key(), age.Round(time.Second))
		}
	}

	snap := cp.Board
	if sync != nil {
		if live, ok := sync.Latest(); ok && live.UpdatedAt.After(cp.CreatedAt) {
			snap = Overlay(snap, live)
			m.logger.Infof("checkpoint_resume key=%s sync_overlay updated_at=%s", cp.Key(), live.UpdatedAt.Format(time.RFC3339))
		}
	}

	if m.src.Board != nil {
		if err := m.src.Board.Restore(snap); err != nil {
			return nil, fmt.Errorf("restore board from %s: %w", cp.Key(), err)
		}
	}
	if m.src.Retry != nil {
		m.src.Retry.Restore(cp.Retry)
	}
	if m.src.Router != nil {
		m.src.Router.Restore(cp.Router)
	}
	if m.src.Dispatch != nil {
		m.src.Dispatch.Restore(cp.Dispatch)
	}
	if m.src.Sessions != nil {
		if err := m.src.Sessions.RestoreSessions(cp.Sessions); err != nil {
			return nil, fmt.Errorf("restore sessions from %s: %w", cp.Key(), err)
		}
	}

	m.mu.Lock()
	m.phase = cp.Phase
	m.mu.Unlock()
	m.logger.Infof("checkpoint_resume key=%s tasks=%d sessions=%d", cp.Key(), len(snap.Tasks), len(cp.Sessions))
	return cp, nil
}

// Overlay returns a copy of snap with status and owner fields taken from live.
// Tasks live does not know about, unknown statuses and all blocking edges are
// left untouched.
func Overlay(snap board.Snapshot, live SyncSnapshot) board.Snapshot {
	out := board.Snapshot{
		Tasks:   make([]model.TaskEntry, 0, len(snap.Tasks)),
		Workers: append([]model.WorkerRecord(nil), snap.Workers...),
	}
	for _, t := range snap.Tasks {
		t = t.Clone()
		if st, ok := live.Tasks[t.ID]; ok {
			if model.IsKnownStatus(st.Status) {
				t.Status = st.Status
			}
			if st.Owner != nil {
				t.Owner = *st.Owner
			}
			if live.UpdatedAt.After(t.UpdatedAt) {
				t.UpdatedAt = live.UpdatedAt.UTC()
			}
		}
		out.Tasks = append(out.Tasks, t)
	}
	return out
}

// ArchiveBoard writes the final board of the session.
func (m *Manager) ArchiveBoard(ctx context.Context) error {
	if m.src.Board == nil {
		return errors.New("archive: no board source")
	}
	a := &Archive{
		SessionID:  m.sessionID,
		ArchivedAt: m.now().UTC(),
		Board:      m.src.Board.Snapshot(),
	}
	if err := m.store.Archive(ctx, a); err != nil {
		return fmt.Errorf("archive %s: %w", m.sessionID, err)
	}
	m.logger.Infof("board_archive session=%s tasks=%d", m.sessionID, len(a.Board.Tasks))
	return nil
}
