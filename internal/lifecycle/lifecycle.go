// Package lifecycle spawns a team, drives it while it works and dissolves it
// when the work is done or the coordinator runs out of room.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/troupe/internal/board"
	"github.com/msageha/troupe/internal/checkpoint"
	"github.com/msageha/troupe/internal/dispatch"
	"github.com/msageha/troupe/internal/events"
	"github.com/msageha/troupe/internal/logging"
	"github.com/msageha/troupe/internal/model"
	"github.com/msageha/troupe/internal/pattern"
	"github.com/msageha/troupe/internal/retry"
	"github.com/msageha/troupe/internal/router"
	"github.com/msageha/troupe/internal/telemetry"
)

var ErrDissolving = errors.New("team is dissolving")

// Spawner starts a worker process and returns its id. How the worker runs is
// up to the implementation.
type Spawner interface {
	Spawn(ctx context.Context, role model.Role, caps model.Capability, initialContext string) (string, error)
}

// Deps are the components the manager drives. Retry, Checkpoints and
// Dispatch are optional.
type Deps struct {
	Board       *board.Board
	Router      *router.Router
	Sessions    *pattern.Engine
	Retry       *retry.Engine
	Checkpoints *checkpoint.Manager
	Dispatch    *dispatch.Controller
	Spawner     Spawner
}

// watch follows a worker that owns stale tasks and has been nudged.
type watch struct {
	nudges      int
	lastNudge   time.Time
	unreachable bool
}

type Manager struct {
	mu      sync.Mutex
	watches map[string]*watch

	// shutdown_response messages by sender, filled from the router hook
	responses  map[string]model.Message
	responseCh chan struct{}
	dissolving bool
	dissolved  *Dissolution

	deps           Deps
	cfg            model.LifecycleConfig
	staleThreshold int
	shutdownWait   time.Duration

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
	return func(m *Manager) { m.logger = l.With("lifecycle") }
}

func WithMetrics(mt *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithShutdownWait overrides how long each shutdown round waits for answers.
func WithShutdownWait(d time.Duration) Option {
	return func(m *Manager) { m.shutdownWait = d }
}

// WithStaleThreshold sets how many polls without progress make a task stale.
func WithStaleThreshold(checks int) Option {
	return func(m *Manager) { m.staleThreshold = checks }
}

func New(deps Deps, cfg model.LifecycleConfig, opts ...Option) *Manager {
	if cfg.PollIntervalSec <= 0 {
		cfg.PollIntervalSec = 10
	}
	if cfg.MaxNudges <= 0 {
		cfg.MaxNudges = 3
	}
	if cfg.ShutdownMaxAttempts <= 0 {
		cfg.ShutdownMaxAttempts = 3
	}
	if cfg.ShutdownWaitSec <= 0 {
		cfg.ShutdownWaitSec = 30
	}
	if cfg.ContextBudgetBytes <= 0 {
		cfg.ContextBudgetBytes = 4 << 20
	}
	m := &Manager{
		watches:        make(map[string]*watch),
		responses:      make(map[string]model.Message),
		responseCh:     make(chan struct{}, 1),
		deps:           deps,
		cfg:            cfg,
		staleThreshold: 3,
		shutdownWait:   cfg.ShutdownWait(),
		logger:         logging.Discard(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	deps.Router.OnDeliver(m.observe)
	deps.Router.OnBarrierRelease(m.onRelease)
	if deps.Sessions != nil {
		deps.Sessions.OnTerminate(func(s model.SessionSnapshot) {
			m.boundary(context.Background(), "session-"+s.ID)
		})
	}
	return m
}

// observe picks shutdown responses addressed to the coordinator out of the
// delivery stream.
func (m *Manager) observe(msg model.Message) {
	if msg.Recipient != model.CoordinatorID || msg.Type != model.MsgShutdownResponse {
		return
	}
	m.mu.Lock()
	m.responses[msg.Sender] = msg
	m.mu.Unlock()
	select {
	case m.responseCh <- struct{}{}:
	default:
	}
}

func (m *Manager) boundary(ctx context.Context, phase string) {
	if m.deps.Checkpoints == nil {
		return
	}
	// Failures are logged and retried by the checkpoint manager itself.
	_ = m.deps.Checkpoints.Boundary(ctx, phase)
}

// WorkerSpec names a worker of the plan. Name is only meaningful inside the
// plan; the spawner assigns the real id.
type WorkerSpec struct {
	Name    string     `yaml:"name" json:"name"`
	Role    model.Role `yaml:"role" json:"role"`
	Context string     `yaml:"context,omitempty" json:"context,omitempty"`
}

// TaskSpec seeds one task. BlockedBy and Owner refer to task keys and worker
// names of the same plan.
type TaskSpec struct {
	Key         string   `yaml:"key" json:"key"`
	Subject     string   `yaml:"subject" json:"subject"`
	Description string   `yaml:"description" json:"description"`
	BlockedBy   []string `yaml:"blocked_by,omitempty" json:"blocked_by,omitempty"`
	Owner       string   `yaml:"owner,omitempty" json:"owner,omitempty"`
}

type SessionSpec struct {
	Protocol model.Protocol `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	// Signals choose the protocol when none is named.
	Signals   *pattern.Signals        `yaml:"signals,omitempty" json:"signals,omitempty"`
	Roles     map[model.Role][]string `yaml:"roles" json:"roles"`
	MaxRounds int                     `yaml:"max_rounds,omitempty" json:"max_rounds,omitempty"`
}

// ResolvedProtocol is the named protocol, or the one the signals select.
// It is empty when neither is given.
func (s SessionSpec) ResolvedProtocol() model.Protocol {
	if s.Protocol == "" && s.Signals != nil {
		return pattern.Select(*s.Signals)
	}
	return s.Protocol
}

type Plan struct {
	Workers  []WorkerSpec  `yaml:"workers" json:"workers"`
	Tasks    []TaskSpec    `yaml:"tasks" json:"tasks"`
	Sessions []SessionSpec `yaml:"sessions" json:"sessions"`
}

// Team maps plan names to the ids the spawn produced.
type Team struct {
	Workers  map[string]string `json:"workers"`
	Tasks    map[string]string `json:"tasks"`
	Sessions []string          `json:"sessions"`
}

// Spawn starts every worker of the plan, registers it, seeds the board and
// starts the initial sessions. Unknown roles and references are rejected
// before anything is spawned.
func (m *Manager) Spawn(ctx context.Context, p Plan) (*Team, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	team := &Team{Workers: make(map[string]string), Tasks: make(map[string]string)}

	for _, w := range p.Workers {
		id, err := m.deps.Spawner.Spawn(ctx, w.Role, w.Role.Capability(), w.Context)
		if err != nil {
			return team, fmt.Errorf("spawn %s (%s): %w", w.Name, w.Role, err)
		}
		if err := m.deps.Board.RegisterWorker(id, w.Role); err != nil {
			return team, err
		}
		team.Workers[w.Name] = id
		m.logger.Infof("worker_spawn name=%s id=%s role=%s", w.Name, id, w.Role)
	}

	for _, t := range p.Tasks {
		id, err := m.deps.Board.CreateTask(t.Subject, t.Description)
		if err != nil {
			return team, err
		}
		team.Tasks[t.Key] = id
	}
	for _, t := range p.Tasks {
		u := board.TaskUpdate{}
		for _, dep := range t.BlockedBy {
			u.AddBlockedBy = append(u.AddBlockedBy, team.Tasks[dep])
		}
		if t.Owner != "" {
			owner := team.Workers[t.Owner]
			u.Owner = &owner
		}
		if u.Owner == nil && len(u.AddBlockedBy) == 0 {
			continue
		}
		if err := m.deps.Board.UpdateTask(team.Tasks[t.Key], u); err != nil {
			return team, fmt.Errorf("seed task %s: %w", t.Key, err)
		}
	}

	for _, s := range p.Sessions {
		roles := make(map[model.Role][]string, len(s.Roles))
		for r, names := range s.Roles {
			for _, n := range names {
				roles[r] = append(roles[r], team.Workers[n])
			}
		}
		protocol := s.ResolvedProtocol()
		snap, err := m.deps.Sessions.Start(ctx, protocol, roles, s.MaxRounds)
		if err != nil {
			return team, fmt.Errorf("start %s session: %w", protocol, err)
		}
		team.Sessions = append(team.Sessions, snap.ID)
	}

	m.logger.Infof("team_spawn workers=%d tasks=%d sessions=%d", len(team.Workers), len(team.Tasks), len(team.Sessions))
	m.boundary(ctx, "spawn")
	return team, nil
}

func (p Plan) validate() error {
	names := make(map[string]bool, len(p.Workers))
	for _, w := range p.Workers {
		if !w.Role.Valid() {
			return fmt.Errorf("worker %s: %w: %q", w.Name, model.ErrUnknownRole, w.Role)
		}
		if w.Name == "" || names[w.Name] {
			return fmt.Errorf("worker name %q is empty or repeated", w.Name)
		}
		names[w.Name] = true
	}
	keys := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.Key == "" || keys[t.Key] {
			return fmt.Errorf("task key %q is empty or repeated", t.Key)
		}
		keys[t.Key] = true
	}
	for _, t := range p.Tasks {
		for _, dep := range t.BlockedBy {
			if !keys[dep] {
				return fmt.Errorf("task %s: unknown blocker %q", t.Key, dep)
			}
		}
		if t.Owner != "" && !names[t.Owner] {
			return fmt.Errorf("task %s: unknown owner %q", t.Key, t.Owner)
		}
	}
	for _, s := range p.Sessions {
		if _, err := pattern.Lookup(s.ResolvedProtocol()); err != nil {
			return err
		}
		for r, ns := range s.Roles {
			for _, n := range ns {
				if !names[n] {
					return fmt.Errorf("%s session: unknown %s %q", s.ResolvedProtocol(), r, n)
				}
			}
		}
	}
	return nil
}

// Dispatch runs a nested dispatch batch for parentID and checkpoints once the
// folded result exists.
func (m *Manager) Dispatch(ctx context.Context, parentID string, calls []dispatch.Call) (*dispatch.Batch, error) {
	if m.deps.Dispatch == nil {
		return nil, errors.New("dispatch is not configured")
	}
	if m.isDissolving() {
		return nil, ErrDissolving
	}
	b, err := m.deps.Dispatch.Dispatch(ctx, parentID, calls)
	if err != nil {
		return nil, err
	}
	m.failCalls(ctx, b)
	m.boundary(ctx, "dispatch-"+b.ID)
	return b, nil
}

func (m *Manager) isDissolving() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dissolving
}
