// Package retry keeps per-task failure counters and decides, from the fault
// class, whether a failed task is retried, given one root-cause pass, or
// escalated.
package retry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/msageha/troupe/internal/board"
	"github.com/msageha/troupe/internal/logging"
	"github.com/msageha/troupe/internal/model"
	"github.com/msageha/troupe/internal/telemetry"
)

type FaultClass string

const (
	// FaultTransient faults are retried automatically.
	FaultTransient FaultClass = "transient"
	// FaultPermanent faults get a single root-cause pass, then escalate.
	FaultPermanent FaultClass = "permanent"
	// FaultArchitectural faults escalate at once.
	FaultArchitectural FaultClass = "architectural"
)

func ParseFaultClass(s string) (FaultClass, error) {
	switch c := FaultClass(s); c {
	case FaultTransient, FaultPermanent, FaultArchitectural:
		return c, nil
	}
	return "", fmt.Errorf("unknown fault class %q", s)
}

type Action string

const (
	ActionRetry     Action = "retry"
	ActionRootCause Action = "root_cause"
	ActionEscalate  Action = "escalate"
)

// Decision is the outcome of one recorded failure. Failures counts every
// failure recorded for the task, this one included.
type Decision struct {
	TaskID   string        `json:"task_id"`
	Action   Action        `json:"action"`
	Class    FaultClass    `json:"class"`
	Failures int           `json:"failures"`
	Delay    time.Duration `json:"delay"`
	Reason   string        `json:"reason,omitempty"`
}

// Counter is the persisted retry state of one task.
type Counter struct {
	Failures      int        `yaml:"failures" json:"failures"`
	RootCausePass bool       `yaml:"root_cause_pass,omitempty" json:"root_cause_pass,omitempty"`
	LastClass     FaultClass `yaml:"last_class,omitempty" json:"last_class,omitempty"`
	RetryAfter    time.Time  `yaml:"retry_after,omitempty" json:"retry_after,omitempty"`
	Escalated     bool       `yaml:"escalated,omitempty" json:"escalated,omitempty"`
}

// Board is the slice of the task board the engine drives.
type Board interface {
	Get(id string) (model.TaskEntry, error)
	UpdateTask(id string, u board.TaskUpdate) error
}

type Engine struct {
	mu          sync.Mutex
	board       Board
	maxAttempts int
	unit        time.Duration
	counters    map[string]*Counter

	logger  *logging.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

type Option func(*Engine)

func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l.With("retry") }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine. maxAttempts is clamped to model.MaxRetryAttempts.
func New(b Board, cfg model.RetryConfig, opts ...Option) *Engine {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 || maxAttempts > model.MaxRetryAttempts {
		maxAttempts = model.MaxRetryAttempts
	}
	unit := cfg.BaseUnit()
	if unit <= 0 {
		unit = time.Second
	}
	e := &Engine{
		board:       b,
		maxAttempts: maxAttempts,
		unit:        unit,
		counters:    make(map[string]*Counter),
		logger:      logging.Discard(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Delay returns the wait before the retry that follows the nth failure:
// one unit after the first, then doubling up to four units. With the
// three-attempt ceiling only the 1 and 2 unit steps are reached; a larger
// MaxAttempts is clamped.
func Delay(unit time.Duration, failures int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     unit,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         4 * unit,
	}
	b.Reset()
	var d time.Duration
	for i := 0; i < failures; i++ {
		d = b.NextBackOff()
	}
	return d
}

// RecordFailure moves an in-progress task to failed and then, depending on
// the fault class and the failure count, to retrying or escalated. A task
// that has failed maxAttempts times is escalated and never retried again.
func (e *Engine) RecordFailure(ctx context.Context, taskID string, class FaultClass, reason string) (Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, err := e.board.Get(taskID)
	if err != nil {
		return Decision{}, err
	}
	c := e.counter(taskID)
	if c.Escalated || task.Status == model.StatusEscalated {
		return Decision{}, fmt.Errorf("%w: %s", model.ErrEscalated, taskID)
	}

	if task.Status == model.StatusInProgress {
		failed := model.StatusFailed
		if err := e.board.UpdateTask(taskID, board.TaskUpdate{Status: &failed}); err != nil {
			return Decision{}, fmt.Errorf("record failure %s: %w", taskID, err)
		}
	}
	c.Failures++
	c.LastClass = class

	d := Decision{TaskID: taskID, Class: class, Failures: c.Failures, Reason: reason}
	switch {
	case class == FaultArchitectural:
		d.Action = ActionEscalate
	case c.Failures >= e.maxAttempts:
		d.Action = ActionEscalate
	case class == FaultPermanent && c.RootCausePass:
		d.Action = ActionEscalate
	case class == FaultPermanent:
		d.Action = ActionRootCause
		c.RootCausePass = true
	default:
		d.Action = ActionRetry
	}

	if d.Action == ActionEscalate {
		if err := e.escalateLocked(ctx, taskID, c, string(class)); err != nil {
			return Decision{}, err
		}
		e.logger.Warnf("task_escalate id=%s class=%s failures=%d reason=%q", taskID, class, c.Failures, reason)
		return d, nil
	}

	retrying := model.StatusRetrying
	if err := e.board.UpdateTask(taskID, board.TaskUpdate{Status: &retrying}); err != nil {
		return Decision{}, fmt.Errorf("schedule retry %s: %w", taskID, err)
	}
	d.Delay = Delay(e.unit, c.Failures)
	c.RetryAfter = e.now().Add(d.Delay)
	e.metrics.RecordRetry(ctx, string(class))
	e.logger.Infof("task_retry id=%s class=%s action=%s failures=%d/%d delay=%s", taskID, class, d.Action, c.Failures, e.maxAttempts, d.Delay)
	return d, nil
}

// Escalate trips the breaker for a task regardless of its counter, e.g. when
// a wait bound expires and the non-responding party is treated as failed
// beyond repair.
func (e *Engine) Escalate(ctx context.Context, taskID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, err := e.board.Get(taskID)
	if err != nil {
		return err
	}
	if task.Status == model.StatusEscalated {
		return nil
	}
	c := e.counter(taskID)
	if err := e.escalateLocked(ctx, taskID, c, reason); err != nil {
		return err
	}
	e.logger.Warnf("task_escalate id=%s reason=%q", taskID, reason)
	return nil
}

func (e *Engine) escalateLocked(ctx context.Context, taskID string, c *Counter, reason string) error {
	escalated := model.StatusEscalated
	if err := e.board.UpdateTask(taskID, board.TaskUpdate{Status: &escalated}); err != nil {
		return fmt.Errorf("escalate %s: %w", taskID, err)
	}
	c.Escalated = true
	c.RetryAfter = time.Time{}
	e.metrics.RecordEscalation(ctx, reason)
	return nil
}

// ResumeDue moves retrying tasks whose backoff has elapsed back to
// in_progress and returns their ids. Tasks whose blockers regressed stay in
// retrying.
func (e *Engine) ResumeDue() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	ids := make([]string, 0, len(e.counters))
	for id := range e.counters {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var resumed []string
	inProgress := model.StatusInProgress
	for _, id := range ids {
		c := e.counters[id]
		if c.Escalated || c.RetryAfter.IsZero() || now.Before(c.RetryAfter) {
			continue
		}
		task, err := e.board.Get(id)
		if err != nil || task.Status != model.StatusRetrying {
			continue
		}
		if err := e.board.UpdateTask(id, board.TaskUpdate{Status: &inProgress}); err != nil {
			e.logger.Debugf("task_resume id=%s deferred: %v", id, err)
			continue
		}
		c.RetryAfter = time.Time{}
		resumed = append(resumed, id)
	}
	return resumed
}

func (e *Engine) counter(id string) *Counter {
	c, ok := e.counters[id]
	if !ok {
		c = &Counter{}
		e.counters[id] = c
	}
	return c
}

func (e *Engine) Counter(taskID string) Counter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.counters[taskID]; ok {
		return *c
	}
	return Counter{}
}

// Snapshot copies every counter for checkpointing.
func (e *Engine) Snapshot() map[string]Counter {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Counter, len(e.counters))
	for id, c := range e.counters {
		out[id] = *c
	}
	return out
}

// Restore replaces every counter.
func (e *Engine) Restore(counters map[string]Counter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters = make(map[string]*Counter, len(counters))
	for id, c := range counters {
		c := c
		e.counters[id] = &c
	}
}
