// Package model defines the data structures shared by the coordination engine:
// configuration, tasks, workers, messages and session snapshots.
package model

import "time"

// Hard limits. Configuration may tighten these but never relax them.
const (
	MaxDispatchDepth   = 2
	MaxDispatchFanout  = 5
	MaxDispatchBatches = 2
	MaxRetryAttempts   = 3
)

type Config struct {
	Project    ProjectConfig    `yaml:"project"`
	Board      BoardConfig      `yaml:"board"`
	Router     RouterConfig     `yaml:"router"`
	Retry      RetryConfig      `yaml:"retry"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Pattern    PatternConfig    `yaml:"pattern"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Spawn      SpawnConfig      `yaml:"spawn"`
	Notify     NotifyConfig     `yaml:"notify"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	StatusSync StatusSyncConfig `yaml:"status_sync"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type BoardConfig struct {
	StaleThresholdChecks int `yaml:"stale_threshold_checks"`
}

type RouterConfig struct {
	// MessageBudget is the soft per-worker send budget.
	MessageBudget int `yaml:"message_budget"`
	// QueueTTLSec bounds how long mail for an unreachable worker is held.
	QueueTTLSec int `yaml:"queue_ttl_sec"`
	// LogTailSize is the number of recent messages kept for checkpoints.
	LogTailSize       int `yaml:"log_tail_size"`
	DeadLetterLimit   int `yaml:"dead_letter_limit"`
	BarrierTimeoutSec int `yaml:"barrier_timeout_sec"`
}

type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseUnitMs  int `yaml:"base_unit_ms"`
}

type CheckpointConfig struct {
	Backend            string `yaml:"backend"` // file | sqlite
	Dir                string `yaml:"dir"`
	IntervalSec        int    `yaml:"interval_sec"`
	FreshnessWindowSec int    `yaml:"freshness_window_sec"`
}

type PatternConfig struct {
	DefaultMaxRounds int `yaml:"default_max_rounds"`
	RecheckBaseMs    int `yaml:"recheck_base_ms"`
	RecheckMaxMs     int `yaml:"recheck_max_ms"`
	MaxNudges        int `yaml:"max_nudges"`
}

type DispatchConfig struct {
	MaxDepth       int `yaml:"max_depth"`
	MaxFanout      int `yaml:"max_fanout"`
	MaxBatches     int `yaml:"max_batches"`
	CallTimeoutSec int `yaml:"call_timeout_sec"`
	// Command runs one sub-call: the role is passed in TROUPE_ROLE and the
	// input on stdin. Empty disables dispatch in the daemon.
	Command []string `yaml:"command,omitempty"`
}

type LifecycleConfig struct {
	PollIntervalSec     int `yaml:"poll_interval_sec"`
	MaxNudges           int `yaml:"max_nudges"`
	ShutdownMaxAttempts int `yaml:"shutdown_max_attempts"`
	ShutdownWaitSec     int `yaml:"shutdown_wait_sec"`
	ContextBudgetBytes  int `yaml:"context_budget_bytes"`
}

// SpawnConfig selects where workers run. The tmux substrate opens one window
// per worker in Session and starts Command in it.
type SpawnConfig struct {
	Substrate string   `yaml:"substrate"`
	Session   string   `yaml:"session"`
	Command   []string `yaml:"command,omitempty"`
}

// NotifyConfig turns on desktop notifications for escalations, worker
// replacements and dissolution.
type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
}

type StatusSyncConfig struct {
	Path string `yaml:"path"`
}

// WithDefaults returns a copy with every unset field filled in and every
// hard limit clamped.
func (c Config) WithDefaults() Config {
	if c.Board.StaleThresholdChecks <= 0 {
		c.Board.StaleThresholdChecks = 3
	}

	if c.Router.MessageBudget <= 0 {
		c.Router.MessageBudget = 200
	}
	if c.Router.QueueTTLSec <= 0 {
		c.Router.QueueTTLSec = 30
	}
	if c.Router.LogTailSize <= 0 {
		c.Router.LogTailSize = 100
	}
	if c.Router.DeadLetterLimit <= 0 {
		c.Router.DeadLetterLimit = 100
	}
	if c.Router.BarrierTimeoutSec <= 0 {
		c.Router.BarrierTimeoutSec = 60
	}

	if c.Retry.MaxAttempts <= 0 || c.Retry.MaxAttempts > MaxRetryAttempts {
		c.Retry.MaxAttempts = MaxRetryAttempts
	}
	if c.Retry.BaseUnitMs <= 0 {
		c.Retry.BaseUnitMs = 1000
	}

	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = "file"
	}
	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = "checkpoints"
	}
	if c.Checkpoint.IntervalSec <= 0 {
		c.Checkpoint.IntervalSec = 60
	}
	if c.Checkpoint.FreshnessWindowSec <= 0 {
		c.Checkpoint.FreshnessWindowSec = 24 * 60 * 60
	}

	if c.Pattern.DefaultMaxRounds <= 0 {
		c.Pattern.DefaultMaxRounds = 5
	}
	if c.Pattern.RecheckBaseMs <= 0 {
		c.Pattern.RecheckBaseMs = 1000
	}
	if c.Pattern.RecheckMaxMs <= 0 {
		c.Pattern.RecheckMaxMs = 60000
	}
	if c.Pattern.MaxNudges <= 0 {
		c.Pattern.MaxNudges = 3
	}

	if c.Dispatch.MaxDepth <= 0 || c.Dispatch.MaxDepth > MaxDispatchDepth {
		c.Dispatch.MaxDepth = MaxDispatchDepth
	}
	if c.Dispatch.MaxFanout <= 0 || c.Dispatch.MaxFanout > MaxDispatchFanout {
		c.Dispatch.MaxFanout = MaxDispatchFanout
	}
	if c.Dispatch.MaxBatches <= 0 || c.Dispatch.MaxBatches > MaxDispatchBatches {
		c.Dispatch.MaxBatches = MaxDispatchBatches
	}
	if c.Dispatch.CallTimeoutSec <= 0 {
		c.Dispatch.CallTimeoutSec = 300
	}

	if c.Lifecycle.PollIntervalSec <= 0 {
		c.Lifecycle.PollIntervalSec = 10
	}
	if c.Lifecycle.MaxNudges <= 0 {
		c.Lifecycle.MaxNudges = 3
	}
	if c.Lifecycle.ShutdownMaxAttempts <= 0 {
		c.Lifecycle.ShutdownMaxAttempts = 3
	}
	if c.Lifecycle.ShutdownWaitSec <= 0 {
		c.Lifecycle.ShutdownWaitSec = 30
	}
	if c.Lifecycle.ContextBudgetBytes <= 0 {
		c.Lifecycle.ContextBudgetBytes = 4 << 20
	}

	if c.Spawn.Substrate == "" {
		c.Spawn.Substrate = "tmux"
	}
	if c.Spawn.Session == "" {
		c.Spawn.Session = "troupe"
	}

	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "troupe"
	}
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "localhost:4318"
	}
	return c
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c RouterConfig) QueueTTL() time.Duration {
	return seconds(c.QueueTTLSec)
}

func (c RouterConfig) BarrierTimeout() time.Duration {
	return seconds(c.BarrierTimeoutSec)
}

func (c RetryConfig) BaseUnit() time.Duration {
	return time.Duration(c.BaseUnitMs) * time.Millisecond
}

func (c CheckpointConfig) Interval() time.Duration {
	return seconds(c.IntervalSec)
}

func (c CheckpointConfig) FreshnessWindow() time.Duration {
	return seconds(c.FreshnessWindowSec)
}

func (c PatternConfig) RecheckBase() time.Duration {
	return time.Duration(c.RecheckBaseMs) * time.Millisecond
}

func (c PatternConfig) RecheckMax() time.Duration {
	return time.Duration(c.RecheckMaxMs) * time.Millisecond
}

func (c DispatchConfig) CallTimeout() time.Duration {
	return seconds(c.CallTimeoutSec)
}

func (c LifecycleConfig) PollInterval() time.Duration {
	return seconds(c.PollIntervalSec)
}

func (c LifecycleConfig) ShutdownWait() time.Duration {
	return seconds(c.ShutdownWaitSec)
}
