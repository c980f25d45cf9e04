// Package daemon runs the coordinator: it owns the board, router, session
// engine and lifecycle manager, and serves the task and message APIs to
// workers over a Unix socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/msageha/troupe/internal/board"
	"github.com/msageha/troupe/internal/checkpoint"
	"github.com/msageha/troupe/internal/dispatch"
	"github.com/msageha/troupe/internal/events"
	"github.com/msageha/troupe/internal/lifecycle"
	"github.com/msageha/troupe/internal/lock"
	"github.com/msageha/troupe/internal/logging"
	"github.com/msageha/troupe/internal/model"
	"github.com/msageha/troupe/internal/notify"
	"github.com/msageha/troupe/internal/pattern"
	"github.com/msageha/troupe/internal/retry"
	"github.com/msageha/troupe/internal/router"
	"github.com/msageha/troupe/internal/statussync"
	"github.com/msageha/troupe/internal/telemetry"
	"github.com/msageha/troupe/internal/tmux"
	"github.com/msageha/troupe/internal/uds"
)

// Version is reported by ping and the CLI.
const Version = "0.3.0"

// Daemon is the coordinator process.
type Daemon struct {
	dir     string
	config  model.Config
	logger  *logging.Logger
	logFile io.Closer

	fileLock *lock.FileLock
	server   *uds.Server

	telemetry   *telemetry.Telemetry
	bus         *events.Bus
	journal     *events.Journal
	recent      *events.Recent
	unnotify    func()
	board       *board.Board
	router      *router.Router
	seen        *router.SequenceTracker
	sessions    *pattern.Engine
	retry       *retry.Engine
	store       checkpoint.Store
	checkpoints *checkpoint.Manager
	dispatch    *dispatch.Controller
	lifecycle   *lifecycle.Manager
	statusSync  *statussync.Source

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

type Option func(*options)

type options struct {
	spawner  lifecycle.Spawner
	executor dispatch.Executor
}

// WithSpawner replaces the tmux substrate workers are started in.
func WithSpawner(s lifecycle.Spawner) Option {
	return func(o *options) { o.spawner = s }
}

// WithExecutor replaces the command that runs nested dispatch sub-calls.
func WithExecutor(e dispatch.Executor) Option {
	return func(o *options) { o.executor = e }
}

// New creates a daemon rooted at dir (the .troupe directory), logging to
// logs/daemon.log.
func New(dir string, cfg model.Config, opts ...Option) (*Daemon, error) {
	logPath := filepath.Join(dir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	d, err := newDaemon(dir, cfg, logFile, logFile, opts...)
	if err != nil {
		_ = logFile.Close()
		return nil, err
	}
	return d, nil
}

// newDaemon wires every component without touching the lock or the socket.
func newDaemon(dir string, cfg model.Config, w io.Writer, closer io.Closer, opts ...Option) (*Daemon, error) {
	cfg = cfg.WithDefaults()
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := logging.New(w, logging.ParseLevel(cfg.Logging.Level))
	d := &Daemon{
		dir:      dir,
		config:   cfg,
		logger:   logger.With("daemon"),
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(dir, "locks", "daemon.lock")),
		bus:      events.NewBus(256),
		ctx:      ctx,
		cancel:   cancel,
	}
	d.server = uds.NewServer(filepath.Join(dir, uds.DefaultSocketName), uds.WithLogger(logger))

	tel, err := telemetry.New(ctx, cfg.Telemetry, Version, logger.With("telemetry"))
	if err != nil {
		cancel()
		return nil, err
	}
	d.telemetry = tel
	metrics, err := telemetry.NewMetrics(tel.MeterProvider())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	journal, err := events.OpenJournal(filepath.Join(dir, "logs", "journal.jsonl"), 0)
	if err != nil {
		cancel()
		return nil, err
	}
	journal.Attach(d.bus)
	d.journal = journal
	d.recent = events.Track(d.bus, 50)
	if cfg.Notify.Enabled {
		d.unnotify = notify.Attach(d.bus, cfg.Project.Name, notify.Send, logger)
	}

	d.board = board.New(board.WithEventBus(d.bus), board.WithLogger(logger))
	d.router = router.New(d.board, router.ConfigFrom(cfg.Router),
		router.WithEventBus(d.bus), router.WithLogger(logger), router.WithMetrics(metrics))
	d.seen = router.NewSequenceTracker()
	d.sessions = pattern.New(d.board, d.router, cfg.Pattern,
		pattern.WithEventBus(d.bus), pattern.WithLogger(logger), pattern.WithMetrics(metrics),
		pattern.WithBarrierTimeout(cfg.Router.BarrierTimeout()))
	d.router.OnBarrierRelease(d.sessions.OnBarrierRelease)
	d.retry = retry.New(d.board, cfg.Retry, retry.WithLogger(logger), retry.WithMetrics(metrics))

	store, err := checkpoint.Open(cfg.Checkpoint, filepath.Join(dir, cfg.Checkpoint.Dir))
	if err != nil {
		d.closeComponents()
		cancel()
		return nil, err
	}
	d.store = store
	exec := o.executor
	if exec == nil && len(cfg.Dispatch.Command) > 0 {
		exec = dispatch.CommandExecutor{Argv: cfg.Dispatch.Command, Dir: filepath.Dir(dir)}
	}
	if exec != nil {
		d.dispatch = dispatch.New(exec, cfg.Dispatch,
			dispatch.WithDirectory(d.board), dispatch.WithPeers(d.sessions, d.router),
			dispatch.WithEventBus(d.bus), dispatch.WithLogger(logger), dispatch.WithMetrics(metrics),
			dispatch.WithTracer(tel.Tracer()))
	}
	src := checkpoint.Sources{
		Board:    d.board,
		Retry:    d.retry,
		Router:   d.router,
		Sessions: d.sessions,
	}
	if d.dispatch != nil {
		src.Dispatch = d.dispatch
	}
	d.checkpoints = checkpoint.NewManager(store, teamID(cfg), src,
		cfg.Checkpoint, checkpoint.WithEventBus(d.bus), checkpoint.WithLogger(logger), checkpoint.WithMetrics(metrics))

	d.statusSync = statussync.NewSource(statussync.DefaultPath(dir, cfg.StatusSync), logger)

	spawner := o.spawner
	if spawner == nil {
		spawner = tmux.NewSpawner(cfg.Spawn, filepath.Dir(dir), tmux.WithLogger(logger))
	}
	d.lifecycle = lifecycle.New(lifecycle.Deps{
		Board:       d.board,
		Router:      d.router,
		Sessions:    d.sessions,
		Retry:       d.retry,
		Checkpoints: d.checkpoints,
		Dispatch:    d.dispatch,
		Spawner:     spawner,
	}, cfg.Lifecycle,
		lifecycle.WithEventBus(d.bus), lifecycle.WithLogger(logger), lifecycle.WithMetrics(metrics),
		lifecycle.WithStaleThreshold(cfg.Board.StaleThresholdChecks))
	return d, nil
}

func teamID(cfg model.Config) string {
	if cfg.Project.Name != "" {
		return tmux.SanitizeName(cfg.Project.Name)
	}
	return "team"
}

// Run takes the directory lock, resumes from the latest checkpoint, starts
// serving and blocks until a signal or a shutdown request arrives.
func (d *Daemon) Run() error {
	if err := os.MkdirAll(filepath.Join(d.dir, "locks"), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Infof("daemon starting pid=%d version=%s", os.Getpid(), Version)

	if err := d.start(); err != nil {
		d.Shutdown()
		return err
	}
	d.waitSignals()
	return nil
}

// start resumes state and launches the socket server and background loops.
func (d *Daemon) start() error {
	if err := d.statusSync.Reload(); err != nil {
		d.logger.Warnf("status_sync initial load: %v", err)
	}
	d.resume()

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Infof("UDS server listening on %s", filepath.Join(d.dir, uds.DefaultSocketName))

	d.wg.Go(func() {
		if err := d.statusSync.Watch(d.ctx, d.onStatusSync); err != nil {
			d.logger.Errorf("status_sync watch: %v", err)
		}
	})
	d.wg.Go(func() { d.checkpoints.Run(d.ctx) })
	d.wg.Go(func() {
		if err := d.lifecycle.Run(d.ctx); err != nil {
			d.logger.Errorf("lifecycle: %v", err)
		}
	})
	d.logger.Infof("daemon ready")
	return nil
}

// resume restores the latest checkpoint. A missing or expired checkpoint
// means a fresh start.
func (d *Daemon) resume() {
	cp, err := d.checkpoints.Resume(d.ctx, d.statusSync)
	switch {
	case err == nil:
		d.logger.Infof("resumed key=%s tasks=%d workers=%d", cp.Key(), len(cp.Board.Tasks), len(cp.Board.Workers))
	case errors.Is(err, checkpoint.ErrNotFound):
		d.logger.Infof("no checkpoint, starting fresh")
	case errors.Is(err, checkpoint.ErrExpired):
		d.logger.Warnf("checkpoint expired, starting fresh: %v", err)
	default:
		d.logger.Errorf("resume failed, starting fresh: %v", err)
	}
}

func (d *Daemon) onStatusSync(snap checkpoint.SyncSnapshot) {
	d.logger.Infof("status_sync update tasks=%d updated_at=%s", len(snap.Tasks), snap.UpdatedAt.Format(time.RFC3339))
}

// waitSignals blocks until a shutdown signal or a shutdown request.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Infof("received signal=%s, initiating graceful shutdown", sig)
		go func() {
			<-sigCh
			d.logger.Warnf("received second signal, forcing exit")
			os.Exit(1)
		}()
		d.Shutdown()
	case <-d.ctx.Done():
		d.Shutdown()
	}
}

// Shutdown stops serving, drains the background loops, writes a final
// checkpoint and releases the lock. It is idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Infof("shutdown started")
		d.cancel()
		_ = d.server.Stop()

		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.logger.Infof("all goroutines drained")
		case <-time.After(timeout):
			d.logger.Warnf("shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		saveCtx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := d.checkpoints.Save(saveCtx, d.checkpoints.Phase()); err != nil {
			d.logger.Errorf("final checkpoint: %v", err)
		}
		if err := d.telemetry.Shutdown(saveCtx); err != nil {
			d.logger.Warnf("telemetry shutdown: %v", err)
		}
		cancel()

		d.closeComponents()
		_ = d.fileLock.Unlock()
		d.logger.Infof("daemon stopped")
		if d.logFile != nil {
			_ = d.logFile.Close()
		}
	})
}

func (d *Daemon) closeComponents() {
	if d.unnotify != nil {
		d.unnotify()
	}
	if d.recent != nil {
		d.recent.Stop()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.journal != nil {
		_ = d.journal.Close()
	}
	d.board.Close()
	d.bus.Close()
}
