// Package formation brings a project up and down: the background daemon and
// the tmux session its workers run in.
package formation

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/msageha/troupe/internal/lifecycle"
	"github.com/msageha/troupe/internal/lock"
	"github.com/msageha/troupe/internal/model"
	"github.com/msageha/troupe/internal/setup"
	"github.com/msageha/troupe/internal/statussync"
	"github.com/msageha/troupe/internal/uds"
	"github.com/msageha/troupe/internal/yaml"
)

// SessionKiller closes the tmux session of a project. *tmux.Spawner
// implements it.
type SessionKiller interface {
	KillSession(ctx context.Context) error
}

// UpOptions holds configuration for 'troupe up'.
type UpOptions struct {
	Dir    string
	Config model.Config
	Reset  bool
	// ResetOnly stops after the reset without starting anything.
	ResetOnly bool
	// Plan, when set, is spawned as soon as the daemon answers.
	Plan *lifecycle.Plan
	Tmux SessionKiller

	// StartDaemon launches the daemon process for dir. Defaults to running
	// the current executable with the daemon command, detached.
	StartDaemon  func(dir string) error
	ReadyTimeout time.Duration
	StopTimeout  time.Duration
	Out          io.Writer
}

func (o UpOptions) withDefaults() UpOptions {
	o.Config = o.Config.WithDefaults()
	if o.StartDaemon == nil {
		o.StartDaemon = startDaemon
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 15 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = time.Duration(o.Config.Daemon.ShutdownTimeoutSec+5) * time.Second
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	return o
}

// RunUp executes 'troupe up'.
func RunUp(ctx context.Context, opts UpOptions) error {
	opts = opts.withDefaults()

	if opts.Reset {
		if err := resetFormation(ctx, opts); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		_, _ = fmt.Fprintln(opts.Out, "Formation reset complete.")
		if opts.ResetOnly {
			return nil
		}
	}

	if err := startupRecovery(opts.Dir, opts.Config, opts.Out); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	if err := opts.StartDaemon(opts.Dir); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	client := uds.NewClient(socketPath(opts.Dir))
	if err := waitReady(ctx, client, opts.ReadyTimeout); err != nil {
		return fmt.Errorf("daemon did not come up: %w", err)
	}

	if opts.Plan != nil {
		team, err := spawnPlan(ctx, client, opts.Plan)
		if err != nil {
			return err
		}
		for _, name := range slices.Sorted(maps.Keys(team.Workers)) {
			_, _ = fmt.Fprintf(opts.Out, "  %-16s %s\n", name, team.Workers[name])
		}
	}

	_, _ = fmt.Fprintf(opts.Out, "Troupe %s is up.\n", opts.Config.Project.Name)
	return nil
}

func socketPath(dir string) string {
	return filepath.Join(dir, uds.DefaultSocketName)
}

// resetFormation stops whatever is running and clears transient state.
// quarantine/ is preserved for forensics; the status-sync file belongs to
// external tooling and is left alone.
func resetFormation(ctx context.Context, opts UpOptions) error {
	client := uds.NewClient(socketPath(opts.Dir), uds.WithTimeout(5*time.Second))
	if err := client.Call(ctx, "shutdown", nil, nil); err == nil {
		if err := waitStopped(ctx, opts.Dir, opts.StopTimeout); err != nil {
			return err
		}
	}

	if opts.Tmux != nil {
		_ = opts.Tmux.KillSession(ctx)
	}

	if err := clearTree(filepath.Join(opts.Dir, opts.Config.Checkpoint.Dir)); err != nil {
		return fmt.Errorf("clear checkpoints: %w", err)
	}
	if err := os.Remove(filepath.Join(opts.Dir, "logs", "journal.jsonl")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear journal: %w", err)
	}
	return nil
}

// startupRecovery ensures the directory layout, checks that no daemon holds
// the lock and quarantines corrupt state files before the daemon reads them.
func startupRecovery(dir string, cfg model.Config, out io.Writer) error {
	for _, d := range setup.Dirs {
		if err := os.MkdirAll(filepath.Join(dir, d), 0755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", d, err)
		}
	}

	fl := lock.NewFileLock(filepath.Join(dir, "locks", "daemon.lock"))
	if err := fl.TryLock(); err != nil {
		if pid := fl.HolderPID(); pid > 0 {
			return fmt.Errorf("daemon lock check: already running as pid %d: %w", pid, err)
		}
		return fmt.Errorf("daemon lock check: another instance may be running: %w", err)
	}
	_ = fl.Unlock()

	validateAndRecover(dir, cfg, out)
	return nil
}

// validateAndRecover checks the schema header of every YAML state file and
// quarantines the ones that fail, restoring a backup where one exists.
func validateAndRecover(dir string, cfg model.Config, out io.Writer) {
	var files []string
	if p := statussync.DefaultPath(dir, cfg.StatusSync); fileExists(p) {
		files = append(files, p)
	}
	if cfg.Checkpoint.Backend == "file" {
		root := filepath.Join(dir, cfg.Checkpoint.Dir)
		_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if p != root && d.Name() == "quarantine" {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasSuffix(p, ".yaml") && !strings.HasPrefix(d.Name(), ".") {
				files = append(files, p)
			}
			return nil
		})
	}

	for _, p := range files {
		content, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		verr := yaml.ValidateSchemaHeader(content, "")
		if verr == nil {
			continue
		}
		_, _ = fmt.Fprintf(out, "Warning: corrupt YAML detected: %s (%v)\n", p, verr)
		restored, err := yaml.Recover(dir, p)
		switch {
		case err != nil:
			_, _ = fmt.Fprintf(out, "Warning: recovery failed for %s: %v\n", p, err)
		case restored:
			_, _ = fmt.Fprintf(out, "Restored %s from backup.\n", p)
		}
	}
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// startDaemon starts the troupe daemon as a background process in its own
// session so it outlives the terminal.
func startDaemon(dir string) error {
	execPath, err := os.Executable()
	if err != nil {
		execPath = "troupe"
	}
	cmd := exec.Command(execPath, "daemon")
	cmd.Env = append(os.Environ(), "TROUPE_DIR="+dir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		_ = cmd.Wait()
	}()
	return nil
}

// waitReady pings the daemon until it answers or the timeout passes.
func waitReady(ctx context.Context, client *uds.Client, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		err := client.Call(pctx, "ping", nil, nil)
		if uds.CodeOf(err) != "" {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(timeout))
	return err
}

func spawnPlan(ctx context.Context, client *uds.Client, plan *lifecycle.Plan) (lifecycle.Team, error) {
	var team lifecycle.Team
	err := client.Call(ctx, "spawn", plan, &team)
	return team, err
}

// clearTree removes everything below dir but keeps dir itself.
func clearTree(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
