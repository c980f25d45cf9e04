package formation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/msageha/troupe/internal/model"
	"github.com/msageha/troupe/internal/uds"
)

// DownOptions holds configuration for 'troupe down'.
type DownOptions struct {
	Dir    string
	Config model.Config
	Tmux   SessionKiller
	// Dissolve runs the shutdown handshake with every worker before the
	// daemon is stopped.
	Dissolve bool
	Reason   string
	Timeout  time.Duration
	Out      io.Writer
}

var errNotDissolved = errors.New("dissolution still running")

// RunDown executes 'troupe down'.
func RunDown(ctx context.Context, opts DownOptions) error {
	opts.Config = opts.Config.WithDefaults()
	if opts.Timeout <= 0 {
		opts.Timeout = time.Duration(opts.Config.Daemon.ShutdownTimeoutSec+5) * time.Second
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	path := socketPath(opts.Dir)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		killSession(ctx, opts.Tmux)
		_, _ = fmt.Fprintln(opts.Out, "Daemon is not running. Formation stopped.")
		return nil
	}

	client := uds.NewClient(path, uds.WithTimeout(5*time.Second))

	if opts.Dissolve {
		if err := dissolve(ctx, client, opts); err != nil {
			return err
		}
	}

	if err := client.Call(ctx, "shutdown", nil, nil); err != nil {
		if uds.CodeOf(err) != "" {
			return fmt.Errorf("shutdown request rejected by daemon: %w", err)
		}
		_, _ = fmt.Fprintf(opts.Out, "Warning: could not connect to daemon: %v\n", err)
		_, _ = fmt.Fprintln(opts.Out, "Cleaning up tmux session...")
		_ = os.Remove(path)
		killSession(ctx, opts.Tmux)
		return nil
	}

	_, _ = fmt.Fprintln(opts.Out, "Shutdown accepted. Waiting for daemon to stop...")
	if err := waitStopped(ctx, opts.Dir, opts.Timeout); err != nil {
		return err
	}

	if opts.Tmux != nil {
		if err := opts.Tmux.KillSession(ctx); err != nil {
			return fmt.Errorf("kill tmux session: %w", err)
		}
	}
	_, _ = fmt.Fprintln(opts.Out, "Troupe formation stopped.")
	return nil
}

func killSession(ctx context.Context, k SessionKiller) {
	if k != nil {
		_ = k.KillSession(ctx)
	}
}

// dissolve starts dissolution and polls until the daemon reports it done.
func dissolve(ctx context.Context, client *uds.Client, opts DownOptions) error {
	reason := opts.Reason
	if reason == "" {
		reason = "down"
	}
	params := map[string]string{"reason": reason}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	result, err := backoff.Retry(ctx, func() (map[string]any, error) {
		var out map[string]any
		if err := client.Call(ctx, "dissolve", params, &out); err != nil {
			return nil, backoff.Permanent(err)
		}
		if out["state"] != "dissolved" {
			return nil, errNotDissolved
		}
		return out, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(opts.Timeout))
	if err != nil {
		return fmt.Errorf("dissolve: %w", err)
	}
	_, _ = fmt.Fprintf(opts.Out, "Team dissolved: %v\n", result["result"])
	return nil
}

// waitStopped polls until the daemon has removed its socket.
func waitStopped(ctx context.Context, dir string, timeout time.Duration) error {
	path := socketPath(dir)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("shutdown timeout after %v", timeout)
		case <-ticker.C:
		}
	}
}
