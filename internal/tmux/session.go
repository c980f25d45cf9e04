// Package tmux runs workers in tmux windows: one window per worker, tagged
// with pane user variables so the worker can be found again.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/troupe/internal/logging"
	"github.com/msageha/troupe/internal/model"
)

// bufSeq keeps paste buffer names unique across concurrent pastes.
var bufSeq atomic.Int64

// unsafeSessionChars matches characters tmux treats as target separators.
var unsafeSessionChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeName makes name usable as a tmux session or window name.
func SanitizeName(name string) string {
	s := unsafeSessionChars.ReplaceAllString(name, "_")
	if s == "" {
		return "troupe"
	}
	return s
}

// Runner executes one tmux command and returns its output.
type Runner func(ctx context.Context, stdin string, args ...string) (string, error)

func execRunner(ctx context.Context, stdin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Pane is one worker window as tmux reports it.
type Pane struct {
	Target  string `json:"target"`
	AgentID string `json:"agent_id"`
	Role    string `json:"role"`
	Command string `json:"command"`
}

// Spawner starts workers in windows of one tmux session. It implements
// lifecycle.Spawner.
type Spawner struct {
	session    string
	command    []string
	workDir    string
	pasteDelay time.Duration
	run        Runner
	logger     *logging.Logger

	mu  sync.Mutex
	seq map[model.Role]int
}

type Option func(*Spawner)

func WithLogger(l *logging.Logger) Option {
	return func(s *Spawner) { s.logger = l.With("tmux") }
}

// WithRunner replaces the tmux binary, e.g. with a recorder in tests.
func WithRunner(r Runner) Option {
	return func(s *Spawner) { s.run = r }
}

// WithPasteDelay sets how long to wait after pasting before submitting.
// Agent TUIs need time to render a bracketed paste into their input field.
func WithPasteDelay(d time.Duration) Option {
	return func(s *Spawner) { s.pasteDelay = d }
}

func NewSpawner(cfg model.SpawnConfig, workDir string, opts ...Option) *Spawner {
	s := &Spawner{
		session:    SanitizeName(cfg.Session),
		command:    cfg.Command,
		workDir:    workDir,
		pasteDelay: 500 * time.Millisecond,
		run:        execRunner,
		logger:     logging.Discard(),
		seq:        make(map[model.Role]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Spawner) Session() string { return s.session }

func (s *Spawner) nextID(role model.Role) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[role]++
	return fmt.Sprintf("%s-%d", role, s.seq[role])
}

func (s *Spawner) sessionExists(ctx context.Context) bool {
	_, err := s.run(ctx, "", "has-session", "-t", s.session)
	return err == nil
}

// Spawn opens a window for a new worker, starts the worker command with its
// identity in the environment and pastes the initial context into it.
func (s *Spawner) Spawn(ctx context.Context, role model.Role, caps model.Capability, initialContext string) (string, error) {
	id := s.nextID(role)
	const format = "#{session_name}:#{window_index}.#{pane_index}"

	var out string
	var err error
	if s.sessionExists(ctx) {
		out, err = s.run(ctx, "", "new-window", "-d", "-t", s.session, "-n", id, "-c", s.workDir, "-P", "-F", format)
	} else {
		out, err = s.run(ctx, "", "new-session", "-d", "-s", s.session, "-n", id, "-c", s.workDir, "-P", "-F", format)
	}
	if err != nil {
		return "", fmt.Errorf("open window for %s: %w", id, err)
	}
	target := strings.TrimSpace(out)

	for _, kv := range [][2]string{{"agent_id", id}, {"role", string(role)}} {
		if _, err := s.run(ctx, "", "set-option", "-p", "-t", target, "@"+kv[0], kv[1]); err != nil {
			return "", err
		}
	}

	if len(s.command) > 0 {
		env := fmt.Sprintf("TROUPE_WORKER_ID=%s TROUPE_ROLE=%s TROUPE_MAY_DISPATCH=%t", id, role, caps.MayDispatch)
		line := "env " + env + " " + strings.Join(s.command, " ")
		if _, err := s.run(ctx, "", "send-keys", "-t", target, line, "Enter"); err != nil {
			return "", fmt.Errorf("start worker %s: %w", id, err)
		}
	}
	if initialContext != "" {
		if err := s.paste(ctx, target, initialContext); err != nil {
			return "", fmt.Errorf("send initial context to %s: %w", id, err)
		}
	}
	s.logger.Infof("worker_window id=%s role=%s target=%s", id, role, target)
	return id, nil
}

// paste loads text into a tmux buffer and pastes it as one bracketed paste,
// then presses Enter.
func (s *Spawner) paste(ctx context.Context, target, text string) error {
	buf := fmt.Sprintf("troupe-msg-%d", bufSeq.Add(1))
	if _, err := s.run(ctx, text, "load-buffer", "-b", buf, "-"); err != nil {
		return err
	}
	// -r keeps LF from turning into CR inside the paste.
	if _, err := s.run(ctx, "", "paste-buffer", "-pr", "-b", buf, "-d", "-t", target); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.pasteDelay):
	}
	_, err := s.run(ctx, "", "send-keys", "-t", target, "Enter")
	return err
}

// Kill closes the window of a worker.
func (s *Spawner) Kill(ctx context.Context, workerID string) error {
	_, err := s.run(ctx, "", "kill-window", "-t", s.session+":"+SanitizeName(workerID))
	return err
}

// KillSession closes the whole session. A missing session is not an error.
func (s *Spawner) KillSession(ctx context.Context) error {
	if !s.sessionExists(ctx) {
		return nil
	}
	_, err := s.run(ctx, "", "kill-session", "-t", s.session)
	return err
}

// Panes lists every worker window of the session. A missing session yields
// no panes.
func (s *Spawner) Panes(ctx context.Context) ([]Pane, error) {
	if !s.sessionExists(ctx) {
		return nil, nil
	}
	out, err := s.run(ctx, "", "list-panes", "-s", "-t", s.session, "-F",
		"#{session_name}:#{window_index}.#{pane_index}\t#{@agent_id}\t#{@role}\t#{pane_current_command}")
	if err != nil {
		return nil, err
	}
	var panes []Pane
	for line := range strings.SplitSeq(strings.TrimSpace(out), "\n") {
		parts := strings.SplitN(line, "\t", 4)
		if len(parts) < 4 || parts[1] == "" {
			continue
		}
		panes = append(panes, Pane{Target: parts[0], AgentID: parts[1], Role: parts[2], Command: parts[3]})
	}
	return panes, nil
}
