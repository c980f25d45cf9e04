// Package checkpoint snapshots the structured coordination state (board,
// retry counters, pattern sessions, router counters, dispatch batch counts)
// and restores it after an interruption.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/troupe/internal/board"
	"github.com/msageha/troupe/internal/model"
	"github.com/msageha/troupe/internal/retry"
	"github.com/msageha/troupe/internal/router"
	"github.com/msageha/troupe/internal/yaml"
)

var (
	// ErrNotFound is returned when no checkpoint exists for a key.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrExpired is returned by Resume when the newest checkpoint is older
	// than the freshness window.
	ErrExpired = errors.New("checkpoint older than freshness window")
)

// Checkpoint is one durable snapshot keyed by {SessionID}/{Phase}.
type Checkpoint struct {
	yaml.SchemaHeader `yaml:",inline"`

	ID        string                   `yaml:"id"`
	SessionID string                   `yaml:"session_id"`
	Phase     string                   `yaml:"phase"`
	CreatedAt time.Time                `yaml:"created_at"`
	Board     board.Snapshot           `yaml:"board"`
	Retry     map[string]retry.Counter `yaml:"retry,omitempty"`
	Sessions  []model.SessionSnapshot  `yaml:"sessions,omitempty"`
	Router    router.State             `yaml:"router"`
	// Dispatch counts the nested-dispatch batches each parent has issued.
	Dispatch map[string]int `yaml:"dispatch,omitempty"`
}

func (c *Checkpoint) Key() string {
	return c.SessionID + "/" + c.Phase
}

// Archive is the final board kept after a team dissolves.
type Archive struct {
	yaml.SchemaHeader `yaml:",inline"`

	SessionID  string         `yaml:"session_id"`
	ArchivedAt time.Time      `yaml:"archived_at"`
	Board      board.Snapshot `yaml:"board"`
}

// Store persists checkpoints. Saving the same key twice replaces the earlier
// checkpoint.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, sessionID, phase string) (*Checkpoint, error)
	// Latest returns the most recently created checkpoint of a session.
	Latest(ctx context.Context, sessionID string) (*Checkpoint, error)
	Archive(ctx context.Context, a *Archive) error
	LoadArchive(ctx context.Context, sessionID string) (*Archive, error)
	Close() error
}

// Open returns the store selected by cfg.Backend, rooted at dir.
func Open(cfg model.CheckpointConfig, dir string) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(dir), nil
	case "sqlite":
		return OpenSQLite(dir + "/checkpoints.db")
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}

// validateKey rejects key parts that could escape the store's directory.
func validateKey(part, what string) error {
	switch {
	case part == "":
		return fmt.Errorf("%s must not be empty", what)
	case part == "." || part == "..":
		return fmt.Errorf("invalid %s %q", what, part)
	case strings.ContainsAny(part, `/\`):
		return fmt.Errorf("%s %q must not contain path separators", what, part)
	}
	return nil
}
