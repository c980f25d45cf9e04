// Package statussync reads the live status-sync file that external tooling
// keeps up to date, and watches it for changes.
package statussync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/troupe/internal/checkpoint"
	"github.com/msageha/troupe/internal/logging"
	"github.com/msageha/troupe/internal/model"
	"github.com/msageha/troupe/internal/yaml"
)

// File is the on-disk layout of the status-sync file.
type File struct {
	yaml.SchemaHeader       `yaml:",inline"`
	checkpoint.SyncSnapshot `yaml:",inline"`
}

// Source keeps the last valid status-sync snapshot. An unreadable or invalid
// update leaves the previous snapshot in place.
type Source struct {
	path   string
	logger *logging.Logger

	mu     sync.RWMutex
	latest checkpoint.SyncSnapshot
	ok     bool
}

// DefaultPath resolves the status-sync file for a project directory.
func DefaultPath(dir string, cfg model.StatusSyncConfig) string {
	if cfg.Path != "" {
		return cfg.Path
	}
	return filepath.Join(dir, "state", "status_sync.yaml")
}

func NewSource(path string, logger *logging.Logger) *Source {
	return &Source{path: path, logger: logger.With("statussync")}
}

func (s *Source) Path() string { return s.path }

// Latest implements checkpoint.SyncSource.
func (s *Source) Latest() (checkpoint.SyncSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.ok
}

// Reload reads the file. A missing file is not an error; the source simply
// has nothing to report yet.
func (s *Source) Reload() error {
	var f File
	if err := yaml.Load(s.path, yaml.FileTypeStatusSync, &f); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if f.UpdatedAt.IsZero() {
		return fmt.Errorf("%s: missing updated_at", s.path)
	}
	s.mu.Lock()
	s.latest = f.SyncSnapshot
	s.ok = true
	s.mu.Unlock()
	s.logger.Debugf("status_sync reload tasks=%d updated_at=%s", len(f.Tasks), f.UpdatedAt)
	return nil
}

// Watch reloads the file whenever it changes and calls onChange with every
// snapshot that loaded cleanly. The parent directory is watched so atomic
// renames over the file are seen. Watch blocks until ctx ends.
func (s *Source) Watch(ctx context.Context, onChange func(checkpoint.SyncSnapshot)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create status sync dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.logger.Infof("status_sync watching path=%s", s.path)

	name := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warnf("status_sync reload failed, keeping previous: %v", err)
				continue
			}
			if snap, ok := s.Latest(); ok && onChange != nil {
				onChange(snap)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			s.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

// Write replaces the status-sync file at path with snap.
func Write(path string, snap checkpoint.SyncSnapshot) error {
	return yaml.Save(path, yaml.FileTypeStatusSync, File{
		SchemaHeader: yaml.NewHeader(yaml.FileTypeStatusSync),
		SyncSnapshot: snap,
	})
}
