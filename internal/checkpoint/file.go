package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/msageha/troupe/internal/lock"
	"github.com/msageha/troupe/internal/yaml"
)

const archiveDir = "archive"

// FileStore keeps one YAML file per checkpoint at {dir}/{session}/{phase}.yaml
// and archives at {dir}/archive/{session}.yaml.
type FileStore struct {
	dir   string
	locks *lock.MutexMap
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, locks: lock.NewMutexMap()}
}

func (s *FileStore) path(sessionID, phase string) string {
	return filepath.Join(s.dir, sessionID, phase+".yaml")
}

func (s *FileStore) Save(_ context.Context, cp *Checkpoint) error {
	if err := validateKey(cp.SessionID, "session id"); err != nil {
		return err
	}
	if err := validateKey(cp.Phase, "phase"); err != nil {
		return err
	}
	cp.SchemaHeader = yaml.NewHeader(yaml.FileTypeCheckpoint)
	p := s.path(cp.SessionID, cp.Phase)
	return s.locks.With(p, func() error {
		return yaml.Save(p, yaml.FileTypeCheckpoint, cp)
	})
}

func (s *FileStore) Load(_ context.Context, sessionID, phase string) (*Checkpoint, error) {
	if err := validateKey(sessionID, "session id"); err != nil {
		return nil, err
	}
	if err := validateKey(phase, "phase"); err != nil {
		return nil, err
	}
	p := s.path(sessionID, phase)
	var cp Checkpoint
	err := s.locks.With(p, func() error {
		return s.load(p, yaml.FileTypeCheckpoint, &cp)
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// load reads p. An unreadable file is quarantined and its backup, if any,
// takes its place for a second attempt.
func (s *FileStore) load(p, fileType string, v any) error {
	err := yaml.Load(p, fileType, v)
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	restored, rerr := yaml.Recover(s.dir, p)
	if rerr != nil {
		return fmt.Errorf("%w (recover: %v)", err, rerr)
	}
	if !restored {
		return fmt.Errorf("%w: %s quarantined: %v", ErrNotFound, p, err)
	}
	return yaml.Load(p, fileType, v)
}

func (s *FileStore) Latest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	if err := validateKey(sessionID, "session id"); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return nil, err
	}

	var latest *Checkpoint
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") || strings.HasPrefix(name, ".") {
			continue
		}
		cp, err := s.Load(ctx, sessionID, strings.TrimSuffix(name, ".yaml"))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if latest == nil || cp.CreatedAt.After(latest.CreatedAt) {
			latest = cp
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return latest, nil
}

func (s *FileStore) Archive(_ context.Context, a *Archive) error {
	if err := validateKey(a.SessionID, "session id"); err != nil {
		return err
	}
	a.SchemaHeader = yaml.NewHeader(yaml.FileTypeArchive)
	p := filepath.Join(s.dir, archiveDir, a.SessionID+".yaml")
	return s.locks.With(p, func() error {
		return yaml.Save(p, yaml.FileTypeArchive, a)
	})
}

func (s *FileStore) LoadArchive(_ context.Context, sessionID string) (*Archive, error) {
	if err := validateKey(sessionID, "session id"); err != nil {
		return nil, err
	}
	p := filepath.Join(s.dir, archiveDir, sessionID+".yaml")
	var a Archive
	err := s.locks.With(p, func() error {
		return s.load(p, yaml.FileTypeArchive, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *FileStore) Close() error { return nil }
