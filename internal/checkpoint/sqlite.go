package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/troupe/internal/yaml"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT    NOT NULL,
	phase      TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	body       BLOB    NOT NULL,
	PRIMARY KEY (session_id, phase)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_latest ON checkpoints(session_id, created_at);
CREATE TABLE IF NOT EXISTS archives (
	session_id  TEXT    PRIMARY KEY,
	archived_at INTEGER NOT NULL,
	body        BLOB    NOT NULL
);`

// SQLiteStore keeps checkpoints as YAML documents in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := validateKey(cp.SessionID, "session id"); err != nil {
		return err
	}
	if err := validateKey(cp.Phase, "phase"); err != nil {
		return err
	}
	cp.SchemaHeader = yaml.NewHeader(yaml.FileTypeCheckpoint)
	body, err := yamlv3.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (session_id, phase, created_at, body) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, phase) DO UPDATE SET created_at = excluded.created_at, body = excluded.body`,
		cp.SessionID, cp.Phase, cp.CreatedAt.UnixNano(), body)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.Key(), err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID, phase string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body FROM checkpoints WHERE session_id = ? AND phase = ?`, sessionID, phase)
	return scanCheckpoint(row, sessionID+"/"+phase)
}

func (s *SQLiteStore) Latest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body FROM checkpoints WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`, sessionID)
	return scanCheckpoint(row, "session "+sessionID)
}

func scanCheckpoint(row *sql.Row, key string) (*Checkpoint, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", key, err)
	}
	if err := yaml.ValidateSchemaHeader(body, yaml.FileTypeCheckpoint); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", key, err)
	}
	var cp Checkpoint
	if err := yamlv3.Unmarshal(body, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", key, err)
	}
	return &cp, nil
}

func (s *SQLiteStore) Archive(ctx context.Context, a *Archive) error {
	if err := validateKey(a.SessionID, "session id"); err != nil {
		return err
	}
	a.SchemaHeader = yaml.NewHeader(yaml.FileTypeArchive)
	body, err := yamlv3.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal archive: %w", err)
	}
	archivedAt := a.ArchivedAt
	if archivedAt.IsZero() {
		archivedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO archives (session_id, archived_at, body) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET archived_at = excluded.archived_at, body = excluded.body`,
		a.SessionID, archivedAt.UnixNano(), body)
	if err != nil {
		return fmt.Errorf("archive %s: %w", a.SessionID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadArchive(ctx context.Context, sessionID string) (*Archive, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM archives WHERE session_id = ?`, sessionID).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: archive %s", ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("load archive %s: %w", sessionID, err)
	}
	if err := yaml.ValidateSchemaHeader(body, yaml.FileTypeArchive); err != nil {
		return nil, fmt.Errorf("archive %s: %w", sessionID, err)
	}
	var a Archive
	if err := yamlv3.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("decode archive %s: %w", sessionID, err)
	}
	return &a, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
