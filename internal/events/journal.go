package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	DefaultMaxJournalSize = 32 * 1024 * 1024
	journalExt            = ".jsonl"
	rotatedDir            = "rotated"
)

// JournalEntry is one line of the coordination journal.
type JournalEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Checksum  string         `json:"checksum,omitempty"`
}

// Journal is an append-only JSONL record of coordination events, rotated into
// a sibling directory once it exceeds maxSize. Replacements, escalations and
// dropped messages land here so an operator can audit them after the fact.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	size     int64
	maxSize  int64
	rotation int
	unsub    func()
}

func OpenJournal(path string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxJournalSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	j := &Journal{path: path, maxSize: maxSize}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = f
	j.size = st.Size()
	return nil
}

// Attach records every event published on bus until Close.
func (j *Journal) Attach(bus *Bus) {
	j.unsub = bus.SubscribeAll(func(e Event) {
		_ = j.Record(e)
	})
}

func (j *Journal) Record(e Event) error {
	entry := JournalEntry{
		Timestamp: e.Timestamp,
		Type:      e.Type,
		Data:      e.Data,
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if v, ok := e.Data["task_id"].(string); ok {
		entry.TaskID = v
	}
	if v, ok := e.Data["worker_id"].(string); ok {
		entry.WorkerID = v
	}
	if v, ok := e.Data["session_id"].(string); ok {
		entry.SessionID = v
	}
	return j.write(&entry)
}

func (j *Journal) write(entry *JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("journal closed")
	}

	entry.Checksum = ""
	sum, err := checksum(entry)
	if err != nil {
		return err
	}
	entry.Checksum = sum

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	if j.size+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}

	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	j.size += int64(n)
	return nil
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return err
	}
	dir := filepath.Join(filepath.Dir(j.path), rotatedDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	j.rotation++
	base := filepath.Base(j.path)
	name := fmt.Sprintf("%s.%s.%d%s",
		base[:len(base)-len(filepath.Ext(base))],
		time.Now().Format("20060102_150405"),
		j.rotation,
		journalExt)
	if err := os.Rename(j.path, filepath.Join(dir, name)); err != nil {
		return err
	}
	return j.open()
}

func checksum(entry *JournalEntry) (string, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// ReadJournal returns the entries of a journal file and how many of them
// failed checksum verification. Malformed lines are skipped.
func ReadJournal(path string) ([]JournalEntry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []JournalEntry
	corrupt := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e JournalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		want := e.Checksum
		e.Checksum = ""
		got, err := checksum(&e)
		if err != nil || (want != "" && got != want) {
			corrupt++
		}
		e.Checksum = want
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, corrupt, fmt.Errorf("scan journal: %w", err)
	}
	return entries, corrupt, nil
}

func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) Close() error {
	if j.unsub != nil {
		j.unsub()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
