package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRoot returns the default storage directory, preferring the XDG data
// dir and falling back to ~/.local/share.
func DefaultRoot() string {
	if base := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); base != "" {
		return filepath.Join(base, "automatic-claude-code", "sessions")
	}
	if base, err := os.UserHomeDir(); err == nil && base != "" {
		return filepath.Join(base, ".local", "share", "automatic-claude-code", "sessions")
	}
	return filepath.Join(os.TempDir(), "automatic-claude-code", "sessions")
}

// FileStore persists one JSON file per session under a root directory.
// Writes go through a temp file and rename so a crash mid-write never leaves
// a half-written record; the corruption tolerance in ListSessions is a
// safety net on top of that, not the only defense.
type FileStore struct {
	root string
	mu   sync.Mutex
}

// NewFileStore creates a store rooted at root, or at DefaultRoot when root
// is empty.
func NewFileStore(root string) *FileStore {
	if strings.TrimSpace(root) == "" {
		root = DefaultRoot()
	}
	return &FileStore{root: root}
}

// Root returns the storage directory.
func (s *FileStore) Root() string {
	return s.root
}

// SessionPath returns the file a session id persists to.
func (s *FileStore) SessionPath(id string) string {
	return filepath.Join(s.root, id+".json")
}

// CreateSession builds a running record and persists it synchronously before
// returning: a crash immediately after must leave a readable record.
func (s *FileStore) CreateSession(prompt, workDir string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}

	record := &SessionRecord{
		ID:            uuid.New().String(),
		StartTime:     time.Now().UTC(),
		InitialPrompt: prompt,
		WorkDir:       workDir,
		Status:        StatusRunning,
		Iterations:    []Iteration{},
	}
	if err := s.writeRecord(record); err != nil {
		return nil, err
	}
	return record, nil
}

// AddIteration appends one iteration to a session and persists the full
// updated record. Iteration numbers are assigned monotonically; the Iteration
// field of the argument is overwritten.
func (s *FileStore) AddIteration(id string, iteration Iteration) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.loadRecord(id)
	if err != nil {
		return nil, err
	}

	iteration.Iteration = len(record.Iterations) + 1
	if iteration.Timestamp.IsZero() {
		iteration.Timestamp = time.Now().UTC()
	}
	record.Iterations = append(record.Iterations, iteration)

	if err := s.writeRecord(record); err != nil {
		return nil, err
	}
	return record, nil
}

// CompleteSession moves a running session to a terminal status and stamps
// EndTime. Transitions are forward-only.
func (s *FileStore) CompleteSession(id string, status Status) (*SessionRecord, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("invalid terminal status: %s", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.loadRecord(id)
	if err != nil {
		return nil, err
	}
	if record.Status != StatusRunning {
		return nil, fmt.Errorf("session %s is %s, cannot transition to %s", id, record.Status, status)
	}

	now := time.Now().UTC()
	record.Status = status
	record.EndTime = &now

	if err := s.writeRecord(record); err != nil {
		return nil, err
	}
	return record, nil
}

// ResumeSession is the explicit terminal → running edge. Prior iterations
// are retained; EndTime is cleared.
func (s *FileStore) ResumeSession(id string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.loadRecord(id)
	if err != nil {
		return nil, err
	}
	if record.Status == StatusRunning {
		return record, nil
	}

	record.Status = StatusRunning
	record.EndTime = nil

	if err := s.writeRecord(record); err != nil {
		return nil, err
	}
	return record, nil
}

// LoadSession deserializes one record. Returns SessionNotFoundError when no
// file exists for the id.
func (s *FileStore) LoadSession(id string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadRecord(id)
}

// ListSessions enumerates all persisted records, newest first. A file that
// fails to parse is skipped; one corrupt record never breaks the listing.
func (s *FileStore) ListSessions() ([]*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []*SessionRecord{}, nil
		}
		return nil, err
	}

	records := make([]*SessionRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		record, err := s.loadRecord(id)
		if err != nil {
			continue
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartTime.After(records[j].StartTime)
	})
	return records, nil
}

// DeleteSession removes a session file. Deleting an absent session is not
// an error; deletion is driven by age-based cleanup and must be idempotent.
func (s *FileStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.SessionPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) loadRecord(id string) (*SessionRecord, error) {
	data, err := os.ReadFile(s.SessionPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &SessionNotFoundError{ID: id}
		}
		return nil, err
	}
	var record SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", id, err)
	}
	return &record, nil
}

// writeRecord persists atomically: write to a temp file in the same
// directory, then rename over the target.
func (s *FileStore) writeRecord(record *SessionRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.root, record.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("write session %s: %w", record.ID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write session %s: %w", record.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write session %s: %w", record.ID, err)
	}
	if err := os.Rename(tmp.Name(), s.SessionPath(record.ID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write session %s: %w", record.ID, err)
	}
	return nil
}
