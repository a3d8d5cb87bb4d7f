package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrInvalidPathComponent is returned when a path component contains unsafe characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path component.
// It rejects empty strings, path separators, and traversal sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

const openIndexFile = "open.json"

// FileBackend implements Store using JSON files. It suits a single process
// (local development, the CLI).
// Storage layout:
//
//	~/.coachflow/sessions/
//	  └── <tenant-id>/
//	      ├── open.json          # topic id -> open session id
//	      └── <session-id>.json  # session record
type FileBackend struct {
	baseDir string
	mu      sync.Mutex
	closed  bool
}

// NewFileBackend creates a new file-based storage backend.
// If baseDir is empty, uses ~/.coachflow/sessions.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".coachflow", "sessions")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileBackend{baseDir: baseDir}, nil
}

func (f *FileBackend) tenantDir(tenantID string) (string, error) {
	if err := validatePathComponent(tenantID); err != nil {
		return "", fmt.Errorf("invalid tenant ID: %w", err)
	}
	return filepath.Join(f.baseDir, tenantID), nil
}

func (f *FileBackend) readIndex(dir string) (map[string]string, error) {
	index := make(map[string]string)
	data, err := os.ReadFile(filepath.Join(dir, openIndexFile)) // #nosec G304 - tenant validated
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, fmt.Errorf("read open index: %w", err)
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse open index: %w", err)
	}
	return index, nil
}

func (f *FileBackend) writeIndex(dir string, index map[string]string) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal open index: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, openIndexFile), data)
}

func (f *FileBackend) readSession(dir, id string) (*Session, error) {
	if err := validatePathComponent(id); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, id+".json")) // #nosec G304 - components validated
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

func (f *FileBackend) writeSession(dir string, s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, s.ID()+".json"), data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// openSession returns the open session registered for topicID, or nil.
func (f *FileBackend) openSession(dir string, index map[string]string, topicID string) (*Session, error) {
	id, ok := index[topicID]
	if !ok {
		return nil, nil
	}
	s, err := f.readSession(dir, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !s.Status().IsOpen() {
		return nil, nil
	}
	return s, nil
}

// Create persists a new session unless the topic already has an open one.
func (f *FileBackend) Create(ctx context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	dir, err := f.tenantDir(s.TenantID())
	if err != nil {
		return err
	}
	if err := validatePathComponent(s.ID()); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create tenant directory: %w", err)
	}

	index, err := f.readIndex(dir)
	if err != nil {
		return err
	}
	existing, err := f.openSession(dir, index, s.TopicID())
	if err != nil {
		return err
	}
	if existing != nil {
		return &CreateConflictError{Existing: existing}
	}

	s.r.Version = 1
	if err := f.writeSession(dir, s); err != nil {
		s.r.Version = 0
		return err
	}
	index[s.TopicID()] = s.ID()
	return f.writeIndex(dir, index)
}

// Save writes s if nobody else has written it since it was loaded.
func (f *FileBackend) Save(ctx context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	dir, err := f.tenantDir(s.TenantID())
	if err != nil {
		return err
	}
	current, err := f.readSession(dir, s.ID())
	if err != nil {
		return err
	}
	if current.Version() != s.Version() {
		return ErrVersionConflict
	}

	s.r.Version++
	if err := f.writeSession(dir, s); err != nil {
		s.r.Version--
		return err
	}

	if !s.Status().IsOpen() {
		index, err := f.readIndex(dir)
		if err != nil {
			return err
		}
		if index[s.TopicID()] == s.ID() {
			delete(index, s.TopicID())
			return f.writeIndex(dir, index)
		}
	}
	return nil
}

// GetByID loads a session within a tenant.
func (f *FileBackend) GetByID(ctx context.Context, id, tenantID string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrStorageClosed
	}
	dir, err := f.tenantDir(tenantID)
	if err != nil {
		return nil, err
	}
	s, err := f.readSession(dir, id)
	if err != nil {
		return nil, err
	}
	if s.TenantID() != tenantID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// GetActiveForTenantTopic returns the open session for a topic.
func (f *FileBackend) GetActiveForTenantTopic(ctx context.Context, tenantID, topicID string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrStorageClosed
	}
	dir, err := f.tenantDir(tenantID)
	if err != nil {
		return nil, err
	}
	index, err := f.readIndex(dir)
	if err != nil {
		return nil, err
	}
	s, err := f.openSession(dir, index, topicID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// GetActiveForUserTopic returns the open session for a topic if userID owns it.
func (f *FileBackend) GetActiveForUserTopic(ctx context.Context, userID, topicID, tenantID string) (*Session, error) {
	s, err := f.GetActiveForTenantTopic(ctx, tenantID, topicID)
	if err != nil {
		return nil, err
	}
	if s.UserID() != userID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// ListSweepCandidates scans every tenant's open index.
func (f *FileBackend) ListSweepCandidates(ctx context.Context, now time.Time, limit int) ([]*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read base directory: %w", err)
	}

	var out []*Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(f.baseDir, entry.Name())
		index, err := f.readIndex(dir)
		if err != nil {
			return nil, err
		}
		topics := make([]string, 0, len(index))
		for topicID := range index {
			topics = append(topics, topicID)
		}
		sort.Strings(topics)

		for _, topicID := range topics {
			s, err := f.openSession(dir, index, topicID)
			if err != nil {
				return nil, err
			}
			if s == nil || !isSweepCandidate(s, now) {
				continue
			}
			out = append(out, s)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Close marks the backend closed.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
