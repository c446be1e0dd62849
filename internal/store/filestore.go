package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"render-queue/internal/models"
)

// FileStore keeps one JSON document per collection under a base directory.
// Writes go through a temp file followed by rename so readers never observe
// a partial document.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates the parent directory if needed and returns a store
// bound to the given file.
func NewFileStore(dir, name string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, name)}, nil
}

func (s *FileStore) load(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) save(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.path, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// FileQueueStore is a QueueStore backed by a FileStore document.
type FileQueueStore struct{ *FileStore }

// NewFileQueueStore binds the queue collection to jobs.json under dir.
func NewFileQueueStore(dir string) (*FileQueueStore, error) {
	fs, err := NewFileStore(dir, "jobs.json")
	if err != nil {
		return nil, err
	}
	return &FileQueueStore{fs}, nil
}

func (s *FileQueueStore) Load(_ context.Context) ([]models.Job, error) {
	var jobs []models.Job
	if err := s.load(&jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *FileQueueStore) Save(_ context.Context, jobs []models.Job) error {
	return s.save(jobs)
}

// FileProfileStore is a ProfileStore backed by a FileStore document.
type FileProfileStore struct{ *FileStore }

// NewFileProfileStore binds the profile set to profiles.json under dir.
func NewFileProfileStore(dir string) (*FileProfileStore, error) {
	fs, err := NewFileStore(dir, "profiles.json")
	if err != nil {
		return nil, err
	}
	return &FileProfileStore{fs}, nil
}

func (s *FileProfileStore) Load(_ context.Context) ([]models.Profile, error) {
	var profiles []models.Profile
	if err := s.load(&profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

func (s *FileProfileStore) Save(_ context.Context, profiles []models.Profile) error {
	return s.save(profiles)
}
