package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"plugin-jobs/internal/models"
	"time"
)

const fileFormatVersion = 1

// fileDocument is the on-disk layout of a FileStore
type fileDocument struct {
	Version int           `json:"version"`
	Jobs    []*models.Job `json:"jobs"`
}

// FileStore implements JobStore as a single JSON document on disk
type FileStore struct {
	path string

	// afterTempWrite runs once the temp file is fully written and synced,
	// before it is renamed over path. Tests use it to simulate a crash.
	afterTempWrite func(tmpPath string) error
	rename         func(oldpath, newpath string) error
}

// NewFileStore creates a file-backed store at path, creating the parent
// directory if needed. The file itself is created on first save.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{path: path, rename: os.Rename}, nil
}

// Path returns the location of the store file
func (s *FileStore) Path() string {
	return s.path
}

// LoadAll reads and decodes the full collection
func (s *FileStore) LoadAll(ctx context.Context) ([]*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []*models.Job{}, nil
		}
		return nil, fmt.Errorf("failed to read job store: %w", err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return []*models.Job{}, nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, s.quarantine(err)
	}

	jobs := make([]*models.Job, 0, len(doc.Jobs))
	for _, job := range doc.Jobs {
		if job == nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// quarantine moves the unreadable file aside so the next save starts clean.
// If the move fails the file stays in place and BackupPath is left empty.
func (s *FileStore) quarantine(cause error) error {
	backup := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().UnixNano())
	if err := s.rename(s.path, backup); err != nil {
		return &StoreCorruptError{Path: s.path, Err: errors.Join(cause, fmt.Errorf("backup failed: %w", err))}
	}
	return &StoreCorruptError{Path: s.path, BackupPath: backup, Err: cause}
}

// SaveAll writes the collection to a temp file in the same directory and
// renames it over the store file.
func (s *FileStore) SaveAll(ctx context.Context, jobs []*models.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if jobs == nil {
		jobs = []*models.Job{}
	}
	data, err := json.MarshalIndent(fileDocument{Version: fileFormatVersion, Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode jobs: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if s.afterTempWrite != nil {
		if err := s.afterTempWrite(tmpPath); err != nil {
			return err
		}
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace job store: %w", err)
	}
	committed = true

	syncDir(dir)
	return nil
}

// syncDir flushes the rename to disk. Not every platform supports syncing a
// directory, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

// Close is a no-op; the file is only open during LoadAll and SaveAll
func (s *FileStore) Close() error {
	return nil
}
