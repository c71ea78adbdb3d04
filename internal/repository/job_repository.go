package repository

import (
	"context"
	"fmt"
	"plugin-jobs/internal/models"
)

// JobStore persists the whole job collection as one unit. Implementations
// must never leave a partially written collection behind.
type JobStore interface {
	// LoadAll returns every stored job. A store that has never been written
	// returns an empty slice and no error.
	LoadAll(ctx context.Context) ([]*models.Job, error)
	// SaveAll atomically replaces the stored collection with jobs.
	SaveAll(ctx context.Context, jobs []*models.Job) error
	Close() error
}

// StoreCorruptError is returned when the persisted collection cannot be
// decoded. The unreadable content has been moved aside to BackupPath.
type StoreCorruptError struct {
	Path       string
	BackupPath string
	Err        error
}

func (e *StoreCorruptError) Error() string {
	if e.BackupPath != "" {
		return fmt.Sprintf("job store %s is corrupt (backed up to %s): %v", e.Path, e.BackupPath, e.Err)
	}
	return fmt.Sprintf("job store %s is corrupt: %v", e.Path, e.Err)
}

func (e *StoreCorruptError) Unwrap() error {
	return e.Err
}

// Store drivers
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// NewStore opens the store for the given driver
func NewStore(driver, path string) (JobStore, error) {
	switch driver {
	case DriverFile, "":
		return NewFileStore(path)
	case DriverSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
