package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"plugin-jobs/internal/models"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements JobStore using SQLite. Each save replaces the whole
// jobs table inside one transaction.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, path: dbPath}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// initSchema initializes the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		plugin_name TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		options TEXT NOT NULL DEFAULT 'null',
		status TEXT NOT NULL,
		logs TEXT NOT NULL DEFAULT '[]',
		error TEXT NOT NULL DEFAULT 'null',
		result TEXT NOT NULL DEFAULT 'null',
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// LoadAll reads every row of the jobs table
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]*models.Job, error) {
	query := `
		SELECT id, action, plugin_name, url, options, status, logs, error, result,
		       cancel_requested, created_at, started_at, completed_at
		FROM jobs
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.Job, 0)
	var decodeErr error
	for rows.Next() {
		var job models.Job
		var options, logs, jobErr, result string
		var cancelRequested int
		var createdAt int64
		var startedAt, completedAt sql.NullInt64

		err := rows.Scan(
			&job.ID,
			&job.Action,
			&job.PluginName,
			&job.URL,
			&options,
			&job.Status,
			&logs,
			&jobErr,
			&result,
			&cancelRequested,
			&createdAt,
			&startedAt,
			&completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		if err := decodeColumns(&job, options, logs, jobErr, result); err != nil {
			decodeErr = fmt.Errorf("job %s: %w", job.ID, err)
			break
		}

		job.CancelRequested = cancelRequested != 0
		job.CreatedAt = fromUnixNano(createdAt)
		if startedAt.Valid {
			t := fromUnixNano(startedAt.Int64)
			job.StartedAt = &t
		}
		if completedAt.Valid {
			t := fromUnixNano(completedAt.Int64)
			job.CompletedAt = &t
		}

		jobs = append(jobs, &job)
	}

	if decodeErr != nil {
		rows.Close()
		return nil, s.quarantine(context.WithoutCancel(ctx), decodeErr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	return jobs, nil
}

func decodeColumns(job *models.Job, options, logs, jobErr, result string) error {
	if err := json.Unmarshal([]byte(options), &job.Options); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	if err := json.Unmarshal([]byte(logs), &job.Logs); err != nil {
		return fmt.Errorf("logs: %w", err)
	}
	if err := json.Unmarshal([]byte(jobErr), &job.Error); err != nil {
		return fmt.Errorf("error: %w", err)
	}
	if err := json.Unmarshal([]byte(result), &job.Result); err != nil {
		return fmt.Errorf("result: %w", err)
	}
	return nil
}

// quarantine copies the unreadable table aside and empties it
func (s *SQLiteStore) quarantine(ctx context.Context, cause error) error {
	backup := fmt.Sprintf("jobs_corrupt_%d", time.Now().UnixNano())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StoreCorruptError{Path: s.path, Err: cause}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM jobs", backup)); err != nil {
		return &StoreCorruptError{Path: s.path, Err: cause}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM jobs"); err != nil {
		return &StoreCorruptError{Path: s.path, Err: cause}
	}
	if err := tx.Commit(); err != nil {
		return &StoreCorruptError{Path: s.path, Err: cause}
	}

	return &StoreCorruptError{Path: s.path, BackupPath: s.path + "#" + backup, Err: cause}
}

// SaveAll replaces the jobs table with jobs in a single transaction
func (s *SQLiteStore) SaveAll(ctx context.Context, jobs []*models.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM jobs"); err != nil {
		return fmt.Errorf("failed to clear jobs: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO jobs (id, action, plugin_name, url, options, status, logs, error, result,
		                  cancel_requested, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, job := range jobs {
		options, logs, jobErr, result, err := encodeColumns(job)
		if err != nil {
			return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
		}

		cancelRequested := 0
		if job.CancelRequested {
			cancelRequested = 1
		}

		_, err = stmt.ExecContext(ctx,
			job.ID,
			job.Action,
			job.PluginName,
			job.URL,
			options,
			job.Status,
			logs,
			jobErr,
			result,
			cancelRequested,
			job.CreatedAt.UnixNano(),
			nullableUnixNano(job.StartedAt),
			nullableUnixNano(job.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit jobs: %w", err)
	}
	return nil
}

func encodeColumns(job *models.Job) (options, logs, jobErr, result string, err error) {
	fields := []any{job.Options, job.Logs, job.Error, job.Result}
	out := make([]string, len(fields))
	for i, f := range fields {
		b, err := json.Marshal(f)
		if err != nil {
			return "", "", "", "", err
		}
		out[i] = string(b)
	}
	return out[0], out[1], out[2], out[3], nil
}

func nullableUnixNano(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
