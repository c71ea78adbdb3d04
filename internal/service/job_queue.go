package service

import (
	"context"
	"errors"
	"log/slog"
	"plugin-jobs/internal/metrics"
	"plugin-jobs/internal/models"
	"plugin-jobs/internal/repository"
	"sort"
	"sync"
	"time"
)

// DefaultRetentionLimit is how many jobs the queue keeps before pruning
// finished ones.
const DefaultRetentionLimit = 100

// QueueConfig holds the queue limits
type QueueConfig struct {
	// RetentionLimit caps the stored collection; only terminal jobs are pruned.
	RetentionLimit int
	// MaxQueued rejects new submissions while this many jobs wait. Zero disables the check.
	MaxQueued int
}

// TransitionOptions carries the outcome recorded with a terminal transition
type TransitionOptions struct {
	Result map[string]any
	Error  *models.JobError
}

// JobQueue is the only component that reads or writes the job store. Every
// operation runs inside one critical section and round-trips the whole
// collection through the store.
//
// The last collection seen is kept in memory. When a save fails the queue
// keeps serving that copy and stops reloading from disk until Flush succeeds,
// so a failed write never loses an update. Nothing is written before the
// store has been read once.
type JobQueue struct {
	mu      sync.Mutex
	store   repository.JobStore
	metrics *metrics.Metrics
	logger  *slog.Logger
	config  QueueConfig
	now     func() time.Time

	jobs   []*models.Job
	dirty  bool
	loaded bool
	// recoverReason is applied to running jobs on the first successful
	// load when RecoverInterrupted ran before the store was readable.
	recoverReason string
}

// NewJobQueue creates a queue over store
func NewJobQueue(store repository.JobStore, metrics *metrics.Metrics, logger *slog.Logger, config QueueConfig) *JobQueue {
	if config.RetentionLimit <= 0 {
		config.RetentionLimit = DefaultRetentionLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobQueue{
		store:   store,
		metrics: metrics,
		logger:  logger,
		config:  config,
		now:     func() time.Time { return time.Now().UTC() },
		jobs:    []*models.Job{},
	}
}

// load returns the current collection. Caller must hold q.mu.
//
// Until one load succeeds the queue does not know what the store holds, so
// save refuses to write and jobs created meanwhile stay in memory. The first
// successful load merges them into the stored collection.
func (q *JobQueue) load(ctx context.Context) []*models.Job {
	if q.loaded && q.dirty {
		return q.jobs
	}

	jobs, err := q.store.LoadAll(context.WithoutCancel(ctx))
	if err != nil {
		var corrupt *repository.StoreCorruptError
		if errors.As(err, &corrupt) {
			q.metrics.IncrementStoreCorrupt()
			if corrupt.BackupPath == "" {
				q.logger.Error("job store is corrupt and could not be backed up, not persisting until it is readable",
					"path", corrupt.Path, "jobs", len(q.jobs), "error", err)
				return q.jobs
			}
			q.logger.Warn("job store is corrupt, continuing from in-memory jobs",
				"backup", corrupt.BackupPath, "jobs", len(q.jobs), "error", err)
			// The unreadable data was moved aside; the next save rewrites it.
			q.loaded = true
			q.dirty = true
			return q.jobs
		}
		q.logger.Warn("failed to load job store, using in-memory jobs", "loaded", q.loaded, "error", err)
		return q.jobs
	}

	if !q.loaded {
		q.loaded = true
		if q.recoverReason != "" {
			if q.failRunning(jobs, q.recoverReason) > 0 {
				q.dirty = true
			}
			q.recoverReason = ""
		}
		if len(q.jobs) > 0 || q.dirty {
			jobs = q.prune(merge(jobs, q.jobs))
			q.dirty = true
			q.logger.Info("job store readable again, merging in-memory jobs", "jobs", len(jobs))
		}
	}

	q.jobs = jobs
	return jobs
}

// merge adds the in-memory jobs missing from stored. For an id present in
// both, the in-memory copy wins.
func merge(stored, memory []*models.Job) []*models.Job {
	index := make(map[string]int, len(stored))
	for i, job := range stored {
		index[job.ID] = i
	}
	for _, job := range memory {
		if i, ok := index[job.ID]; ok {
			stored[i] = job
			continue
		}
		stored = append(stored, job)
	}
	return stored
}

// save persists jobs on a best-effort basis. Caller must hold q.mu.
func (q *JobQueue) save(ctx context.Context, jobs []*models.Job) {
	q.jobs = jobs
	if !q.loaded {
		q.dirty = true
		q.logger.Warn("job store not loaded yet, holding changes in memory", "jobs", len(jobs))
		return
	}
	if err := q.store.SaveAll(context.WithoutCancel(ctx), jobs); err != nil {
		q.dirty = true
		q.metrics.IncrementStoreWriteFailures()
		q.logger.Warn("failed to persist jobs, keeping in-memory state", "error", err)
		return
	}
	q.dirty = false
}

func find(jobs []*models.Job, id string) *models.Job {
	for _, job := range jobs {
		if job.ID == id {
			return job
		}
	}
	return nil
}

// Enqueue creates a queued job for req and returns it without waiting for execution
func (q *JobQueue) Enqueue(ctx context.Context, req *models.CreateJobRequest) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := q.load(ctx)

	if q.config.MaxQueued > 0 && countStatus(jobs, models.StatusQueued) >= q.config.MaxQueued {
		return nil, ErrQueueFull
	}

	now := q.now()
	job := &models.Job{
		ID:         models.NewJobID(now),
		Action:     req.Action,
		PluginName: req.PluginName,
		URL:        req.URL,
		Options:    req.Options,
		Status:     models.StatusQueued,
		Logs:       []models.LogEntry{},
		CreatedAt:  now,
	}

	jobs = append(jobs, job)
	jobs = q.prune(jobs)
	q.save(ctx, jobs)

	return job.Clone(), nil
}

// prune drops the oldest terminal jobs until the retention limit holds.
// Queued and running jobs are always kept, even above the limit.
func (q *JobQueue) prune(jobs []*models.Job) []*models.Job {
	excess := len(jobs) - q.config.RetentionLimit
	if excess <= 0 {
		return jobs
	}

	var finished []*models.Job
	for _, job := range jobs {
		if job.Status.IsTerminal() {
			finished = append(finished, job)
		}
	}
	sort.SliceStable(finished, func(i, j int) bool {
		return older(finished[i], finished[j])
	})
	if excess > len(finished) {
		excess = len(finished)
	}

	drop := make(map[string]bool, excess)
	for _, job := range finished[:excess] {
		drop[job.ID] = true
	}

	kept := make([]*models.Job, 0, len(jobs)-excess)
	for _, job := range jobs {
		if !drop[job.ID] {
			kept = append(kept, job)
		}
	}

	if excess > 0 {
		q.logger.Debug("pruned finished jobs", "count", excess, "remaining", len(kept))
	}
	return kept
}

func older(a, b *models.Job) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func countStatus(jobs []*models.Job, status models.JobStatus) int {
	n := 0
	for _, job := range jobs {
		if job.Status == status {
			n++
		}
	}
	return n
}

// Get returns a copy of the job with id
func (q *JobQueue) Get(ctx context.Context, id string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job := find(q.load(ctx), id)
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns copies of the jobs matching filter, newest first unless the
// filter asks for oldest first.
func (q *JobQueue) List(ctx context.Context, filter models.ListFilter) ([]*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := q.load(ctx)

	out := make([]*models.Job, 0, len(jobs))
	for _, job := range jobs {
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		out = append(out, job)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if filter.Order == models.OrderOldest {
			return older(out[i], out[j])
		}
		return older(out[j], out[i])
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	for i, job := range out {
		out[i] = job.Clone()
	}
	return out, nil
}

// AppendLog adds a timestamped line to a job's log. A nil percent means the
// line carries no progress value. A missing job is logged and ignored so that
// logging never aborts a running operation.
func (q *JobQueue) AppendLog(ctx context.Context, id, message string, percent *int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := q.load(ctx)
	job := find(jobs, id)
	if job == nil {
		q.logger.Warn("dropping log line for unknown job", "job_id", id, "message", message)
		return
	}

	entry := models.LogEntry{Timestamp: q.now(), Message: message}
	if percent != nil {
		p := *percent
		entry.Percent = &p
	}
	job.Logs = append(job.Logs, entry)
	q.save(ctx, jobs)
}

// Transition moves a job to status to, validating the move against the
// state machine and stamping the matching timestamp.
func (q *JobQueue) Transition(ctx context.Context, id string, to models.JobStatus, opts TransitionOptions) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := q.load(ctx)
	job := find(jobs, id)
	if job == nil {
		return nil, ErrJobNotFound
	}
	if !models.CanTransition(job.Status, to) {
		return nil, &InvalidTransitionError{ID: id, From: job.Status, To: to}
	}
	if to == models.StatusRunning {
		for _, other := range jobs {
			if other.Status == models.StatusRunning {
				return nil, ErrJobRunning
			}
		}
	}

	now := q.now()
	job.Status = to
	switch to {
	case models.StatusRunning:
		job.StartedAt = &now
	case models.StatusCompleted:
		job.Result = opts.Result
	case models.StatusFailed:
		job.Error = opts.Error
		if job.Error == nil {
			job.Error = &models.JobError{Code: "unknown", Message: "job failed"}
		}
	}
	if to.IsTerminal() {
		job.CompletedAt = &now
	}

	q.save(ctx, jobs)
	return job.Clone(), nil
}

// RequestCancel flags a queued or running job for cancellation. Repeated
// requests are accepted. Finished jobs return a NotCancellableError.
func (q *JobQueue) RequestCancel(ctx context.Context, id string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := q.load(ctx)
	job := find(jobs, id)
	if job == nil {
		return nil, ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return nil, &NotCancellableError{ID: id, Status: job.Status}
	}

	if !job.CancelRequested {
		job.CancelRequested = true
		q.save(ctx, jobs)
	}
	return job.Clone(), nil
}

// NextQueued returns the oldest queued job, or nil when nothing is waiting
func (q *JobQueue) NextQueued(ctx context.Context) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next *models.Job
	for _, job := range q.load(ctx) {
		if job.Status != models.StatusQueued {
			continue
		}
		if next == nil || older(job, next) {
			next = job
		}
	}
	return next.Clone(), nil
}

// RecoverInterrupted fails every job still marked running. It is meant to
// run once at startup, before the worker claims anything, and returns the
// number of jobs it failed.
func (q *JobQueue) RecoverInterrupted(ctx context.Context, reason string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := q.load(ctx)
	if !q.loaded {
		q.recoverReason = reason
	}
	n := q.failRunning(jobs, reason)
	if n > 0 {
		q.save(ctx, jobs)
	}
	return n
}

// failRunning marks every running job in jobs failed with reason
func (q *JobQueue) failRunning(jobs []*models.Job, reason string) int {
	now := q.now()
	n := 0
	for _, job := range jobs {
		if job.Status != models.StatusRunning {
			continue
		}
		job.Status = models.StatusFailed
		job.Error = &models.JobError{Code: CodeInterrupted, Message: reason}
		job.CompletedAt = &now
		job.Logs = append(job.Logs, models.LogEntry{Timestamp: now, Message: reason})
		q.logger.Warn("marked interrupted job as failed", "job_id", job.ID, "action", job.Action, "plugin", job.PluginName)
		n++
	}
	return n
}

// Counts returns the number of jobs in each status
func (q *JobQueue) Counts(ctx context.Context) map[models.JobStatus]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[models.JobStatus]int)
	for _, job := range q.load(ctx) {
		counts[job.Status]++
	}
	return counts
}

// Dirty reports whether the in-memory jobs have not yet been persisted
func (q *JobQueue) Dirty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dirty
}

// Flush retries persisting the in-memory jobs after an earlier failed write.
// If the store has never been read it retries the load first and returns
// ErrStoreNotLoaded while that still fails.
func (q *JobQueue) Flush(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.dirty {
		return nil
	}
	if !q.loaded {
		q.load(ctx)
		if !q.loaded {
			return ErrStoreNotLoaded
		}
	}
	if err := q.store.SaveAll(context.WithoutCancel(ctx), q.jobs); err != nil {
		q.metrics.IncrementStoreWriteFailures()
		return err
	}
	q.dirty = false
	q.logger.Info("job store reconciled", "jobs", len(q.jobs))
	return nil
}
