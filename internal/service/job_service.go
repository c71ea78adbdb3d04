package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"plugin-jobs/internal/metrics"
	"plugin-jobs/internal/models"
)

// JobService handles job submission and inspection for API callers
type JobService struct {
	queue       *JobQueue
	rateLimiter *RateLimiter
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewJobService creates a new job service
func NewJobService(queue *JobQueue, rateLimiter *RateLimiter, metrics *metrics.Metrics, logger *slog.Logger) *JobService {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobService{
		queue:       queue,
		rateLimiter: rateLimiter,
		metrics:     metrics,
		logger:      logger,
	}
}

// Validate checks that req carries the parameters its action needs
func Validate(req *models.CreateJobRequest) error {
	v := &ValidationError{}

	if !req.Action.Valid() {
		v.Add(fmt.Errorf("action must be one of %v", models.Actions))
	}

	switch req.Action {
	case models.ActionInstall:
		if req.URL == "" {
			v.Add(errors.New("url is required for install"))
		}
	case models.ActionUpdate:
		if req.PluginName == "" {
			v.Add(errors.New("pluginName is required for update"))
		}
		if req.URL == "" {
			v.Add(errors.New("url is required for update"))
		}
	case models.ActionUninstall, models.ActionEnable, models.ActionDisable:
		if req.PluginName == "" {
			v.Add(fmt.Errorf("pluginName is required for %s", req.Action))
		}
	}

	if req.URL != "" {
		u, err := url.Parse(req.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			v.Add(errors.New("url must be an absolute http or https url"))
		}
	}

	if v.HasError() {
		return v
	}
	return nil
}

// Submit validates req and queues it, returning as soon as the job is stored
func (s *JobService) Submit(ctx context.Context, caller string, req *models.CreateJobRequest) (*models.Job, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	if s.rateLimiter != nil {
		if err := s.rateLimiter.CheckSubmissionRate(ctx, caller); err != nil {
			return nil, err
		}
	}

	job, err := s.queue.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}

	s.metrics.IncrementSubmittedJobs()
	s.logger.Info("job submitted", "job_id", job.ID, "action", job.Action, "plugin", job.PluginName, "caller", caller)

	return job, nil
}

// GetJob retrieves a job by ID
func (s *JobService) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return s.queue.Get(ctx, id)
}

// ListJobs retrieves jobs matching filter
func (s *JobService) ListJobs(ctx context.Context, filter models.ListFilter) ([]*models.Job, error) {
	jobs, err := s.queue.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// CancelJob records a cancellation request. It does not wait for the job to stop.
func (s *JobService) CancelJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.queue.RequestCancel(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("job cancellation requested", "job_id", id, "status", job.Status)
	return job, nil
}

// Counts returns the number of jobs per status
func (s *JobService) Counts(ctx context.Context) map[models.JobStatus]int {
	return s.queue.Counts(ctx)
}

// StoreDirty reports whether some updates are only held in memory
func (s *JobService) StoreDirty() bool {
	return s.queue.Dirty()
}
