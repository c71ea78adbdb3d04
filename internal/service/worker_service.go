package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"plugin-jobs/internal/executor"
	"plugin-jobs/internal/metrics"
	"plugin-jobs/internal/models"
	"sync"
	"sync/atomic"
	"time"
)

// Error codes recorded on failed jobs
const (
	CodeInterrupted   = "interrupted"
	CodeExecutorError = "executor_error"
	CodePanic         = "panic"
)

const (
	InterruptedByRestart  = "interrupted by restart"
	InterruptedByShutdown = "interrupted by shutdown"
)

var errCancelRequested = errors.New("cancellation requested")

// abortWait bounds how long Shutdown waits for a job after aborting it
const abortWait = 5 * time.Second

// WorkerState is what the worker is doing right now
type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerBusy
)

func (s WorkerState) String() string {
	if s == WorkerBusy {
		return "busy"
	}
	return "idle"
}

// WorkerConfig holds the worker timings
type WorkerConfig struct {
	PollInterval        time.Duration
	CancelCheckInterval time.Duration
}

// Worker claims queued jobs one at a time and runs them through the
// executor. It never starts a second job while one is executing.
//
// No timeout is applied to executor calls: an executor that hangs stalls
// the whole queue until it returns or the job is cancelled.
type Worker struct {
	queue    *JobQueue
	executor executor.Executor
	metrics  *metrics.Metrics
	logger   *slog.Logger
	config   WorkerConfig

	state atomic.Int32
	wg    sync.WaitGroup

	mu      sync.Mutex
	current string
	abort   context.CancelCauseFunc
}

// NewWorker creates a new worker
func NewWorker(queue *JobQueue, exec executor.Executor, metrics *metrics.Metrics, logger *slog.Logger, config WorkerConfig) *Worker {
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.CancelCheckInterval <= 0 {
		config.CancelCheckInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:    queue,
		executor: exec,
		metrics:  metrics,
		logger:   logger,
		config:   config,
	}
}

// State returns whether the worker is idle or executing a job
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// CurrentJob returns the id of the executing job, or "" when idle
func (w *Worker) CurrentJob() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run fails any job left running by a previous process, then polls the
// queue until ctx is cancelled. A job that is executing when ctx ends keeps
// running; use Shutdown to wait for it.
func (w *Worker) Run(ctx context.Context) error {
	if n := w.queue.RecoverInterrupted(ctx, InterruptedByRestart); n > 0 {
		w.logger.Warn("failed jobs interrupted by restart", "count", n)
	}

	w.logger.Info("worker started, polling for jobs", "poll_interval", w.config.PollInterval)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped polling")
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// Shutdown waits for the executing job to finish. If ctx ends first, the
// job's context is cancelled with ErrShutdown and ctx's error is returned.
func (w *Worker) Shutdown(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		w.mu.Lock()
		if w.abort != nil {
			w.logger.Warn("shutdown grace expired, aborting job", "job_id", w.current)
			w.abort(ErrShutdown)
		}
		w.mu.Unlock()

		// Give the aborted job a moment to record its outcome.
		select {
		case <-idle:
		case <-time.After(abortWait):
			w.logger.Error("job did not stop after abort", "wait", abortWait)
		}
		return ctx.Err()
	}
}

func (w *Worker) tick(ctx context.Context) {
	if w.queue.Dirty() {
		if err := w.queue.Flush(ctx); err != nil {
			w.logger.Warn("job store still not writable", "error", err)
		}
	}

	if w.State() == WorkerBusy || ctx.Err() != nil {
		return
	}

	job, err := w.queue.NextQueued(ctx)
	if err != nil {
		w.logger.Error("error fetching next job", "error", err)
		return
	}
	if job == nil {
		return
	}

	bg := context.WithoutCancel(ctx)
	if job.CancelRequested {
		w.cancelQueued(bg, job)
		return
	}

	claimed, err := w.queue.Transition(bg, job.ID, models.StatusRunning, TransitionOptions{})
	if err != nil {
		w.logger.Error("error claiming job", "job_id", job.ID, "error", err)
		return
	}

	w.start(bg, claimed)
}

// cancelQueued finishes a job whose cancellation arrived before it was claimed
func (w *Worker) cancelQueued(ctx context.Context, job *models.Job) {
	w.queue.AppendLog(ctx, job.ID, "Cancelled before start", nil)
	if _, err := w.queue.Transition(ctx, job.ID, models.StatusCancelled, TransitionOptions{}); err != nil {
		w.logger.Error("error cancelling queued job", "job_id", job.ID, "error", err)
		return
	}
	w.metrics.RecordFinishedJob(string(job.Action), string(models.StatusCancelled), 0)
	w.logger.Info("job cancelled before start", "job_id", job.ID, "action", job.Action, "plugin", job.PluginName)
}

func (w *Worker) start(ctx context.Context, job *models.Job) {
	execCtx, abort := context.WithCancelCause(ctx)

	w.mu.Lock()
	w.current = job.ID
	w.abort = abort
	w.mu.Unlock()
	w.state.Store(int32(WorkerBusy))
	w.metrics.SetWorkerBusy(true)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.finish(abort)
		w.execute(ctx, execCtx, abort, job)
	}()
}

func (w *Worker) finish(abort context.CancelCauseFunc) {
	abort(nil)

	w.mu.Lock()
	w.current = ""
	w.abort = nil
	w.mu.Unlock()
	w.state.Store(int32(WorkerIdle))
	w.metrics.SetWorkerBusy(false)
}

// execute runs job and records its outcome. ctx is used for queue
// bookkeeping and is never cancelled; execCtx is handed to the executor.
func (w *Worker) execute(ctx, execCtx context.Context, abort context.CancelCauseFunc, job *models.Job) {
	log := w.logger.With("job_id", job.ID, "action", job.Action, "plugin", job.PluginName)
	log.Info("job started")
	w.queue.AppendLog(ctx, job.ID, fmt.Sprintf("Started %s", job.Action), nil)

	watchCtx, stopWatch := context.WithCancel(execCtx)
	var cancelSeen atomic.Bool
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		w.watchCancellation(watchCtx, job.ID, &cancelSeen, abort)
	}()

	progress := func(message string, percent int) {
		var p *int
		if percent >= 0 {
			p = &percent
		}
		w.queue.AppendLog(ctx, job.ID, message, p)
	}

	result, err := w.invoke(execCtx, job, progress)
	stopWatch()
	// The watcher may still be appending its log line.
	<-watchDone

	if !cancelSeen.Load() {
		if current, getErr := w.queue.Get(ctx, job.ID); getErr == nil && current.CancelRequested {
			cancelSeen.Store(true)
		}
	}

	var (
		status models.JobStatus
		opts   TransitionOptions
	)
	switch {
	case cancelSeen.Load():
		status = models.StatusCancelled
		w.queue.AppendLog(ctx, job.ID, "Cancelled; work already performed is not rolled back", nil)
		log.Info("job cancelled")
	case err != nil && errors.Is(context.Cause(execCtx), ErrShutdown):
		status = models.StatusFailed
		opts.Error = &models.JobError{Code: CodeInterrupted, Message: InterruptedByShutdown}
		w.queue.AppendLog(ctx, job.ID, "Failed: "+InterruptedByShutdown, nil)
		log.Warn("job interrupted by shutdown", "error", err)
	case err != nil:
		status = models.StatusFailed
		opts.Error = jobError(err)
		w.queue.AppendLog(ctx, job.ID, "Failed: "+opts.Error.Message, nil)
		log.Warn("job failed", "code", opts.Error.Code, "error", err)
	default:
		status = models.StatusCompleted
		opts.Result = result
		w.queue.AppendLog(ctx, job.ID, "Completed", nil)
		log.Info("job completed")
	}

	finished, err := w.queue.Transition(ctx, job.ID, status, opts)
	if err != nil {
		log.Error("error recording job outcome", "status", status, "error", err)
		return
	}

	var elapsed time.Duration
	if finished.StartedAt != nil && finished.CompletedAt != nil {
		elapsed = finished.CompletedAt.Sub(*finished.StartedAt)
	}
	w.metrics.RecordFinishedJob(string(job.Action), string(status), elapsed)
}

// invoke calls the executor, turning a panic into an error so one bad job
// cannot take down the worker.
func (w *Worker) invoke(ctx context.Context, job *models.Job, progress executor.ProgressFunc) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &executor.Error{Code: CodePanic, Message: fmt.Sprintf("executor panicked: %v", r)}
		}
	}()

	return w.executor.Execute(ctx, job.Action, executor.Request{
		PluginName: job.PluginName,
		URL:        job.URL,
		Options:    job.Options,
	}, progress)
}

// watchCancellation polls the job's cancel flag and cancels the executor's
// context once it is set.
func (w *Worker) watchCancellation(ctx context.Context, jobID string, seen *atomic.Bool, abort context.CancelCauseFunc) {
	ticker := time.NewTicker(w.config.CancelCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := w.queue.Get(context.WithoutCancel(ctx), jobID)
			if err != nil {
				continue
			}
			if job.CancelRequested {
				seen.Store(true)
				w.queue.AppendLog(context.WithoutCancel(ctx), jobID, "Cancellation requested, stopping", nil)
				abort(errCancelRequested)
				return
			}
		}
	}
}

func jobError(err error) *models.JobError {
	code := CodeExecutorError
	var execErr *executor.Error
	if errors.As(err, &execErr) && execErr.Code != "" {
		code = execErr.Code
	}
	return &models.JobError{Code: code, Message: err.Error()}
}
