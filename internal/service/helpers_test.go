package service

import (
	"context"
	"io"
	"log/slog"
	"plugin-jobs/internal/executor"
	"plugin-jobs/internal/metrics"
	"plugin-jobs/internal/models"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memoryStore is an in-memory JobStore with injectable failures
type memoryStore struct {
	mu      sync.Mutex
	jobs    []*models.Job
	saveErr error
	loadErr error
	// failLoads fails every LoadAll until cleared
	failLoads error
	saves     int
}

func newMemoryStore(jobs ...*models.Job) *memoryStore {
	return &memoryStore{jobs: cloneJobs(jobs)}
}

func cloneJobs(jobs []*models.Job) []*models.Job {
	out := make([]*models.Job, len(jobs))
	for i, job := range jobs {
		out[i] = job.Clone()
	}
	return out
}

func (m *memoryStore) LoadAll(ctx context.Context) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLoads != nil {
		return nil, m.failLoads
	}
	if m.loadErr != nil {
		err := m.loadErr
		m.loadErr = nil
		return nil, err
	}
	return cloneJobs(m.jobs), nil
}

func (m *memoryStore) SaveAll(ctx context.Context, jobs []*models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.jobs = cloneJobs(jobs)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) setSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

func (m *memoryStore) setFailLoads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLoads = err
}

func (m *memoryStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *memoryStore) stored() []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneJobs(m.jobs)
}

func (m *memoryStore) storedJob(id string) *models.Job {
	for _, job := range m.stored() {
		if job.ID == id {
			return job
		}
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(store *memoryStore, config QueueConfig) *JobQueue {
	return NewJobQueue(store, metrics.NewMetrics(), discardLogger(), config)
}

// fakeExecutor runs fn for every call and counts calls
type fakeExecutor struct {
	calls atomic.Int32
	fn    func(ctx context.Context, action models.Action, req executor.Request, progress executor.ProgressFunc) (map[string]any, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, action models.Action, req executor.Request, progress executor.ProgressFunc) (map[string]any, error) {
	f.calls.Add(1)
	if f.fn == nil {
		return map[string]any{"plugin": req.PluginName}, nil
	}
	return f.fn(ctx, action, req, progress)
}

func newTestWorker(queue *JobQueue, exec executor.Executor) *Worker {
	return NewWorker(queue, exec, metrics.NewMetrics(), discardLogger(), WorkerConfig{
		PollInterval:        5 * time.Millisecond,
		CancelCheckInterval: 5 * time.Millisecond,
	})
}

// runWorker starts w and stops it when the test ends
func runWorker(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		w.Shutdown(shutdownCtx)
	})
	return cancel
}

func submit(t *testing.T, q *JobQueue, action models.Action, plugin string) *models.Job {
	t.Helper()
	job, err := q.Enqueue(context.Background(), &models.CreateJobRequest{Action: action, PluginName: plugin, URL: "https://example.com/" + plugin + ".jar"})
	require.NoError(t, err)
	return job
}

func waitForStatus(t *testing.T, q *JobQueue, id string, status models.JobStatus) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = q.Get(context.Background(), id)
		return err == nil && job.Status == status
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s", id, status)
	return job
}
