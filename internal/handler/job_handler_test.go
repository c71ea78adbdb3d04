package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"plugin-jobs/internal/metrics"
	"plugin-jobs/internal/models"
	"plugin-jobs/internal/repository"
	"plugin-jobs/internal/service"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubWorker struct {
	state   service.WorkerState
	current string
}

func (s stubWorker) State() service.WorkerState { return s.state }
func (s stubWorker) CurrentJob() string         { return s.current }

type testServer struct {
	queue   *service.JobQueue
	handler http.Handler
}

func newTestServer(t *testing.T, limiter *service.RateLimiter, worker WorkerStatus) *testServer {
	t.Helper()
	store, err := repository.NewFileStore(filepath.Join(t.TempDir(), "jobs.json"))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewMetrics()
	queue := service.NewJobQueue(store, m, logger, service.QueueConfig{})
	svc := service.NewJobService(queue, limiter, m, logger)
	return &testServer{
		queue:   queue,
		handler: NewJobHandler(svc, worker, m, logger).Routes(),
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestJobHandler_CreateJob(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := s.do(t, http.MethodPost, "/jobs", `{"action":"install","url":"https://example.com/Foo.jar"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	resp := decode[models.CreateJobResponse](t, rec)
	require.NotEmpty(t, resp.ID)

	job, err := s.queue.Get(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status)
}

func TestJobHandler_CreateJob_BadRequest(t *testing.T) {
	s := newTestServer(t, nil, nil)

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "malformed json", body: `{"action":`, want: "invalid request body"},
		{name: "unknown action", body: `{"action":"reboot"}`, want: "action must be one of"},
		{name: "missing plugin name", body: `{"action":"uninstall"}`, want: "pluginName is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode[errorResponse](t, rec).Error, tt.want)
		})
	}
}

func TestJobHandler_CreateJob_RateLimited(t *testing.T) {
	s := newTestServer(t, service.NewRateLimiter(1, 1), nil)
	body := `{"action":"enable","pluginName":"Foo"}`

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/jobs", body).Code)
	rec := s.do(t, http.MethodPost, "/jobs", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limit exceeded", decode[errorResponse](t, rec).Error)
}

func TestJobHandler_GetJob(t *testing.T) {
	s := newTestServer(t, nil, nil)
	created := decode[models.CreateJobResponse](t, s.do(t, http.MethodPost, "/jobs", `{"action":"disable","pluginName":"Foo"}`))

	rec := s.do(t, http.MethodGet, "/jobs/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Equal(t, created.ID, raw["id"])
	assert.Equal(t, "disable", raw["action"])
	assert.Equal(t, "Foo", raw["pluginName"])
	assert.Equal(t, "queued", raw["status"])
	assert.Contains(t, raw, "logs")
	assert.Contains(t, raw, "error")
	assert.Nil(t, raw["startedAt"])
}

func TestJobHandler_GetJob_NotFound(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := s.do(t, http.MethodGet, "/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "job not found", decode[errorResponse](t, rec).Error)
}

func TestJobHandler_ListJobs(t *testing.T) {
	s := newTestServer(t, nil, nil)
	first := decode[models.CreateJobResponse](t, s.do(t, http.MethodPost, "/jobs", `{"action":"enable","pluginName":"A"}`))
	second := decode[models.CreateJobResponse](t, s.do(t, http.MethodPost, "/jobs", `{"action":"enable","pluginName":"B"}`))

	rec := s.do(t, http.MethodGet, "/jobs?order=oldest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decode[[]models.JobSummary](t, rec)
	require.Len(t, jobs, 2)
	assert.Equal(t, first.ID, jobs[0].ID)
	assert.Equal(t, second.ID, jobs[1].ID)

	jobs = decode[[]models.JobSummary](t, s.do(t, http.MethodGet, "/jobs?status=queued&limit=1", ""))
	require.Len(t, jobs, 1)
	assert.Equal(t, second.ID, jobs[0].ID)

	jobs = decode[[]models.JobSummary](t, s.do(t, http.MethodGet, "/jobs?status=completed", ""))
	assert.Empty(t, jobs)
}

func TestJobHandler_ListJobs_BadParams(t *testing.T) {
	s := newTestServer(t, nil, nil)

	for _, query := range []string{"status=pending", "limit=-1", "limit=abc", "order=sideways"} {
		rec := s.do(t, http.MethodGet, "/jobs?"+query, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestJobHandler_CancelJob(t *testing.T) {
	s := newTestServer(t, nil, nil)
	created := decode[models.CreateJobResponse](t, s.do(t, http.MethodPost, "/jobs", `{"action":"enable","pluginName":"Foo"}`))

	rec := s.do(t, http.MethodPost, "/jobs/"+created.ID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[models.CancelJobResponse](t, rec)
	assert.Equal(t, created.ID, resp.ID)
	assert.True(t, resp.CancelRequested)
	assert.Equal(t, models.StatusQueued, resp.Status)

	rec = s.do(t, http.MethodPost, "/jobs/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobHandler_CancelJob_Finished(t *testing.T) {
	s := newTestServer(t, nil, nil)
	created := decode[models.CreateJobResponse](t, s.do(t, http.MethodPost, "/jobs", `{"action":"enable","pluginName":"Foo"}`))
	_, err := s.queue.Transition(context.Background(), created.ID, models.StatusCancelled, service.TransitionOptions{})
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/jobs/"+created.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestJobHandler_Health(t *testing.T) {
	s := newTestServer(t, nil, stubWorker{state: service.WorkerBusy, current: "job-1"})
	s.do(t, http.MethodPost, "/jobs", `{"action":"enable","pluginName":"Foo"}`)

	rec := s.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "busy", resp.Worker)
	assert.Equal(t, "job-1", resp.CurrentJob)
	assert.Equal(t, 1, resp.Jobs[models.StatusQueued])
	assert.False(t, resp.StoreDirty)
}

func TestJobHandler_Metrics(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.do(t, http.MethodPost, "/jobs", `{"action":"enable","pluginName":"Foo"}`)

	rec := s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pluginjobs_jobs_submitted_total 1")
}

func TestJobHandler_Preflight(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := s.do(t, http.MethodOptions, "/jobs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestJobHandler_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := s.do(t, http.MethodDelete, "/jobs", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCaller(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	req.RemoteAddr = "10.0.0.7:5123"
	assert.Equal(t, "10.0.0.7", caller(req))

	req.Header.Set(CallerHeader, "ci-bot")
	assert.Equal(t, "ci-bot", caller(req))
}
