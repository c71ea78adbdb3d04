package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"plugin-jobs/internal/metrics"
	"plugin-jobs/internal/models"
	"plugin-jobs/internal/service"
	"strconv"
)

// CallerHeader identifies the submitter for rate limiting. Requests without
// it are keyed by remote address.
const CallerHeader = "X-Caller-ID"

// maxBodyBytes bounds a submission body
const maxBodyBytes = 1 << 20

// WorkerStatus is the part of the worker the health endpoint reports on
type WorkerStatus interface {
	State() service.WorkerState
	CurrentJob() string
}

// HealthResponse is returned by GET /healthz
type HealthResponse struct {
	Status     string                   `json:"status"`
	Worker     string                   `json:"worker"`
	CurrentJob string                   `json:"currentJob,omitempty"`
	Jobs       map[models.JobStatus]int `json:"jobs"`
	StoreDirty bool                     `json:"storeDirty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// JobHandler handles HTTP requests for jobs
type JobHandler struct {
	jobService *service.JobService
	worker     WorkerStatus
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobService *service.JobService, worker WorkerStatus, metrics *metrics.Metrics, logger *slog.Logger) *JobHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobHandler{
		jobService: jobService,
		worker:     worker,
		metrics:    metrics,
		logger:     logger,
	}
}

// Routes returns the API mux with CORS applied to every route
func (h *JobHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", h.CreateJob)
	mux.HandleFunc("GET /jobs", h.ListJobs)
	mux.HandleFunc("GET /jobs/{id}", h.GetJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", h.CancelJob)
	mux.HandleFunc("GET /healthz", h.Health)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
	return corsMiddleware(mux)
}

// corsMiddleware sets headers for all responses and answers preflight requests
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+CallerHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CreateJob handles POST /jobs
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := h.jobService.Submit(r.Context(), caller(r), &req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, models.CreateJobResponse{ID: job.ID})
}

// ListJobs handles GET /jobs?status=&limit=&order=
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var filter models.ListFilter

	if s := query.Get("status"); s != "" {
		status := models.JobStatus(s)
		if !status.Valid() {
			h.writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		filter.Status = &status
	}

	if s := query.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	switch order := models.Order(query.Get("order")); order {
	case "", models.OrderNewest, models.OrderOldest:
		filter.Order = order
	default:
		h.writeError(w, http.StatusBadRequest, "order must be newest or oldest")
		return
	}

	jobs, err := h.jobService.ListJobs(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	summaries := make([]models.JobSummary, len(jobs))
	for i, job := range jobs {
		summaries[i] = job.Summary()
	}
	h.writeJSON(w, http.StatusOK, summaries)
}

// GetJob handles GET /jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobService.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// CancelJob handles POST /jobs/{id}/cancel
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobService.CancelJob(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, models.CancelJobResponse{
		ID:              job.ID,
		Status:          job.Status,
		CancelRequested: job.CancelRequested,
	})
}

// Health handles GET /healthz
func (h *JobHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "ok",
		Worker:     service.WorkerIdle.String(),
		Jobs:       h.jobService.Counts(r.Context()),
		StoreDirty: h.jobService.StoreDirty(),
	}
	if h.worker != nil {
		resp.Worker = h.worker.State().String()
		resp.CurrentJob = h.worker.CurrentJob()
	}
	if resp.StoreDirty {
		resp.Status = "degraded"
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// writeServiceError maps service errors to status codes
func (h *JobHandler) writeServiceError(w http.ResponseWriter, err error) {
	var (
		validation     *service.ValidationError
		notCancellable *service.NotCancellableError
	)
	switch {
	case errors.As(err, &validation):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrJobNotFound):
		h.writeError(w, http.StatusNotFound, "job not found")
	case errors.As(err, &notCancellable):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrRateLimitExceeded), errors.Is(err, service.ErrQueueFull):
		h.writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *JobHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

func (h *JobHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("error encoding response", "error", err)
	}
}

func caller(r *http.Request) string {
	if id := r.Header.Get(CallerHeader); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
