// Package client talks to the plugin job server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"plugin-jobs/internal/models"
	"strconv"
	"strings"
	"time"
)

// JobClient handles API calls to the job server.
type JobClient struct {
	BaseURL    string
	CallerID   string
	HTTPClient *http.Client
}

// NewJobClient creates a new client with the given base URL.
func NewJobClient(baseURL string) *JobClient {
	return &JobClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// ListOptions narrows a job listing
type ListOptions struct {
	Status models.JobStatus
	Limit  int
	Order  models.Order
}

// Health is the server's health report
type Health struct {
	Status     string                   `json:"status"`
	Worker     string                   `json:"worker"`
	CurrentJob string                   `json:"currentJob,omitempty"`
	Jobs       map[models.JobStatus]int `json:"jobs"`
	StoreDirty bool                     `json:"storeDirty"`
}

// Submit sends POST /jobs and returns the new job's id.
func (c *JobClient) Submit(ctx context.Context, req models.CreateJobRequest) (string, error) {
	var resp models.CreateJobResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", req, &resp, http.StatusCreated); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// List sends GET /jobs with the given filters.
func (c *JobClient) List(ctx context.Context, opts ListOptions) ([]models.JobSummary, error) {
	query := url.Values{}
	if opts.Status != "" {
		query.Set("status", string(opts.Status))
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Order != "" {
		query.Set("order", string(opts.Order))
	}

	path := "/jobs"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var jobs []models.JobSummary
	if err := c.do(ctx, http.MethodGet, path, nil, &jobs, http.StatusOK); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Get sends GET /jobs/{id}.
func (c *JobClient) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &job, http.StatusOK); err != nil {
		return nil, err
	}
	return &job, nil
}

// Cancel sends POST /jobs/{id}/cancel.
func (c *JobClient) Cancel(ctx context.Context, id string) (*models.CancelJobResponse, error) {
	var resp models.CancelJobResponse
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, &resp, http.StatusAccepted); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health sends GET /healthz.
func (c *JobClient) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &h, http.StatusOK); err != nil {
		return nil, err
	}
	return &h, nil
}

// Wait polls the job every interval until it reaches a terminal status. onPoll,
// if set, sees every snapshot.
func (c *JobClient) Wait(ctx context.Context, id string, interval time.Duration, onPoll func(*models.Job)) (*models.Job, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if onPoll != nil {
			onPoll(job)
		}
		if job.Status.IsTerminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *JobClient) do(ctx context.Context, method, path string, body, out any, want int) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Content-Type", "application/json")
	if c.CallerID != "" {
		httpReq.Header.Add("X-Caller-ID", c.CallerID)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
