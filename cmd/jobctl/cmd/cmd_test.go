package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"plugin-jobs/internal/models"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper() {
	viper.Reset()
	viper.SetEnvPrefix("JOBCTL")
	viper.AutomaticEnv()

	submitPlugin, submitSource, submitOpts, submitWait = "", "", nil, false
	listStatus, listLimit, listOldest = "", 20, false
	watchInterval = time.Millisecond
}

func execute(t *testing.T, serverURL string, args ...string) (string, error) {
	t.Helper()
	viper.Set("url", serverURL)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSubmitCommand_Success(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/jobs", r.URL.Path)

		var req models.CreateJobRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, models.ActionInstall, req.Action)
		assert.Equal(t, "Foo", req.PluginName)
		assert.Equal(t, "https://example.com/Foo.jar", req.URL)
		assert.Equal(t, true, req.Options["overwrite"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(models.CreateJobResponse{ID: "job-123"})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "submit", "install", "--plugin", "Foo", "--source", "https://example.com/Foo.jar", "--opt", "overwrite=true")
	require.NoError(t, err)
	assert.Contains(t, out, "Job queued: job-123")
}

func TestSubmitCommand_APIError(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"pluginName is required for uninstall"}`))
	}))
	defer server.Close()

	_, err := execute(t, server.URL, "submit", "uninstall")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pluginName is required for uninstall")
}

func TestSubmitCommand_Wait(t *testing.T) {
	resetViper()

	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(models.CreateJobResponse{ID: "job-1"})
			return
		}
		job := models.Job{ID: "job-1", Status: models.StatusCompleted, Logs: []models.LogEntry{
			{Timestamp: time.Now(), Message: "Started enable"},
			{Timestamp: time.Now(), Message: "Completed"},
		}}
		polls.Add(1)
		json.NewEncoder(w).Encode(job)
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "submit", "enable", "--plugin", "Foo", "--wait")
	require.NoError(t, err)
	assert.Contains(t, out, "Started enable")
	assert.Contains(t, out, "Job job-1 completed")
	assert.Equal(t, int32(1), polls.Load())
}

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions([]string{"overwrite=true", "retries=3", "channel=beta"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"overwrite": true, "retries": 3, "channel": "beta"}, opts)

	_, err = parseOptions([]string{"novalue"})
	assert.Error(t, err)

	opts, err = parseOptions(nil)
	require.NoError(t, err)
	assert.Nil(t, opts)
}

func TestListCommand(t *testing.T) {
	resetViper()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "running", r.URL.Query().Get("status"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode([]models.JobSummary{
			{ID: "job-2", Action: models.ActionUpdate, PluginName: "Bar", Status: models.StatusRunning, CreatedAt: created, CancelRequested: true},
		})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "list", "--status", "running", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "job-2")
	assert.Contains(t, out, "Bar")
	assert.Contains(t, out, "running (cancelling)")
}

func TestListCommand_Empty(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs found")
}

func TestStatusCommand(t *testing.T) {
	resetViper()

	started := time.Now().Add(-2 * time.Minute)
	finished := started.Add(1500 * time.Millisecond)
	pct := 100
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/job-9", r.URL.Path)
		json.NewEncoder(w).Encode(models.Job{
			ID:          "job-9",
			Action:      models.ActionInstall,
			PluginName:  "Foo",
			Status:      models.StatusFailed,
			CreatedAt:   started,
			StartedAt:   &started,
			CompletedAt: &finished,
			Error:       &models.JobError{Code: "download_failed", Message: "download failed: 404"},
			Logs: []models.LogEntry{
				{Timestamp: started, Message: "Downloading", Percent: &pct},
			},
		})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "status", "job-9")
	require.NoError(t, err)
	assert.Contains(t, out, "job-9")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "[download_failed] download failed: 404")
	assert.Contains(t, out, "(1.5s)")
	assert.Contains(t, out, "Downloading (100%)")
}

func TestStatusCommand_NotFound(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"job not found"}`))
	}))
	defer server.Close()

	_, err := execute(t, server.URL, "status", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestCancelCommand(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/job-4/cancel", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(models.CancelJobResponse{ID: "job-4", Status: models.StatusRunning, CancelRequested: true})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "cancel", "job-4")
	require.NoError(t, err)
	assert.Contains(t, out, "Cancellation requested for job-4 (status: running)")
}

func TestWatchCommand_PrintsNewLinesOnce(t *testing.T) {
	resetViper()

	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := polls.Add(1)
		job := models.Job{ID: "job-5", Status: models.StatusRunning, Logs: []models.LogEntry{
			{Timestamp: time.Now(), Message: "Started uninstall"},
		}}
		if n >= 2 {
			job.Logs = append(job.Logs, models.LogEntry{Timestamp: time.Now(), Message: "Failed: plugin Foo is not installed"})
			job.Status = models.StatusFailed
			job.Error = &models.JobError{Code: "not_installed", Message: "plugin Foo is not installed"}
		}
		json.NewEncoder(w).Encode(job)
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "watch", "job-5")
	require.Error(t, err, "a failed job exits non-zero")
	assert.Equal(t, 1, bytes.Count([]byte(out), []byte("Started uninstall")))
	assert.Contains(t, out, "Job job-5 failed")
	assert.Contains(t, out, "[not_installed]")
}
