package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"plugin-jobs/internal/client"
	"plugin-jobs/internal/config"
	"plugin-jobs/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, driver string) *config.Config {
	t.Helper()
	cfg, err := config.Load(config.New(), "")
	require.NoError(t, err)

	dir := t.TempDir()
	cfg.PluginsDir = filepath.Join(dir, "plugins")
	cfg.Store.Driver = driver
	cfg.Store.Path = filepath.Join(dir, "jobs."+driver)
	cfg.Worker.PollInterval = 10 * time.Millisecond
	cfg.Worker.CancelCheckInterval = 10 * time.Millisecond
	cfg.Worker.ShutdownGrace = time.Second
	cfg.RateLimit.PerMinute = 0
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) (*client.JobClient, context.CancelFunc, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		done <- serve(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	c := client.NewJobClient("http://" + ln.Addr().String())
	require.Eventually(t, func() bool {
		_, err := c.Health(context.Background())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	return c, cancel, done
}

func TestServe_EndToEnd(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			cfg := testConfig(t, driver)
			require.NoError(t, os.MkdirAll(cfg.PluginsDir, 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(cfg.PluginsDir, "Foo.jar.disabled"), []byte("jar"), 0o644))

			c, cancel, done := startServer(t, cfg)

			id, err := c.Submit(context.Background(), models.CreateJobRequest{Action: models.ActionEnable, PluginName: "Foo"})
			require.NoError(t, err)

			ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			job, err := c.Wait(ctx, id, 10*time.Millisecond, nil)
			require.NoError(t, err)
			assert.Equal(t, models.StatusCompleted, job.Status)
			assert.FileExists(t, filepath.Join(cfg.PluginsDir, "Foo.jar"))

			cancel()
			require.NoError(t, <-done)

			// The outcome survives a restart.
			c, _, _ = startServer(t, cfg)
			job, err = c.Get(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, models.StatusCompleted, job.Status)
		})
	}
}

func TestServe_RejectsInvalidSubmission(t *testing.T) {
	c, _, _ := startServer(t, testConfig(t, "file"))

	_, err := c.Submit(context.Background(), models.CreateJobRequest{Action: models.ActionInstall})
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestServe_BadStoreDriver(t *testing.T) {
	cfg := testConfig(t, "file")
	cfg.Store.Driver = "etcd"
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	err = serve(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), ln)
	assert.ErrorContains(t, err, "job store")
}

func TestRootCmd_InvalidConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  poll_interval: 0s\n"), 0o644))

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--config", path})

	err := cmd.Execute()
	assert.ErrorContains(t, err, "worker.poll_interval must be positive")
}

func TestLoadConfig_FlagsOverride(t *testing.T) {
	v := config.New()
	cmd := newServerCmd(v)
	require.NoError(t, cmd.Flags().Parse([]string{"--port", "9191", "--store-driver", "sqlite", "--store-path", "jobs.db"}))

	cfg, err := config.Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.HTTPPort)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "jobs.db", cfg.Store.Path)
	assert.Equal(t, "plugins", cfg.PluginsDir)
}
