package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"plugin-jobs/internal/config"
	"plugin-jobs/internal/executor"
	"plugin-jobs/internal/handler"
	"plugin-jobs/internal/metrics"
	"plugin-jobs/internal/repository"
	"plugin-jobs/internal/service"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// httpShutdownTimeout bounds how long in-flight API requests get on shutdown
const httpShutdownTimeout = 5 * time.Second

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return serve(ctx, cfg, logger, ln)
}

// serve runs the API server and the worker until ctx is cancelled, then
// shuts both down. It always closes ln.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, ln net.Listener) error {
	defer ln.Close()

	store, err := repository.NewStore(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}
	defer store.Close()

	m := metrics.NewMetrics()

	queue := service.NewJobQueue(store, m, logger, service.QueueConfig{
		RetentionLimit: cfg.Queue.RetentionLimit,
		MaxQueued:      cfg.Queue.MaxQueued,
	})

	plugins, err := executor.NewPluginManager(cfg.PluginsDir, &http.Client{Timeout: cfg.DownloadTimeout}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize plugin manager: %w", err)
	}

	worker := service.NewWorker(queue, plugins.Registry(), m, logger, service.WorkerConfig{
		PollInterval:        cfg.Worker.PollInterval,
		CancelCheckInterval: cfg.Worker.CancelCheckInterval,
	})

	rateLimiter := service.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
	jobService := service.NewJobService(queue, rateLimiter, m, logger)
	jobHandler := handler.NewJobHandler(jobService, worker, m, logger)

	server := &http.Server{
		Handler:           jobHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("API server starting", "addr", ln.Addr().String(), "store", cfg.Store.Driver, "store_path", cfg.Store.Path)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		worker.Run(gctx)

		graceCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownGrace)
		defer cancel()
		if err := worker.Shutdown(graceCtx); err != nil {
			logger.Warn("worker did not finish within shutdown grace", "grace", cfg.Worker.ShutdownGrace)
		}

		if err := queue.Flush(context.Background()); err != nil {
			logger.Error("failed to persist jobs on shutdown", "error", err)
		}
		logger.Info("worker stopped")
		return nil
	})

	return g.Wait()
}
