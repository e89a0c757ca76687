// Package main is the entrypoint for the vision backend API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coralnet/visionbackend/internal/api"
	"github.com/coralnet/visionbackend/internal/api/handler"
	mw "github.com/coralnet/visionbackend/internal/api/middleware"
	"github.com/coralnet/visionbackend/internal/app"
	"github.com/coralnet/visionbackend/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Fail fast on invalid config
	cfg, err := config.Load(envFile())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "store", cfg.Database.Backend, "spacer_queue", cfg.Spacer.Queue)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// The memory store can't be shared with a separate worker process.
	workerErr := make(chan error, 1)
	if cfg.Database.Backend == "memory" {
		go func() { workerErr <- a.RunWorker(ctx) }()
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      newRouter(a),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case err := <-workerErr:
		return fmt.Errorf("in-process worker: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// envFile is the optional .env file preloaded into the environment.
func envFile() string {
	if f := os.Getenv("VB_ENV_FILE"); f != "" {
		return f
	}
	return ".env"
}

// newRouter wires every handler onto the router.
func newRouter(a *app.App) http.Handler {
	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(a.Store),
		RateLimit: mw.NewRateLimit(a.Cache, a.Config.Server.RequestsPerMinute),

		HealthHandler:  handler.NewHealthHandler(a.Store, a.Cache),
		MetricsHandler: promhttp.Handler(),

		DeployHandler:       handler.NewDeployHandler(a.ApiJobs),
		DeployStatusHandler: handler.NewDeployStatusHandler(a.ApiJobs),
		DeployResultHandler: handler.NewDeployResultHandler(a.ApiJobs),

		JobDashboardHandler:  handler.NewJobDashboardHandler(a.Store),
		SourceClassifiers:    handler.NewSourceClassifiersHandler(a.Store),
		ClassifierEvaluation: handler.NewClassifierEvaluationHandler(a.Store),
		ListApiJobsHandler:   handler.NewListApiJobsHandler(a.ApiJobs),
		GetApiJobHandler:     handler.NewGetApiJobHandler(a.ApiJobs),
		CreateKeyHandler:     handler.NewCreateKeyHandler(a.Store),
		ListKeysHandler:      handler.NewListKeysHandler(a.Store),
		RevokeKeyHandler:     handler.NewRevokeKeyHandler(a.Store),
	})
}
