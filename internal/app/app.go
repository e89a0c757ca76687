// Package app wires the stores, queues and services shared by the server,
// worker and vbctl binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coralnet/visionbackend/internal/apijob"
	"github.com/coralnet/visionbackend/internal/cache"
	"github.com/coralnet/visionbackend/internal/config"
	"github.com/coralnet/visionbackend/internal/jobs"
	"github.com/coralnet/visionbackend/internal/spacer"
	"github.com/coralnet/visionbackend/internal/store"
	"github.com/coralnet/visionbackend/internal/vision"
)

// App holds the connected dependencies of one process.
type App struct {
	Config *config.Config

	Store  store.Store
	Cache  cache.Cache
	Spacer spacer.Queue

	Registry    *jobs.Registry
	Queue       *jobs.Queue
	Runner      *jobs.Runner
	Maintenance *jobs.Maintenance
	Vision      *vision.Service
	ApiJobs     *apijob.Service

	closers []func()
}

// Open connects the store, cache and spacer queue selected by cfg and
// registers every task. Callers must Close the App.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	st, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	closers = append(closers, closeStore)

	rc, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	closers = append(closers, func() { rc.Close() })
	if err := rc.Ping(ctx); err != nil {
		closeAll()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	sq, err := spacer.NewQueue(cfg.Spacer, rc.Client())
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("create spacer queue: %w", err)
	}
	slog.Info("spacer queue initialized", "queue", cfg.Spacer.Queue)

	a, err := New(cfg, st, sq, rc)
	if err != nil {
		closeAll()
		return nil, err
	}
	a.closers = closers
	return a, nil
}

// New builds the job machinery and services on top of already connected
// dependencies. c may be nil, in which case deploy results are not cached
// and requests are not rate limited.
func New(cfg *config.Config, st store.Store, sq spacer.Queue, c cache.Cache) (*App, error) {
	a := &App{Config: cfg, Store: st, Cache: c, Spacer: sq}
	a.Registry = jobs.NewRegistry()
	a.Queue = jobs.NewQueue(st, a.Registry)
	a.Runner = jobs.NewRunner(a.Queue, st, cfg.Jobs.Concurrency)
	a.Maintenance = jobs.NewMaintenance(st, cfg.Jobs.MaxDays, cfg.Jobs.StuckAfter)
	a.Vision = vision.NewService(st, a.Queue, sq, vision.NewConfig(cfg))
	a.ApiJobs = apijob.NewService(st, a.Queue, c, cfg.Jobs.ApiJobMaxDays)

	if err := a.Runner.RegisterScheduler(); err != nil {
		return nil, fmt.Errorf("register scheduler: %w", err)
	}
	if err := a.Maintenance.Register(a.Registry); err != nil {
		return nil, fmt.Errorf("register maintenance tasks: %w", err)
	}
	if err := a.Vision.Register(a.Registry); err != nil {
		return nil, fmt.Errorf("register vision tasks: %w", err)
	}
	if err := a.ApiJobs.Register(a.Registry); err != nil {
		return nil, fmt.Errorf("register api job tasks: %w", err)
	}
	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, func(), error) {
	if cfg.Backend == "memory" {
		slog.Warn("using in-memory store; data is lost on exit")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.URL, cfg.MigrationsDir); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	return store.NewPostgresStore(pool), pool.Close, nil
}
