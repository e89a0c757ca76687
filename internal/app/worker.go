package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coralnet/visionbackend/internal/jobs"
	"github.com/coralnet/visionbackend/internal/loop"
	"golang.org/x/sync/errgroup"
)

const ensurePeriodicEvery = time.Hour

// RunWorker runs the scheduler and the periodic-job keeper until ctx is
// done. Periodic jobs are ensured once before the scheduler starts.
func (a *App) RunWorker(ctx context.Context) error {
	interval := a.Config.Jobs.SchedulerInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := loop.Start(gctx, 0, a.ensurePeriodic)
		return ignoreCancel(err)
	})
	g.Go(func() error {
		_, err := loop.Start(gctx, 0, a.scheduler(interval))
		return ignoreCancel(err)
	})

	slog.Info("worker started", "scheduler_interval", interval, "concurrency", a.Config.Jobs.Concurrency)
	err := g.Wait()
	slog.Info("worker stopped")
	return err
}

// ensurePeriodic queues periodic jobs that have no active job, for instance
// after one was aborted.
func (a *App) ensurePeriodic(ctx context.Context, passes int) (int, loop.Next) {
	n, err := a.Queue.EnsurePeriodicJobs(ctx)
	if err != nil {
		slog.Error("failed to ensure periodic jobs", "error", err)
	} else if n > 0 {
		slog.Info("periodic jobs queued", "count", n)
	}
	return passes + 1, loop.Continue(ensurePeriodicEvery)
}

func (a *App) scheduler(interval time.Duration) loop.Task[int] {
	return func(ctx context.Context, runs int) (int, loop.Next) {
		job, err := a.Runner.RunFull(ctx, jobs.RunScheduledJobsName, nil)
		switch {
		case errors.Is(err, jobs.ErrJobAlreadyActive):
			slog.Debug("scheduler already running elsewhere")
		case err != nil:
			slog.Error("scheduler run failed", "error", err)
		case job.ResultMessage != nil:
			slog.Debug("scheduler run finished", "job_id", job.ID, "result", *job.ResultMessage)
		}
		return runs + 1, loop.Continue(interval)
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
