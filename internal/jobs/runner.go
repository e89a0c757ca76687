package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coralnet/visionbackend/internal/metrics"
	"github.com/coralnet/visionbackend/internal/store"
	"github.com/coralnet/visionbackend/pkg/models"
	"golang.org/x/sync/errgroup"
)

// RunScheduledJobsName is the job that claims and runs due pending jobs.
const RunScheduledJobsName = "run_scheduled_jobs"

// Runner executes jobs according to their task kind.
type Runner struct {
	queue       *Queue
	store       store.Store
	concurrency int
}

func NewRunner(queue *Queue, st store.Store, concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{queue: queue, store: st, concurrency: concurrency}
}

// RunJob runs a job that is already in progress and finishes it, unless the
// task is a starter that succeeded.
func (r *Runner) RunJob(ctx context.Context, job *models.Job) error {
	task, ok := r.queue.registry.Get(job.JobName)
	if !ok {
		return r.queue.FinishJob(ctx, job, false, fmt.Sprintf("Unknown job name: %s", job.JobName))
	}

	metrics.JobsInProgress.WithLabelValues(job.JobName).Inc()
	start := time.Now()
	msg, err := r.call(ctx, task, job)
	metrics.JobDurationSeconds.WithLabelValues(job.JobName).Observe(time.Since(start).Seconds())
	metrics.JobsInProgress.WithLabelValues(job.JobName).Dec()

	if err != nil {
		return r.queue.FailJob(ctx, job, err)
	}
	if task.Kind == KindStarter {
		return nil
	}
	return r.queue.FinishJob(ctx, job, true, msg)
}

// call runs the task, turning a panic into an error.
func (r *Runner) call(ctx context.Context, task *Task, job *models.Job) (msg string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic in job", "job_id", job.ID, "job_name", job.JobName, "error", rec)
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return task.Run(ctx, job)
}

// RunPending claims the pending job with this name and args and runs it.
// It reports false if there was nothing to claim.
func (r *Runner) RunPending(ctx context.Context, name string, args []string) (bool, error) {
	job, err := r.queue.StartPendingJob(ctx, name, models.ArgsToIdentifier(args))
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrJobInProgress) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("start job %s: %w", name, err)
	}
	return true, r.RunJob(ctx, job)
}

// RunFull creates the job in progress and runs it immediately. If an
// identical job is already active, nothing runs and ErrJobAlreadyActive is
// returned.
func (r *Runner) RunFull(ctx context.Context, name string, args []string, opts ...QueueOption) (*models.Job, error) {
	opts = append(opts, WithInitialStatus(models.JobStatusInProgress))
	job, err := r.queue.QueueJob(ctx, name, args, opts...)
	if err != nil {
		return job, err
	}
	if err := r.RunJob(ctx, job); err != nil {
		return job, err
	}
	return r.store.GetJob(ctx, job.ID)
}

// RunScheduledJobs runs every pending job whose scheduled start has passed,
// at most r.concurrency at a time.
func (r *Runner) RunScheduledJobs(ctx context.Context, _ *models.Job) (string, error) {
	now := r.queue.now()
	due, err := r.store.ListJobs(ctx, store.JobFilter{
		Statuses:        []models.JobStatus{models.JobStatusPending},
		ScheduledBefore: &now,
	})
	if err != nil {
		return "", fmt.Errorf("list due jobs: %w", err)
	}

	type key struct{ name, args string }
	seen := map[key]bool{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	ran := make(chan struct{}, len(due))
	for _, job := range due {
		k := key{job.JobName, job.ArgIdentifier}
		if seen[k] || job.JobName == RunScheduledJobsName {
			continue
		}
		seen[k] = true

		g.Go(func() error {
			ok, err := r.RunPending(gctx, job.JobName, job.Args())
			if err != nil {
				slog.Error("scheduled job failed to run", "job_name", job.JobName,
					"args", job.ArgIdentifier, "error", err)
				return nil
			}
			if ok {
				ran <- struct{}{}
			}
			return nil
		})
	}
	_ = g.Wait()
	close(ran)

	return fmt.Sprintf("Ran %d job(s)", len(ran)), nil
}

// RegisterScheduler registers run_scheduled_jobs as a full task bound to r.
func (r *Runner) RegisterScheduler() error {
	return r.queue.registry.Register(Task{
		Name: RunScheduledJobsName,
		Kind: KindFull,
		Run:  r.RunScheduledJobs,
	})
}
