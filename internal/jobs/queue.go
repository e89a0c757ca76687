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
	"github.com/google/uuid"
)

// AbortMessage is recorded on jobs aborted from the CLI.
const AbortMessage = "Aborted manually"

// alertEveryAttempts raises an alert each time a job has failed this many
// consecutive times.
const alertEveryAttempts = 5

// Queue creates, claims and finishes jobs.
type Queue struct {
	store    store.Store
	registry *Registry
	now      func() time.Time
	jitter   func() time.Duration
}

func NewQueue(st store.Store, registry *Registry) *Queue {
	return &Queue{
		store:    st,
		registry: registry,
		now:      func() time.Time { return time.Now().UTC() },
		jitter:   defaultJitter,
	}
}

// With returns a copy of the queue that works through st, typically a
// transaction.
func (q *Queue) With(st store.Store) *Queue {
	c := *q
	c.store = st
	return &c
}

func (q *Queue) Registry() *Registry {
	return q.registry
}

type queueParams struct {
	delay         *time.Duration
	sourceID      *uuid.UUID
	initialStatus models.JobStatus
}

type QueueOption func(*queueParams)

// WithDelay schedules the job to start after d instead of the default jitter.
func WithDelay(d time.Duration) QueueOption {
	return func(p *queueParams) {
		p.delay = &d
	}
}

func WithSource(id uuid.UUID) QueueOption {
	return func(p *queueParams) {
		p.sourceID = &id
	}
}

// WithInitialStatus creates the job directly in the given status. Only
// pending and in_progress are meaningful.
func WithInitialStatus(status models.JobStatus) QueueOption {
	return func(p *queueParams) {
		p.initialStatus = status
	}
}

// QueueJob creates a job unless an identical one is already active, in which
// case the active job is returned together with ErrJobAlreadyActive. A
// pending duplicate is moved earlier if this request would start sooner.
func (q *Queue) QueueJob(ctx context.Context, name string, args []string, opts ...QueueOption) (*models.Job, error) {
	params := &queueParams{initialStatus: models.JobStatusPending}
	for _, opt := range opts {
		opt(params)
	}
	if params.initialStatus != models.JobStatusPending && params.initialStatus != models.JobStatusInProgress {
		return nil, fmt.Errorf("queue job %s: invalid initial status %s", name, params.initialStatus)
	}

	argID := models.ArgsToIdentifier(args)
	now := q.now()

	var scheduled *time.Time
	if params.initialStatus == models.JobStatusPending {
		delay := q.jitter()
		if params.delay != nil {
			delay = *params.delay
		}
		at := now.Add(delay)
		scheduled = &at
	}

	var job *models.Job
	alreadyActive := false
	err := q.store.WithTx(ctx, func(tx store.Store) error {
		active, err := tx.GetActiveJob(ctx, name, argID)
		switch {
		case err == nil:
			job = active
			alreadyActive = true
			if active.Status == models.JobStatusPending && scheduled != nil &&
				(active.ScheduledStartDate == nil || scheduled.Before(*active.ScheduledStartDate)) {
				if err := tx.RescheduleJob(ctx, active.ID, *scheduled); err != nil {
					return fmt.Errorf("reschedule job: %w", err)
				}
				job.ScheduledStartDate = scheduled
			}
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("get active job: %w", err)
		}

		attempt := 1
		latest, err := tx.GetLatestJob(ctx, name, argID)
		if err == nil && latest.Status == models.JobStatusFailure {
			attempt = latest.AttemptNumber + 1
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("get latest job: %w", err)
		}

		job = &models.Job{
			ID:                 uuid.New(),
			JobName:            name,
			ArgIdentifier:      argID,
			SourceID:           params.sourceID,
			Status:             params.initialStatus,
			AttemptNumber:      attempt,
			ScheduledStartDate: scheduled,
			CreateDate:         now,
			ModifyDate:         now,
		}
		if params.initialStatus == models.JobStatusInProgress {
			job.StartDate = &now
		}
		if err := tx.CreateJob(ctx, job); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				return ErrJobAlreadyActive
			}
			return fmt.Errorf("create job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if alreadyActive {
		return job, ErrJobAlreadyActive
	}

	metrics.JobsQueuedTotal.WithLabelValues(name).Inc()
	slog.Debug("job queued", "job_id", job.ID, "job_name", name, "args", argID, "attempt", job.AttemptNumber)
	return job, nil
}

// StartPendingJob claims the earliest pending job with this name and arg
// identifier. It returns store.ErrNotFound if there is none and
// store.ErrJobInProgress if an identical job is already running.
func (q *Queue) StartPendingJob(ctx context.Context, name, argIdentifier string) (*models.Job, error) {
	return q.store.ClaimPendingJob(ctx, name, argIdentifier)
}

// FinishJob moves an in-progress job to success or failure and queues the
// next run of periodic tasks.
func (q *Queue) FinishJob(ctx context.Context, job *models.Job, success bool, message string) error {
	status := models.JobStatusSuccess
	if !success {
		status = models.JobStatusFailure
	}

	var opts []store.JobUpdateOption
	if message != "" {
		opts = append(opts, store.WithResultMessage(message))
	}
	task, registered := q.registry.Get(job.JobName)
	if registered && task.Persist {
		opts = append(opts, store.WithPersist(true))
	}

	if err := q.store.UpdateJobStatus(ctx, job.ID, status, opts...); err != nil {
		return fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	job.Status = status
	if message != "" {
		job.ResultMessage = &message
	}
	metrics.JobsFinishedTotal.WithLabelValues(job.JobName, string(status)).Inc()

	if !success {
		slog.Info("job failed", "job_id", job.ID, "job_name", job.JobName,
			"args", job.ArgIdentifier, "attempt", job.AttemptNumber, "message", message)
		if job.AttemptNumber%alertEveryAttempts == 0 {
			slog.Error("job has failed repeatedly", "job_id", job.ID, "job_name", job.JobName,
				"args", job.ArgIdentifier, "attempt", job.AttemptNumber, "message", message)
		}
	}

	if registered && task.Periodic() {
		delay := NextRunDelay(task.Interval, task.Offset, q.now())
		_, err := q.QueueJob(ctx, job.JobName, job.Args(), WithDelay(delay))
		if err != nil && !errors.Is(err, ErrJobAlreadyActive) {
			return fmt.Errorf("queue next run of %s: %w", job.JobName, err)
		}
	}
	return nil
}

// FailJob finishes the job as a failure caused by err. Errors that are not
// an *Error are logged as unexpected.
func (q *Queue) FailJob(ctx context.Context, job *models.Job, err error) error {
	msg, expected := failureMessage(err)
	if !expected {
		slog.Error("job raised an unexpected error", "job_id", job.ID, "job_name", job.JobName,
			"args", job.ArgIdentifier, "error", err)
	}
	return q.FinishJob(ctx, job, false, msg)
}

// AbandonJob fails an in-progress job that will never finish on its own,
// then runs the task's abandon hook. Hook errors are logged, not returned.
func (q *Queue) AbandonJob(ctx context.Context, job *models.Job, message string) error {
	if err := q.FinishJob(ctx, job, false, message); err != nil {
		return err
	}
	q.runAbandonHook(ctx, job, message)
	return nil
}

func (q *Queue) runAbandonHook(ctx context.Context, job *models.Job, message string) {
	task, ok := q.registry.Get(job.JobName)
	if !ok || task.OnAbandon == nil {
		return
	}
	if err := task.OnAbandon(ctx, job, message); err != nil {
		slog.Error("abandoned job cleanup failed", "job_id", job.ID, "job_name", job.JobName,
			"args", job.ArgIdentifier, "error", err)
	}
}

// EnsurePeriodicJobs queues every periodic task that has no active job.
func (q *Queue) EnsurePeriodicJobs(ctx context.Context) (int, error) {
	queued := 0
	for _, task := range q.registry.Periodic() {
		delay := NextRunDelay(task.Interval, task.Offset, q.now())
		_, err := q.QueueJob(ctx, task.Name, nil, WithDelay(delay))
		if errors.Is(err, ErrJobAlreadyActive) {
			continue
		}
		if err != nil {
			return queued, fmt.Errorf("queue periodic job %s: %w", task.Name, err)
		}
		queued++
	}
	return queued, nil
}

// AbortJobs fails the given pending or in-progress jobs with AbortMessage.
// Jobs that are already completed or missing are reported but not changed.
// Aborting an in-progress job runs its task's abandon hook.
func (q *Queue) AbortJobs(ctx context.Context, ids []uuid.UUID) (aborted int, err error) {
	for _, id := range ids {
		job, err := q.store.GetJob(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("cannot abort missing job", "job_id", id)
			continue
		}
		if err != nil {
			return aborted, fmt.Errorf("get job: %w", err)
		}
		if job.Status.Completed() {
			slog.Warn("cannot abort completed job", "job_id", id, "status", job.Status)
			continue
		}

		err = q.store.WithTx(ctx, func(tx store.Store) error {
			if job.Status == models.JobStatusPending {
				if err := tx.UpdateJobStatus(ctx, id, models.JobStatusInProgress); err != nil {
					return err
				}
			}
			return tx.UpdateJobStatus(ctx, id, models.JobStatusFailure, store.WithResultMessage(AbortMessage))
		})
		if err != nil {
			return aborted, fmt.Errorf("abort job %s: %w", id, err)
		}
		metrics.JobsFinishedTotal.WithLabelValues(job.JobName, string(models.JobStatusFailure)).Inc()
		aborted++
		if job.Status == models.JobStatusInProgress {
			msg := AbortMessage
			job.Status = models.JobStatusFailure
			job.ResultMessage = &msg
			q.runAbandonHook(ctx, job, msg)
		}
	}
	return aborted, nil
}
