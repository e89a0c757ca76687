package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coralnet/visionbackend/internal/config"
	"github.com/coralnet/visionbackend/internal/jobs"
	"github.com/coralnet/visionbackend/internal/metrics"
	"github.com/coralnet/visionbackend/internal/spacer"
	"github.com/coralnet/visionbackend/internal/store"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
)

// Job names of the vision backend.
const (
	JobCheckSource               = "check_source"
	JobCheckAllSources           = "check_all_sources"
	JobExtractFeatures           = spacer.TaskExtractFeatures
	JobTrainClassifier           = spacer.TaskTrainClassifier
	JobClassifyFeatures          = spacer.TaskClassifyFeatures
	JobClassifyImage             = spacer.TaskClassifyImage
	JobCollectSpacerJobs         = "collect_spacer_jobs"
	JobResetClassifiersForSource = "reset_classifiers_for_source"
	JobResetBackendForSource     = "reset_backend_for_source"
)

// Config is the policy the Service runs with.
type Config struct {
	config.VisionConfig

	// CollectTimeout bounds one collect_spacer_jobs run and one check_source
	// extraction sweep.
	CollectTimeout time.Duration
	// LostAfter is how long a submitted job may go without a result before
	// it is failed as lost.
	LostAfter time.Duration
	// CollectInterval is the period of collect_spacer_jobs.
	CollectInterval time.Duration
}

// NewConfig assembles a Config from the loaded application config.
func NewConfig(cfg *config.Config) Config {
	return Config{
		VisionConfig:    cfg.Vision,
		CollectTimeout:  time.Duration(cfg.Jobs.MaxMinutes) * time.Minute,
		LostAfter:       cfg.Spacer.LostAfter,
		CollectInterval: cfg.Jobs.CollectInterval,
	}
}

// Service drives feature extraction, classifier training and classification
// for sources, submitting the heavy work to spacer and applying its results.
type Service struct {
	store  store.Store
	queue  *jobs.Queue
	spacer spacer.Queue
	cfg    Config
	now    func() time.Time
}

func NewService(st store.Store, queue *jobs.Queue, sq spacer.Queue, cfg Config) *Service {
	return &Service{
		store:  st,
		queue:  queue,
		spacer: sq,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// QueueSourceCheck queues a check of the source. An already active check is
// not an error.
func (s *Service) QueueSourceCheck(ctx context.Context, sourceID uuid.UUID, delay time.Duration) (*models.Job, error) {
	job, err := s.queue.QueueJob(ctx, JobCheckSource, []string{sourceID.String()},
		jobs.WithSource(sourceID), jobs.WithDelay(delay))
	if err != nil && !errors.Is(err, jobs.ErrJobAlreadyActive) {
		return nil, fmt.Errorf("queue source check: %w", err)
	}
	return job, nil
}

// followUp is a job to queue once the job that produced it is finished.
type followUp struct {
	name     string
	args     []string
	sourceID uuid.UUID
	delay    *time.Duration
}

func (s *Service) queueFollowUps(ctx context.Context, followUps []followUp) {
	for _, f := range followUps {
		opts := []jobs.QueueOption{jobs.WithSource(f.sourceID)}
		if f.delay != nil {
			opts = append(opts, jobs.WithDelay(*f.delay))
		}
		_, err := s.queue.QueueJob(ctx, f.name, f.args, opts...)
		if err != nil && !errors.Is(err, jobs.ErrJobAlreadyActive) {
			slog.Error("failed to queue follow-up job", "job_name", f.name, "args", f.args, "error", err)
		}
	}
}

// submit sends msg to spacer on behalf of job.
func (s *Service) submit(ctx context.Context, job *models.Job, msg *spacer.JobMsg) error {
	msg.JobToken = job.ID.String()
	msg.SubmittedAt = s.now()
	if err := s.spacer.Submit(ctx, msg); err != nil {
		return fmt.Errorf("submit %s to spacer: %w", msg.TaskName, err)
	}
	metrics.SpacerSubmissionsTotal.WithLabelValues(msg.TaskName).Inc()
	slog.Debug("submitted spacer job", "job_id", job.ID, "task", msg.TaskName)
	return nil
}

// argID parses the i-th job argument as an id.
func argID(job *models.Job, i int) (uuid.UUID, error) {
	args := job.Args()
	if i >= len(args) {
		return uuid.Nil, jobs.Errorf("Missing job argument %d", i)
	}
	id, err := uuid.Parse(args[i])
	if err != nil {
		return uuid.Nil, jobs.Errorf("Invalid job argument %q", args[i])
	}
	return id, nil
}

func boolPtr(b bool) *bool {
	return &b
}
