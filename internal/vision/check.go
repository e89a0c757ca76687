package vision

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/coralnet/visionbackend/internal/jobs"
	"github.com/coralnet/visionbackend/internal/store"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
)

// wrapUpEvery is how many jobs check_source queues between deadline checks.
const wrapUpEvery = 10

var activeStatuses = []models.JobStatus{models.JobStatusPending, models.JobStatusInProgress}

// CheckSource looks at what the source needs next and queues at most one
// stage of work: feature extraction, then training, then classification.
func (s *Service) CheckSource(ctx context.Context, job *models.Job) (string, error) {
	sourceID, err := argID(job, 0)
	if err != nil {
		return "", err
	}
	source, err := s.store.GetSource(ctx, sourceID)
	if errors.Is(err, store.ErrNotFound) {
		return "", jobs.Errorf("Can't find source %s", sourceID)
	}
	if err != nil {
		return "", fmt.Errorf("get source: %w", err)
	}
	deadline := s.now().Add(s.cfg.CollectTimeout)

	notExtracted, err := s.store.ListImages(ctx, store.ImageFilter{SourceID: sourceID, Extracted: boolPtr(false)})
	if err != nil {
		return "", fmt.Errorf("list unextracted images: %w", err)
	}
	var toExtract []*models.Image
	var tooLarge *models.Image
	for _, img := range notExtracted {
		if img.Pixels() > s.cfg.MaxImagePixels {
			if tooLarge == nil {
				tooLarge = img
			}
			continue
		}
		toExtract = append(toExtract, img)
	}

	if len(toExtract) > 0 {
		training, err := s.activeJobArgs(ctx, sourceID, JobTrainClassifier)
		if err != nil {
			return "", err
		}
		if len(training) > 0 {
			// New features could replace the ones a submitted training
			// run is about to read.
			return "Feature extraction(s) ready, but not submitted due to training in progress", nil
		}
		queued, timedOut, err := s.queueForImages(ctx, source.ID, JobExtractFeatures, toExtract, deadline)
		if err != nil {
			return "", err
		}
		if queued == 0 {
			return "Waiting for feature extraction(s) to finish", nil
		}
		return countMessage("Queued %d feature extraction(s)", queued, timedOut), nil
	}

	var caveat string
	if tooLarge != nil {
		caveat = fmt.Sprintf("At least one image has too large of a resolution to extract features (example: image ID %s).", tooLarge.ID)
	}

	need, reason, err := s.NeedNewClassifier(ctx, source)
	if err != nil {
		return "", err
	}
	if need {
		_, err := s.queue.QueueJob(ctx, JobTrainClassifier, []string{source.ID.String()}, jobs.WithSource(source.ID))
		if errors.Is(err, jobs.ErrJobAlreadyActive) {
			return "Waiting for training to finish", nil
		}
		if err != nil {
			return "", fmt.Errorf("queue training: %w", err)
		}
		return "Queued training", nil
	}

	if _, err := s.store.GetValidClassifier(ctx, source.ID); errors.Is(err, store.ErrNotFound) {
		return "Can't train first classifier: " + reason, nil
	} else if err != nil {
		return "", fmt.Errorf("get valid classifier: %w", err)
	}

	toClassify, err := s.store.ListImages(ctx, store.ImageFilter{
		SourceID:   source.ID,
		Confirmed:  boolPtr(false),
		Extracted:  boolPtr(true),
		Classified: boolPtr(false),
	})
	if err != nil {
		return "", fmt.Errorf("list unclassified images: %w", err)
	}
	if len(toClassify) > 0 {
		queued, timedOut, err := s.queueForImages(ctx, source.ID, JobClassifyFeatures, toClassify, deadline)
		if err != nil {
			return "", err
		}
		if queued == 0 {
			return "Waiting for image classification(s) to finish", nil
		}
		return countMessage("Queued %d image classification(s)", queued, timedOut), nil
	}

	msg := "Source seems to be all caught up. " + reason
	if caveat != "" {
		msg = caveat + " " + msg
	}
	return msg, nil
}

// queueForImages queues one job per image, skipping images that already have
// an active job of that name. It stops early once the deadline passes.
func (s *Service) queueForImages(ctx context.Context, sourceID uuid.UUID, name string, images []*models.Image, deadline time.Time) (int, bool, error) {
	active, err := s.activeJobArgs(ctx, sourceID, name)
	if err != nil {
		return 0, false, err
	}
	queued := 0
	for _, img := range images {
		if active[img.ID.String()] {
			continue
		}
		_, err := s.queue.QueueJob(ctx, name, []string{img.ID.String()}, jobs.WithSource(sourceID))
		if errors.Is(err, jobs.ErrJobAlreadyActive) {
			continue
		}
		if err != nil {
			return queued, false, fmt.Errorf("queue %s: %w", name, err)
		}
		queued++
		if queued%wrapUpEvery == 0 && s.now().After(deadline) {
			return queued, true, nil
		}
	}
	return queued, false, nil
}

// activeJobArgs returns the arg identifiers of the source's active jobs with
// this name.
func (s *Service) activeJobArgs(ctx context.Context, sourceID uuid.UUID, name string) (map[string]bool, error) {
	active, err := s.store.ListJobs(ctx, store.JobFilter{
		SourceID: &sourceID,
		JobName:  name,
		Statuses: activeStatuses,
	})
	if err != nil {
		return nil, fmt.Errorf("list active %s jobs: %w", name, err)
	}
	set := make(map[string]bool, len(active))
	for _, j := range active {
		set[j.ArgIdentifier] = true
	}
	return set, nil
}

func countMessage(format string, n int, timedOut bool) string {
	msg := fmt.Sprintf(format, n)
	if timedOut {
		msg += " (timed out)"
	}
	return msg
}

// CheckAllSources queues a check of every source, spread over the next few
// hours.
func (s *Service) CheckAllSources(ctx context.Context, _ *models.Job) (string, error) {
	sources, err := s.store.ListSources(ctx)
	if err != nil {
		return "", fmt.Errorf("list sources: %w", err)
	}
	for _, source := range sources {
		delay := time.Second + rand.N(4*time.Hour-time.Second)
		if _, err := s.QueueSourceCheck(ctx, source.ID, delay); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("Queued checks for %d source(s)", len(sources)), nil
}
