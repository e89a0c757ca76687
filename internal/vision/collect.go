package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coralnet/visionbackend/internal/jobs"
	"github.com/coralnet/visionbackend/internal/metrics"
	"github.com/coralnet/visionbackend/internal/spacer"
	"github.com/coralnet/visionbackend/internal/store"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
)

type collectHandler func(ctx context.Context, job *models.Job, res *spacer.JobReturnMsg) (string, []followUp, error)

type collectOutcome string

const (
	outcomeSuccess collectOutcome = "success"
	outcomeFailure collectOutcome = "failure"
	outcomeSkipped collectOutcome = "skipped"
	outcomeLost    collectOutcome = "lost"
)

func (s *Service) handler(task string) collectHandler {
	switch task {
	case spacer.TaskExtractFeatures:
		return s.collectFeatures
	case spacer.TaskTrainClassifier:
		return s.collectTraining
	case spacer.TaskClassifyFeatures:
		return s.collectClassification
	case spacer.TaskClassifyImage:
		return s.collectDeploy
	}
	return nil
}

// CollectSpacerJobs pulls finished results from spacer and applies each one
// to the job that submitted it.
func (s *Service) CollectSpacerJobs(ctx context.Context, _ *models.Job) (string, error) {
	deadline := s.now().Add(s.cfg.CollectTimeout)
	counts := map[collectOutcome]int{}
	timedOut := false

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := s.spacer.Next(ctx)
		if err != nil {
			return "", fmt.Errorf("fetch spacer result: %w", err)
		}
		if res == nil {
			break
		}
		counts[s.collectOne(ctx, res)]++
		if s.now().After(deadline) {
			timedOut = true
			break
		}
	}

	if detector, ok := s.spacer.(spacer.LostDetector); ok && s.cfg.LostAfter > 0 {
		lost, err := s.failLostJobs(ctx, detector)
		if err != nil {
			return "", err
		}
		counts[outcomeFailure] += lost
	}

	msg := fmt.Sprintf("Jobs collected: %d success, %d failure", counts[outcomeSuccess], counts[outcomeFailure])
	if timedOut {
		msg += " (timed out)"
	}
	return msg, nil
}

// collectOne handles a single result and finishes its job.
func (s *Service) collectOne(ctx context.Context, res *spacer.JobReturnMsg) collectOutcome {
	task := res.OriginalJob.TaskName
	outcome := outcomeSkipped
	defer func() {
		metrics.SpacerResultsTotal.WithLabelValues(task, string(outcome)).Inc()
	}()

	job := s.resultJob(ctx, res)
	if job == nil {
		return outcome
	}
	handle := s.handler(task)
	if handle == nil {
		slog.Warn("spacer result for unknown task", "task", task, "job_id", job.ID)
		return outcome
	}

	msg, followUps, err := s.runHandler(ctx, handle, job, res)
	if err != nil {
		outcome = outcomeFailure
		if finishErr := s.queue.FailJob(ctx, job, err); finishErr != nil {
			slog.Error("failed to finish collected job", "job_id", job.ID, "error", finishErr)
		}
	} else {
		outcome = outcomeSuccess
		if finishErr := s.queue.FinishJob(ctx, job, true, msg); finishErr != nil {
			slog.Error("failed to finish collected job", "job_id", job.ID, "error", finishErr)
		}
	}
	s.queueFollowUps(ctx, followUps)
	return outcome
}

// resultJob finds the in-progress job a result belongs to, or nil if the
// result should be skipped.
func (s *Service) resultJob(ctx context.Context, res *spacer.JobReturnMsg) *models.Job {
	token := res.JobToken()
	id, err := uuid.Parse(token)
	if err != nil {
		slog.Warn("spacer result has an invalid job token", "token", token)
		return nil
	}
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		slog.Info("spacer result for a job that no longer exists", "job_id", id)
		return nil
	}
	if err != nil {
		slog.Error("failed to look up job of spacer result", "job_id", id, "error", err)
		return nil
	}
	if job.Status != models.JobStatusInProgress {
		slog.Info("spacer result for a job that isn't in progress", "job_id", id, "status", job.Status)
		return nil
	}
	if job.JobName != res.OriginalJob.TaskName {
		slog.Warn("spacer result task doesn't match its job", "job_id", id,
			"job_name", job.JobName, "task", res.OriginalJob.TaskName)
		return nil
	}
	return job
}

// spacerFailure is the job failure for a result spacer could not produce.
func spacerFailure(res *spacer.JobReturnMsg) error {
	if res.ErrorMessage == "" {
		return jobs.Errorf("Spacer returned no %s result", res.OriginalJob.TaskName)
	}
	return jobs.Errorf("%s", res.ErrorMessage)
}

// runHandler calls the handler, turning a panic into an error.
func (s *Service) runHandler(ctx context.Context, handle collectHandler, job *models.Job, res *spacer.JobReturnMsg) (msg string, followUps []followUp, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic while collecting spacer result", "job_id", job.ID, "error", rec)
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return handle(ctx, job, res)
}

// failLostJobs fails in-progress jobs whose submissions never came back.
func (s *Service) failLostJobs(ctx context.Context, detector spacer.LostDetector) (int, error) {
	tokens, err := detector.Lost(ctx, s.now().Add(-s.cfg.LostAfter))
	if err != nil {
		return 0, fmt.Errorf("find lost spacer jobs: %w", err)
	}
	failed := 0
	for _, token := range tokens {
		id, err := uuid.Parse(token)
		if err != nil {
			continue
		}
		job, err := s.store.GetJob(ctx, id)
		if err != nil || job.Status != models.JobStatusInProgress {
			continue
		}
		msg := fmt.Sprintf("Spacer job lost: no result after %s", s.cfg.LostAfter)
		if err := s.queue.AbandonJob(ctx, job, msg); err != nil {
			slog.Error("failed to fail lost job", "job_id", job.ID, "error", err)
			continue
		}
		metrics.SpacerResultsTotal.WithLabelValues(job.JobName, string(outcomeLost)).Inc()
		failed++
	}
	return failed, nil
}

// collectFeatures marks the image as extracted, unless it changed while
// spacer was working on it.
func (s *Service) collectFeatures(ctx context.Context, _ *models.Job, res *spacer.JobReturnMsg) (string, []followUp, error) {
	msg := res.OriginalJob.ExtractFeatures
	if !res.OK {
		return "", nil, spacerFailure(res)
	}
	image, err := s.store.GetImage(ctx, msg.ImageID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, jobs.Errorf("Image %s doesn't exist anymore. Aborting.", msg.ImageID)
	}
	if err != nil {
		return "", nil, fmt.Errorf("get image: %w", err)
	}
	rowcols, err := s.imageRowCols(ctx, image.ID)
	if err != nil {
		return "", nil, err
	}
	if !sameRowCols(rowcols, msg.RowCols) {
		return "", nil, jobs.Errorf("Row-col for image %s have changed since extraction was submitted. Aborting.", image.ID)
	}

	now := s.now()
	err = s.store.UpdateImageFeatures(ctx, image.ID, store.FeaturesUpdate{
		Extracted:   boolPtr(true),
		Classified:  boolPtr(false),
		ExtractedAt: &now,
	})
	if err != nil {
		return "", nil, fmt.Errorf("set image extracted: %w", err)
	}

	var followUps []followUp
	if image.Confirmed {
		return extractedMessage(image.ID, res), nil, nil
	}
	if _, err := s.store.GetValidClassifier(ctx, image.SourceID); err == nil {
		followUps = append(followUps, followUp{
			name:     JobClassifyFeatures,
			args:     []string{image.ID.String()},
			sourceID: image.SourceID,
		})
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", nil, fmt.Errorf("get valid classifier: %w", err)
	}

	return extractedMessage(image.ID, res), followUps, nil
}

func extractedMessage(imageID uuid.UUID, res *spacer.JobReturnMsg) string {
	msg := fmt.Sprintf("Extracted features for image %s", imageID)
	if out := res.ExtractFeatures; out != nil {
		msg += fmt.Sprintf(" in %s", time.Duration(out.Runtime*float64(time.Second)).Round(time.Millisecond))
	}
	return msg
}

// sameRowCols compares point locations as multisets.
func sameRowCols(a, b []models.RowCol) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[models.RowCol]int, len(a))
	for _, rc := range a {
		counts[rc]++
	}
	for _, rc := range b {
		counts[rc]--
		if counts[rc] < 0 {
			return false
		}
	}
	return true
}

// collectClassification applies a classify_features result to its image.
func (s *Service) collectClassification(ctx context.Context, _ *models.Job, res *spacer.JobReturnMsg) (string, []followUp, error) {
	msg := res.OriginalJob.ClassifyFeatures
	if !res.OK || res.Classify == nil {
		return "", nil, spacerFailure(res)
	}

	var summary ReconcileSummary
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		image, err := tx.GetImage(ctx, msg.ImageID)
		if errors.Is(err, store.ErrNotFound) {
			return jobs.Errorf("Image %s doesn't exist anymore. Aborting.", msg.ImageID)
		}
		if err != nil {
			return fmt.Errorf("get image: %w", err)
		}
		clf, err := tx.GetClassifier(ctx, msg.ClassifierID)
		if errors.Is(err, store.ErrNotFound) {
			return jobs.Errorf("Classifier %s doesn't exist anymore. Aborting.", msg.ClassifierID)
		}
		if err != nil {
			return fmt.Errorf("get classifier: %w", err)
		}
		if !clf.Valid {
			return jobs.Errorf("Classifier %s is no longer the source's current classifier. Aborting.", clf.ID)
		}
		summary, err = ApplyClassification(ctx, tx, image, clf.ID, res.Classify, s.cfg.NbrScoresPerAnnotation, s.now())
		return err
	})
	if err != nil {
		return "", nil, err
	}
	for action, n := range summary {
		metrics.AnnotationWritesTotal.WithLabelValues(string(action)).Add(float64(n))
	}
	return fmt.Sprintf("Classified image %s: %s", msg.ImageID, summary), nil, nil
}

