package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/coralnet/visionbackend/internal/jobs"
	"github.com/coralnet/visionbackend/internal/metrics"
	"github.com/coralnet/visionbackend/internal/spacer"
	"github.com/coralnet/visionbackend/internal/store"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
)

const (
	// trainStreakWindow is how many recent classifiers are looked at when
	// counting consecutive training errors.
	trainStreakWindow = 5
	trainStreakAlert  = 4
)

// NeedNewClassifier reports whether the source has enough new confirmed
// images to train another classifier, and why.
func (s *Service) NeedNewClassifier(ctx context.Context, source *models.Source) (bool, string, error) {
	if !source.EnableRobotClassifier {
		return false, "Robot classifier is disabled for this source", nil
	}
	annotated, err := s.store.ListImages(ctx, store.ImageFilter{
		SourceID:  source.ID,
		Confirmed: boolPtr(true),
		Extracted: boolPtr(true),
	})
	if err != nil {
		return false, "", fmt.Errorf("list annotated images: %w", err)
	}
	n := len(annotated)
	if n < s.cfg.MinNbrAnnotatedImages {
		return false, fmt.Sprintf("Need at least %d annotated images for training, have %d",
			s.cfg.MinNbrAnnotatedImages, n), nil
	}

	classifiers, err := s.store.ListClassifiers(ctx, source.ID)
	if err != nil {
		return false, "", fmt.Errorf("list classifiers: %w", err)
	}
	classifiers, err = s.liveClassifiers(ctx, classifiers)
	if err != nil {
		return false, "", err
	}
	if len(classifiers) > 0 {
		last := classifiers[0].NbrTrainImages
		if float64(n) <= s.cfg.NewClassifierTrainTH*float64(last) {
			return false, fmt.Sprintf("Need %d annotated images for next training, have %d",
				int(s.cfg.NewClassifierTrainTH*float64(last))+1, n), nil
		}
	}
	return true, "Enough new annotated images for training", nil
}

// liveClassifiers drops pending classifiers whose training job is gone or
// already finished. Those will never get a result.
func (s *Service) liveClassifiers(ctx context.Context, classifiers []*models.Classifier) ([]*models.Classifier, error) {
	out := classifiers[:0:0]
	for _, c := range classifiers {
		if c.Status == models.ClassifierStatusPending && c.TrainJobID != nil {
			job, err := s.store.GetJob(ctx, *c.TrainJobID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("get training job: %w", err)
			}
			if err != nil || job.Status.Completed() {
				continue
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// SubmitClassifier creates a pending classifier for the source and submits
// its training to spacer.
func (s *Service) SubmitClassifier(ctx context.Context, job *models.Job) (string, error) {
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

	images, err := s.store.ListImages(ctx, store.ImageFilter{
		SourceID:  source.ID,
		Confirmed: boolPtr(true),
		Extracted: boolPtr(true),
	})
	if err != nil {
		return "", fmt.Errorf("list training images: %w", err)
	}
	trainLabels, valLabels, err := s.splitLabels(ctx, images)
	if err != nil {
		return "", err
	}

	previous, err := s.acceptedClassifierIDs(ctx, source.ID)
	if err != nil {
		return "", err
	}

	now := s.now()
	clf := &models.Classifier{
		ID:             uuid.New(),
		SourceID:       source.ID,
		Status:         models.ClassifierStatusPending,
		NbrTrainImages: len(images),
		TrainJobID:     &job.ID,
		CreateDate:     now,
		ModifyDate:     now,
	}
	if err := s.store.CreateClassifier(ctx, clf); err != nil {
		return "", fmt.Errorf("create classifier: %w", err)
	}

	trainSet := spacer.UniqueLabels(trainLabels)
	common := 0
	for id := range spacer.UniqueLabels(valLabels) {
		if trainSet[id] {
			common++
		}
	}
	if common < 2 {
		if err := s.setClassifierStatus(ctx, clf, models.ClassifierStatusLackingUniqueLabels); err != nil {
			return "", err
		}
		return "", jobs.Errorf("Classifier %s was declined training, because the training and validation sets share %d label(s). Training requires at least 2 unique labels.", clf.ID, common)
	}

	err = s.submit(ctx, job, &spacer.JobMsg{
		TaskName: spacer.TaskTrainClassifier,
		TrainClassifier: &spacer.TrainClassifierMsg{
			ClassifierID:     clf.ID,
			PreviousIDs:      previous,
			FeatureExtractor: s.featureExtractor(source),
			Epochs:           s.cfg.NbrTrainingEpochs,
			TrainLabels:      trainLabels,
			ValLabels:        valLabels,
		},
	})
	if err != nil {
		if statusErr := s.setClassifierStatus(ctx, clf, models.ClassifierStatusTrainError); statusErr != nil {
			slog.Error("failed to mark classifier as errored", "classifier_id", clf.ID, "error", statusErr)
		}
		return "", err
	}
	return "", nil
}

// splitLabels collects the confirmed labels of each image and sends every
// ValSplitEvery-th image to the validation set.
func (s *Service) splitLabels(ctx context.Context, images []*models.Image) (train, val []spacer.ImageLabels, err error) {
	every := max(s.cfg.ValSplitEvery, 2)
	for i, img := range images {
		labels, err := s.imageLabels(ctx, img.ID)
		if err != nil {
			return nil, nil, err
		}
		if i%every == every-1 {
			val = append(val, labels)
		} else {
			train = append(train, labels)
		}
	}
	return train, val, nil
}

func (s *Service) imageLabels(ctx context.Context, imageID uuid.UUID) (spacer.ImageLabels, error) {
	out := spacer.ImageLabels{ImageID: imageID}
	points, err := s.store.ListPoints(ctx, imageID)
	if err != nil {
		return out, fmt.Errorf("list points: %w", err)
	}
	annotations, err := s.store.ListAnnotations(ctx, imageID)
	if err != nil {
		return out, fmt.Errorf("list annotations: %w", err)
	}
	byPoint := make(map[uuid.UUID]*models.Annotation, len(annotations))
	for _, a := range annotations {
		byPoint[a.PointID] = a
	}
	for _, p := range points {
		a, ok := byPoint[p.ID]
		if !ok || !a.Confirmed() {
			continue
		}
		out.Points = append(out.Points, spacer.PointLabel{Row: p.Row, Column: p.Column, LabelID: a.LabelID})
	}
	return out, nil
}

// acceptedClassifierIDs lists the source's accepted classifiers, newest first.
func (s *Service) acceptedClassifierIDs(ctx context.Context, sourceID uuid.UUID) ([]uuid.UUID, error) {
	classifiers, err := s.store.ListClassifiers(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list classifiers: %w", err)
	}
	ids := []uuid.UUID{}
	for _, c := range classifiers {
		if c.Status == models.ClassifierStatusAccepted {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

func (s *Service) setClassifierStatus(ctx context.Context, clf *models.Classifier, status models.ClassifierStatus) error {
	clf.Status = status
	clf.ModifyDate = s.now()
	if err := s.store.UpdateClassifier(ctx, clf); err != nil {
		return fmt.Errorf("update classifier %s: %w", clf.ID, err)
	}
	return nil
}

func (s *Service) featureExtractor(source *models.Source) string {
	if source.FeatureExtractor != "" {
		return source.FeatureExtractor
	}
	return s.cfg.FeatureExtractor
}

// Decide applies the acceptance policy to a new classifier's accuracy. prev
// is the accuracy to beat, or nil when there is nothing to compare against.
func Decide(acc float64, prev *float64, minAccuracy, improvementTH float64) models.ClassifierStatus {
	if acc <= minAccuracy {
		return models.ClassifierStatusRejectedAccuracy
	}
	if prev != nil && acc < *prev*improvementTH {
		return models.ClassifierStatusRejectedAccuracy
	}
	return models.ClassifierStatusAccepted
}

// comparisonAccuracy is the best re-evaluated accuracy of the previous
// classifiers, falling back to the stored accuracy of the valid one.
func comparisonAccuracy(pcAccs []float64, valid *models.Classifier) *float64 {
	if len(pcAccs) > 0 {
		best := slices.Max(pcAccs)
		return &best
	}
	if valid != nil && valid.Accuracy != nil {
		acc := *valid.Accuracy
		return &acc
	}
	return nil
}

// collectTraining applies a training result to its classifier.
func (s *Service) collectTraining(ctx context.Context, _ *models.Job, res *spacer.JobReturnMsg) (string, []followUp, error) {
	msg := res.OriginalJob.TrainClassifier
	if !res.OK || res.TrainClassifier == nil {
		return s.trainingFailed(ctx, msg.ClassifierID, res.ErrorMessage)
	}
	out := res.TrainClassifier

	var (
		clf     *models.Classifier
		status  models.ClassifierStatus
		prev    *float64
		message string
	)
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		clf, err = tx.GetClassifier(ctx, msg.ClassifierID)
		if errors.Is(err, store.ErrNotFound) {
			return jobs.Errorf("Classifier %s doesn't exist anymore", msg.ClassifierID)
		}
		if err != nil {
			return fmt.Errorf("get classifier: %w", err)
		}
		if err := tx.LockSource(ctx, clf.SourceID); err != nil {
			return fmt.Errorf("lock source: %w", err)
		}

		now := s.now()
		clf.ModifyDate = now
		if len(out.PcAccs) != len(msg.PreviousIDs) {
			status = models.ClassifierStatusRejectedError
			clf.Status = status
			message = fmt.Sprintf("Number of previous classifiers doesn't match between job (%d) and results (%d).",
				len(msg.PreviousIDs), len(out.PcAccs))
			return tx.UpdateClassifier(ctx, clf)
		}

		valid, err := tx.GetValidClassifier(ctx, clf.SourceID)
		if errors.Is(err, store.ErrNotFound) {
			valid = nil
		} else if err != nil {
			return fmt.Errorf("get valid classifier: %w", err)
		}

		acc := out.Acc
		runtime := out.Runtime
		clf.Accuracy = &acc
		clf.RuntimeTrainSecs = &runtime
		clf.ValResult = out.ValResult

		prev = comparisonAccuracy(out.PcAccs, valid)
		status = Decide(acc, prev, s.cfg.MinClassifierAccuracy, s.cfg.NewClassifierImprovementTH)
		clf.Status = status
		if err := tx.UpdateClassifier(ctx, clf); err != nil {
			return fmt.Errorf("update classifier: %w", err)
		}
		if status != models.ClassifierStatusAccepted {
			return nil
		}

		for i, id := range msg.PreviousIDs {
			old, err := tx.GetClassifier(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("get previous classifier: %w", err)
			}
			pcAcc := out.PcAccs[i]
			old.Accuracy = &pcAcc
			old.ModifyDate = now
			if err := tx.UpdateClassifier(ctx, old); err != nil {
				return fmt.Errorf("update previous classifier: %w", err)
			}
		}
		if err := tx.SetValidClassifier(ctx, clf.SourceID, clf.ID); err != nil {
			return fmt.Errorf("set valid classifier: %w", err)
		}
		// Everything classified so far was classified by an older robot.
		if err := tx.ResetSourceFeatures(ctx, clf.SourceID, false); err != nil {
			return fmt.Errorf("reset classified features: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	metrics.ClassifierDecisionsTotal.WithLabelValues(string(status)).Inc()

	switch status {
	case models.ClassifierStatusRejectedError:
		return "", nil, jobs.Errorf("%s", message)
	case models.ClassifierStatusRejectedAccuracy:
		slog.Info("classifier rejected", "classifier_id", clf.ID, "source_id", clf.SourceID,
			"accuracy", *clf.Accuracy, "previous", prev)
		return fmt.Sprintf("Classifier %s rejected with accuracy %.3f", clf.ID, *clf.Accuracy), nil, nil
	}

	slog.Info("classifier accepted", "classifier_id", clf.ID, "source_id", clf.SourceID,
		"accuracy", *clf.Accuracy, "previous", prev)
	followUps, err := s.classifyFollowUps(ctx, clf.SourceID)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("Classifier %s accepted with accuracy %.3f", clf.ID, *clf.Accuracy), followUps, nil
}

// classifyFollowUps queues classification of every extracted, unconfirmed
// image of the source.
func (s *Service) classifyFollowUps(ctx context.Context, sourceID uuid.UUID) ([]followUp, error) {
	images, err := s.store.ListImages(ctx, store.ImageFilter{
		SourceID:  sourceID,
		Confirmed: boolPtr(false),
		Extracted: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("list images to classify: %w", err)
	}
	followUps := make([]followUp, 0, len(images))
	for _, img := range images {
		followUps = append(followUps, followUp{
			name:     JobClassifyFeatures,
			args:     []string{img.ID.String()},
			sourceID: sourceID,
		})
	}
	return followUps, nil
}

// trainingFailed marks the classifier as errored and decides whether
// training should be retried.
func (s *Service) trainingFailed(ctx context.Context, classifierID uuid.UUID, errMsg string) (string, []followUp, error) {
	if errMsg == "" {
		errMsg = "Training returned no result"
	}
	clf, err := s.store.GetClassifier(ctx, classifierID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, jobs.Errorf("%s", errMsg)
	}
	if err != nil {
		return "", nil, fmt.Errorf("get classifier: %w", err)
	}
	followUps, err := s.markTrainError(ctx, clf, errMsg)
	if err != nil {
		return "", nil, err
	}
	return "", followUps, jobs.Errorf("%s", errMsg)
}

// trainingAbandoned settles the pending classifier of a training job that
// was aborted or lost, so the source can train again.
func (s *Service) trainingAbandoned(ctx context.Context, job *models.Job, message string) error {
	sourceID, err := argID(job, 0)
	if err != nil {
		return err
	}
	classifiers, err := s.store.ListClassifiers(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("list classifiers: %w", err)
	}
	for _, clf := range classifiers {
		if clf.Status != models.ClassifierStatusPending || clf.TrainJobID == nil || *clf.TrainJobID != job.ID {
			continue
		}
		followUps, err := s.markTrainError(ctx, clf, message)
		if err != nil {
			return err
		}
		s.queueFollowUps(ctx, followUps)
		return nil
	}
	return nil
}

// markTrainError records a training error on clf and returns the retry, if
// one is due.
func (s *Service) markTrainError(ctx context.Context, clf *models.Classifier, errMsg string) ([]followUp, error) {
	if err := s.setClassifierStatus(ctx, clf, models.ClassifierStatusTrainError); err != nil {
		return nil, err
	}
	metrics.ClassifierDecisionsTotal.WithLabelValues(string(models.ClassifierStatusTrainError)).Inc()

	streak, err := s.trainErrorStreak(ctx, clf.SourceID)
	if err != nil {
		return nil, err
	}
	slog.Info("classifier training failed", "classifier_id", clf.ID, "source_id", clf.SourceID,
		"consecutive_failures", streak, "error", errMsg)
	if streak >= trainStreakAlert {
		slog.Error("classifier training keeps failing", "source_id", clf.SourceID,
			"consecutive_failures", streak, "error", errMsg)
	}

	var followUps []followUp
	if delay, ok := trainRetryDelay(streak); ok && s.cfg.TrainRetryEnabled {
		followUps = append(followUps, followUp{
			name:     JobTrainClassifier,
			args:     []string{clf.SourceID.String()},
			sourceID: clf.SourceID,
			delay:    &delay,
		})
	}
	return followUps, nil
}

// trainErrorStreak counts consecutive TRAIN_ERROR classifiers, newest first,
// among the source's latest ones.
func (s *Service) trainErrorStreak(ctx context.Context, sourceID uuid.UUID) (int, error) {
	classifiers, err := s.store.ListClassifiers(ctx, sourceID)
	if err != nil {
		return 0, fmt.Errorf("list classifiers: %w", err)
	}
	streak := 0
	for _, c := range classifiers[:min(len(classifiers), trainStreakWindow)] {
		if c.Status != models.ClassifierStatusTrainError {
			break
		}
		streak++
	}
	return streak, nil
}

// trainRetryDelay is how long to wait before retrying after streak
// consecutive training errors.
func trainRetryDelay(streak int) (time.Duration, bool) {
	switch {
	case streak == 1:
		return 3 * time.Hour, true
	case streak == 2 || streak == 3:
		return 8 * time.Hour, true
	}
	return 0, false
}
