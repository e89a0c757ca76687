package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coralnet/visionbackend/internal/jobs"
	"github.com/coralnet/visionbackend/internal/store"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
)

// resetCounts is what a reset deleted.
type resetCounts struct {
	scores, annotations, classifiers int64
}

// ResetClassifiers deletes the source's classifiers together with
// everything they produced, then queues a check so training starts over.
func (s *Service) ResetClassifiers(ctx context.Context, job *models.Job) (string, error) {
	return s.reset(ctx, job, false)
}

// ResetBackend does what ResetClassifiers does and also discards the
// source's extracted features.
func (s *Service) ResetBackend(ctx context.Context, job *models.Job) (string, error) {
	return s.reset(ctx, job, true)
}

func (s *Service) reset(ctx context.Context, job *models.Job, features bool) (string, error) {
	sourceID, err := argID(job, 0)
	if err != nil {
		return "", err
	}
	if _, err := s.store.GetSource(ctx, sourceID); errors.Is(err, store.ErrNotFound) {
		return "", jobs.Errorf("Can't find source %s", sourceID)
	} else if err != nil {
		return "", fmt.Errorf("get source: %w", err)
	}

	counts, err := s.resetSource(ctx, sourceID, features)
	if err != nil {
		return "", err
	}
	slog.Info("reset source", "source_id", sourceID, "features", features,
		"scores", counts.scores, "annotations", counts.annotations, "classifiers", counts.classifiers)

	if _, err := s.QueueSourceCheck(ctx, sourceID, 0); err != nil {
		return "", err
	}
	msg := fmt.Sprintf("Deleted %d classifier(s), %d unconfirmed annotation(s) and %d score(s)",
		counts.classifiers, counts.annotations, counts.scores)
	if features {
		msg += "; cleared extracted features"
	}
	return msg, nil
}

func (s *Service) resetSource(ctx context.Context, sourceID uuid.UUID, features bool) (resetCounts, error) {
	var counts resetCounts
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.LockSource(ctx, sourceID); err != nil {
			return fmt.Errorf("lock source: %w", err)
		}
		var err error
		if counts.scores, err = tx.DeleteSourceScores(ctx, sourceID); err != nil {
			return fmt.Errorf("delete scores: %w", err)
		}
		// Robot annotations reference their classifier.
		if counts.annotations, err = tx.DeleteUnconfirmedAnnotations(ctx, sourceID); err != nil {
			return fmt.Errorf("delete unconfirmed annotations: %w", err)
		}
		if counts.classifiers, err = tx.DeleteSourceClassifiers(ctx, sourceID); err != nil {
			return fmt.Errorf("delete classifiers: %w", err)
		}
		if err := tx.ResetSourceFeatures(ctx, sourceID, features); err != nil {
			return fmt.Errorf("reset features: %w", err)
		}
		return nil
	})
	return counts, err
}
