package vision

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/coralnet/visionbackend/internal/jobs"
	"github.com/coralnet/visionbackend/internal/spacer"
	"github.com/coralnet/visionbackend/internal/store"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
)

// AnnotationAction is what classification does to one point's annotation.
type AnnotationAction string

const (
	ActionSkipConfirmed AnnotationAction = "skip_confirmed"
	ActionUnchanged     AnnotationAction = "unchanged"
	ActionUpdate        AnnotationAction = "update"
	ActionCreate        AnnotationAction = "create"
)

// DecideAnnotation picks the action for a point given its current
// annotation, if any. Confirmed annotations are never touched.
func DecideAnnotation(existing *models.Annotation, labelID, classifierID uuid.UUID) AnnotationAction {
	switch {
	case existing == nil:
		return ActionCreate
	case existing.Confirmed():
		return ActionSkipConfirmed
	case existing.LabelID == labelID && *existing.RobotVersionID == classifierID:
		return ActionUnchanged
	default:
		return ActionUpdate
	}
}

// ReconcileSummary counts the actions taken on an image's points.
type ReconcileSummary map[AnnotationAction]int

func (r ReconcileSummary) String() string {
	return fmt.Sprintf("%d created, %d updated, %d unchanged, %d confirmed",
		r[ActionCreate], r[ActionUpdate], r[ActionUnchanged], r[ActionSkipConfirmed])
}

// TopScores returns the indices of the n highest scores, highest first.
// Ties keep class order.
func TopScores(scores []float64, n int) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		switch {
		case scores[a] > scores[b]:
			return -1
		case scores[a] < scores[b]:
			return 1
		}
		return 0
	})
	return idx[:min(n, len(idx))]
}

// ApplyClassification writes a classifier's result to the image: robot
// annotations, top scores, and the confirmed and classified flags. It must
// run inside a transaction; any error leaves the image untouched.
func ApplyClassification(ctx context.Context, tx store.Store, image *models.Image, classifierID uuid.UUID, result *spacer.ClassifyReturnMsg, nScores int, now time.Time) (ReconcileSummary, error) {
	points, err := tx.ListPoints(ctx, image.ID)
	if err != nil {
		return nil, fmt.Errorf("list points: %w", err)
	}
	if len(points) == 0 {
		return nil, jobs.Errorf("Image %s has no points", image.ID)
	}

	labels, err := tx.ListSourceLabels(ctx, image.SourceID)
	if err != nil {
		return nil, fmt.Errorf("list source labels: %w", err)
	}
	codes := make(map[uuid.UUID]string, len(labels))
	for _, l := range labels {
		codes[l.LabelID] = l.Code
	}
	for _, id := range result.Classes {
		if _, ok := codes[id]; !ok {
			return nil, jobs.Errorf("Label %s is not in the source's labelset", id)
		}
	}

	nScores = max(nScores, 1)
	pointScores, err := matchScores(points, result)
	if err != nil {
		return nil, err
	}

	annotations, err := tx.ListAnnotations(ctx, image.ID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	byPoint := make(map[uuid.UUID]*models.Annotation, len(annotations))
	for _, a := range annotations {
		byPoint[a.PointID] = a
	}

	summary := ReconcileSummary{}
	var scores []*models.Score
	allConfirmed := true
	for i, p := range points {
		top := TopScores(pointScores[i], nScores)
		labelID := result.Classes[top[0]]

		existing := byPoint[p.ID]
		action := DecideAnnotation(existing, labelID, classifierID)
		if action == ActionCreate || action == ActionUpdate {
			version := classifierID
			err := tx.SaveAnnotation(ctx, &models.Annotation{
				ID:             uuid.New(),
				PointID:        p.ID,
				ImageID:        image.ID,
				SourceID:       image.SourceID,
				LabelID:        labelID,
				UserName:       models.RobotUserName,
				RobotVersionID: &version,
				AnnotationDate: now,
			})
			switch {
			case errors.Is(err, store.ErrAnnotationConfirmed):
				// Confirmed after the annotations were read.
				action = ActionSkipConfirmed
			case err != nil:
				return nil, fmt.Errorf("save annotation: %w", err)
			}
		}
		summary[action]++
		if action != ActionSkipConfirmed {
			allConfirmed = false
		}

		for _, ci := range top {
			id := result.Classes[ci]
			scores = append(scores, &models.Score{
				ID:        uuid.New(),
				PointID:   p.ID,
				ImageID:   image.ID,
				SourceID:  image.SourceID,
				LabelID:   id,
				LabelCode: codes[id],
				Score:     int(math.Round(pointScores[i][ci] * 100)),
			})
		}
	}

	if err := tx.ReplaceScores(ctx, image.ID, scores); err != nil {
		return nil, fmt.Errorf("replace scores: %w", err)
	}
	if allConfirmed != image.Confirmed {
		if err := tx.SetImageConfirmed(ctx, image.ID, allConfirmed); err != nil {
			return nil, fmt.Errorf("set image confirmed: %w", err)
		}
	}
	if err := tx.UpdateImageFeatures(ctx, image.ID, store.FeaturesUpdate{Classified: boolPtr(true)}); err != nil {
		return nil, fmt.Errorf("set image classified: %w", err)
	}

	return summary, nil
}

// matchScores lines up the result's score vectors with the image's points,
// by location when the result has valid row-cols and by order otherwise.
func matchScores(points []*models.Point, result *spacer.ClassifyReturnMsg) ([][]float64, error) {
	nClasses := len(result.Classes)
	if nClasses == 0 {
		return nil, jobs.Errorf("Classification result has no classes")
	}
	if !result.ValidRowCol && len(result.Scores) != len(points) {
		return nil, jobs.Errorf("Classification result has %d score vectors for %d points",
			len(result.Scores), len(points))
	}

	out := make([][]float64, len(points))
	for i, p := range points {
		var vec []float64
		if result.ValidRowCol {
			var ok bool
			vec, ok = result.ScoresAt(p.Row, p.Column)
			if !ok {
				return nil, jobs.Errorf("Classification result has no scores for point (%d, %d)", p.Row, p.Column)
			}
		} else {
			vec = result.Scores[i].Scores
		}
		if len(vec) != nClasses {
			return nil, jobs.Errorf("Point (%d, %d) has %d scores for %d classes", p.Row, p.Column, len(vec), nClasses)
		}
		out[i] = vec
	}
	return out, nil
}
