package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coralnet/visionbackend/internal/jobs"
	"github.com/coralnet/visionbackend/internal/spacer"
	"github.com/coralnet/visionbackend/internal/store"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
)

// SubmitDeploy submits classification of an external image for one deploy
// unit.
func (s *Service) SubmitDeploy(ctx context.Context, job *models.Job) (string, error) {
	unit, req, err := s.jobUnit(ctx, job)
	if err != nil {
		return "", err
	}
	clf, err := s.store.GetClassifier(ctx, req.ClassifierID)
	if errors.Is(err, store.ErrNotFound) {
		return "", s.deployFailed(ctx, unit, req, fmt.Sprintf("Classifier of id %s does not exist. Maybe it was deleted.", req.ClassifierID))
	}
	if err != nil {
		return "", fmt.Errorf("get classifier: %w", err)
	}
	source, err := s.store.GetSource(ctx, clf.SourceID)
	if err != nil {
		return "", fmt.Errorf("get source: %w", err)
	}
	return "", s.submit(ctx, job, &spacer.JobMsg{
		TaskName: spacer.TaskClassifyImage,
		ClassifyImage: &spacer.ClassifyImageMsg{
			UnitID:           unit.ID,
			URL:              req.URL,
			FeatureExtractor: s.featureExtractor(source),
			RowCols:          req.Points,
			ClassifierID:     clf.ID,
		},
	})
}

func (s *Service) jobUnit(ctx context.Context, job *models.Job) (*models.ApiJobUnit, *models.DeployRequest, error) {
	unitID, err := argID(job, 0)
	if err != nil {
		return nil, nil, err
	}
	unit, err := s.store.GetApiJobUnit(ctx, unitID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, jobs.Errorf("Job unit %s does not exist.", unitID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get job unit: %w", err)
	}
	var req models.DeployRequest
	if err := json.Unmarshal(unit.RequestJSON, &req); err != nil {
		return nil, nil, jobs.Errorf("Job unit %s has an unreadable request: %v", unitID, err)
	}
	return unit, &req, nil
}

// deployFailed records the error on the unit and returns it as the job's
// failure.
func (s *Service) deployFailed(ctx context.Context, unit *models.ApiJobUnit, req *models.DeployRequest, msg string) error {
	if err := s.setDeployResult(ctx, unit.ID, &models.DeployResult{URL: req.URL, Errors: []string{msg}}); err != nil {
		slog.Error("failed to record deploy error", "unit_id", unit.ID, "error", err)
	}
	return jobs.Errorf("%s", msg)
}

func (s *Service) setDeployResult(ctx context.Context, unitID uuid.UUID, result *models.DeployResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode deploy result: %w", err)
	}
	if err := s.store.SetApiJobUnitResult(ctx, unitID, data); err != nil {
		return fmt.Errorf("set deploy result: %w", err)
	}
	return nil
}

// collectDeploy writes a classify_image result to its deploy unit.
func (s *Service) collectDeploy(ctx context.Context, job *models.Job, res *spacer.JobReturnMsg) (string, []followUp, error) {
	unit, req, err := s.jobUnit(ctx, job)
	if err != nil {
		return "", nil, err
	}
	if !res.OK || res.Classify == nil {
		msg := res.ErrorMessage
		if msg == "" {
			msg = "Classification returned no result"
		}
		return "", nil, s.deployFailed(ctx, unit, req, msg)
	}

	clf, err := s.store.GetClassifier(ctx, req.ClassifierID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, s.deployFailed(ctx, unit, req, fmt.Sprintf("Classifier of id %s does not exist. Maybe it was deleted.", req.ClassifierID))
	}
	if err != nil {
		return "", nil, fmt.Errorf("get classifier: %w", err)
	}
	labels, err := s.store.ListSourceLabels(ctx, clf.SourceID)
	if err != nil {
		return "", nil, fmt.Errorf("list source labels: %w", err)
	}
	byID := make(map[uuid.UUID]*models.SourceLabel, len(labels))
	for _, l := range labels {
		byID[l.LabelID] = l
	}

	result := &models.DeployResult{URL: req.URL, Points: []models.DeployPointResult{}}
	for _, ps := range res.Classify.Scores {
		if len(ps.Scores) != len(res.Classify.Classes) {
			return "", nil, s.deployFailed(ctx, unit, req,
				fmt.Sprintf("Point (%d, %d) has %d scores for %d classes", ps.Row, ps.Column, len(ps.Scores), len(res.Classify.Classes)))
		}
		point := models.DeployPointResult{Row: ps.Row, Column: ps.Column}
		for _, ci := range TopScores(ps.Scores, max(s.cfg.NbrScoresPerAnnotation, 1)) {
			id := res.Classify.Classes[ci]
			label, ok := byID[id]
			if !ok {
				return "", nil, s.deployFailed(ctx, unit, req, fmt.Sprintf("Label %s is not in the classifier's labelset", id))
			}
			point.Classifications = append(point.Classifications, models.DeployClassification{
				LabelID:   id,
				LabelName: label.Name,
				LabelCode: label.Code,
				Score:     ps.Scores[ci],
			})
		}
		result.Points = append(result.Points, point)
	}
	if err := s.setDeployResult(ctx, unit.ID, result); err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("Classified %d point(s)", len(result.Points)), nil, nil
}
