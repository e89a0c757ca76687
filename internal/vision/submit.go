package vision

import (
	"context"
	"errors"
	"fmt"

	"github.com/coralnet/visionbackend/internal/jobs"
	"github.com/coralnet/visionbackend/internal/spacer"
	"github.com/coralnet/visionbackend/internal/store"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
)

// SubmitFeatures submits feature extraction for the image in the job's args.
func (s *Service) SubmitFeatures(ctx context.Context, job *models.Job) (string, error) {
	image, err := s.jobImage(ctx, job)
	if err != nil {
		return "", err
	}
	source, err := s.store.GetSource(ctx, image.SourceID)
	if err != nil {
		return "", fmt.Errorf("get source: %w", err)
	}
	rowcols, err := s.imageRowCols(ctx, image.ID)
	if err != nil {
		return "", err
	}
	return "", s.submit(ctx, job, &spacer.JobMsg{
		TaskName: spacer.TaskExtractFeatures,
		ExtractFeatures: &spacer.ExtractFeaturesMsg{
			ImageID:          image.ID,
			FeatureExtractor: s.featureExtractor(source),
			RowCols:          rowcols,
		},
	})
}

// SubmitClassify submits classification of an extracted image with its
// source's current classifier.
func (s *Service) SubmitClassify(ctx context.Context, job *models.Job) (string, error) {
	image, err := s.jobImage(ctx, job)
	if err != nil {
		return "", err
	}
	if !image.FeaturesExtracted {
		return "", jobs.Errorf("Image %s needs to have features extracted before being classified.", image.ID)
	}
	clf, err := s.store.GetValidClassifier(ctx, image.SourceID)
	if errors.Is(err, store.ErrNotFound) {
		return "", jobs.Errorf("Image %s can't be classified; its source doesn't have a classifier.", image.ID)
	}
	if err != nil {
		return "", fmt.Errorf("get valid classifier: %w", err)
	}
	return "", s.submit(ctx, job, &spacer.JobMsg{
		TaskName: spacer.TaskClassifyFeatures,
		ClassifyFeatures: &spacer.ClassifyFeaturesMsg{
			ImageID:      image.ID,
			ClassifierID: clf.ID,
		},
	})
}

func (s *Service) jobImage(ctx context.Context, job *models.Job) (*models.Image, error) {
	imageID, err := argID(job, 0)
	if err != nil {
		return nil, err
	}
	image, err := s.store.GetImage(ctx, imageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, jobs.Errorf("Image %s does not exist.", imageID)
	}
	if err != nil {
		return nil, fmt.Errorf("get image: %w", err)
	}
	return image, nil
}

func (s *Service) imageRowCols(ctx context.Context, imageID uuid.UUID) ([]models.RowCol, error) {
	points, err := s.store.ListPoints(ctx, imageID)
	if err != nil {
		return nil, fmt.Errorf("list points: %w", err)
	}
	rowcols := make([]models.RowCol, len(points))
	for i, p := range points {
		rowcols[i] = models.RowCol{Row: p.Row, Column: p.Column}
	}
	return rowcols, nil
}
