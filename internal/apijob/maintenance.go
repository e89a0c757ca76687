package apijob

import (
	"context"
	"fmt"
	"time"

	"github.com/coralnet/visionbackend/internal/jobs"
	"github.com/coralnet/visionbackend/pkg/models"
)

const CleanUpOldApiJobsName = "clean_up_old_api_jobs"

// CleanUpOldApiJobs deletes API jobs created before the max age whose units
// haven't been touched since then either.
func (s *Service) CleanUpOldApiJobs(ctx context.Context, _ *models.Job) (string, error) {
	n, err := s.store.DeleteOldApiJobs(ctx, s.now().Add(-s.maxAge))
	if err != nil {
		return "", fmt.Errorf("clean up old api jobs: %w", err)
	}
	if n == 0 {
		return "No old API jobs to clean up", nil
	}
	return fmt.Sprintf("Cleaned up %d old API job(s)", n), nil
}

// Register adds the daily API job cleanup to the registry.
func (s *Service) Register(registry *jobs.Registry) error {
	return registry.Register(jobs.Task{
		Name:     CleanUpOldApiJobsName,
		Kind:     jobs.KindRunner,
		Run:      s.CleanUpOldApiJobs,
		Interval: 24 * time.Hour,
		Offset:   2 * time.Hour,
	})
}
