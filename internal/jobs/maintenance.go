package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coralnet/visionbackend/internal/metrics"
	"github.com/coralnet/visionbackend/internal/store"
	"github.com/coralnet/visionbackend/pkg/models"
)

const (
	CleanUpOldJobsName  = "clean_up_old_jobs"
	ReportStuckJobsName = "report_stuck_jobs"
)

// Maintenance holds the housekeeping tasks for the jobs table.
type Maintenance struct {
	store      store.Store
	maxAge     time.Duration
	stuckAfter time.Duration
	now        func() time.Time
}

func NewMaintenance(st store.Store, maxDays int, stuckAfter time.Duration) *Maintenance {
	return &Maintenance{
		store:      st,
		maxAge:     time.Duration(maxDays) * 24 * time.Hour,
		stuckAfter: stuckAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CleanUpOldJobs deletes jobs not modified within the max age. Persisted jobs
// and jobs backing an API job unit are kept.
func (m *Maintenance) CleanUpOldJobs(ctx context.Context, _ *models.Job) (string, error) {
	n, err := m.store.DeleteOldJobs(ctx, m.now().Add(-m.maxAge))
	if err != nil {
		return "", fmt.Errorf("clean up old jobs: %w", err)
	}
	if n == 0 {
		return "No old jobs to clean up", nil
	}
	return fmt.Sprintf("Cleaned up %d old job(s)", n), nil
}

// ReportStuckJobs alerts about incomplete jobs whose last update falls in a
// one-day window starting stuckAfter ago, so each job is reported once. It
// also refreshes the per-status job gauge.
func (m *Maintenance) ReportStuckJobs(ctx context.Context, _ *models.Job) (string, error) {
	counts, err := m.store.CountJobsByStatus(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("count jobs: %w", err)
	}
	for _, status := range []models.JobStatus{models.JobStatusPending, models.JobStatusInProgress,
		models.JobStatusSuccess, models.JobStatusFailure} {
		metrics.JobsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	now := m.now()
	before := now.Add(-m.stuckAfter)
	after := before.Add(-24 * time.Hour)

	stuck, err := m.store.ListJobs(ctx, store.JobFilter{
		Statuses:       []models.JobStatus{models.JobStatusPending, models.JobStatusInProgress},
		ModifiedBefore: &before,
		ModifiedAfter:  &after,
	})
	if err != nil {
		return "", fmt.Errorf("list stuck jobs: %w", err)
	}
	if len(stuck) == 0 {
		return "No stuck jobs detected", nil
	}

	lines := make([]string, len(stuck))
	for i, j := range stuck {
		lines[i] = fmt.Sprintf("%s / %s / %s (%s)", j.ID, j.JobName, j.ArgIdentifier, j.Status)
	}
	days := int(m.stuckAfter.Hours() / 24)
	msg := fmt.Sprintf("%d job(s) haven't progressed in %d days", len(stuck), days)
	slog.Error(msg, "jobs", strings.Join(lines, "; "))
	return msg, nil
}

// Register adds the maintenance tasks to the registry as daily periodic jobs.
func (m *Maintenance) Register(registry *Registry) error {
	tasks := []Task{
		{Name: CleanUpOldJobsName, Kind: KindRunner, Run: m.CleanUpOldJobs, Interval: 24 * time.Hour},
		{Name: ReportStuckJobsName, Kind: KindRunner, Run: m.ReportStuckJobs, Interval: 24 * time.Hour, Offset: time.Hour},
	}
	for _, t := range tasks {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}
