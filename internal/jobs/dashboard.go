package jobs

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/coralnet/visionbackend/internal/store"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
)

// completedJobsShown is how long finished jobs stay on the dashboard.
const completedJobsShown = 3 * 24 * time.Hour

var typeDisplayNames = map[string]string{
	"classify_features": "Classify",
	"classify_image":    "Deploy",
}

// JobTypeDisplay returns a human-friendly name for a job name.
func JobTypeDisplay(name string) string {
	if display, ok := typeDisplayNames[name]; ok {
		return display
	}
	words := strings.Split(name, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

type DashboardEntry struct {
	*models.Job
	TypeDisplay string `json:"type_display"`
}

type Dashboard struct {
	Jobs   []DashboardEntry         `json:"jobs"`
	Counts map[models.JobStatus]int `json:"counts"`
}

func statusRank(s models.JobStatus) int {
	switch s {
	case models.JobStatusInProgress:
		return 0
	case models.JobStatusPending:
		return 1
	default:
		return 2
	}
}

// OrderForDashboard drops completed jobs older than three days and sorts the
// rest: in progress, then pending, then completed, each newest first.
func OrderForDashboard(jobs []*models.Job, now time.Time) []*models.Job {
	cutoff := now.Add(-completedJobsShown)
	out := make([]*models.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Status.Completed() && j.ModifyDate.Before(cutoff) {
			continue
		}
		out = append(out, j)
	}
	slices.SortStableFunc(out, func(a, b *models.Job) int {
		return cmp.Or(
			cmp.Compare(statusRank(a.Status), statusRank(b.Status)),
			b.ModifyDate.Compare(a.ModifyDate),
		)
	})
	return out
}

// BuildDashboard lists jobs, optionally for one source and some statuses, in
// dashboard order. Counts cover exactly the listed jobs.
func BuildDashboard(ctx context.Context, st store.JobStore, sourceID *uuid.UUID, statuses []models.JobStatus, now time.Time) (*Dashboard, error) {
	jobs, err := st.ListJobs(ctx, store.JobFilter{SourceID: sourceID, Statuses: statuses})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	ordered := OrderForDashboard(jobs, now)
	d := &Dashboard{Jobs: make([]DashboardEntry, len(ordered)), Counts: map[models.JobStatus]int{}}
	for i, j := range ordered {
		d.Jobs[i] = DashboardEntry{Job: j, TypeDisplay: JobTypeDisplay(j.JobName)}
		d.Counts[j.Status]++
	}
	return d, nil
}
