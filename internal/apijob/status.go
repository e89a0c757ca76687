package apijob

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/coralnet/visionbackend/internal/cache"
	"github.com/coralnet/visionbackend/internal/store"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
)

// Overall states of an API job.
const (
	StatusPending    = "Pending"
	StatusInProgress = "In Progress"
	StatusDone       = "Done"
)

// Progress counts an API job's units by status.
type Progress struct {
	Status     string `json:"status"`
	Pending    int    `json:"pending"`
	InProgress int    `json:"in_progress"`
	Successes  int    `json:"successes"`
	Failures   int    `json:"failures"`
	Total      int    `json:"total"`
}

func (p *Progress) Done() bool {
	return p.Status == StatusDone
}

func progressOf(units []*models.ApiJobUnit) Progress {
	p := Progress{Total: len(units)}
	for _, u := range units {
		switch u.Status() {
		case models.JobStatusPending:
			p.Pending++
		case models.JobStatusInProgress:
			p.InProgress++
		case models.JobStatusSuccess:
			p.Successes++
		default:
			p.Failures++
		}
	}
	switch {
	case p.Successes+p.Failures == p.Total:
		p.Status = StatusDone
	case p.Pending == p.Total:
		p.Status = StatusPending
	default:
		p.Status = StatusInProgress
	}
	return p
}

// Status reports the progress of one of the user's deploy jobs. Finished
// jobs are served from the cache once seen.
func (s *Service) Status(ctx context.Context, userID, apiJobID uuid.UUID) (*Progress, error) {
	if _, err := s.ownJob(ctx, userID, apiJobID); err != nil {
		return nil, err
	}
	var p Progress
	if s.cached(ctx, cache.DeployStatusKey(apiJobID), &p) {
		return &p, nil
	}
	units, err := s.store.ListApiJobUnits(ctx, apiJobID)
	if err != nil {
		return nil, fmt.Errorf("list api job units: %w", err)
	}
	p = progressOf(units)
	if p.Done() {
		s.remember(ctx, cache.DeployStatusKey(apiJobID), &p)
	}
	return &p, nil
}

// ImageResult is one image's entry in a deploy result.
type ImageResult struct {
	Type       string              `json:"type"`
	ID         string              `json:"id"`
	Attributes models.DeployResult `json:"attributes"`
}

type Result struct {
	Data []ImageResult `json:"data"`
}

// Result returns the per-image results of a finished deploy job in request
// order. ErrNotDone is returned while units are still pending or running.
func (s *Service) Result(ctx context.Context, userID, apiJobID uuid.UUID) (*Result, error) {
	if _, err := s.ownJob(ctx, userID, apiJobID); err != nil {
		return nil, err
	}
	var res Result
	if s.cached(ctx, cache.DeployResultKey(apiJobID), &res) {
		return &res, nil
	}
	units, err := s.store.ListApiJobUnits(ctx, apiJobID)
	if err != nil {
		return nil, fmt.Errorf("list api job units: %w", err)
	}
	if p := progressOf(units); !p.Done() {
		return nil, ErrNotDone
	}

	res.Data = make([]ImageResult, 0, len(units))
	for _, u := range units {
		attrs, err := unitResult(u)
		if err != nil {
			return nil, err
		}
		res.Data = append(res.Data, ImageResult{Type: "image", ID: attrs.URL, Attributes: attrs})
	}
	s.remember(ctx, cache.DeployResultKey(apiJobID), &res)
	return &res, nil
}

// unitResult decodes a finished unit's result. A unit whose job ended
// without writing one reports the job's message as its error.
func unitResult(u *models.ApiJobUnit) (models.DeployResult, error) {
	var out models.DeployResult
	if len(u.ResultJSON) > 0 {
		if err := json.Unmarshal(u.ResultJSON, &out); err != nil {
			return out, fmt.Errorf("decode result of unit %s: %w", u.ID, err)
		}
		return out, nil
	}
	var req models.DeployRequest
	if err := json.Unmarshal(u.RequestJSON, &req); err != nil {
		return out, fmt.Errorf("decode request of unit %s: %w", u.ID, err)
	}
	out.URL = req.URL
	msg := "Classification did not produce a result"
	if u.InternalMessage != nil && *u.InternalMessage != "" {
		msg = *u.InternalMessage
	}
	out.Errors = []string{msg}
	return out, nil
}

// Summary is an API job row in the admin listing.
type Summary struct {
	*models.ApiJob
	Progress Progress `json:"progress"`
}

func summaryRank(status string) int {
	switch status {
	case StatusInProgress:
		return 0
	case StatusPending:
		return 1
	default:
		return 2
	}
}

// List returns up to limit recent API jobs for the admin view: in progress
// first, then pending, then done, each newest first.
func (s *Service) List(ctx context.Context, limit int) ([]Summary, error) {
	apiJobs, err := s.store.ListApiJobs(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list api jobs: %w", err)
	}
	out := make([]Summary, 0, len(apiJobs))
	for _, j := range apiJobs {
		units, err := s.store.ListApiJobUnits(ctx, j.ID)
		if err != nil {
			return nil, fmt.Errorf("list api job units: %w", err)
		}
		out = append(out, Summary{ApiJob: j, Progress: progressOf(units)})
	}
	slices.SortStableFunc(out, func(a, b Summary) int {
		return cmp.Or(
			cmp.Compare(summaryRank(a.Progress.Status), summaryRank(b.Progress.Status)),
			b.CreateDate.Compare(a.CreateDate),
		)
	})
	return out, nil
}

// UnitDetail is one unit in the admin detail view.
type UnitDetail struct {
	ID            uuid.UUID        `json:"id"`
	Order         int              `json:"order"`
	InternalJobID *uuid.UUID       `json:"internal_job_id,omitempty"`
	Status        models.JobStatus `json:"status"`
	Message       string           `json:"message,omitempty"`
	Request       []string         `json:"request"`
	Result        json.RawMessage  `json:"result,omitempty"`
}

type Detail struct {
	Summary
	Units []UnitDetail `json:"units"`
}

// Detail returns an API job with its units for the admin view.
func (s *Service) Detail(ctx context.Context, apiJobID uuid.UUID) (*Detail, error) {
	job, err := s.store.GetApiJob(ctx, apiJobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api job: %w", err)
	}
	units, err := s.store.ListApiJobUnits(ctx, apiJobID)
	if err != nil {
		return nil, fmt.Errorf("list api job units: %w", err)
	}

	d := &Detail{Summary: Summary{ApiJob: job, Progress: progressOf(units)}}
	for _, u := range units {
		ud := UnitDetail{
			ID:            u.ID,
			Order:         u.OrderInParent,
			InternalJobID: u.InternalJobID,
			Status:        u.Status(),
			Result:        u.ResultJSON,
		}
		if u.InternalMessage != nil {
			ud.Message = *u.InternalMessage
		}
		ud.Request, err = s.describeRequest(ctx, u)
		if err != nil {
			return nil, err
		}
		d.Units = append(d.Units, ud)
	}
	return d, nil
}

// describeRequest renders a unit's request as readable lines. A classifier
// that no longer exists is shown as deleted.
func (s *Service) describeRequest(ctx context.Context, u *models.ApiJobUnit) ([]string, error) {
	var req models.DeployRequest
	if err := json.Unmarshal(u.RequestJSON, &req); err != nil {
		return []string{"Unreadable request"}, nil
	}

	var lines []string
	clf, err := s.store.GetClassifier(ctx, req.ClassifierID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		lines = append(lines, fmt.Sprintf("Classifier ID %s (deleted)", req.ClassifierID))
	case err != nil:
		return nil, fmt.Errorf("get classifier: %w", err)
	default:
		source, err := s.store.GetSource(ctx, clf.SourceID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			lines = append(lines, fmt.Sprintf("Classifier ID %s (source deleted)", clf.ID))
		case err != nil:
			return nil, fmt.Errorf("get source: %w", err)
		default:
			lines = append(lines, fmt.Sprintf("Source: %s [Source ID %s] [Classifier ID %s]", source.Name, source.ID, clf.ID))
		}
	}
	lines = append(lines,
		"URL: "+req.URL,
		fmt.Sprintf("Point count: %d", len(req.Points)),
	)
	return lines, nil
}
