// Package apijob tracks external deploy requests. Each ApiJob fans out into
// one unit per image, and every unit mirrors the internal classify_image job
// that does its work.
package apijob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/coralnet/visionbackend/internal/cache"
	"github.com/coralnet/visionbackend/internal/jobs"
	"github.com/coralnet/visionbackend/internal/store"
	"github.com/coralnet/visionbackend/internal/vision"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	TypeDeploy = "deploy"

	MaxImages = 100
	MaxPoints = 1000

	// finalTTL is how long finished status and result payloads stay cached.
	finalTTL = 24 * time.Hour
)

var (
	ErrNotFound           = errors.New("api job not found")
	ErrClassifierNotFound = errors.New("classifier not found")
	ErrNotDone            = errors.New("api job is not done")
)

// ValidationError lists what is wrong with a deploy request.
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return "invalid deploy request: " + strings.Join(e.Details, "; ")
}

// DeployInput is the body of a deploy request.
type DeployInput struct {
	Data []DeployImage `json:"data" validate:"required,min=1,max=100,dive"`
}

type DeployImage struct {
	Type       string           `json:"type" validate:"eq=image"`
	Attributes DeployAttributes `json:"attributes"`
}

type DeployAttributes struct {
	URL    string       `json:"url" validate:"required,url"`
	Points []PointInput `json:"points" validate:"required,min=1,max=1000,dive"`
}

// PointInput uses pointers so a missing coordinate is told apart from 0.
type PointInput struct {
	Row    *int `json:"row" validate:"required,min=0"`
	Column *int `json:"column" validate:"required,min=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the request against the deploy limits.
func (in *DeployInput) Validate() error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate deploy request: %w", err)
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, describe(fe))
	}
	return &ValidationError{Details: details}
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must have at least %s item(s)", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must have at most %s item(s)", field, fe.Param())
	case "url":
		return field + " must be a URL"
	case "eq":
		return fmt.Sprintf("%s must be %q", field, fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}

// Service creates deploy jobs and reports on them.
type Service struct {
	store  store.Store
	queue  *jobs.Queue
	cache  cache.Cache
	maxAge time.Duration
	now    func() time.Time
}

// NewService builds the service. c may be nil, in which case nothing is
// cached.
func NewService(st store.Store, q *jobs.Queue, c cache.Cache, maxDays int) *Service {
	return &Service{
		store:  st,
		queue:  q,
		cache:  c,
		maxAge: time.Duration(maxDays) * 24 * time.Hour,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateDeployJob validates the request and creates the ApiJob, its units
// and their classify_image jobs in one transaction.
func (s *Service) CreateDeployJob(ctx context.Context, userID, classifierID uuid.UUID, in *DeployInput) (*models.ApiJob, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	clf, err := s.store.GetClassifier(ctx, classifierID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrClassifierNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get classifier: %w", err)
	}

	now := s.now()
	apiJob := &models.ApiJob{
		ID:         uuid.New(),
		Type:       TypeDeploy,
		UserID:     userID,
		CreateDate: now,
		ModifyDate: now,
	}
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.CreateApiJob(ctx, apiJob); err != nil {
			return fmt.Errorf("create api job: %w", err)
		}
		q := s.queue.With(tx)
		for i, img := range in.Data {
			req := models.DeployRequest{
				ClassifierID: clf.ID,
				URL:          img.Attributes.URL,
				Points:       make([]models.RowCol, len(img.Attributes.Points)),
				ImageOrder:   i,
			}
			for j, p := range img.Attributes.Points {
				req.Points[j] = models.RowCol{Row: *p.Row, Column: *p.Column}
			}
			data, err := json.Marshal(req)
			if err != nil {
				return fmt.Errorf("encode unit request: %w", err)
			}

			unitID := uuid.New()
			job, err := q.QueueJob(ctx, vision.JobClassifyImage, []string{unitID.String()},
				jobs.WithSource(clf.SourceID))
			if err != nil {
				return fmt.Errorf("queue classify_image: %w", err)
			}
			unit := &models.ApiJobUnit{
				ID:            unitID,
				ParentID:      apiJob.ID,
				OrderInParent: i,
				InternalJobID: &job.ID,
				RequestJSON:   data,
				Size:          len(req.Points),
				CreateDate:    now,
				ModifyDate:    now,
			}
			if err := tx.CreateApiJobUnit(ctx, unit); err != nil {
				return fmt.Errorf("create api job unit: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("deploy job created", "api_job_id", apiJob.ID, "classifier_id", clf.ID,
		"user_id", userID, "images", len(in.Data))
	return apiJob, nil
}

// ownJob fetches an API job that belongs to userID. Other users' jobs are
// reported as missing.
func (s *Service) ownJob(ctx context.Context, userID, apiJobID uuid.UUID) (*models.ApiJob, error) {
	job, err := s.store.GetApiJob(ctx, apiJobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api job: %w", err)
	}
	if job.UserID != userID {
		return nil, ErrNotFound
	}
	return job, nil
}

func (s *Service) cached(ctx context.Context, key string, v any) bool {
	ok, err := cache.GetJSON(ctx, s.cache, key, v)
	if err != nil {
		slog.Warn("cache read failed", "key", key, "error", err)
		return false
	}
	return ok
}

func (s *Service) remember(ctx context.Context, key string, v any) {
	if err := cache.SetJSON(ctx, s.cache, key, v, finalTTL); err != nil {
		slog.Warn("cache write failed", "key", key, "error", err)
	}
}
