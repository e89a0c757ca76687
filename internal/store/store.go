package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrAnnotationConfirmed is returned when a robot annotation would replace
// a human-confirmed one.
var ErrAnnotationConfirmed = errors.New("annotation already confirmed")

// ErrJobInProgress is returned when claiming a job whose twin is already running.
var ErrJobInProgress = errors.New("job already in progress")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// WithTx runs fn inside a transaction. The Store passed to fn must be
	// used for all operations that belong to the transaction.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	JobStore
	VisionStore
	ApiJobStore
	AuthStore
}

type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// GetActiveJob returns the pending or in-progress job with this name and
	// arg identifier, preferring the in-progress one.
	GetActiveJob(ctx context.Context, name, argIdentifier string) (*models.Job, error)
	// GetLatestJob returns the most recently created job with this name and
	// arg identifier, in any status.
	GetLatestJob(ctx context.Context, name, argIdentifier string) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	CountJobsByStatus(ctx context.Context, sourceID *uuid.UUID) (map[models.JobStatus]int, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error
	RescheduleJob(ctx context.Context, id uuid.UUID, scheduledStart time.Time) error
	// ClaimPendingJob moves the earliest pending job with this name and arg
	// identifier to in_progress and deletes any other pending duplicates.
	ClaimPendingJob(ctx context.Context, name, argIdentifier string) (*models.Job, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error
	// DeleteOldJobs deletes jobs last modified before the cutoff, except
	// persisted ones and ones referenced by an API job unit.
	DeleteOldJobs(ctx context.Context, before time.Time) (int64, error)
}

type VisionStore interface {
	CreateSource(ctx context.Context, source *models.Source) error
	GetSource(ctx context.Context, id uuid.UUID) (*models.Source, error)
	ListSources(ctx context.Context) ([]*models.Source, error)
	// LockSource serializes classifier decisions for a source until the
	// surrounding transaction ends. Outside a transaction it is a no-op.
	LockSource(ctx context.Context, id uuid.UUID) error

	CreateLabelGroup(ctx context.Context, group *models.LabelGroup) error
	CreateLabel(ctx context.Context, label *models.Label) error
	AddLocalLabel(ctx context.Context, local *models.LocalLabel) error
	ListSourceLabels(ctx context.Context, sourceID uuid.UUID) ([]*models.SourceLabel, error)

	CreateImage(ctx context.Context, image *models.Image) error
	GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error)
	ListImages(ctx context.Context, filter ImageFilter) ([]*models.Image, error)
	UpdateImageFeatures(ctx context.Context, id uuid.UUID, update FeaturesUpdate) error
	SetImageConfirmed(ctx context.Context, id uuid.UUID, confirmed bool) error
	// ResetSourceFeatures clears features_classified for every image of the
	// source, and features_extracted too when extracted is true.
	ResetSourceFeatures(ctx context.Context, sourceID uuid.UUID, extracted bool) error

	CreatePoint(ctx context.Context, point *models.Point) error
	ListPoints(ctx context.Context, imageID uuid.UUID) ([]*models.Point, error)
	DeletePoint(ctx context.Context, id uuid.UUID) error

	ListAnnotations(ctx context.Context, imageID uuid.UUID) ([]*models.Annotation, error)
	// SaveAnnotation inserts the annotation or replaces the existing one for
	// the same point. A robot annotation never replaces a confirmed one; that
	// write returns ErrAnnotationConfirmed and changes nothing.
	SaveAnnotation(ctx context.Context, annotation *models.Annotation) error
	DeleteUnconfirmedAnnotations(ctx context.Context, sourceID uuid.UUID) (int64, error)

	// ReplaceScores deletes all scores of the image and inserts the given ones.
	ReplaceScores(ctx context.Context, imageID uuid.UUID, scores []*models.Score) error
	ListScores(ctx context.Context, imageID uuid.UUID) ([]*models.Score, error)
	DeleteSourceScores(ctx context.Context, sourceID uuid.UUID) (int64, error)

	CreateClassifier(ctx context.Context, classifier *models.Classifier) error
	GetClassifier(ctx context.Context, id uuid.UUID) (*models.Classifier, error)
	// ListClassifiers returns the source's classifiers, newest first.
	ListClassifiers(ctx context.Context, sourceID uuid.UUID) ([]*models.Classifier, error)
	GetValidClassifier(ctx context.Context, sourceID uuid.UUID) (*models.Classifier, error)
	UpdateClassifier(ctx context.Context, classifier *models.Classifier) error
	// SetValidClassifier marks the classifier valid and every other
	// classifier of the same source invalid.
	SetValidClassifier(ctx context.Context, sourceID, classifierID uuid.UUID) error
	DeleteSourceClassifiers(ctx context.Context, sourceID uuid.UUID) (int64, error)
}

type ApiJobStore interface {
	CreateApiJob(ctx context.Context, job *models.ApiJob) error
	GetApiJob(ctx context.Context, id uuid.UUID) (*models.ApiJob, error)
	ListApiJobs(ctx context.Context, limit int) ([]*models.ApiJob, error)
	CreateApiJobUnit(ctx context.Context, unit *models.ApiJobUnit) error
	GetApiJobUnit(ctx context.Context, id uuid.UUID) (*models.ApiJobUnit, error)
	// ListApiJobUnits returns the units of an API job ordered by
	// order_in_parent, with the internal job status filled in.
	ListApiJobUnits(ctx context.Context, apiJobID uuid.UUID) ([]*models.ApiJobUnit, error)
	SetApiJobUnitResult(ctx context.Context, id uuid.UUID, result []byte) error
	// DeleteOldApiJobs deletes API jobs created before the cutoff whose
	// units were all last modified before it as well.
	DeleteOldApiJobs(ctx context.Context, before time.Time) (int64, error)
}

type AuthStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error
}

type JobFilter struct {
	SourceID        *uuid.UUID
	JobName         string
	ArgIdentifier   string
	Statuses        []models.JobStatus
	ScheduledBefore *time.Time
	ModifiedBefore  *time.Time
	ModifiedAfter   *time.Time
	// Limit of 0 means no limit.
	Limit int
}

type ImageFilter struct {
	SourceID   uuid.UUID
	Confirmed  *bool
	Extracted  *bool
	Classified *bool
}

// FeaturesUpdate sets the given feature flags on an image. Nil fields are
// left unchanged.
type FeaturesUpdate struct {
	Extracted   *bool
	Classified  *bool
	ExtractedAt *time.Time
}

type jobUpdateParams struct {
	ResultMessage *string
	Persist       *bool
}

type JobUpdateOption func(*jobUpdateParams)

func WithResultMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ResultMessage = &msg
	}
}

func WithPersist(persist bool) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Persist = &persist
	}
}

var validTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusPending:    {models.JobStatusInProgress},
	models.JobStatusInProgress: {models.JobStatusSuccess, models.JobStatusFailure},
}

// checkTransition enforces the forward-only job lifecycle.
func checkTransition(from, to models.JobStatus) error {
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid job status transition: %s -> %s", from, to)
	}
	return nil
}
