package models

import (
	"time"

	"github.com/google/uuid"
)

// ClassifierStatus is the training/acceptance state of a Classifier.
type ClassifierStatus string

const (
	ClassifierStatusPending             ClassifierStatus = "PENDING"
	ClassifierStatusTrainError          ClassifierStatus = "TRAIN_ERROR"
	ClassifierStatusAccepted            ClassifierStatus = "ACCEPTED"
	ClassifierStatusRejectedAccuracy    ClassifierStatus = "REJECTED_ACCURACY"
	ClassifierStatusRejectedError       ClassifierStatus = "REJECTED_ERROR"
	ClassifierStatusLackingUniqueLabels ClassifierStatus = "LACKING_UNIQUE_LABELS"
)

// Classifier is one trained (or attempted) robot for a source. At most one
// classifier per source is valid at any time.
type Classifier struct {
	ID               uuid.UUID        `db:"id"                 json:"id"`
	SourceID         uuid.UUID        `db:"source_id"          json:"source_id"`
	Status           ClassifierStatus `db:"status"             json:"status"`
	Valid            bool             `db:"valid"              json:"valid"`
	Accuracy         *float64         `db:"accuracy"           json:"accuracy,omitempty"`
	NbrTrainImages   int              `db:"nbr_train_images"   json:"nbr_train_images"`
	RuntimeTrainSecs *float64         `db:"runtime_train_secs" json:"runtime_train_secs,omitempty"`
	TrainJobID       *uuid.UUID       `db:"train_job_id"       json:"train_job_id,omitempty"`
	ValResult        *ValResult       `db:"valresult"          json:"-"`
	CreateDate       time.Time        `db:"create_date"        json:"create_date"`
	ModifyDate       time.Time        `db:"modify_date"        json:"modify_date"`
}

// ValResult is the validation output of a training run: ground truth and
// estimated class indices per validation point, the top score of each
// estimate, and the label ids that the class indices refer to.
type ValResult struct {
	GT      []int       `json:"gt"`
	Est     []int       `json:"est"`
	Scores  []float64   `json:"scores"`
	Classes []uuid.UUID `json:"classes"`
}
