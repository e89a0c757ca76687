package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ApiJob is an external API request that fans out into one unit per image.
type ApiJob struct {
	ID         uuid.UUID `db:"id"          json:"id"`
	Type       string    `db:"type"        json:"type"`
	UserID     uuid.UUID `db:"user_id"     json:"user_id"`
	CreateDate time.Time `db:"create_date" json:"create_date"`
	ModifyDate time.Time `db:"modify_date" json:"modify_date"`
}

// ApiJobUnit is one piece of an ApiJob, backed by an internal Job whose
// status it mirrors. InternalStatus and InternalMessage are read from that
// Job; they are empty if the Job no longer exists.
type ApiJobUnit struct {
	ID              uuid.UUID       `db:"id"              json:"id"`
	ParentID        uuid.UUID       `db:"parent_id"       json:"parent_id"`
	OrderInParent   int             `db:"order_in_parent" json:"order_in_parent"`
	InternalJobID   *uuid.UUID      `db:"internal_job_id" json:"internal_job_id,omitempty"`
	RequestJSON     json.RawMessage `db:"request_json"    json:"request_json"`
	ResultJSON      json.RawMessage `db:"result_json"     json:"result_json,omitempty"`
	Size            int             `db:"size"            json:"size"`
	CreateDate      time.Time       `db:"create_date"     json:"create_date"`
	ModifyDate      time.Time       `db:"modify_date"     json:"modify_date"`
	InternalStatus  JobStatus       `db:"-"               json:"status"`
	InternalMessage *string         `db:"-"               json:"result_message,omitempty"`
}

// Status mirrors the internal Job. A unit whose Job is gone counts as failed.
func (u *ApiJobUnit) Status() JobStatus {
	if u.InternalStatus == "" {
		return JobStatusFailure
	}
	return u.InternalStatus
}

// DeployRequest is the request_json of a deploy unit.
type DeployRequest struct {
	ClassifierID uuid.UUID `json:"classifier_id"`
	URL          string    `json:"url"`
	Points       []RowCol  `json:"points"`
	ImageOrder   int       `json:"image_order"`
}

// DeployResult is the result_json of a deploy unit. Exactly one of Points
// and Errors is set.
type DeployResult struct {
	URL    string              `json:"url"`
	Points []DeployPointResult `json:"points,omitempty"`
	Errors []string            `json:"errors,omitempty"`
}

type DeployPointResult struct {
	Row             int                    `json:"row"`
	Column          int                    `json:"column"`
	Classifications []DeployClassification `json:"classifications"`
}

type DeployClassification struct {
	LabelID   uuid.UUID `json:"label_id"`
	LabelName string    `json:"label_name"`
	LabelCode string    `json:"label_code"`
	Score     float64   `json:"score"`
}
