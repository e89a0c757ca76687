package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusSuccess    JobStatus = "success"
	JobStatusFailure    JobStatus = "failure"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusInProgress, JobStatusSuccess, JobStatusFailure:
		return true
	}
	return false
}

// Completed reports whether the status is terminal.
func (s JobStatus) Completed() bool {
	return s == JobStatusSuccess || s == JobStatusFailure
}

// Job is a named unit of backend work. Jobs with the same name and
// arg identifier are considered the same logical job; at most one of them
// may be in progress at a time.
type Job struct {
	ID                 uuid.UUID  `db:"id"                   json:"id"`
	JobName            string     `db:"job_name"             json:"job_name"`
	ArgIdentifier      string     `db:"arg_identifier"       json:"arg_identifier"`
	SourceID           *uuid.UUID `db:"source_id"            json:"source_id,omitempty"`
	Status             JobStatus  `db:"status"               json:"status"`
	ResultMessage      *string    `db:"result_message"       json:"result_message,omitempty"`
	AttemptNumber      int        `db:"attempt_number"       json:"attempt_number"`
	Persist            bool       `db:"persist"              json:"persist"`
	ScheduledStartDate *time.Time `db:"scheduled_start_date" json:"scheduled_start_date,omitempty"`
	StartDate          *time.Time `db:"start_date"           json:"start_date,omitempty"`
	CreateDate         time.Time  `db:"create_date"          json:"create_date"`
	ModifyDate         time.Time  `db:"modify_date"          json:"modify_date"`
}

// Args splits the arg identifier back into the job's arguments.
func (j *Job) Args() []string {
	return IdentifierToArgs(j.ArgIdentifier)
}

// ArgsToIdentifier joins job arguments into the identifier stored on a Job.
func ArgsToIdentifier(args []string) string {
	return strings.Join(args, ",")
}

// IdentifierToArgs is the inverse of ArgsToIdentifier.
func IdentifierToArgs(identifier string) []string {
	if identifier == "" {
		return nil
	}
	return strings.Split(identifier, ",")
}
