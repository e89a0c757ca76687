package models

import (
	"time"

	"github.com/google/uuid"
)

// RobotUserName is the annotator name recorded on classifier annotations.
const RobotUserName = "robot"

// Annotation is the label assigned to a point. A nil RobotVersionID means the
// annotation came from a human or an import and is confirmed.
type Annotation struct {
	ID             uuid.UUID  `db:"id"               json:"id"`
	PointID        uuid.UUID  `db:"point_id"         json:"point_id"`
	ImageID        uuid.UUID  `db:"image_id"         json:"image_id"`
	SourceID       uuid.UUID  `db:"source_id"        json:"source_id"`
	LabelID        uuid.UUID  `db:"label_id"         json:"label_id"`
	UserName       string     `db:"user_name"        json:"user_name"`
	RobotVersionID *uuid.UUID `db:"robot_version_id" json:"robot_version_id,omitempty"`
	AnnotationDate time.Time  `db:"annotation_date"  json:"annotation_date"`
}

// Confirmed reports whether a human (or import) verified this annotation.
func (a *Annotation) Confirmed() bool {
	return a.RobotVersionID == nil
}

// Score is a classifier's confidence, 0-100, for one label at one point.
type Score struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	PointID   uuid.UUID `db:"point_id"   json:"point_id"`
	ImageID   uuid.UUID `db:"image_id"   json:"image_id"`
	SourceID  uuid.UUID `db:"source_id"  json:"source_id"`
	LabelID   uuid.UUID `db:"label_id"   json:"label_id"`
	LabelCode string    `db:"label_code" json:"label_code"`
	Score     int       `db:"score"      json:"score"`
}
