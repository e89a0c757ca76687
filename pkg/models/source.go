package models

import (
	"time"

	"github.com/google/uuid"
)

// Source is a collection of images sharing a labelset.
type Source struct {
	ID                    uuid.UUID `db:"id"                      json:"id"`
	Name                  string    `db:"name"                    json:"name"`
	EnableRobotClassifier bool      `db:"enable_robot_classifier" json:"enable_robot_classifier"`
	FeatureExtractor      string    `db:"feature_extractor"       json:"feature_extractor"`
	CreatedAt             time.Time `db:"created_at"              json:"created_at"`
	UpdatedAt             time.Time `db:"updated_at"              json:"updated_at"`
}

// Image is a single photo within a source, along with the state of its
// extracted features.
type Image struct {
	ID                  uuid.UUID  `db:"id"                    json:"id"`
	SourceID            uuid.UUID  `db:"source_id"             json:"source_id"`
	Name                string     `db:"name"                  json:"name"`
	Width               int        `db:"width"                 json:"width"`
	Height              int        `db:"height"                json:"height"`
	Confirmed           bool       `db:"confirmed"             json:"confirmed"`
	FeaturesExtracted   bool       `db:"features_extracted"    json:"features_extracted"`
	FeaturesClassified  bool       `db:"features_classified"   json:"features_classified"`
	FeaturesExtractedAt *time.Time `db:"features_extracted_at" json:"features_extracted_at,omitempty"`
	CreatedAt           time.Time  `db:"created_at"            json:"created_at"`
}

// Pixels is the image area, used to skip images too large to process.
func (i *Image) Pixels() int64 {
	return int64(i.Width) * int64(i.Height)
}

// Point is an annotation location within an image.
type Point struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	ImageID     uuid.UUID `db:"image_id"     json:"image_id"`
	PointNumber int       `db:"point_number" json:"point_number"`
	Row         int       `db:"point_row"    json:"row"`
	Column      int       `db:"point_col"    json:"column"`
}

// RowCol is a (row, column) pixel position.
type RowCol struct {
	Row    int `json:"row"`
	Column int `json:"column"`
}
