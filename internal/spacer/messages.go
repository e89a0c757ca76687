package spacer

import (
	"fmt"
	"time"

	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
)

// Task names understood by the compute service.
const (
	TaskExtractFeatures  = "extract_features"
	TaskTrainClassifier  = "train_classifier"
	TaskClassifyFeatures = "classify_features"
	TaskClassifyImage    = "classify_image"
)

// JobMsg is one submission to the compute service. Exactly one of the task
// payloads is set, matching TaskName. JobToken is the id of the internal Job
// that waits for the result.
type JobMsg struct {
	TaskName    string    `json:"task_name"`
	JobToken    string    `json:"job_token"`
	SubmittedAt time.Time `json:"submitted_at"`

	ExtractFeatures  *ExtractFeaturesMsg  `json:"extract_features,omitempty"`
	TrainClassifier  *TrainClassifierMsg  `json:"train_classifier,omitempty"`
	ClassifyFeatures *ClassifyFeaturesMsg `json:"classify_features,omitempty"`
	ClassifyImage    *ClassifyImageMsg    `json:"classify_image,omitempty"`
}

// Validate checks that the payload matches the task name.
func (m *JobMsg) Validate() error {
	if m.JobToken == "" {
		return fmt.Errorf("job message for %s has no job token", m.TaskName)
	}
	var ok bool
	switch m.TaskName {
	case TaskExtractFeatures:
		ok = m.ExtractFeatures != nil
	case TaskTrainClassifier:
		ok = m.TrainClassifier != nil
	case TaskClassifyFeatures:
		ok = m.ClassifyFeatures != nil
	case TaskClassifyImage:
		ok = m.ClassifyImage != nil
	default:
		return fmt.Errorf("unknown spacer task %q", m.TaskName)
	}
	if !ok {
		return fmt.Errorf("job message for %s is missing its payload", m.TaskName)
	}
	return nil
}

type ExtractFeaturesMsg struct {
	ImageID          uuid.UUID       `json:"image_id"`
	FeatureExtractor string          `json:"feature_extractor"`
	RowCols          []models.RowCol `json:"rowcols"`
}

// PointLabel is a ground-truth label at a point location.
type PointLabel struct {
	Row     int       `json:"row"`
	Column  int       `json:"column"`
	LabelID uuid.UUID `json:"label_id"`
}

// ImageLabels holds the ground truth of one image in a training set.
type ImageLabels struct {
	ImageID uuid.UUID    `json:"image_id"`
	Points  []PointLabel `json:"points"`
}

// UniqueLabels returns the set of label ids that appear in the images.
func UniqueLabels(images []ImageLabels) map[uuid.UUID]bool {
	set := map[uuid.UUID]bool{}
	for _, img := range images {
		for _, p := range img.Points {
			set[p.LabelID] = true
		}
	}
	return set
}

type TrainClassifierMsg struct {
	ClassifierID     uuid.UUID     `json:"classifier_id"`
	PreviousIDs      []uuid.UUID   `json:"previous_ids"`
	FeatureExtractor string        `json:"feature_extractor"`
	Epochs           int           `json:"nbr_epochs"`
	TrainLabels      []ImageLabels `json:"train_labels"`
	ValLabels        []ImageLabels `json:"val_labels"`
}

type ClassifyFeaturesMsg struct {
	ImageID      uuid.UUID `json:"image_id"`
	ClassifierID uuid.UUID `json:"classifier_id"`
}

type ClassifyImageMsg struct {
	UnitID           uuid.UUID       `json:"unit_id"`
	URL              string          `json:"url"`
	FeatureExtractor string          `json:"feature_extractor"`
	RowCols          []models.RowCol `json:"rowcols"`
	ClassifierID     uuid.UUID       `json:"classifier_id"`
}

// JobReturnMsg is the compute service's answer to a JobMsg. When OK is false
// ErrorMessage explains why and no result payload is set.
type JobReturnMsg struct {
	OriginalJob  JobMsg `json:"original_job"`
	OK           bool   `json:"ok"`
	ErrorMessage string `json:"error_message,omitempty"`

	ExtractFeatures *ExtractFeaturesReturnMsg `json:"extract_features,omitempty"`
	TrainClassifier *TrainClassifierReturnMsg `json:"train_classifier,omitempty"`
	Classify        *ClassifyReturnMsg        `json:"classify,omitempty"`
}

// JobToken is the token of the original submission.
func (r *JobReturnMsg) JobToken() string {
	return r.OriginalJob.JobToken
}

type ExtractFeaturesReturnMsg struct {
	Runtime        float64 `json:"runtime"`
	ModelWasCached bool    `json:"model_was_cached"`
}

type TrainClassifierReturnMsg struct {
	Acc       float64           `json:"acc"`
	PcAccs    []float64         `json:"pc_accs"`
	RefAccs   []float64         `json:"ref_accs"`
	Runtime   float64           `json:"runtime"`
	ValResult *models.ValResult `json:"valresult,omitempty"`
}

// PointScores is the score vector at one point, ordered like
// ClassifyReturnMsg.Classes.
type PointScores struct {
	Row    int       `json:"row"`
	Column int       `json:"column"`
	Scores []float64 `json:"scores"`
}

type ClassifyReturnMsg struct {
	Classes     []uuid.UUID   `json:"classes"`
	Scores      []PointScores `json:"scores"`
	ValidRowCol bool          `json:"valid_rowcol"`
	Runtime     float64       `json:"runtime"`
}

// ScoresAt returns the score vector at (row, col), or false if the result
// has none for that location.
func (c *ClassifyReturnMsg) ScoresAt(row, col int) ([]float64, bool) {
	for _, ps := range c.Scores {
		if ps.Row == row && ps.Column == col {
			return ps.Scores, true
		}
	}
	return nil, false
}
