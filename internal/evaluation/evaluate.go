package evaluation

import (
	"context"
	"errors"
	"fmt"

	"github.com/coralnet/visionbackend/internal/store"
	"github.com/google/uuid"
)

// ErrNoValResult is returned for classifiers that have no validation result
// to evaluate, such as ones still training or ones that failed.
var ErrNoValResult = errors.New("classifier has no validation result")

// MaxDisplayClasses is the most classes a report shows before the rest are
// merged into OtherClass.
const MaxDisplayClasses = 50

// Report is the evaluation of one classifier on its validation set.
type Report struct {
	ClassifierID        uuid.UUID `json:"classifier_id"`
	LabelMode           string    `json:"label_mode"`
	ConfidenceThreshold int       `json:"confidence_threshold"`

	Classes     []string  `json:"classes"`
	RowTotals   []int     `json:"row_totals"`
	Matrix      [][]int   `json:"matrix"`
	Percentages [][]int   `json:"percentages"`
	N           int       `json:"n"`
	Accuracy    float64   `json:"accuracy"`
	Kappa       float64   `json:"kappa"`
	Recalls     []float64 `json:"recalls"`
	Precisions  []float64 `json:"precisions"`
	F1s         []float64 `json:"f1s"`

	Alleviate AlleviateReport `json:"alleviate"`
}

// AlleviateReport holds the full-label and functional-group accuracy curves
// over the same thresholds.
type AlleviateReport struct {
	Thresholds []float64 `json:"thresholds"`
	AccFull    []float64 `json:"acc_full"`
	AccFunc    []float64 `json:"acc_func"`
	Ratios     []float64 `json:"ratios"`
}

// Evaluate builds the report for a classifier. Only validation points whose
// top score is above confidenceThreshold percent are counted in the matrix.
func Evaluate(ctx context.Context, st store.VisionStore, classifierID uuid.UUID, mode string, confidenceThreshold int) (*Report, error) {
	clf, err := st.GetClassifier(ctx, classifierID)
	if err != nil {
		return nil, fmt.Errorf("get classifier: %w", err)
	}
	val := clf.ValResult
	if val == nil || len(val.GT) == 0 {
		return nil, ErrNoValResult
	}

	labels, err := st.ListSourceLabels(ctx, clf.SourceID)
	if err != nil {
		return nil, fmt.Errorf("list source labels: %w", err)
	}
	lookup := SourceLabelLookup(labels)

	classmap, names, err := LabelsetMapper(mode, val.Classes, lookup)
	if err != nil {
		return nil, err
	}

	cm := NewConfMatrix(names)
	th := float64(confidenceThreshold) / 100
	if err := cm.AddSelect(MapLabels(val.GT, classmap), MapLabels(val.Est, classmap), val.Scores, th); err != nil {
		return nil, fmt.Errorf("build confusion matrix: %w", err)
	}
	cm.Sort()
	cm.Cut(MaxDisplayClasses)

	acc, kappa := cm.Accuracy()
	report := &Report{
		ClassifierID:        clf.ID,
		LabelMode:           mode,
		ConfidenceThreshold: confidenceThreshold,
		Classes:             cm.Labels,
		RowTotals:           cm.RowTotals(),
		Matrix:              cm.CM,
		Percentages:         cm.RowPercentages(),
		N:                   cm.Total(),
		Accuracy:            acc,
		Kappa:               kappa,
		Recalls:             cm.Recalls(),
		Precisions:          cm.Precisions(),
		F1s:                 cm.F1s(),
	}

	full, err := Alleviate(val.GT, val.Est, val.Scores)
	if err != nil {
		return nil, fmt.Errorf("alleviate: %w", err)
	}
	funcMap, _, err := LabelsetMapper(ModeFunc, val.Classes, lookup)
	if err != nil {
		return nil, err
	}
	grouped, err := Alleviate(MapLabels(val.GT, funcMap), MapLabels(val.Est, funcMap), val.Scores)
	if err != nil {
		return nil, fmt.Errorf("alleviate: %w", err)
	}
	report.Alleviate = AlleviateReport{
		Thresholds: full.Thresholds,
		AccFull:    full.Accuracies,
		AccFunc:    grouped.Accuracies,
		Ratios:     full.Ratios,
	}
	return report, nil
}
