package evaluation

import (
	"errors"
	"math"
	"slices"
)

// maxThresholds caps the number of points on an alleviate curve.
const maxThresholds = 250

// AlleviateCurve relates a confidence threshold to the accuracy over the
// points scored above it and to the share of points that remain. All values
// are percentages rounded to one decimal.
type AlleviateCurve struct {
	Thresholds []float64 `json:"thresholds"`
	Accuracies []float64 `json:"accuracies"`
	Ratios     []float64 `json:"ratios"`
}

// Alleviate sweeps thresholds over the scores (each in [0, 1]).
func Alleviate(gt, est []int, scores []float64) (*AlleviateCurve, error) {
	if len(gt) != len(est) || len(gt) != len(scores) {
		return nil, errors.New("all inputs must have the same length")
	}
	if len(gt) == 0 {
		return nil, errors.New("inputs must have length > 0")
	}

	ths := slices.Clone(scores)
	slices.Sort(ths)
	// A threshold just below the lowest score keeps every point and one just
	// above the highest keeps none.
	lowest := math.Max(ths[0]-0.01, 0)
	highest := math.Min(ths[len(ths)-1]+0.01, 1)
	ths = append([]float64{lowest}, ths...)
	ths = append(ths, highest)

	if len(ths) > maxThresholds {
		picked := make([]float64, maxThresholds)
		for i := range picked {
			picked[i] = ths[i*(len(ths)-1)/(maxThresholds-1)]
		}
		ths = picked
	}

	curve := &AlleviateCurve{}
	for _, th := range ths {
		kept, correct := 0, 0
		for i, s := range scores {
			if s > th {
				kept++
				if gt[i] == est[i] {
					correct++
				}
			}
		}
		acc := 1.0
		if kept > 0 {
			acc = float64(correct) / float64(kept)
		}
		curve.Accuracies = append(curve.Accuracies, roundTo(100*acc, 1))
		curve.Ratios = append(curve.Ratios, roundTo(100*float64(kept)/float64(len(scores)), 1))
		curve.Thresholds = append(curve.Thresholds, roundTo(100*th, 1))
	}
	return curve, nil
}

func roundTo(x float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(x*p) / p
}
