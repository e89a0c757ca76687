package evaluation_test

import (
	"testing"

	"github.com/coralnet/visionbackend/internal/evaluation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfMatrix_AddAndAccuracy(t *testing.T) {
	cm := evaluation.NewConfMatrix([]string{"a", "b"})
	require.NoError(t, cm.Add([]int{0, 0, 1, 1}, []int{0, 1, 1, 1}))

	assert.Equal(t, [][]int{{1, 1}, {0, 2}}, cm.CM)
	assert.Equal(t, 4, cm.Total())

	acc, kappa := cm.Accuracy()
	assert.InDelta(t, 0.75, acc, 1e-9)
	// pe = 0.5*0.25 + 0.5*0.75 = 0.5
	assert.InDelta(t, 0.5, kappa, 1e-9)
}

func TestConfMatrix_PerfectAgreementOnOneClass(t *testing.T) {
	cm := evaluation.NewConfMatrix([]string{"a", "b"})
	require.NoError(t, cm.Add([]int{0, 0}, []int{0, 0}))

	acc, kappa := cm.Accuracy()
	assert.Equal(t, 1.0, acc)
	assert.Equal(t, 1.0, kappa)
}

func TestConfMatrix_Empty(t *testing.T) {
	cm := evaluation.NewConfMatrix([]string{"a"})
	acc, kappa := cm.Accuracy()
	assert.Zero(t, acc)
	assert.Zero(t, kappa)
	assert.Equal(t, []float64{0}, cm.Recalls())
}

func TestConfMatrix_AddErrors(t *testing.T) {
	cm := evaluation.NewConfMatrix([]string{"a", "b"})
	assert.Error(t, cm.Add([]int{0}, []int{0, 1}))
	assert.Error(t, cm.Add([]int{0, -1}, []int{0, 1}))
	assert.Error(t, cm.Add([]int{2}, []int{0}))
	assert.Zero(t, cm.Total(), "a failed add counts nothing")
}

func TestConfMatrix_AddSelect(t *testing.T) {
	cm := evaluation.NewConfMatrix([]string{"a", "b"})
	err := cm.AddSelect([]int{0, 1, 1}, []int{0, 0, 1}, []float64{0.9, 0.4, 0.5}, 0.5)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 0}, {0, 0}}, cm.CM)
}

func TestConfMatrix_RecallPrecisionF1(t *testing.T) {
	cm := evaluation.NewConfMatrix([]string{"a", "b", "c"})
	// a: 3 right, 1 as b. b: 2 right. c: never seen, estimated once for b.
	require.NoError(t, cm.Add(
		[]int{0, 0, 0, 0, 1, 1, 1},
		[]int{0, 0, 0, 1, 1, 1, 2},
	))

	recalls := cm.Recalls()
	assert.InDelta(t, 0.75, recalls[0], 1e-9)
	assert.InDelta(t, 2.0/3, recalls[1], 1e-9)
	assert.Zero(t, recalls[2])

	precisions := cm.Precisions()
	assert.InDelta(t, 1.0, precisions[0], 1e-9)
	assert.InDelta(t, 2.0/3, precisions[1], 1e-9)
	assert.Zero(t, precisions[2])

	f1s := cm.F1s()
	assert.InDelta(t, 2*0.75/1.75, f1s[0], 1e-9)
	assert.InDelta(t, 2.0/3, f1s[1], 1e-9)
	assert.Zero(t, f1s[2])
}

func TestConfMatrix_SortByPrevalence(t *testing.T) {
	cm := evaluation.NewConfMatrix([]string{"rare", "common", "mid"})
	require.NoError(t, cm.Add(
		[]int{0, 1, 1, 1, 2, 2},
		[]int{1, 1, 1, 2, 2, 0},
	))
	cm.Sort()

	assert.Equal(t, []string{"common", "mid", "rare"}, cm.Labels)
	assert.Equal(t, []int{3, 2, 1}, cm.RowTotals())
	// common->common twice, common->mid once
	assert.Equal(t, []int{2, 1, 0}, cm.CM[0])
	// mid->mid once, mid->rare once
	assert.Equal(t, []int{0, 1, 1}, cm.CM[1])
	// rare->common once
	assert.Equal(t, []int{1, 0, 0}, cm.CM[2])
}

func TestConfMatrix_Cut(t *testing.T) {
	cm := evaluation.NewConfMatrix([]string{"a", "b", "c", "d"})
	require.NoError(t, cm.Add([]int{0, 1, 2, 3, 3}, []int{0, 2, 3, 2, 0}))
	cm.Cut(2)

	assert.Equal(t, []string{"a", "b", evaluation.OtherClass}, cm.Labels)
	assert.Equal(t, [][]int{{1, 0, 0}, {0, 0, 1}, {1, 0, 2}}, cm.CM)
	assert.Equal(t, 5, cm.Total())
}

func TestConfMatrix_CutNoop(t *testing.T) {
	cm := evaluation.NewConfMatrix([]string{"a", "b"})
	cm.Cut(5)
	assert.Equal(t, []string{"a", "b"}, cm.Labels)
}

func TestConfMatrix_CollapseValidation(t *testing.T) {
	cm := evaluation.NewConfMatrix([]string{"a", "b"})
	assert.Error(t, cm.Collapse([]int{0}, []string{"x"}))
	assert.Error(t, cm.Collapse([]int{0, 0}, []string{"x", "y"}))
	assert.NoError(t, cm.Collapse([]int{0, 0}, []string{"x"}))
	assert.Equal(t, 1, cm.NClasses())
}

func TestConfMatrix_RowPercentages(t *testing.T) {
	cm := evaluation.NewConfMatrix([]string{"a", "b"})
	require.NoError(t, cm.Add([]int{0, 0, 0}, []int{0, 0, 1}))
	assert.Equal(t, [][]int{{67, 33}, {0, 0}}, cm.RowPercentages())
}
