package evaluation

import (
	"fmt"
	"sort"
)

// OtherClass names the bucket that Cut merges trailing classes into.
const OtherClass = "OTHER"

// ConfMatrix counts ground truth (rows) against estimates (columns).
type ConfMatrix struct {
	Labels []string
	CM     [][]int
}

func NewConfMatrix(labels []string) *ConfMatrix {
	return &ConfMatrix{Labels: labels, CM: square(len(labels))}
}

func square(n int) [][]int {
	m := make([][]int, n)
	for i := range m {
		m[i] = make([]int, n)
	}
	return m
}

func (c *ConfMatrix) NClasses() int {
	return len(c.Labels)
}

// Add counts each (gt[i], est[i]) pair.
func (c *ConfMatrix) Add(gt, est []int) error {
	if len(gt) != len(est) {
		return fmt.Errorf("gt and est must have the same length, got %d and %d", len(gt), len(est))
	}
	n := c.NClasses()
	for i := range gt {
		if gt[i] < 0 || gt[i] >= n || est[i] < 0 || est[i] >= n {
			return fmt.Errorf("label index out of range at position %d: gt %d, est %d", i, gt[i], est[i])
		}
	}
	for i := range gt {
		c.CM[gt[i]][est[i]]++
	}
	return nil
}

// AddSelect adds only the pairs whose score is above th.
func (c *ConfMatrix) AddSelect(gt, est []int, scores []float64, th float64) error {
	if len(gt) != len(scores) {
		return fmt.Errorf("gt and scores must have the same length, got %d and %d", len(gt), len(scores))
	}
	if len(gt) != len(est) {
		return fmt.Errorf("gt and est must have the same length, got %d and %d", len(gt), len(est))
	}
	var selGT, selEst []int
	for i, s := range scores {
		if s > th {
			selGT = append(selGT, gt[i])
			selEst = append(selEst, est[i])
		}
	}
	return c.Add(selGT, selEst)
}

// Collapse merges class i into new class collapsemap[i]. labels names the
// resulting classes.
func (c *ConfMatrix) Collapse(collapsemap []int, labels []string) error {
	if len(collapsemap) != c.NClasses() {
		return fmt.Errorf("collapse map has %d entries for %d classes", len(collapsemap), c.NClasses())
	}
	nnew := 0
	for _, to := range collapsemap {
		if to < 0 {
			return fmt.Errorf("collapse map has negative class %d", to)
		}
		nnew = max(nnew, to+1)
	}
	if len(labels) != nnew {
		return fmt.Errorf("collapse to %d classes needs %d labels, got %d", nnew, nnew, len(labels))
	}

	out := square(nnew)
	for i, row := range c.CM {
		for j, v := range row {
			out[collapsemap[i]][collapsemap[j]] += v
		}
	}
	c.CM = out
	c.Labels = labels
	return nil
}

// Sort orders classes from the most to the least frequent ground truth.
func (c *ConfMatrix) Sort() {
	totals := c.RowTotals()
	order := make([]int, c.NClasses())
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return totals[order[a]] > totals[order[b]]
	})

	perm := make([]int, len(order))
	labels := make([]string, len(order))
	for newPos, old := range order {
		perm[old] = newPos
		labels[newPos] = c.Labels[old]
	}
	_ = c.Collapse(perm, labels)
}

// Cut keeps the first n classes and merges the rest into OtherClass.
func (c *ConfMatrix) Cut(n int) {
	if n >= c.NClasses() {
		return
	}
	perm := make([]int, c.NClasses())
	for i := range perm {
		perm[i] = min(i, n)
	}
	labels := append(append([]string{}, c.Labels[:n]...), OtherClass)
	_ = c.Collapse(perm, labels)
}

func (c *ConfMatrix) Total() int {
	total := 0
	for _, row := range c.CM {
		for _, v := range row {
			total += v
		}
	}
	return total
}

func (c *ConfMatrix) RowTotals() []int {
	totals := make([]int, c.NClasses())
	for i, row := range c.CM {
		for _, v := range row {
			totals[i] += v
		}
	}
	return totals
}

func (c *ConfMatrix) colTotals() []int {
	totals := make([]int, c.NClasses())
	for _, row := range c.CM {
		for j, v := range row {
			totals[j] += v
		}
	}
	return totals
}

// Accuracy returns the overall accuracy and Cohen's kappa. An empty matrix
// has both at zero.
func (c *ConfMatrix) Accuracy() (acc, kappa float64) {
	total := float64(c.Total())
	if total == 0 {
		return 0, 0
	}
	diag := 0
	for i := range c.CM {
		diag += c.CM[i][i]
	}
	acc = float64(diag) / total

	rows, cols := c.RowTotals(), c.colTotals()
	pe := 0.0
	for i := range rows {
		pe += (float64(rows[i]) / total) * (float64(cols[i]) / total)
	}
	if pe == 1 {
		return acc, 1
	}
	return acc, (acc - pe) / (1 - pe)
}

// Recalls returns the per-class recall; classes without ground truth get 0.
func (c *ConfMatrix) Recalls() []float64 {
	return diagonalOver(c.CM, c.RowTotals())
}

// Precisions returns the per-class precision; classes never estimated get 0.
func (c *ConfMatrix) Precisions() []float64 {
	return diagonalOver(c.CM, c.colTotals())
}

func (c *ConfMatrix) F1s() []float64 {
	recalls, precisions := c.Recalls(), c.Precisions()
	f1s := make([]float64, len(recalls))
	for i := range f1s {
		if d := recalls[i] + precisions[i]; d > 0 {
			f1s[i] = 2 * recalls[i] * precisions[i] / d
		}
	}
	return f1s
}

func diagonalOver(cm [][]int, totals []int) []float64 {
	out := make([]float64, len(totals))
	for i, t := range totals {
		if t > 0 {
			out[i] = float64(cm[i][i]) / float64(t)
		}
	}
	return out
}

// RowPercentages returns each row normalized to percentages of its total,
// rounded to whole numbers.
func (c *ConfMatrix) RowPercentages() [][]int {
	totals := c.RowTotals()
	out := square(c.NClasses())
	for i, row := range c.CM {
		if totals[i] == 0 {
			continue
		}
		for j, v := range row {
			out[i][j] = int(roundTo(100*float64(v)/float64(totals[i]), 0))
		}
	}
	return out
}
