package evaluation_test

import (
	"strings"
	"testing"

	"github.com/coralnet/visionbackend/internal/evaluation"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLabel struct {
	id    uuid.UUID
	name  string
	code  string
	group string
}

func lookupFor(labels ...testLabel) evaluation.LabelLookup {
	var sl []*models.SourceLabel
	for _, l := range labels {
		sl = append(sl, &models.SourceLabel{LabelID: l.id, Name: l.name, Code: l.code, GroupName: l.group})
	}
	return evaluation.SourceLabelLookup(sl)
}

func ids(labels ...testLabel) []uuid.UUID {
	out := make([]uuid.UUID, len(labels))
	for i, l := range labels {
		out[i] = l.id
	}
	return out
}

var (
	acropora = testLabel{uuid.New(), "Acropora", "Acrop", "Hard coral"}
	porites  = testLabel{uuid.New(), "Porites", "Porit", "Hard coral"}
	sand     = testLabel{uuid.New(), "Sand", "Sand", "Other"}
	turf     = testLabel{uuid.New(), "Turf algae", "Turf", "Algae"}
)

func TestLabelsetMapper_FullIsIdentity(t *testing.T) {
	labels := []testLabel{sand, acropora, turf, porites}
	classmap, names, err := evaluation.LabelsetMapper(evaluation.ModeFull, ids(labels...), lookupFor(labels...))
	require.NoError(t, err)

	assert.Equal(t, map[int]int{0: 0, 1: 1, 2: 2, 3: 3}, classmap)
	assert.Equal(t, []string{"Sand (Sand)", "Acropora (Acrop)", "Turf algae (Turf)", "Porites (Porit)"}, names)
}

func TestLabelsetMapper_FullTruncatesLongNames(t *testing.T) {
	exact := testLabel{uuid.New(), strings.Repeat("a", 30), "A30", "G"}
	long := testLabel{uuid.New(), strings.Repeat("b", 31), "B31", "G"}
	unicode := testLabel{uuid.New(), strings.Repeat("é", 40), "E40", "G"}

	_, names, err := evaluation.LabelsetMapper(evaluation.ModeFull, ids(exact, long, unicode), lookupFor(exact, long, unicode))
	require.NoError(t, err)

	assert.Equal(t, strings.Repeat("a", 30)+" (A30)", names[0])
	assert.Equal(t, strings.Repeat("b", 27)+"... (B31)", names[1])
	assert.Equal(t, strings.Repeat("é", 27)+"... (E40)", names[2])
}

func TestLabelsetMapper_FuncCollapsesGroups(t *testing.T) {
	labels := []testLabel{sand, acropora, turf, porites}
	classmap, names, err := evaluation.LabelsetMapper(evaluation.ModeFunc, ids(labels...), lookupFor(labels...))
	require.NoError(t, err)

	assert.Equal(t, []string{"Other", "Hard coral", "Algae"}, names)
	assert.Equal(t, map[int]int{0: 0, 1: 1, 2: 2, 3: 1}, classmap)
}

func TestLabelsetMapper_UnknownMode(t *testing.T) {
	_, _, err := evaluation.LabelsetMapper("grouped", ids(sand), lookupFor(sand))
	require.Error(t, err)
	assert.Equal(t, "labelmode grouped not recognized", err.Error())
}

func TestLabelsetMapper_LabelOutsideLabelset(t *testing.T) {
	_, _, err := evaluation.LabelsetMapper(evaluation.ModeFull, ids(sand, turf), lookupFor(sand))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in the source's labelset")
}

func TestLabelsetMapper_Empty(t *testing.T) {
	classmap, names, err := evaluation.LabelsetMapper(evaluation.ModeFull, nil, lookupFor())
	require.NoError(t, err)
	assert.Empty(t, classmap)
	assert.Empty(t, names)
}

func TestMapLabels(t *testing.T) {
	got := evaluation.MapLabels([]int{0, 3, 1, 7}, map[int]int{0: 0, 1: 1, 2: 2, 3: 1})
	assert.Equal(t, []int{0, 1, 1, -1}, got)
}
