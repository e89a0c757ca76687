package evaluation

import (
	"fmt"
	"unicode/utf8"

	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
)

// Label modes accepted by LabelsetMapper.
const (
	ModeFull = "full"
	ModeFunc = "func"
)

const (
	maxNameRunes   = 30
	truncNameRunes = 27
)

// LabelInfo is what the mapper needs to know about a label.
type LabelInfo struct {
	Name      string
	Code      string
	GroupName string
}

// LabelLookup resolves a label id within a source's labelset.
type LabelLookup func(id uuid.UUID) (LabelInfo, error)

// SourceLabelLookup builds a LabelLookup over a source's labelset.
func SourceLabelLookup(labels []*models.SourceLabel) LabelLookup {
	byID := make(map[uuid.UUID]LabelInfo, len(labels))
	for _, l := range labels {
		byID[l.LabelID] = LabelInfo{Name: l.Name, Code: l.Code, GroupName: l.GroupName}
	}
	return func(id uuid.UUID) (LabelInfo, error) {
		info, ok := byID[id]
		if !ok {
			return LabelInfo{}, fmt.Errorf("label %s is not in the source's labelset", id)
		}
		return info, nil
	}
}

// LabelsetMapper maps the class indices of a classifier (positions in
// classIDs) to the classes shown in an evaluation, and names those classes.
//
// In full mode every label is its own class, named "Name (code)". In func
// mode labels collapse into their functional groups, numbered in order of
// first appearance.
func LabelsetMapper(mode string, classIDs []uuid.UUID, lookup LabelLookup) (map[int]int, []string, error) {
	classmap := make(map[int]int, len(classIDs))
	var names []string

	switch mode {
	case ModeFull:
		for i, id := range classIDs {
			info, err := lookup(id)
			if err != nil {
				return nil, nil, err
			}
			names = append(names, fmt.Sprintf("%s (%s)", truncateName(info.Name), info.Code))
			classmap[i] = i
		}

	case ModeFunc:
		groupIndex := map[string]int{}
		for i, id := range classIDs {
			info, err := lookup(id)
			if err != nil {
				return nil, nil, err
			}
			idx, ok := groupIndex[info.GroupName]
			if !ok {
				idx = len(names)
				groupIndex[info.GroupName] = idx
				names = append(names, info.GroupName)
			}
			classmap[i] = idx
		}

	default:
		return nil, nil, fmt.Errorf("labelmode %s not recognized", mode)
	}

	return classmap, names, nil
}

func truncateName(name string) string {
	if utf8.RuneCountInString(name) <= maxNameRunes {
		return name
	}
	return string([]rune(name)[:truncNameRunes]) + "..."
}

// MapLabels applies a classmap to class indices. Indices missing from the
// map become -1.
func MapLabels(labels []int, classmap map[int]int) []int {
	out := make([]int, len(labels))
	for i, l := range labels {
		mapped, ok := classmap[l]
		if !ok {
			mapped = -1
		}
		out[i] = mapped
	}
	return out
}
