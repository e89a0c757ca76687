package spacer

import (
	"fmt"
	"net/url"
	"slices"
	"sync"

	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
)

// Processor is an in-process stand-in for the compute service. Its
// classifiers predict the label frequencies seen in training, which makes
// every result deterministic.
type Processor struct {
	mu         sync.Mutex
	features   map[uuid.UUID][]models.RowCol
	models     map[uuid.UUID]*priorModel
	extractors map[string]bool
}

type priorModel struct {
	classes []uuid.UUID
	prior   []float64
}

func (m *priorModel) top() int {
	best := 0
	for i, p := range m.prior {
		if p > m.prior[best] {
			best = i
		}
	}
	return best
}

func NewProcessor() *Processor {
	return &Processor{
		features:   map[uuid.UUID][]models.RowCol{},
		models:     map[uuid.UUID]*priorModel{},
		extractors: map[string]bool{},
	}
}

// Process runs one job and always returns a result; failures are reported
// through JobReturnMsg.OK and ErrorMessage.
func (p *Processor) Process(msg *JobMsg) *JobReturnMsg {
	res := &JobReturnMsg{OriginalJob: *msg}
	if err := msg.Validate(); err != nil {
		res.ErrorMessage = err.Error()
		return res
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	switch msg.TaskName {
	case TaskExtractFeatures:
		res.ExtractFeatures, err = p.extract(msg.ExtractFeatures)
	case TaskTrainClassifier:
		res.TrainClassifier, err = p.train(msg.TrainClassifier)
	case TaskClassifyFeatures:
		res.Classify, err = p.classifyFeatures(msg.ClassifyFeatures)
	case TaskClassifyImage:
		res.Classify, err = p.classifyImage(msg.ClassifyImage)
	}
	if err != nil {
		res.ErrorMessage = err.Error()
		return res
	}
	res.OK = true
	return res
}

func (p *Processor) extract(msg *ExtractFeaturesMsg) (*ExtractFeaturesReturnMsg, error) {
	if msg.FeatureExtractor == "" {
		return nil, fmt.Errorf("feature extractor not specified")
	}
	cached := p.extractors[msg.FeatureExtractor]
	p.extractors[msg.FeatureExtractor] = true
	p.features[msg.ImageID] = slices.Clone(msg.RowCols)
	return &ExtractFeaturesReturnMsg{
		Runtime:        0.01 * float64(len(msg.RowCols)),
		ModelWasCached: cached,
	}, nil
}

func (p *Processor) checkFeatures(images []ImageLabels) error {
	for _, img := range images {
		rowcols, ok := p.features[img.ImageID]
		if !ok {
			return fmt.Errorf("features for image %s not found", img.ImageID)
		}
		for _, pt := range img.Points {
			if !slices.Contains(rowcols, models.RowCol{Row: pt.Row, Column: pt.Column}) {
				return fmt.Errorf("point (%d, %d) of image %s has no features", pt.Row, pt.Column, img.ImageID)
			}
		}
	}
	return nil
}

func (p *Processor) train(msg *TrainClassifierMsg) (*TrainClassifierReturnMsg, error) {
	if err := p.checkFeatures(msg.TrainLabels); err != nil {
		return nil, err
	}
	if err := p.checkFeatures(msg.ValLabels); err != nil {
		return nil, err
	}

	trainSet := UniqueLabels(msg.TrainLabels)
	valSet := UniqueLabels(msg.ValLabels)
	var classes []uuid.UUID
	for id := range trainSet {
		if valSet[id] {
			classes = append(classes, id)
		}
	}
	if len(classes) < 2 {
		return nil, fmt.Errorf("training requires at least 2 unique labels, got %d", len(classes))
	}
	slices.SortFunc(classes, func(a, b uuid.UUID) int {
		return slices.Compare(a[:], b[:])
	})
	index := make(map[uuid.UUID]int, len(classes))
	for i, id := range classes {
		index[id] = i
	}

	counts := make([]float64, len(classes))
	total := 0.0
	for _, img := range msg.TrainLabels {
		for _, pt := range img.Points {
			if i, ok := index[pt.LabelID]; ok {
				counts[i]++
				total++
			}
		}
	}
	model := &priorModel{classes: classes, prior: make([]float64, len(classes))}
	for i, c := range counts {
		model.prior[i] = c / total
	}

	top := model.top()
	val := &models.ValResult{Classes: classes}
	var valLabels []uuid.UUID
	for _, img := range msg.ValLabels {
		for _, pt := range img.Points {
			i, ok := index[pt.LabelID]
			if !ok {
				continue
			}
			val.GT = append(val.GT, i)
			val.Est = append(val.Est, top)
			val.Scores = append(val.Scores, model.prior[top])
			valLabels = append(valLabels, pt.LabelID)
		}
	}
	acc := model.accuracy(valLabels)

	pcAccs := make([]float64, 0, len(msg.PreviousIDs))
	for _, id := range msg.PreviousIDs {
		prev, ok := p.models[id]
		if !ok {
			return nil, fmt.Errorf("previous classifier %s not found", id)
		}
		pcAccs = append(pcAccs, prev.accuracy(valLabels))
	}

	epochs := max(msg.Epochs, 1)
	refAccs := make([]float64, epochs)
	for i := range refAccs {
		refAccs[i] = acc * float64(i+1) / float64(epochs)
	}

	p.models[msg.ClassifierID] = model
	return &TrainClassifierReturnMsg{
		Acc:       acc,
		PcAccs:    pcAccs,
		RefAccs:   refAccs,
		Runtime:   0.1 * float64(epochs),
		ValResult: val,
	}, nil
}

// accuracy is the share of labels equal to the model's top prediction.
func (m *priorModel) accuracy(labels []uuid.UUID) float64 {
	if len(labels) == 0 {
		return 0
	}
	top := m.classes[m.top()]
	correct := 0
	for _, l := range labels {
		if l == top {
			correct++
		}
	}
	return float64(correct) / float64(len(labels))
}

func (m *priorModel) classify(rowcols []models.RowCol) *ClassifyReturnMsg {
	res := &ClassifyReturnMsg{
		Classes:     slices.Clone(m.classes),
		ValidRowCol: true,
		Runtime:     0.001 * float64(len(rowcols)),
	}
	for _, rc := range rowcols {
		res.Scores = append(res.Scores, PointScores{
			Row:    rc.Row,
			Column: rc.Column,
			Scores: slices.Clone(m.prior),
		})
	}
	return res
}

func (p *Processor) classifyFeatures(msg *ClassifyFeaturesMsg) (*ClassifyReturnMsg, error) {
	model, ok := p.models[msg.ClassifierID]
	if !ok {
		return nil, fmt.Errorf("classifier %s not found", msg.ClassifierID)
	}
	rowcols, ok := p.features[msg.ImageID]
	if !ok {
		return nil, fmt.Errorf("features for image %s not found", msg.ImageID)
	}
	return model.classify(rowcols), nil
}

func (p *Processor) classifyImage(msg *ClassifyImageMsg) (*ClassifyReturnMsg, error) {
	u, err := url.Parse(msg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid image URL: %s", msg.URL)
	}
	model, ok := p.models[msg.ClassifierID]
	if !ok {
		return nil, fmt.Errorf("classifier %s not found", msg.ClassifierID)
	}
	return model.classify(msg.RowCols), nil
}
