package vision_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coralnet/visionbackend/internal/config"
	"github.com/coralnet/visionbackend/internal/jobs"
	"github.com/coralnet/visionbackend/internal/spacer"
	"github.com/coralnet/visionbackend/internal/store"
	"github.com/coralnet/visionbackend/internal/vision"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type harness struct {
	st     *store.MemoryStore
	queue  *jobs.Queue
	runner *jobs.Runner
	spacer spacer.Queue
	svc    *vision.Service
}

func testConfig() vision.Config {
	return vision.Config{
		VisionConfig: config.VisionConfig{
			NewClassifierTrainTH:       1.1,
			NewClassifierImprovementTH: 1.01,
			MinClassifierAccuracy:      0.01,
			MinNbrAnnotatedImages:      3,
			NbrScoresPerAnnotation:     5,
			NbrTrainingEpochs:          2,
			MaxImagePixels:             10_000 * 10_000,
			FeatureExtractor:           "efficientnet_b0_ver1",
			ValSplitEvery:              2,
		},
		CollectTimeout:  time.Minute,
		LostAfter:       30 * time.Minute,
		CollectInterval: time.Minute,
	}
}

func newHarness(t *testing.T, sq spacer.Queue, mutate ...func(*vision.Config)) *harness {
	t.Helper()
	if sq == nil {
		sq = spacer.NewLocalQueue(spacer.NewProcessor())
	}
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	st := store.NewMemoryStore()
	reg := jobs.NewRegistry()
	q := jobs.NewQueue(st, reg)
	svc := vision.NewService(st, q, sq, cfg)
	require.NoError(t, svc.Register(reg))
	return &harness{st: st, queue: q, runner: jobs.NewRunner(q, st, 1), spacer: sq, svc: svc}
}

// run claims and runs the pending job with this name and argument.
func (h *harness) run(t *testing.T, name string, arg uuid.UUID) *models.Job {
	t.Helper()
	ctx := context.Background()
	ran, err := h.runner.RunPending(ctx, name, []string{arg.String()})
	require.NoError(t, err)
	require.True(t, ran, "no pending %s job for %s", name, arg)
	job, err := h.st.GetLatestJob(ctx, name, arg.String())
	require.NoError(t, err)
	return job
}

// check queues and runs a source check, returning its result message.
func (h *harness) check(t *testing.T, sourceID uuid.UUID) string {
	t.Helper()
	_, err := h.svc.QueueSourceCheck(context.Background(), sourceID, 0)
	require.NoError(t, err)
	job := h.run(t, vision.JobCheckSource, sourceID)
	require.Equal(t, models.JobStatusSuccess, job.Status, "check failed: %v", job.ResultMessage)
	return *job.ResultMessage
}

func (h *harness) collect(t *testing.T) string {
	t.Helper()
	msg, err := h.svc.CollectSpacerJobs(context.Background(), nil)
	require.NoError(t, err)
	return msg
}

func (h *harness) pendingArgs(t *testing.T, name string) []string {
	t.Helper()
	pending, err := h.st.ListJobs(context.Background(), store.JobFilter{
		JobName:  name,
		Statuses: []models.JobStatus{models.JobStatusPending},
	})
	require.NoError(t, err)
	var args []string
	for _, j := range pending {
		args = append(args, j.ArgIdentifier)
	}
	return args
}

type testSource struct {
	source      *models.Source
	coral, sand uuid.UUID
	confirmed   []*models.Image
	unconfirmed []*models.Image
}

var base = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

// seedSource creates a source whose confirmed images are labeled
// coral, coral, sand at their three points.
func seedSource(t *testing.T, st store.Store, nConfirmed, nUnconfirmed int) *testSource {
	t.Helper()
	ctx := context.Background()
	ts := &testSource{
		source: &models.Source{ID: uuid.New(), Name: "Moorea", EnableRobotClassifier: true, CreatedAt: base},
		coral:  uuid.New(),
		sand:   uuid.New(),
	}
	require.NoError(t, st.CreateSource(ctx, ts.source))

	hard, other := uuid.New(), uuid.New()
	require.NoError(t, st.CreateLabelGroup(ctx, &models.LabelGroup{ID: hard, Name: "Hard coral", Code: "HC"}))
	require.NoError(t, st.CreateLabelGroup(ctx, &models.LabelGroup{ID: other, Name: "Other", Code: "Other"}))
	require.NoError(t, st.CreateLabel(ctx, &models.Label{ID: ts.coral, Name: "Porites", DefaultCode: "Por", GroupID: hard}))
	require.NoError(t, st.CreateLabel(ctx, &models.Label{ID: ts.sand, Name: "Sand", DefaultCode: "Sand", GroupID: other}))
	require.NoError(t, st.AddLocalLabel(ctx, &models.LocalLabel{SourceID: ts.source.ID, LabelID: ts.coral, Code: "Por"}))
	require.NoError(t, st.AddLocalLabel(ctx, &models.LocalLabel{SourceID: ts.source.ID, LabelID: ts.sand, Code: "Sand"}))

	for i := range nConfirmed + nUnconfirmed {
		confirmed := i < nConfirmed
		img := addImage(t, st, ts.source.ID, base.Add(time.Duration(i)*time.Minute), confirmed)
		if confirmed {
			points, err := st.ListPoints(ctx, img.ID)
			require.NoError(t, err)
			for j, p := range points {
				label := ts.coral
				if j == 2 {
					label = ts.sand
				}
				annotate(t, st, img, p, label, nil)
			}
			ts.confirmed = append(ts.confirmed, img)
		} else {
			ts.unconfirmed = append(ts.unconfirmed, img)
		}
	}
	return ts
}

func addImage(t *testing.T, st store.Store, sourceID uuid.UUID, created time.Time, confirmed bool) *models.Image {
	t.Helper()
	ctx := context.Background()
	img := &models.Image{
		ID:        uuid.New(),
		SourceID:  sourceID,
		Name:      created.Format("150405") + ".jpg",
		Width:     400,
		Height:    300,
		Confirmed: confirmed,
		CreatedAt: created,
	}
	require.NoError(t, st.CreateImage(ctx, img))
	for j, rc := range []models.RowCol{{Row: 10, Column: 20}, {Row: 100, Column: 200}, {Row: 250, Column: 350}} {
		require.NoError(t, st.CreatePoint(ctx, &models.Point{
			ID: uuid.New(), ImageID: img.ID, PointNumber: j + 1, Row: rc.Row, Column: rc.Column,
		}))
	}
	return img
}

func annotate(t *testing.T, st store.Store, img *models.Image, p *models.Point, label uuid.UUID, robot *uuid.UUID) {
	t.Helper()
	user := "alice"
	if robot != nil {
		user = models.RobotUserName
	}
	require.NoError(t, st.SaveAnnotation(context.Background(), &models.Annotation{
		ID:             uuid.New(),
		PointID:        p.ID,
		ImageID:        img.ID,
		SourceID:       img.SourceID,
		LabelID:        label,
		UserName:       user,
		RobotVersionID: robot,
		AnnotationDate: base,
	}))
}

// trainSource takes a fresh source through extraction, training and
// classification of its unconfirmed images, returning the valid classifier.
func trainSource(t *testing.T, h *harness, ts *testSource) *models.Classifier {
	t.Helper()
	ctx := context.Background()
	n := len(ts.confirmed) + len(ts.unconfirmed)

	require.Equal(t, countMsg("Queued %d feature extraction(s)", n), h.check(t, ts.source.ID))
	for _, img := range append(append([]*models.Image{}, ts.confirmed...), ts.unconfirmed...) {
		h.run(t, vision.JobExtractFeatures, img.ID)
	}
	require.Equal(t, countMsg("Jobs collected: %d success, 0 failure", n), h.collect(t))

	require.Equal(t, "Queued training", h.check(t, ts.source.ID))
	h.run(t, vision.JobTrainClassifier, ts.source.ID)
	require.Equal(t, "Jobs collected: 1 success, 0 failure", h.collect(t))

	clf, err := h.st.GetValidClassifier(ctx, ts.source.ID)
	require.NoError(t, err)

	for _, img := range ts.unconfirmed {
		h.run(t, vision.JobClassifyFeatures, img.ID)
	}
	require.Equal(t, countMsg("Jobs collected: %d success, 0 failure", len(ts.unconfirmed)), h.collect(t))
	return clf
}

func countMsg(format string, n int) string {
	return fmt.Sprintf(format, n)
}
