package vision_test

import (
	"context"
	"testing"
	"time"

	"github.com/coralnet/visionbackend/internal/spacer"
	"github.com/coralnet/visionbackend/internal/store"
	"github.com/coralnet/visionbackend/internal/vision"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	tests := []struct {
		name string
		acc  float64
		prev *float64
		want models.ClassifierStatus
	}{
		{"first classifier", 0.5, nil, models.ClassifierStatusAccepted},
		{"at minimum accuracy", 0.01, nil, models.ClassifierStatusRejectedAccuracy},
		{"clear improvement", 0.8, f(0.7), models.ClassifierStatusAccepted},
		{"exactly the threshold", 0.707, f(0.7), models.ClassifierStatusAccepted},
		{"just below the threshold", 0.706, f(0.7), models.ClassifierStatusRejectedAccuracy},
		{"worse", 0.6, f(0.7), models.ClassifierStatusRejectedAccuracy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, vision.Decide(tt.acc, tt.prev, 0.01, 1.01))
		})
	}
}

// extractedSource seeds a source whose images are already extracted and
// which has one accepted, valid classifier.
func extractedSource(t *testing.T, h *harness, nConfirmed, nUnconfirmed int) (*testSource, *models.Classifier) {
	t.Helper()
	ctx := context.Background()
	ts := seedSource(t, h.st, nConfirmed, nUnconfirmed)
	for _, img := range append(append([]*models.Image{}, ts.confirmed...), ts.unconfirmed...) {
		require.NoError(t, h.st.UpdateImageFeatures(ctx, img.ID, store.FeaturesUpdate{Extracted: boolPtr(true)}))
	}
	acc := 0.6
	prev := &models.Classifier{
		ID:         uuid.New(),
		SourceID:   ts.source.ID,
		Status:     models.ClassifierStatusAccepted,
		Valid:      true,
		Accuracy:   &acc,
		CreateDate: base,
	}
	require.NoError(t, h.st.CreateClassifier(ctx, prev))
	return ts, prev
}

// submitTraining runs a source check and the training job it queues.
func submitTraining(t *testing.T, h *harness, fq *fakeQueue, ts *testSource) (*models.Job, *spacer.JobMsg) {
	t.Helper()
	require.Equal(t, "Queued training", h.check(t, ts.source.ID))
	job := h.run(t, vision.JobTrainClassifier, ts.source.ID)
	require.Equal(t, models.JobStatusInProgress, job.Status)
	return job, fq.last()
}

func TestSubmitClassifier(t *testing.T) {
	fq := &fakeQueue{}
	h := newHarness(t, fq)
	ts, prev := extractedSource(t, h, 4, 1)

	job, msg := submitTraining(t, h, fq, ts)
	require.NotNil(t, msg.TrainClassifier)
	train := msg.TrainClassifier
	assert.Equal(t, []uuid.UUID{prev.ID}, train.PreviousIDs)
	assert.Equal(t, 2, train.Epochs)
	assert.Equal(t, "efficientnet_b0_ver1", train.FeatureExtractor)
	assert.Len(t, train.TrainLabels, 2)
	assert.Len(t, train.ValLabels, 2)
	assert.Equal(t, ts.confirmed[1].ID, train.ValLabels[0].ImageID)
	assert.Len(t, train.TrainLabels[0].Points, 3)

	clf, err := h.st.GetClassifier(context.Background(), train.ClassifierID)
	require.NoError(t, err)
	assert.Equal(t, models.ClassifierStatusPending, clf.Status)
	assert.Equal(t, 4, clf.NbrTrainImages)
	assert.Equal(t, job.ID, *clf.TrainJobID)
}

func TestSubmitClassifier_LackingUniqueLabels(t *testing.T) {
	fq := &fakeQueue{}
	h := newHarness(t, fq)
	ts := seedSource(t, h.st, 0, 0)
	ctx := context.Background()
	for i := range 4 {
		img := addImage(t, h.st, ts.source.ID, base.Add(time.Duration(i)*time.Minute), true)
		require.NoError(t, h.st.UpdateImageFeatures(ctx, img.ID, store.FeaturesUpdate{Extracted: boolPtr(true)}))
		points, err := h.st.ListPoints(ctx, img.ID)
		require.NoError(t, err)
		for _, p := range points {
			annotate(t, h.st, img, p, ts.sand, nil)
		}
	}

	require.Equal(t, "Queued training", h.check(t, ts.source.ID))
	job := h.run(t, vision.JobTrainClassifier, ts.source.ID)
	assert.Equal(t, models.JobStatusFailure, job.Status)
	assert.Contains(t, *job.ResultMessage, "Training requires at least 2 unique labels.")
	assert.Empty(t, fq.submitted)

	classifiers, err := h.st.ListClassifiers(ctx, ts.source.ID)
	require.NoError(t, err)
	require.Len(t, classifiers, 1)
	assert.Equal(t, models.ClassifierStatusLackingUniqueLabels, classifiers[0].Status)
}

func TestCollectTraining_Accept(t *testing.T) {
	fq := &fakeQueue{}
	h := newHarness(t, fq)
	ts, prev := extractedSource(t, h, 4, 2)
	ctx := context.Background()

	job, msg := submitTraining(t, h, fq, ts)
	fq.push(&spacer.JobReturnMsg{OriginalJob: *msg, OK: true, TrainClassifier: &spacer.TrainClassifierReturnMsg{
		Acc: 0.9, PcAccs: []float64{0.8}, RefAccs: []float64{0.5, 0.9}, Runtime: 12,
		ValResult: &models.ValResult{GT: []int{0}, Est: []int{0}, Scores: []float64{0.9}, Classes: []uuid.UUID{ts.coral}},
	}})
	assert.Equal(t, "Jobs collected: 1 success, 0 failure", h.collect(t))

	clfID := msg.TrainClassifier.ClassifierID
	got, err := h.st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "Classifier "+clfID.String()+" accepted with accuracy 0.900", *got.ResultMessage)
	assert.True(t, got.Persist)

	valid, err := h.st.GetValidClassifier(ctx, ts.source.ID)
	require.NoError(t, err)
	assert.Equal(t, clfID, valid.ID)
	assert.Equal(t, models.ClassifierStatusAccepted, valid.Status)
	assert.InDelta(t, 12, *valid.RuntimeTrainSecs, 1e-9)
	require.NotNil(t, valid.ValResult)

	old, err := h.st.GetClassifier(ctx, prev.ID)
	require.NoError(t, err)
	assert.False(t, old.Valid)
	assert.InDelta(t, 0.8, *old.Accuracy, 1e-9, "previous accuracy is re-evaluated")

	assert.ElementsMatch(t, []string{ts.unconfirmed[0].ID.String(), ts.unconfirmed[1].ID.String()},
		h.pendingArgs(t, vision.JobClassifyFeatures))
}

func TestCollectTraining_RejectKeepsPreviousClassifier(t *testing.T) {
	fq := &fakeQueue{}
	h := newHarness(t, fq)
	ts, prev := extractedSource(t, h, 4, 1)
	ctx := context.Background()

	_, msg := submitTraining(t, h, fq, ts)
	fq.push(&spacer.JobReturnMsg{OriginalJob: *msg, OK: true, TrainClassifier: &spacer.TrainClassifierReturnMsg{
		Acc: 0.8, PcAccs: []float64{0.8},
	}})
	assert.Equal(t, "Jobs collected: 1 success, 0 failure", h.collect(t))

	valid, err := h.st.GetValidClassifier(ctx, ts.source.ID)
	require.NoError(t, err)
	assert.Equal(t, prev.ID, valid.ID)
	assert.InDelta(t, 0.6, *valid.Accuracy, 1e-9)

	rejected, err := h.st.GetClassifier(ctx, msg.TrainClassifier.ClassifierID)
	require.NoError(t, err)
	assert.Equal(t, models.ClassifierStatusRejectedAccuracy, rejected.Status)
	assert.Empty(t, h.pendingArgs(t, vision.JobClassifyFeatures))
}

func TestCollectTraining_FallsBackToValidAccuracy(t *testing.T) {
	fq := &fakeQueue{}
	h := newHarness(t, fq)
	ts, _ := extractedSource(t, h, 4, 0)
	ctx := context.Background()

	_, msg := submitTraining(t, h, fq, ts)
	// No re-evaluated accuracies: compare against the valid one's 0.6.
	msg.TrainClassifier.PreviousIDs = nil
	fq.push(&spacer.JobReturnMsg{OriginalJob: *msg, OK: true, TrainClassifier: &spacer.TrainClassifierReturnMsg{Acc: 0.605}})
	h.collect(t)

	clf, err := h.st.GetClassifier(ctx, msg.TrainClassifier.ClassifierID)
	require.NoError(t, err)
	assert.Equal(t, models.ClassifierStatusRejectedAccuracy, clf.Status)
}

func TestCollectTraining_MismatchedPreviousAccuracies(t *testing.T) {
	fq := &fakeQueue{}
	h := newHarness(t, fq)
	ts, prev := extractedSource(t, h, 4, 0)
	ctx := context.Background()

	job, msg := submitTraining(t, h, fq, ts)
	fq.push(&spacer.JobReturnMsg{OriginalJob: *msg, OK: true, TrainClassifier: &spacer.TrainClassifierReturnMsg{Acc: 0.9}})
	assert.Equal(t, "Jobs collected: 0 success, 1 failure", h.collect(t))

	got, err := h.st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "Number of previous classifiers doesn't match between job (1) and results (0).", *got.ResultMessage)

	clf, err := h.st.GetClassifier(ctx, msg.TrainClassifier.ClassifierID)
	require.NoError(t, err)
	assert.Equal(t, models.ClassifierStatusRejectedError, clf.Status)

	valid, err := h.st.GetValidClassifier(ctx, ts.source.ID)
	require.NoError(t, err)
	assert.Equal(t, prev.ID, valid.ID)
}

func TestCollectTraining_ErrorWithoutRetry(t *testing.T) {
	fq := &fakeQueue{}
	h := newHarness(t, fq)
	ts, prev := extractedSource(t, h, 4, 0)
	ctx := context.Background()

	job, msg := submitTraining(t, h, fq, ts)
	fq.push(&spacer.JobReturnMsg{OriginalJob: *msg, ErrorMessage: "out of memory"})
	assert.Equal(t, "Jobs collected: 0 success, 1 failure", h.collect(t))

	got, err := h.st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "out of memory", *got.ResultMessage)

	clf, err := h.st.GetClassifier(ctx, msg.TrainClassifier.ClassifierID)
	require.NoError(t, err)
	assert.Equal(t, models.ClassifierStatusTrainError, clf.Status)

	valid, err := h.st.GetValidClassifier(ctx, ts.source.ID)
	require.NoError(t, err)
	assert.Equal(t, prev.ID, valid.ID)
	assert.Empty(t, h.pendingArgs(t, vision.JobTrainClassifier))
}

func TestCollectTraining_ErrorRetries(t *testing.T) {
	tests := []struct {
		name        string
		priorErrors int
		wantDelay   time.Duration
	}{
		{"first failure", 0, 3 * time.Hour},
		{"third failure", 2, 8 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fq := &fakeQueue{}
			h := newHarness(t, fq, func(c *vision.Config) { c.TrainRetryEnabled = true })
			ts, _ := extractedSource(t, h, 4, 0)
			ctx := context.Background()
			for i := range tt.priorErrors {
				require.NoError(t, h.st.CreateClassifier(ctx, &models.Classifier{
					ID: uuid.New(), SourceID: ts.source.ID, Status: models.ClassifierStatusTrainError,
					CreateDate: base.Add(time.Duration(i+1) * time.Hour),
				}))
			}

			_, msg := submitTraining(t, h, fq, ts)
			fq.push(&spacer.JobReturnMsg{OriginalJob: *msg, ErrorMessage: "out of memory"})
			before := time.Now()
			h.collect(t)

			retries, err := h.st.ListJobs(ctx, store.JobFilter{
				JobName:  vision.JobTrainClassifier,
				Statuses: []models.JobStatus{models.JobStatusPending},
			})
			require.NoError(t, err)
			require.Len(t, retries, 1)
			assert.Equal(t, 2, retries[0].AttemptNumber)
			assert.WithinDuration(t, before.Add(tt.wantDelay), *retries[0].ScheduledStartDate, time.Minute)
		})
	}
}
