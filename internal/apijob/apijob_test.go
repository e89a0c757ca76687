package apijob_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coralnet/visionbackend/internal/apijob"
	"github.com/coralnet/visionbackend/internal/cache"
	"github.com/coralnet/visionbackend/internal/jobs"
	"github.com/coralnet/visionbackend/internal/store"
	"github.com/coralnet/visionbackend/internal/vision"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{data: map[string][]byte{}}
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *memCache) Ping(context.Context) error { return nil }

func (c *memCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}

type fixture struct {
	st    *store.MemoryStore
	queue *jobs.Queue
	cache *memCache
	svc   *apijob.Service
	clf   *models.Classifier
	user  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	q := jobs.NewQueue(st, jobs.NewRegistry())
	c := newMemCache()

	source := &models.Source{ID: uuid.New(), Name: "Moorea", EnableRobotClassifier: true, CreatedAt: time.Now()}
	require.NoError(t, st.CreateSource(ctx, source))
	clf := &models.Classifier{ID: uuid.New(), SourceID: source.ID, Status: models.ClassifierStatusAccepted, CreateDate: time.Now()}
	require.NoError(t, st.CreateClassifier(ctx, clf))

	return &fixture{st: st, queue: q, cache: c, svc: apijob.NewService(st, q, c, 30), clf: clf, user: uuid.New()}
}

func intPtr(v int) *int { return &v }

func deployInput(urls ...string) *apijob.DeployInput {
	in := &apijob.DeployInput{}
	for _, u := range urls {
		in.Data = append(in.Data, apijob.DeployImage{
			Type: "image",
			Attributes: apijob.DeployAttributes{
				URL:    u,
				Points: []apijob.PointInput{{Row: intPtr(10), Column: intPtr(20)}, {Row: intPtr(0), Column: intPtr(5)}},
			},
		})
	}
	return in
}

func TestDeployInput_Validate(t *testing.T) {
	tooMany := deployInput()
	for range apijob.MaxImages + 1 {
		tooMany.Data = append(tooMany.Data, deployInput("https://example.com/a.jpg").Data[0])
	}
	manyPoints := deployInput("https://example.com/a.jpg")
	for range apijob.MaxPoints {
		manyPoints.Data[0].Attributes.Points = append(manyPoints.Data[0].Attributes.Points,
			apijob.PointInput{Row: intPtr(1), Column: intPtr(1)})
	}
	negative := deployInput("https://example.com/a.jpg")
	negative.Data[0].Attributes.Points[1].Column = intPtr(-1)
	missingRow := deployInput("https://example.com/a.jpg")
	missingRow.Data[0].Attributes.Points[0].Row = nil
	wrongType := deployInput("https://example.com/a.jpg")
	wrongType.Data[0].Type = "video"
	noPoints := deployInput("https://example.com/a.jpg")
	noPoints.Data[0].Attributes.Points = nil

	tests := []struct {
		name string
		in   *apijob.DeployInput
		want string
	}{
		{"no images", &apijob.DeployInput{Data: []apijob.DeployImage{}}, "data must have at least 1 item(s)"},
		{"missing data", deployInput(), "data is required"},
		{"too many images", tooMany, "data must have at most 100 item(s)"},
		{"too many points", manyPoints, "data[0].attributes.points must have at most 1000 item(s)"},
		{"negative column", negative, "data[0].attributes.points[1].column must be at least 0"},
		{"missing row", missingRow, "data[0].attributes.points[0].row is required"},
		{"wrong type", wrongType, `data[0].type must be "image"`},
		{"no points", noPoints, "data[0].attributes.points is required"},
		{"bad url", deployInput("not a url"), "data[0].attributes.url must be a URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			var verr *apijob.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Details, tt.want)
		})
	}

	assert.NoError(t, deployInput("https://example.com/a.jpg").Validate())
}

func TestCreateDeployJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	apiJob, err := f.svc.CreateDeployJob(ctx, f.user, f.clf.ID, deployInput("https://example.com/a.jpg", "https://example.com/b.jpg"))
	require.NoError(t, err)
	assert.Equal(t, apijob.TypeDeploy, apiJob.Type)
	assert.Equal(t, f.user, apiJob.UserID)

	units, err := f.st.ListApiJobUnits(ctx, apiJob.ID)
	require.NoError(t, err)
	require.Len(t, units, 2)
	for i, u := range units {
		assert.Equal(t, i, u.OrderInParent)
		assert.Equal(t, 2, u.Size)
		assert.Equal(t, models.JobStatusPending, u.Status())

		var req models.DeployRequest
		require.NoError(t, json.Unmarshal(u.RequestJSON, &req))
		assert.Equal(t, f.clf.ID, req.ClassifierID)
		assert.Equal(t, i, req.ImageOrder)
		assert.Equal(t, []models.RowCol{{Row: 10, Column: 20}, {Row: 0, Column: 5}}, req.Points)

		job, err := f.st.GetJob(ctx, *u.InternalJobID)
		require.NoError(t, err)
		assert.Equal(t, vision.JobClassifyImage, job.JobName)
		assert.Equal(t, u.ID.String(), job.ArgIdentifier)
		assert.Equal(t, f.clf.SourceID, *job.SourceID)
	}
}

func TestCreateDeployJob_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateDeployJob(ctx, f.user, uuid.New(), deployInput("https://example.com/a.jpg"))
	assert.ErrorIs(t, err, apijob.ErrClassifierNotFound)

	_, err = f.svc.CreateDeployJob(ctx, f.user, f.clf.ID, deployInput())
	var verr *apijob.ValidationError
	assert.ErrorAs(t, err, &verr)

	apiJobs, err := f.st.ListApiJobs(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, apiJobs)
}

// finish moves a unit's internal job to its final status.
func finish(t *testing.T, f *fixture, u *models.ApiJobUnit, success bool, message string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.st.UpdateJobStatus(ctx, *u.InternalJobID, models.JobStatusInProgress))
	job, err := f.st.GetJob(ctx, *u.InternalJobID)
	require.NoError(t, err)
	require.NoError(t, f.queue.FinishJob(ctx, job, success, message))
}

func TestStatusAndResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	apiJob, err := f.svc.CreateDeployJob(ctx, f.user, f.clf.ID, deployInput("https://example.com/a.jpg", "https://example.com/b.jpg"))
	require.NoError(t, err)
	units, err := f.st.ListApiJobUnits(ctx, apiJob.ID)
	require.NoError(t, err)

	p, err := f.svc.Status(ctx, f.user, apiJob.ID)
	require.NoError(t, err)
	assert.Equal(t, apijob.StatusPending, p.Status)
	assert.Equal(t, 2, p.Total)

	_, err = f.svc.Status(ctx, uuid.New(), apiJob.ID)
	assert.ErrorIs(t, err, apijob.ErrNotFound, "other users can't see the job")
	_, err = f.svc.Result(ctx, f.user, apiJob.ID)
	assert.ErrorIs(t, err, apijob.ErrNotDone)

	result, err := json.Marshal(models.DeployResult{URL: "https://example.com/a.jpg", Points: []models.DeployPointResult{
		{Row: 10, Column: 20, Classifications: []models.DeployClassification{{LabelID: uuid.New(), LabelName: "Sand", LabelCode: "Sand", Score: 0.9}}},
	}})
	require.NoError(t, err)
	require.NoError(t, f.st.SetApiJobUnitResult(ctx, units[0].ID, result))
	finish(t, f, units[0], true, "Classified 1 point(s)")

	p, err = f.svc.Status(ctx, f.user, apiJob.ID)
	require.NoError(t, err)
	assert.Equal(t, apijob.StatusInProgress, p.Status)
	assert.Equal(t, 1, p.Successes)
	assert.Empty(t, f.cache.data, "unfinished status is not cached")

	finish(t, f, units[1], false, "Spacer job lost: no result after 30m0s")
	p, err = f.svc.Status(ctx, f.user, apiJob.ID)
	require.NoError(t, err)
	assert.True(t, p.Done())
	assert.Equal(t, 1, p.Failures)
	assert.Contains(t, f.cache.data, cache.DeployStatusKey(apiJob.ID))

	res, err := f.svc.Result(ctx, f.user, apiJob.ID)
	require.NoError(t, err)
	require.Len(t, res.Data, 2)
	assert.Equal(t, "https://example.com/a.jpg", res.Data[0].ID)
	assert.Len(t, res.Data[0].Attributes.Points, 1)
	assert.Equal(t, "https://example.com/b.jpg", res.Data[1].Attributes.URL)
	assert.Equal(t, []string{"Spacer job lost: no result after 30m0s"}, res.Data[1].Attributes.Errors)
	assert.Contains(t, f.cache.data, cache.DeployResultKey(apiJob.ID))
}

func TestStatus_UnitWithoutJobCountsAsFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	apiJob := &models.ApiJob{ID: uuid.New(), Type: apijob.TypeDeploy, UserID: f.user, CreateDate: time.Now()}
	require.NoError(t, f.st.CreateApiJob(ctx, apiJob))
	require.NoError(t, f.st.CreateApiJobUnit(ctx, &models.ApiJobUnit{
		ID: uuid.New(), ParentID: apiJob.ID, RequestJSON: json.RawMessage(`{"url":"https://example.com/a.jpg"}`),
	}))

	p, err := f.svc.Status(ctx, f.user, apiJob.ID)
	require.NoError(t, err)
	assert.True(t, p.Done())
	assert.Equal(t, 1, p.Failures)

	res, err := f.svc.Result(ctx, f.user, apiJob.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Classification did not produce a result"}, res.Data[0].Attributes.Errors)
}

func TestDetail_DeletedClassifier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	apiJob, err := f.svc.CreateDeployJob(ctx, f.user, f.clf.ID, deployInput("https://example.com/a.jpg"))
	require.NoError(t, err)

	d, err := f.svc.Detail(ctx, apiJob.ID)
	require.NoError(t, err)
	require.Len(t, d.Units, 1)
	assert.Equal(t, []string{
		"Source: Moorea [Source ID " + f.clf.SourceID.String() + "] [Classifier ID " + f.clf.ID.String() + "]",
		"URL: https://example.com/a.jpg",
		"Point count: 2",
	}, d.Units[0].Request)

	_, err = f.st.DeleteSourceClassifiers(ctx, f.clf.SourceID)
	require.NoError(t, err)
	d, err = f.svc.Detail(ctx, apiJob.ID)
	require.NoError(t, err)
	assert.Equal(t, "Classifier ID "+f.clf.ID.String()+" (deleted)", d.Units[0].Request[0])

	_, err = f.svc.Detail(ctx, uuid.New())
	assert.ErrorIs(t, err, apijob.ErrNotFound)
}

func TestList_Ordering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done, err := f.svc.CreateDeployJob(ctx, f.user, f.clf.ID, deployInput("https://example.com/a.jpg"))
	require.NoError(t, err)
	units, err := f.st.ListApiJobUnits(ctx, done.ID)
	require.NoError(t, err)
	finish(t, f, units[0], true, "")

	running, err := f.svc.CreateDeployJob(ctx, f.user, f.clf.ID, deployInput("https://example.com/b.jpg"))
	require.NoError(t, err)
	units, err = f.st.ListApiJobUnits(ctx, running.ID)
	require.NoError(t, err)
	require.NoError(t, f.st.UpdateJobStatus(ctx, *units[0].InternalJobID, models.JobStatusInProgress))

	pending, err := f.svc.CreateDeployJob(ctx, f.user, f.clf.ID, deployInput("https://example.com/c.jpg"))
	require.NoError(t, err)

	list, err := f.svc.List(ctx, 50)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, running.ID, list[0].ID)
	assert.Equal(t, pending.ID, list[1].ID)
	assert.Equal(t, done.ID, list[2].ID)
	assert.Equal(t, apijob.StatusDone, list[2].Progress.Status)
}

func TestCleanUpOldApiJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := &models.ApiJob{ID: uuid.New(), Type: apijob.TypeDeploy, UserID: f.user, CreateDate: time.Now().Add(-40 * 24 * time.Hour)}
	recent := &models.ApiJob{ID: uuid.New(), Type: apijob.TypeDeploy, UserID: f.user, CreateDate: time.Now()}
	require.NoError(t, f.st.CreateApiJob(ctx, old))
	require.NoError(t, f.st.CreateApiJob(ctx, recent))

	msg, err := f.svc.CleanUpOldApiJobs(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "Cleaned up 1 old API job(s)", msg)

	_, err = f.st.GetApiJob(ctx, old.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.st.GetApiJob(ctx, recent.ID)
	assert.NoError(t, err)

	msg, err = f.svc.CleanUpOldApiJobs(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "No old API jobs to clean up", msg)
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	reg := jobs.NewRegistry()
	require.NoError(t, f.svc.Register(reg))
	task, ok := reg.Get(apijob.CleanUpOldApiJobsName)
	require.True(t, ok)
	assert.True(t, task.Periodic())
}
