package commands

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/coralnet/visionbackend/internal/app"
	"github.com/coralnet/visionbackend/internal/config"
	"github.com/coralnet/visionbackend/internal/spacer"
	"github.com/coralnet/visionbackend/internal/store"
	"github.com/coralnet/visionbackend/internal/vision"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useMemoryApp points every command at one shared in-memory App.
func useMemoryApp(t *testing.T) *app.App {
	t.Helper()
	cfg := &config.Config{
		Vision: config.VisionConfig{
			NewClassifierTrainTH:       1.1,
			NewClassifierImprovementTH: 1.01,
			MinNbrAnnotatedImages:      20,
			NbrScoresPerAnnotation:     5,
			ValSplitEvery:              8,
		},
		Jobs: config.JobsConfig{
			MaxDays:           30,
			StuckAfter:        72 * time.Hour,
			SchedulerInterval: time.Second,
			Concurrency:       1,
			ApiJobMaxDays:     30,
		},
	}
	a, err := app.New(cfg, store.NewMemoryStore(), spacer.NewLocalQueue(spacer.NewProcessor()), nil)
	require.NoError(t, err)

	orig := openApp
	openApp = func(context.Context, string) (*app.App, error) { return a, nil }
	t.Cleanup(func() { openApp = orig })
	return a
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	root := Root()
	root.Writer = &buf
	err := root.Run(context.Background(), append([]string{"vbctl"}, args...))
	return buf.String(), err
}

func seedSource(t *testing.T, a *app.App) *models.Source {
	t.Helper()
	now := time.Now().UTC()
	src := &models.Source{
		ID:                    uuid.New(),
		Name:                  "Moorea",
		EnableRobotClassifier: true,
		FeatureExtractor:      "efficientnet_b0_ver1",
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	require.NoError(t, a.Store.CreateSource(context.Background(), src))
	return src
}

func TestJobsList_Empty(t *testing.T) {
	useMemoryApp(t)

	out, err := run(t, "jobs", "list")
	require.NoError(t, err)
	assert.Equal(t, "No jobs\n", out)
}

func TestJobsList_ShowsQueuedJobs(t *testing.T) {
	a := useMemoryApp(t)
	src := seedSource(t, a)
	_, err := a.Vision.QueueSourceCheck(context.Background(), src.ID, 0)
	require.NoError(t, err)

	out, err := run(t, "jobs", "list", "--source-id", src.ID.String(), "--status", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "Check Source")
	assert.Contains(t, out, src.ID.String())
	assert.Contains(t, out, "pending: 1, in progress: 0, success: 0, failure: 0")
}

func TestJobsList_InvalidStatus(t *testing.T) {
	useMemoryApp(t)

	_, err := run(t, "jobs", "list", "--status", "done")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid status "done"`)
}

func TestJobsAbort(t *testing.T) {
	a := useMemoryApp(t)
	src := seedSource(t, a)
	job, err := a.Vision.QueueSourceCheck(context.Background(), src.ID, 0)
	require.NoError(t, err)

	out, err := run(t, "jobs", "abort", job.ID.String(), uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, "Aborted 1 of 2 job(s)\n", out)

	got, err := a.Store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailure, got.Status)
	require.NotNil(t, got.ResultMessage)
	assert.Equal(t, "Aborted manually", *got.ResultMessage)
}

func TestJobsAbort_RequiresIDs(t *testing.T) {
	useMemoryApp(t)

	_, err := run(t, "jobs", "abort")
	require.Error(t, err)

	_, err = run(t, "jobs", "abort", "not-a-uuid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid job id")
}

func TestJobsCleanup(t *testing.T) {
	useMemoryApp(t)

	out, err := run(t, "jobs", "cleanup")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "clean_up_old_jobs: success"))
	assert.True(t, strings.HasPrefix(lines[1], "clean_up_old_api_jobs: success"))
}

func TestJobsRunScheduled(t *testing.T) {
	useMemoryApp(t)

	out, err := run(t, "jobs", "run-scheduled")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "run_scheduled_jobs: success"))
}

func TestSourceCheck(t *testing.T) {
	a := useMemoryApp(t)
	src := seedSource(t, a)

	out, err := run(t, "source", "check", "--source-id", src.ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, vision.JobCheckSource+": success: Can't train first classifier")
}

func TestSourceCheck_UnknownSource(t *testing.T) {
	useMemoryApp(t)

	out, err := run(t, "source", "check", "--source-id", uuid.NewString())
	require.NoError(t, err)
	assert.Contains(t, out, "failure: Can't find source")
}

func TestSourceCheck_RequiresValidID(t *testing.T) {
	useMemoryApp(t)

	_, err := run(t, "source", "check")
	require.Error(t, err)

	_, err = run(t, "source", "check", "--source-id", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --source-id")
}

func TestSourceReset(t *testing.T) {
	a := useMemoryApp(t)
	src := seedSource(t, a)

	out, err := run(t, "source", "reset-classifiers", "--source-id", src.ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, vision.JobResetClassifiersForSource+": success")

	out, err = run(t, "source", "reset-backend", "--source-id", src.ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, vision.JobResetBackendForSource+": success")
}

func TestKeysCreate(t *testing.T) {
	a := useMemoryApp(t)
	ctx := context.Background()

	out, err := run(t, "keys", "create", "--username", "alice", "--name", "ci", "--scope", "deploy", "--scope", "admin")
	require.NoError(t, err)
	assert.Contains(t, out, "Created user alice")
	assert.Contains(t, out, "with scopes deploy,admin")
	assert.Contains(t, out, "vb_")

	user, err := a.Store.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	keys, err := a.Store.ListAPIKeys(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "ci", keys[0].Name)

	// Same user, same name.
	_, err = run(t, "keys", "create", "--username", "alice", "--name", "ci")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has a key")

	out, err = run(t, "keys", "create", "--username", "alice", "--name", "laptop")
	require.NoError(t, err)
	assert.NotContains(t, out, "Created user")
	assert.Contains(t, out, "with scopes deploy")
}

func TestKeysCreate_UnknownScope(t *testing.T) {
	useMemoryApp(t)

	_, err := run(t, "keys", "create", "--username", "bob", "--name", "x", "--scope", "root")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown scope")
}

func TestParseStatuses(t *testing.T) {
	got, err := parseStatuses("pending, failure")
	require.NoError(t, err)
	assert.Equal(t, []models.JobStatus{models.JobStatusPending, models.JobStatusFailure}, got)

	got, err = parseStatuses("")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseStatuses("pending,bogus")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
