package commands

import (
	"context"
	"fmt"

	"github.com/coralnet/visionbackend/internal/jobs"
	"github.com/coralnet/visionbackend/internal/vision"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
)

// SourceCheckAction runs check_source for one source in the foreground.
func SourceCheckAction(ctx context.Context, cmd *cli.Command) error {
	return runSourceJob(ctx, cmd, vision.JobCheckSource)
}

// SourceResetClassifiersAction deletes a source's classifiers along with
// its unconfirmed annotations and scores.
func SourceResetClassifiersAction(ctx context.Context, cmd *cli.Command) error {
	return runSourceJob(ctx, cmd, vision.JobResetClassifiersForSource)
}

// SourceResetBackendAction resets classifiers and clears extracted features.
func SourceResetBackendAction(ctx context.Context, cmd *cli.Command) error {
	return runSourceJob(ctx, cmd, vision.JobResetBackendForSource)
}

func runSourceJob(ctx context.Context, cmd *cli.Command, name string) error {
	v := cmd.String("source-id")
	sourceID, err := uuid.Parse(v)
	if err != nil {
		return fmt.Errorf("invalid --source-id %q: %w", v, err)
	}

	a, err := openApp(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer a.Close()

	return runNow(ctx, cmd, a.Runner, name, []string{sourceID.String()}, jobs.WithSource(sourceID))
}
