// Package commands implements the vbctl subcommands.
package commands

import (
	"context"
	"fmt"

	"github.com/coralnet/visionbackend/internal/app"
	"github.com/coralnet/visionbackend/internal/config"
	"github.com/urfave/cli/v3"
)

// openApp loads configuration and connects. Tests swap it for an in-memory
// App.
var openApp = func(ctx context.Context, envFile string) (*app.App, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return app.Open(ctx, cfg)
}

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "environment file path",
		Value: ".env",
	}
}

func sourceFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "source-id",
		Usage:    "source id",
		Required: true,
	}
}

// Root returns the vbctl command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name:  "vbctl",
		Usage: "operate the vision backend job queue, sources and API keys",
		Commands: []*cli.Command{
			{
				Name:  "jobs",
				Usage: "job queue commands",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "show the job dashboard",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{Name: "source-id", Usage: "only jobs of this source"},
							&cli.StringFlag{Name: "status", Usage: "comma-separated statuses"},
							&cli.IntFlag{Name: "limit", Usage: "maximum rows", Value: 50},
						},
						Action: JobsListAction,
					},
					{
						Name:      "abort",
						Usage:     "fail pending or in-progress jobs",
						ArgsUsage: "<job-id>...",
						Flags:     []cli.Flag{envFlag()},
						Action:    JobsAbortAction,
					},
					{
						Name:   "cleanup",
						Usage:  "delete old jobs and API jobs",
						Flags:  []cli.Flag{envFlag()},
						Action: JobsCleanupAction,
					},
					{
						Name:   "run-scheduled",
						Usage:  "run every due pending job once",
						Flags:  []cli.Flag{envFlag()},
						Action: JobsRunScheduledAction,
					},
				},
			},
			{
				Name:  "source",
				Usage: "source commands",
				Commands: []*cli.Command{
					{
						Name:   "check",
						Usage:  "check a source for extraction, training and classification needs",
						Flags:  []cli.Flag{envFlag(), sourceFlag()},
						Action: SourceCheckAction,
					},
					{
						Name:   "reset-classifiers",
						Usage:  "delete a source's classifiers and unconfirmed annotations",
						Flags:  []cli.Flag{envFlag(), sourceFlag()},
						Action: SourceResetClassifiersAction,
					},
					{
						Name:   "reset-backend",
						Usage:  "reset classifiers and clear extracted features",
						Flags:  []cli.Flag{envFlag(), sourceFlag()},
						Action: SourceResetBackendAction,
					},
				},
			},
			{
				Name:  "keys",
				Usage: "API key commands",
				Commands: []*cli.Command{
					{
						Name:  "create",
						Usage: "create an API key, creating the user if needed",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{Name: "username", Usage: "key owner", Required: true},
							&cli.StringFlag{Name: "name", Usage: "key name", Required: true},
							&cli.StringSliceFlag{Name: "scope", Usage: "scope to grant (repeatable)", Value: []string{"deploy"}},
						},
						Action: KeysCreateAction,
					},
				},
			},
		},
	}
}
