package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/coralnet/visionbackend/internal/apijob"
	"github.com/coralnet/visionbackend/internal/jobs"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
)

func out(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

// JobsListAction prints the job dashboard as a table.
func JobsListAction(ctx context.Context, cmd *cli.Command) error {
	var sourceID *uuid.UUID
	if v := cmd.String("source-id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return fmt.Errorf("invalid --source-id %q: %w", v, err)
		}
		sourceID = &id
	}
	statuses, err := parseStatuses(cmd.String("status"))
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := jobs.BuildDashboard(ctx, a.Store, sourceID, statuses, time.Now().UTC())
	if err != nil {
		return err
	}

	w := out(cmd)
	if len(d.Jobs) == 0 {
		fmt.Fprintln(w, "No jobs")
		return nil
	}
	entries := d.Jobs
	if limit := cmd.Int("limit"); limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	renderJobs(w, entries)
	fmt.Fprintf(w, "pending: %d, in progress: %d, success: %d, failure: %d\n",
		d.Counts[models.JobStatusPending], d.Counts[models.JobStatusInProgress],
		d.Counts[models.JobStatusSuccess], d.Counts[models.JobStatusFailure])
	return nil
}

func parseStatuses(v string) ([]models.JobStatus, error) {
	if v == "" {
		return nil, nil
	}
	var statuses []models.JobStatus
	for _, part := range strings.Split(v, ",") {
		s := models.JobStatus(strings.TrimSpace(part))
		if !s.Valid() {
			return nil, fmt.Errorf("invalid status %q: must be one of pending, in_progress, success, failure", part)
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

func renderJobs(w io.Writer, entries []jobs.DashboardEntry) {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Type", "Args", "Status", "Attempt", "Scheduled", "Result")
	for _, e := range entries {
		scheduled := ""
		if e.ScheduledStartDate != nil {
			scheduled = e.ScheduledStartDate.Format("2006-01-02 15:04")
		}
		result := ""
		if e.ResultMessage != nil {
			result = truncate(*e.ResultMessage, 60)
		}
		table.Append(
			e.ID.String(),
			e.TypeDisplay,
			e.ArgIdentifier,
			string(e.Status),
			fmt.Sprint(e.AttemptNumber),
			scheduled,
			result,
		)
	}
	table.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// JobsAbortAction fails the jobs given as arguments with "Aborted manually".
func JobsAbortAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() == 0 {
		return errors.New("at least one job id is required")
	}
	ids := make([]uuid.UUID, 0, cmd.Args().Len())
	for _, arg := range cmd.Args().Slice() {
		id, err := uuid.Parse(arg)
		if err != nil {
			return fmt.Errorf("invalid job id %q: %w", arg, err)
		}
		ids = append(ids, id)
	}

	a, err := openApp(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.Queue.AbortJobs(ctx, ids)
	if err != nil {
		return err
	}
	fmt.Fprintf(out(cmd), "Aborted %d of %d job(s)\n", n, len(ids))
	return nil
}

// JobsCleanupAction runs the old-job and old-API-job cleanups now.
func JobsCleanupAction(ctx context.Context, cmd *cli.Command) error {
	a, err := openApp(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer a.Close()

	for _, name := range []string{jobs.CleanUpOldJobsName, apijob.CleanUpOldApiJobsName} {
		if err := runNow(ctx, cmd, a.Runner, name, nil); err != nil {
			return err
		}
	}
	return nil
}

// JobsRunScheduledAction runs every due pending job once.
func JobsRunScheduledAction(ctx context.Context, cmd *cli.Command) error {
	a, err := openApp(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer a.Close()

	return runNow(ctx, cmd, a.Runner, jobs.RunScheduledJobsName, nil)
}

// runNow runs a job in the foreground and prints its result.
func runNow(ctx context.Context, cmd *cli.Command, r *jobs.Runner, name string, args []string, opts ...jobs.QueueOption) error {
	job, err := r.RunFull(ctx, name, args, opts...)
	if errors.Is(err, jobs.ErrJobAlreadyActive) {
		fmt.Fprintf(out(cmd), "%s: already active as job %s\n", name, job.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("run %s: %w", name, err)
	}
	msg := ""
	if job.ResultMessage != nil {
		msg = *job.ResultMessage
	}
	fmt.Fprintf(out(cmd), "%s: %s: %s\n", name, job.Status, msg)
	return nil
}
