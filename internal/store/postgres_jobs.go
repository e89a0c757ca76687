package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, job_name, arg_identifier, source_id, status, result_message, attempt_number,
	persist, scheduled_start_date, start_date, create_date, modify_date`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.JobName, &j.ArgIdentifier, &j.SourceID, &j.Status, &j.ResultMessage,
		&j.AttemptNumber, &j.Persist, &j.ScheduledStartDate, &j.StartDate, &j.CreateDate, &j.ModifyDate)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.JobName, job.ArgIdentifier, job.SourceID, job.Status, job.ResultMessage,
		job.AttemptNumber, job.Persist, job.ScheduledStartDate, job.StartDate, job.CreateDate, job.ModifyDate)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetActiveJob(ctx context.Context, name, argIdentifier string) (*models.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE job_name = $1 AND arg_identifier = $2 AND status IN ('pending', 'in_progress')
		 ORDER BY (status = 'in_progress') DESC, create_date ASC LIMIT 1`, name, argIdentifier))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetLatestJob(ctx context.Context, name, argIdentifier string) (*models.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE job_name = $1 AND arg_identifier = $2
		 ORDER BY create_date DESC LIMIT 1`, name, argIdentifier))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	// Build WHERE clause dynamically
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filter.SourceID != nil {
		conditions = append(conditions, fmt.Sprintf("source_id = $%d", argIdx))
		args = append(args, *filter.SourceID)
		argIdx++
	}
	if filter.JobName != "" {
		conditions = append(conditions, fmt.Sprintf("job_name = $%d", argIdx))
		args = append(args, filter.JobName)
		argIdx++
	}
	if filter.ArgIdentifier != "" {
		conditions = append(conditions, fmt.Sprintf("arg_identifier = $%d", argIdx))
		args = append(args, filter.ArgIdentifier)
		argIdx++
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argIdx))
		args = append(args, statuses)
		argIdx++
	}
	if filter.ScheduledBefore != nil {
		conditions = append(conditions, fmt.Sprintf("(scheduled_start_date IS NULL OR scheduled_start_date <= $%d)", argIdx))
		args = append(args, *filter.ScheduledBefore)
		argIdx++
	}
	if filter.ModifiedBefore != nil {
		conditions = append(conditions, fmt.Sprintf("modify_date < $%d", argIdx))
		args = append(args, *filter.ModifiedBefore)
		argIdx++
	}
	if filter.ModifiedAfter != nil {
		conditions = append(conditions, fmt.Sprintf("modify_date >= $%d", argIdx))
		args = append(args, *filter.ModifiedAfter)
		argIdx++
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(conditions, " AND ") +
		` ORDER BY modify_date DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) CountJobsByStatus(ctx context.Context, sourceID *uuid.UUID) (map[models.JobStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM jobs`
	args := []any{}
	if sourceID != nil {
		query += ` WHERE source_id = $1`
		args = append(args, *sourceID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := map[models.JobStatus]int{}
	for rows.Next() {
		var status models.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	// Fetch current status
	var currentStatus models.JobStatus
	err := s.db.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	if err := checkTransition(currentStatus, status); err != nil {
		return err
	}

	ts := utcNow()
	query := `UPDATE jobs SET status = $2, modify_date = $3`
	args := []any{id, status, ts}
	argIdx := 4

	if status == models.JobStatusInProgress {
		query += fmt.Sprintf(", start_date = $%d", argIdx)
		args = append(args, ts)
		argIdx++
	}
	if params.ResultMessage != nil {
		query += fmt.Sprintf(", result_message = $%d", argIdx)
		args = append(args, *params.ResultMessage)
		argIdx++
	}
	if params.Persist != nil {
		query += fmt.Sprintf(", persist = $%d", argIdx)
		args = append(args, *params.Persist)
		argIdx++
	}

	// The status guard makes concurrent transitions lose cleanly.
	query += " WHERE id = $1 AND status = $" + fmt.Sprint(argIdx)
	args = append(args, currentStatus)

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrJobInProgress
		}
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("invalid job status transition: %s -> %s", currentStatus, status)
	}
	return nil
}

func (s *PostgresStore) RescheduleJob(ctx context.Context, id uuid.UUID, scheduledStart time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE jobs SET scheduled_start_date = $2, modify_date = $3 WHERE id = $1 AND status = 'pending'`,
		id, scheduledStart, utcNow())
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClaimPendingJob(ctx context.Context, name, argIdentifier string) (*models.Job, error) {
	return Transact(ctx, s, func(tx *PostgresStore) (*models.Job, error) {
		var running int
		err := tx.db.QueryRow(ctx,
			`SELECT COUNT(*) FROM jobs WHERE job_name = $1 AND arg_identifier = $2 AND status = 'in_progress'`,
			name, argIdentifier).Scan(&running)
		if err != nil {
			return nil, fmt.Errorf("check running job: %w", err)
		}
		if running > 0 {
			return nil, ErrJobInProgress
		}

		// NOWAIT: if another worker holds the row, that worker is claiming it.
		j, err := scanJob(tx.db.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs
			 WHERE job_name = $1 AND arg_identifier = $2 AND status = 'pending'
			 ORDER BY create_date ASC LIMIT 1
			 FOR UPDATE NOWAIT`, name, argIdentifier))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			if isLockNotAvailable(err) {
				return nil, ErrJobInProgress
			}
			return nil, fmt.Errorf("lock pending job: %w", err)
		}

		if _, err := tx.db.Exec(ctx,
			`DELETE FROM jobs WHERE job_name = $1 AND arg_identifier = $2 AND status = 'pending' AND id <> $3`,
			name, argIdentifier, j.ID); err != nil {
			return nil, fmt.Errorf("delete duplicate jobs: %w", err)
		}

		ts := utcNow()
		if _, err := tx.db.Exec(ctx,
			`UPDATE jobs SET status = 'in_progress', start_date = $2, modify_date = $2 WHERE id = $1`,
			j.ID, ts); err != nil {
			if isDuplicateKeyError(err) {
				return nil, ErrJobInProgress
			}
			return nil, fmt.Errorf("start job: %w", err)
		}
		j.Status = models.JobStatusInProgress
		j.StartDate = &ts
		j.ModifyDate = ts
		return j, nil
	})
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteOldJobs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM jobs j
		 WHERE j.modify_date < $1 AND NOT j.persist
		   AND NOT EXISTS (SELECT 1 FROM api_job_units u WHERE u.internal_job_id = j.id)`, before)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
