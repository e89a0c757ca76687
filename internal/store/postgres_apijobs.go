package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s *PostgresStore) CreateApiJob(ctx context.Context, job *models.ApiJob) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO api_jobs (id, type, user_id, create_date, modify_date) VALUES ($1, $2, $3, $4, $5)`,
		job.ID, job.Type, job.UserID, job.CreateDate, job.ModifyDate)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetApiJob(ctx context.Context, id uuid.UUID) (*models.ApiJob, error) {
	var j models.ApiJob
	err := s.db.QueryRow(ctx,
		`SELECT id, type, user_id, create_date, modify_date FROM api_jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.Type, &j.UserID, &j.CreateDate, &j.ModifyDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api job: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) ListApiJobs(ctx context.Context, limit int) ([]*models.ApiJob, error) {
	query := `SELECT id, type, user_id, create_date, modify_date FROM api_jobs ORDER BY create_date DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list api jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ApiJob
	for rows.Next() {
		var j models.ApiJob
		if err := rows.Scan(&j.ID, &j.Type, &j.UserID, &j.CreateDate, &j.ModifyDate); err != nil {
			return nil, fmt.Errorf("scan api job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) CreateApiJobUnit(ctx context.Context, unit *models.ApiJobUnit) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO api_job_units (id, parent_id, order_in_parent, internal_job_id, request_json,
		   result_json, size, create_date, modify_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		unit.ID, unit.ParentID, unit.OrderInParent, unit.InternalJobID, []byte(unit.RequestJSON),
		nullableJSON(unit.ResultJSON), unit.Size, unit.CreateDate, unit.ModifyDate)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api job unit: %w", err)
	}
	return nil
}

// Unit queries join the internal job so the unit's status can mirror it.
const unitSelect = `SELECT u.id, u.parent_id, u.order_in_parent, u.internal_job_id, u.request_json,
	u.result_json, u.size, u.create_date, u.modify_date, j.status, j.result_message
	FROM api_job_units u LEFT JOIN jobs j ON j.id = u.internal_job_id`

func scanApiJobUnit(row pgx.Row) (*models.ApiJobUnit, error) {
	var u models.ApiJobUnit
	var request, result []byte
	var status *string
	err := row.Scan(&u.ID, &u.ParentID, &u.OrderInParent, &u.InternalJobID, &request, &result,
		&u.Size, &u.CreateDate, &u.ModifyDate, &status, &u.InternalMessage)
	if err != nil {
		return nil, err
	}
	u.RequestJSON = request
	if len(result) > 0 {
		u.ResultJSON = result
	}
	if status != nil {
		u.InternalStatus = models.JobStatus(*status)
	}
	return &u, nil
}

func (s *PostgresStore) GetApiJobUnit(ctx context.Context, id uuid.UUID) (*models.ApiJobUnit, error) {
	u, err := scanApiJobUnit(s.db.QueryRow(ctx, unitSelect+` WHERE u.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api job unit: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) ListApiJobUnits(ctx context.Context, apiJobID uuid.UUID) ([]*models.ApiJobUnit, error) {
	rows, err := s.db.Query(ctx, unitSelect+` WHERE u.parent_id = $1 ORDER BY u.order_in_parent ASC`, apiJobID)
	if err != nil {
		return nil, fmt.Errorf("list api job units: %w", err)
	}
	defer rows.Close()

	var units []*models.ApiJobUnit
	for rows.Next() {
		u, err := scanApiJobUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api job unit: %w", err)
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

func (s *PostgresStore) SetApiJobUnitResult(ctx context.Context, id uuid.UUID, result []byte) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE api_job_units SET result_json = $2, modify_date = $3 WHERE id = $1`,
		id, nullableJSON(result), utcNow())
	if err != nil {
		return fmt.Errorf("set api job unit result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteOldApiJobs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM api_jobs a
		 WHERE a.create_date < $1
		   AND NOT EXISTS (SELECT 1 FROM api_job_units u WHERE u.parent_id = a.id AND u.modify_date >= $1)`,
		before)
	if err != nil {
		return 0, fmt.Errorf("delete old api jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
