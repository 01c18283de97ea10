package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/reliefops/aiqueue/internal/domain/model"
)

// GetByID retrieves a job by its unique identifier.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM ai_jobs WHERE id = $1`, id)
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return job, nil
}

// GetByIdempotencyKey retrieves the job admitted under the given client key.
func (r *JobRepo) GetByIdempotencyKey(ctx context.Context, key string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM ai_jobs WHERE idempotency_key = $1`, key)
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by idempotency key: %w", err)
	}
	return job, nil
}

// Stats returns per-status job counts, optionally scoped to one use case.
func (r *JobRepo) Stats(ctx context.Context, useCaseID string) (*model.JobStats, error) {
	query := `
		SELECT status, COUNT(*) FROM ai_jobs
		WHERE ($1 = '' OR use_case_id = $1)
		GROUP BY status`

	rows, err := r.DB.QueryContext(ctx, query, useCaseID)
	if err != nil {
		return nil, fmt.Errorf("query job stats: %w", err)
	}
	defer rows.Close()

	stats := &model.JobStats{}
	for rows.Next() {
		var status model.JobStatus
		var count int
		if scanErr := rows.Scan(&status, &count); scanErr != nil {
			return nil, fmt.Errorf("scan job stats: %w", scanErr)
		}
		switch status {
		case model.JobStatusQueued:
			stats.Queued = count
		case model.JobStatusRunning:
			stats.Running = count
		case model.JobStatusSucceeded:
			stats.Succeeded = count
		case model.JobStatusFailed:
			stats.Failed = count
		case model.JobStatusSkipped:
			stats.Skipped = count
		case model.JobStatusCancelled:
			stats.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job stats: %w", err)
	}
	return stats, nil
}

// List returns jobs matching the filter options, newest first.
func (r *JobRepo) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	var conds []string
	var args []any

	addCond := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	addCond("use_case_id", opts.UseCaseID)
	addCond("entity_type", opts.EntityType)
	addCond("entity_id", opts.EntityID)
	addCond("status", string(opts.Status))

	query := `SELECT ` + jobColumns + ` FROM ai_jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, scanErr := scanJobFromRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan job row: %w", scanErr)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}
