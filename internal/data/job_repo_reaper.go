package data

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/reliefops/aiqueue/internal/core"
	"github.com/reliefops/aiqueue/internal/data/pgxutil"
	"github.com/reliefops/aiqueue/internal/domain/model"
)

// requeueLockID is the advisory lock key serializing lease-expiry sweeps so
// only one process runs the sweep at a time.
const requeueLockID = 874311002

// RequeueExpired rescues running jobs whose lease has lapsed. Jobs with
// attempts remaining go back to queued; jobs at the attempt ceiling fail
// terminally. Returns the number of rows rescued (re-queued, not failed).
func (r *JobRepo) RequeueExpired(ctx context.Context) (int64, error) {
	var requeued int64

	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var gotLock bool
			if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, requeueLockID).Scan(&gotLock); err != nil {
				return fmt.Errorf("acquire requeue lock: %w", err)
			}
			if !gotLock {
				// Another sweeper holds the lock; skip this round.
				return nil
			}

			now := r.timeProvider.Now().UTC()
			rows, err := tx.QueryContext(ctx, `
				UPDATE ai_jobs
				SET status = CASE WHEN attempt >= max_attempts THEN 'failed' ELSE 'queued' END,
				    error_code = CASE WHEN attempt >= max_attempts THEN 'LEASE_EXPIRED' ELSE error_code END,
				    error_message = CASE WHEN attempt >= max_attempts THEN 'lease expired with no attempts remaining' ELSE error_message END,
				    lease_expires_at = NULL,
				    updated_at = $1
				WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at <= $1
				RETURNING id, status, use_case_id, entity_type, entity_id, attempt
			`, now)
			if err != nil {
				return fmt.Errorf("requeue expired jobs: %w", err)
			}

			type failedJob struct {
				id, useCaseID, entityType, entityID string
				attempt                             int
			}
			var failed []failedJob
			for rows.Next() {
				var fj failedJob
				var status string
				if scanErr := rows.Scan(&fj.id, &status, &fj.useCaseID, &fj.entityType, &fj.entityID, &fj.attempt); scanErr != nil {
					rows.Close()
					return fmt.Errorf("scan requeued job: %w", scanErr)
				}
				if status == string(model.JobStatusQueued) {
					requeued++
				} else {
					failed = append(failed, fj)
				}
			}
			if rowsErr := rows.Err(); rowsErr != nil {
				rows.Close()
				return fmt.Errorf("iterate requeued jobs: %w", rowsErr)
			}
			rows.Close()

			for _, fj := range failed {
				if appendErr := r.appendJobEvent(ctx, tx, jobEventParams{
					EventType: model.EventJobFailed,
					JobID:     fj.id,
					UseCaseID: fj.useCaseID,
					Entity:    model.AffectedEntity{Type: fj.entityType, ID: fj.entityID},
					Attempt:   fj.attempt,
					Extra: map[string]any{
						"error_code":    "LEASE_EXPIRED",
						"error_message": "lease expired with no attempts remaining",
					},
				}); appendErr != nil {
					return appendErr
				}
			}
			if requeued > 0 {
				if _, execErr := tx.ExecContext(ctx, `SELECT pg_notify($1::text, '')`, queuedChannel); execErr != nil {
					return fmt.Errorf("send queued notification: %w", execErr)
				}
			}
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return requeued, nil
}

// DeleteOldJobs removes terminal jobs older than the retention window in
// bounded batches. Review rows cascade with their job.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if params.BatchSize <= 0 {
		return 0, fmt.Errorf("batch size must be positive, got %d", params.BatchSize)
	}
	if params.OlderThan <= 0 {
		return 0, fmt.Errorf("retention window must be positive, got %s", params.OlderThan)
	}

	statuses := params.Statuses
	if len(statuses) == 0 {
		statuses = []model.JobStatus{model.JobStatusSucceeded, model.JobStatusFailed, model.JobStatusSkipped, model.JobStatusCancelled}
	}
	placeholders := make([]string, 0, len(statuses))
	args := []any{r.timeProvider.Now().UTC().Add(-params.OlderThan)}
	for _, s := range statuses {
		if !s.Terminal() {
			return 0, fmt.Errorf("cannot reap non-terminal status %q", s)
		}
		args = append(args, string(s))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	args = append(args, params.BatchSize)

	query := fmt.Sprintf(`
		DELETE FROM ai_jobs
		WHERE id IN (
			SELECT id FROM ai_jobs
			WHERE updated_at < $1 AND status IN (%s)
			ORDER BY updated_at ASC
			LIMIT $%d
		)
	`, strings.Join(placeholders, ", "), len(args))

	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old jobs rows affected: %w", err)
	}
	return deleted, nil
}
