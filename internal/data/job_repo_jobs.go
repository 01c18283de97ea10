package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/reliefops/aiqueue/internal/core"
	"github.com/reliefops/aiqueue/internal/data/pgxutil"
	"github.com/reliefops/aiqueue/internal/domain/model"
)

// SQL used by ClaimBatch to atomically claim eligible queued jobs. The inner
// SELECT with FOR UPDATE SKIP LOCKED is the sole mutual-exclusion point: only
// one worker can flip a given row to running.
const claimBatchSQL = `
  WITH cte AS (
    SELECT id FROM ai_jobs
    WHERE status = 'queued' AND (not_before IS NULL OR not_before <= $1)
    ORDER BY priority ASC, created_at ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
  )
  UPDATE ai_jobs j
  SET
    status = 'running',
    attempt = j.attempt + 1,
    lease_expires_at = $3,
    updated_at = $1
  FROM cte
  WHERE j.id = cte.id
  RETURNING j.id, j.idempotency_key, j.input_fingerprint, j.use_case_id, j.priority, j.status, j.entity_type, j.entity_id, j.input_json, j.model_name, j.prompt_version, j.output_json, j.attempt, j.max_attempts, j.not_before, j.error_code, j.error_message, j.is_fallback, j.processing_time_ms, j.lease_expires_at, j.created_by, j.created_at, j.updated_at`

// Insert inserts a validated job row and signals waiting dispatchers.
// A unique violation on idempotency_key surfaces unchanged so the admission
// layer can resolve the race to the existing row.
func (r *JobRepo) Insert(ctx context.Context, params core.InsertJobParams) (*model.Job, error) {
	if params.Req == nil {
		return nil, errors.New("submit job request is required")
	}

	query := `
      INSERT INTO ai_jobs(idempotency_key, input_fingerprint, use_case_id, priority, status, entity_type, entity_id, input_json, max_attempts, created_by)
      VALUES ($1,$2,$3,$4,'queued',$5,$6,$7,$8,$9)
      RETURNING ` + jobColumns

	req := params.Req
	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, qerr := tx.Query(ctx, query,
				req.IdempotencyKey,
				params.Fingerprint,
				req.UseCaseID,
				req.Priority,
				req.EntityType,
				req.EntityID,
				[]byte(req.Input),
				params.MaxAttempts,
				req.CreatedBy,
			)
			if qerr != nil {
				return fmt.Errorf("insert job: %w", qerr)
			}
			j, cerr := collectJobFromRows(rows)
			rows.Close()
			if cerr != nil {
				return fmt.Errorf("collect job: %w", cerr)
			}

			if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, queuedChannel, j.ID); execErr != nil {
				return fmt.Errorf("send queued notification: %w", execErr)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimBatch atomically claims up to limit eligible jobs ordered by priority
// ascending then creation order, stamping each with a lease.
func (r *JobRepo) ClaimBatch(ctx context.Context, params core.ClaimBatchParams) ([]*model.Job, error) {
	if params.Limit <= 0 {
		return nil, fmt.Errorf("claim limit must be positive, got %d", params.Limit)
	}
	if params.LeaseSeconds <= 0 {
		return nil, fmt.Errorf("lease seconds must be positive, got %d", params.LeaseSeconds)
	}

	var jobs []*model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			now := r.timeProvider.Now().UTC()
			leaseExpiresAt := now.Add(time.Duration(params.LeaseSeconds) * time.Second)

			rows, qerr := tx.Query(ctx, claimBatchSQL, now, params.Limit, leaseExpiresAt)
			if qerr != nil {
				return fmt.Errorf("claim jobs: %w", qerr)
			}
			defer rows.Close()

			collected, cerr := collectJobsFromRows(rows)
			if cerr != nil {
				return fmt.Errorf("collect claimed jobs: %w", cerr)
			}
			jobs = collected
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, model.ErrNoJobsAvailable
	}
	return jobs, nil
}

// Heartbeat refreshes the lease on a running job.
func (r *JobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("leaseSeconds must be positive")
	}

	now := r.timeProvider.Now().UTC()
	leaseExpiration := now.Add(time.Duration(leaseSeconds) * time.Second)

	res, err := r.DB.ExecContext(ctx, `
		UPDATE ai_jobs
		SET lease_expires_at = $2,
		    updated_at = $3
		WHERE id = $1 AND status = 'running'
	`, jobID, leaseExpiration, now)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// MarkSucceeded records the execution output and appends the terminal outbox
// event in one transaction. Returns false when the job was no longer running,
// e.g. cancelled mid-flight; in that case the result is discarded.
func (r *JobRepo) MarkSucceeded(ctx context.Context, params core.SucceedJobParams) (bool, error) {
	now := r.timeProvider.Now().UTC()

	var applied bool
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var useCaseID, entityType, entityID string
			var attempt int
			scanErr := tx.QueryRowContext(ctx, `
				UPDATE ai_jobs
				SET status = 'succeeded',
				    output_json = $2,
				    model_name = $3,
				    prompt_version = $4,
				    processing_time_ms = $5,
				    is_fallback = $6,
				    error_code = NULL,
				    error_message = NULL,
				    lease_expires_at = NULL,
				    updated_at = $7
				WHERE id = $1 AND status = 'running'
				RETURNING use_case_id, entity_type, entity_id, attempt
			`, params.JobID, params.Output, params.ModelName, params.PromptVersion,
				params.ProcessingTimeMs, params.IsFallback, now,
			).Scan(&useCaseID, &entityType, &entityID, &attempt)
			if errors.Is(scanErr, sql.ErrNoRows) {
				return nil
			}
			if scanErr != nil {
				return fmt.Errorf("mark job succeeded: %w", scanErr)
			}
			applied = true

			return r.appendJobEvent(ctx, tx, jobEventParams{
				EventType: model.EventJobSucceeded,
				JobID:     params.JobID,
				UseCaseID: useCaseID,
				Entity:    model.AffectedEntity{Type: entityType, ID: entityID},
				Attempt:   attempt,
				Extra: map[string]any{
					"is_fallback":        params.IsFallback,
					"processing_time_ms": params.ProcessingTimeMs,
					"model_name":         params.ModelName,
				},
				Metadata: params.Metadata,
			})
		},
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// RetryOrFail applies the failure transition: re-arm for retry when attempts
// remain and the error is retryable, terminal failure otherwise. The matching
// outbox event is written in the same transaction.
func (r *JobRepo) RetryOrFail(ctx context.Context, params core.FailJobParams) (*core.FailOutcome, error) {
	now := r.timeProvider.Now().UTC()
	outcome := &core.FailOutcome{}

	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var notBefore sql.NullTime
			if params.NotBefore != nil {
				notBefore = sql.NullTime{Time: params.NotBefore.UTC(), Valid: true}
			}

			var status string
			var attempt int
			var useCaseID, entityType, entityID string
			scanErr := tx.QueryRowContext(ctx, `
				UPDATE ai_jobs
				SET status = CASE WHEN $2::boolean OR attempt >= max_attempts THEN 'failed' ELSE 'queued' END,
				    not_before = CASE WHEN $2::boolean OR attempt >= max_attempts THEN NULL ELSE $3::timestamptz END,
				    error_code = $4,
				    error_message = $5,
				    lease_expires_at = NULL,
				    updated_at = $6
				WHERE id = $1 AND status = 'running'
				RETURNING status, attempt, use_case_id, entity_type, entity_id
			`, params.JobID, params.Terminal, notBefore, params.ErrorCode, params.ErrorMessage, now,
			).Scan(&status, &attempt, &useCaseID, &entityType, &entityID)
			if errors.Is(scanErr, sql.ErrNoRows) {
				return nil
			}
			if scanErr != nil {
				return fmt.Errorf("fail job: %w", scanErr)
			}

			outcome.Applied = true
			outcome.Status = model.JobStatus(status)
			outcome.Attempt = attempt

			eventType := model.EventJobRetrying
			extra := map[string]any{
				"error_code":    params.ErrorCode,
				"error_message": params.ErrorMessage,
			}
			if outcome.Status == model.JobStatusFailed {
				eventType = model.EventJobFailed
			} else if params.NotBefore != nil {
				extra["next_attempt_at"] = params.NotBefore.UTC().Format(time.RFC3339)
			}

			if appendErr := r.appendJobEvent(ctx, tx, jobEventParams{
				EventType: eventType,
				JobID:     params.JobID,
				UseCaseID: useCaseID,
				Entity:    model.AffectedEntity{Type: entityType, ID: entityID},
				Attempt:   attempt,
				Extra:     extra,
				Metadata:  params.Metadata,
			}); appendErr != nil {
				return appendErr
			}

			// Re-armed jobs become claimable again at not_before; wake a
			// dispatcher so the backoff deadline is observed promptly.
			if outcome.Status == model.JobStatusQueued {
				if _, execErr := tx.ExecContext(ctx, `SELECT pg_notify($1::text, $2::text)`, queuedChannel, params.JobID); execErr != nil {
					return fmt.Errorf("send queued notification: %w", execErr)
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// Defer releases a claimed job back to queued with its eligibility pushed to
// the given instant. Used when the circuit breaker is open at claim time; the
// claim's attempt increment stands and counts the deferral.
func (r *JobRepo) Defer(ctx context.Context, params core.DeferJobParams) (bool, error) {
	now := r.timeProvider.Now().UTC()

	var applied bool
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var useCaseID, entityType, entityID string
			var attempt int
			scanErr := tx.QueryRowContext(ctx, `
				UPDATE ai_jobs
				SET status = 'queued',
				    not_before = $2,
				    lease_expires_at = NULL,
				    updated_at = $3
				WHERE id = $1 AND status = 'running'
				RETURNING use_case_id, entity_type, entity_id, attempt
			`, params.JobID, params.NotBefore.UTC(), now).Scan(&useCaseID, &entityType, &entityID, &attempt)
			if errors.Is(scanErr, sql.ErrNoRows) {
				return nil
			}
			if scanErr != nil {
				return fmt.Errorf("defer job: %w", scanErr)
			}

			if appendErr := r.appendJobEvent(ctx, tx, jobEventParams{
				EventType: model.EventJobRetrying,
				JobID:     params.JobID,
				UseCaseID: useCaseID,
				Entity:    model.AffectedEntity{Type: entityType, ID: entityID},
				Attempt:   attempt,
				Extra: map[string]any{
					"next_attempt_at": params.NotBefore.UTC().Format(time.RFC3339),
					"deferred":        true,
				},
			}); appendErr != nil {
				return appendErr
			}
			applied = true
			return nil
		},
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Skip terminally marks a queued or running job as deliberately not attempted.
func (r *JobRepo) Skip(ctx context.Context, jobID, reason string) (bool, error) {
	now := r.timeProvider.Now().UTC()

	var applied bool
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var useCaseID, entityType, entityID string
			var attempt int
			scanErr := tx.QueryRowContext(ctx, `
				UPDATE ai_jobs
				SET status = 'skipped',
				    error_code = 'BREAKER_OPEN',
				    error_message = $2,
				    not_before = NULL,
				    lease_expires_at = NULL,
				    updated_at = $3
				WHERE id = $1 AND status IN ('queued', 'running')
				RETURNING use_case_id, entity_type, entity_id, attempt
			`, jobID, reason, now).Scan(&useCaseID, &entityType, &entityID, &attempt)
			if errors.Is(scanErr, sql.ErrNoRows) {
				return nil
			}
			if scanErr != nil {
				return fmt.Errorf("skip job: %w", scanErr)
			}
			applied = true

			return r.appendJobEvent(ctx, tx, jobEventParams{
				EventType: model.EventJobSkipped,
				JobID:     jobID,
				UseCaseID: useCaseID,
				Entity:    model.AffectedEntity{Type: entityType, ID: entityID},
				Attempt:   attempt,
				Extra:     map[string]any{"reason": reason},
			})
		},
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Cancel moves a queued or running job to cancelled. An in-flight execution is
// not interrupted; its result misses the conditional success/fail update and
// is discarded.
func (r *JobRepo) Cancel(ctx context.Context, jobID string, actorID *string) (bool, error) {
	now := r.timeProvider.Now().UTC()

	var applied bool
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var useCaseID, entityType, entityID string
			var attempt int
			scanErr := tx.QueryRowContext(ctx, `
				UPDATE ai_jobs
				SET status = 'cancelled',
				    lease_expires_at = NULL,
				    updated_at = $2
				WHERE id = $1 AND status IN ('queued', 'running')
				RETURNING use_case_id, entity_type, entity_id, attempt
			`, jobID, now).Scan(&useCaseID, &entityType, &entityID, &attempt)
			if errors.Is(scanErr, sql.ErrNoRows) {
				return nil
			}
			if scanErr != nil {
				return fmt.Errorf("cancel job: %w", scanErr)
			}
			applied = true

			var metadata *model.EventMetadata
			if actorID != nil {
				metadata = &model.EventMetadata{ActorID: *actorID}
			}
			return r.appendJobEvent(ctx, tx, jobEventParams{
				EventType: model.EventJobCancelled,
				JobID:     jobID,
				UseCaseID: useCaseID,
				Entity:    model.AffectedEntity{Type: entityType, ID: entityID},
				Attempt:   attempt,
				Metadata:  metadata,
			})
		},
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// WaitForQueued waits for a PostgreSQL notification indicating new jobs are claimable.
func (r *JobRepo) WaitForQueued(ctx context.Context) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	quoted := pgx.Identifier{queuedChannel}.Sanitize()
	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", queuedChannel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}
