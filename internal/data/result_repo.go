package data

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	apperrors "github.com/reliefops/aiqueue/internal/errors"

	"github.com/reliefops/aiqueue/internal/data/pgxutil"
	"github.com/reliefops/aiqueue/internal/domain/model"
)

// ResultRepo provides database operations for human review decisions.
type ResultRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
	outbox       *OutboxRepo
}

// NewResultRepo creates a new ResultRepo instance.
func NewResultRepo(db *sql.DB, cfg RepoConfig) *ResultRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &ResultRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
		outbox:       cfg.Outbox,
	}
}

const resultColumns = `
  job_id,
  accepted_by,
  accepted_at,
  rejected_by,
  rejected_at,
  rejection_reason,
  applied_action,
  before_snapshot,
  after_snapshot,
  affected_entities,
  created_at
`

type affectedEntities []model.AffectedEntity

// Value marshals the entity list for the jsonb column.
func (a affectedEntities) Value() (driver.Value, error) {
	if len(a) == 0 {
		return []byte(`[]`), nil
	}
	return json.Marshal([]model.AffectedEntity(a))
}

type resultRowData struct {
	acceptedBy, rejectedBy, rejectionReason, appliedAction sql.NullString
	acceptedAt, rejectedAt                                 sql.NullTime
	beforeSnapshot, afterSnapshot, entities                []byte
}

func scanResultFromRow(scanner jobRowScanner) (*model.Result, error) {
	res := &model.Result{}
	var d resultRowData
	err := scanner.Scan(
		&res.JobID,
		&d.acceptedBy,
		&d.acceptedAt,
		&d.rejectedBy,
		&d.rejectedAt,
		&d.rejectionReason,
		&d.appliedAction,
		&d.beforeSnapshot,
		&d.afterSnapshot,
		&d.entities,
		&res.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	res.AcceptedBy = cloneNullableString(d.acceptedBy)
	res.AcceptedAt = cloneNullableTime(d.acceptedAt)
	res.RejectedBy = cloneNullableString(d.rejectedBy)
	res.RejectedAt = cloneNullableTime(d.rejectedAt)
	res.RejectionReason = cloneNullableString(d.rejectionReason)
	res.AppliedAction = cloneNullableString(d.appliedAction)
	if len(d.beforeSnapshot) > 0 {
		res.BeforeSnapshot = append(json.RawMessage(nil), d.beforeSnapshot...)
	}
	if len(d.afterSnapshot) > 0 {
		res.AfterSnapshot = append(json.RawMessage(nil), d.afterSnapshot...)
	}
	if len(d.entities) > 0 {
		if uerr := json.Unmarshal(d.entities, &res.AffectedEntities); uerr != nil {
			return nil, fmt.Errorf("unmarshal affected entities: %w", uerr)
		}
	}
	return res, nil
}

// GetByJobID retrieves the review decision for a job.
func (r *ResultRepo) GetByJobID(ctx context.Context, jobID string) (*model.Result, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM ai_results WHERE job_id = $1`, jobID)
	res, err := scanResultFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result by job id: %w", err)
	}
	return res, nil
}

// Accept records the operator's acceptance of a succeeded job's output,
// together with audit snapshots, and appends the ai_result.accepted event in
// the same transaction. Decisions are first-writer-wins: a second decision on
// the same job surfaces as a conflict.
func (r *ResultRepo) Accept(ctx context.Context, req *model.AcceptResultRequest) (*model.Result, error) {
	var result *model.Result
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			job, jerr := r.lockSucceededJob(ctx, tx, req.JobID)
			if jerr != nil {
				return jerr
			}

			now := r.timeProvider.Now().UTC()
			row := tx.QueryRowContext(ctx, `
				INSERT INTO ai_results(job_id, accepted_by, accepted_at, applied_action, before_snapshot, after_snapshot, affected_entities)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
				ON CONFLICT (job_id) DO NOTHING
				RETURNING `+resultColumns,
				req.JobID, req.ActorID, now, req.AppliedAction,
				normalizeSnapshot(req.BeforeSnapshot), normalizeSnapshot(req.AfterSnapshot),
				affectedEntities(req.AffectedEntities),
			)
			res, serr := scanResultFromRow(row)
			if errors.Is(serr, sql.ErrNoRows) {
				return apperrors.Conflict("result already processed")
			}
			if serr != nil {
				return fmt.Errorf("insert accepted result: %w", serr)
			}
			result = res

			return r.appendResultEvent(ctx, tx, job, model.EventResultAccepted, map[string]any{
				"accepted_by":       req.ActorID,
				"applied_action":    req.AppliedAction,
				"affected_entities": req.AffectedEntities,
			}, req.ActorID)
		},
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Reject records the operator's rejection of a succeeded job's output and
// appends the ai_result.rejected event in the same transaction.
func (r *ResultRepo) Reject(ctx context.Context, req *model.RejectResultRequest) (*model.Result, error) {
	var result *model.Result
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			job, jerr := r.lockSucceededJob(ctx, tx, req.JobID)
			if jerr != nil {
				return jerr
			}

			now := r.timeProvider.Now().UTC()
			row := tx.QueryRowContext(ctx, `
				INSERT INTO ai_results(job_id, rejected_by, rejected_at, rejection_reason)
				VALUES ($1,$2,$3,$4)
				ON CONFLICT (job_id) DO NOTHING
				RETURNING `+resultColumns,
				req.JobID, req.ActorID, now, req.Reason,
			)
			res, serr := scanResultFromRow(row)
			if errors.Is(serr, sql.ErrNoRows) {
				return apperrors.Conflict("result already processed")
			}
			if serr != nil {
				return fmt.Errorf("insert rejected result: %w", serr)
			}
			result = res

			return r.appendResultEvent(ctx, tx, job, model.EventResultRejected, map[string]any{
				"rejected_by": req.ActorID,
				"reason":      req.Reason,
			}, req.ActorID)
		},
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// lockSucceededJob loads the job under FOR SHARE and verifies it is reviewable.
// Only succeeded jobs carry an output a human can decide on.
func (r *ResultRepo) lockSucceededJob(ctx context.Context, tx *sql.Tx, jobID string) (*model.Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM ai_jobs WHERE id = $1 FOR SHARE`, jobID)
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job for review: %w", err)
	}
	if job.Status != model.JobStatusSucceeded {
		return nil, apperrors.Statef("job %s is %s, only succeeded jobs can be reviewed", jobID, job.Status)
	}
	return job, nil
}

func (r *ResultRepo) appendResultEvent(ctx context.Context, tx *sql.Tx, job *model.Job, eventType string, extra map[string]any, actorID string) error {
	if r.outbox == nil {
		return nil
	}

	payload := map[string]any{
		"job_id":      job.ID,
		"use_case_id": job.UseCaseID,
		"entity_type": job.EntityType,
		"entity_id":   job.EntityID,
	}
	for k, v := range extra {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	_, err = r.outbox.AppendInTx(ctx, tx, &model.AppendEventRequest{
		EventType:     eventType,
		AggregateType: model.AggregateResult,
		AggregateID:   job.ID,
		Payload:       raw,
		Metadata:      &model.EventMetadata{ActorID: actorID},
	})
	return err
}

// normalizeSnapshot keeps NULL for absent snapshots instead of empty bytes.
func normalizeSnapshot(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
