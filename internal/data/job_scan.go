package data

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/reliefops/aiqueue/internal/domain/model"
)

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	inputJSON, outputJSON                               []byte
	idempotencyKey, modelName, promptVersion, createdBy sql.NullString
	errorCode, errorMessage                             sql.NullString
	notBefore, leaseExpiresAt                           sql.NullTime
	processingTimeMs                                    sql.NullInt64
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&d.idempotencyKey,
		&job.InputFingerprint,
		&job.UseCaseID,
		&job.Priority,
		&job.Status,
		&job.EntityType,
		&job.EntityID,
		&d.inputJSON,
		&d.modelName,
		&d.promptVersion,
		&d.outputJSON,
		&job.Attempt,
		&job.MaxAttempts,
		&d.notBefore,
		&d.errorCode,
		&d.errorMessage,
		&job.IsFallback,
		&d.processingTimeMs,
		&d.leaseExpiresAt,
		&d.createdBy,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) {
	job.InputJSON = cloneJSON(d.inputJSON)
	if len(d.outputJSON) > 0 {
		job.OutputJSON = cloneJSON(d.outputJSON)
	}
	job.IdempotencyKey = cloneNullableString(d.idempotencyKey)
	job.ModelName = cloneNullableString(d.modelName)
	job.PromptVersion = cloneNullableString(d.promptVersion)
	job.CreatedBy = cloneNullableString(d.createdBy)
	job.ErrorCode = cloneNullableString(d.errorCode)
	job.ErrorMessage = cloneNullableString(d.errorMessage)
	job.NotBefore = cloneNullableTime(d.notBefore)
	job.LeaseExpiresAt = cloneNullableTime(d.leaseExpiresAt)
	if d.processingTimeMs.Valid {
		ms := d.processingTimeMs.Int64
		job.ProcessingTimeMs = &ms
	}
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}
	data.apply(job)
	return job, nil
}

// collectJobFromRows collects a single job from pgx rows.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return job, nil
}

func collectJobsFromRows(rows pgx.Rows) ([]*model.Job, error) {
	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJobFromRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
