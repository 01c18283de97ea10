package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/reliefops/aiqueue/internal/domain/model"
)

type jobEventParams struct {
	EventType string
	JobID     string
	UseCaseID string
	Entity    model.AffectedEntity
	Attempt   int
	Extra     map[string]any
	Metadata  *model.EventMetadata
}

// appendJobEvent writes the lifecycle event for a job transition into the
// outbox inside the same transaction as the status change.
func (r *JobRepo) appendJobEvent(ctx context.Context, tx *sql.Tx, params jobEventParams) error {
	if r.outbox == nil {
		return nil
	}

	payload := map[string]any{
		"job_id":      params.JobID,
		"use_case_id": params.UseCaseID,
		"entity_type": params.Entity.Type,
		"entity_id":   params.Entity.ID,
		"attempt":     params.Attempt,
	}
	for k, v := range params.Extra {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", params.EventType, err)
	}

	_, err = r.outbox.AppendInTx(ctx, tx, &model.AppendEventRequest{
		EventType:     params.EventType,
		AggregateType: model.AggregateJob,
		AggregateID:   params.JobID,
		Payload:       raw,
		Metadata:      params.Metadata,
	})
	return err
}
