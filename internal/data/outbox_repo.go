package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/reliefops/aiqueue/internal/core"
	"github.com/reliefops/aiqueue/internal/domain/model"
)

// ErrEventNotFound is returned when an outbox event is not found.
var ErrEventNotFound = errors.New("outbox event not found")

// OutboxRepo provides database operations for transactional outbox events.
type OutboxRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewOutboxRepo creates a new OutboxRepo instance.
func NewOutboxRepo(db *sql.DB, cfg RepoConfig) *OutboxRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &OutboxRepo{DB: db, timeProvider: tp, logger: cfg.Logger}
}

const outboxColumns = `
  id,
  event_type,
  aggregate_type,
  aggregate_id,
  payload,
  metadata,
  status,
  retry_count,
  last_error,
  created_at,
  published_at,
  processed_at
`

func scanEventFromRow(scanner jobRowScanner) (*model.OutboxEvent, error) {
	ev := &model.OutboxEvent{}
	var payload, metadata []byte
	var lastError sql.NullString
	var publishedAt, processedAt sql.NullTime
	err := scanner.Scan(
		&ev.ID,
		&ev.EventType,
		&ev.AggregateType,
		&ev.AggregateID,
		&payload,
		&metadata,
		&ev.Status,
		&ev.RetryCount,
		&lastError,
		&ev.CreatedAt,
		&publishedAt,
		&processedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.Payload = append(json.RawMessage(nil), payload...)
	if len(metadata) > 0 {
		ev.Metadata = append(json.RawMessage(nil), metadata...)
	}
	ev.LastError = cloneNullableString(lastError)
	ev.PublishedAt = cloneNullableTime(publishedAt)
	ev.ProcessedAt = cloneNullableTime(processedAt)
	return ev, nil
}

// AppendInTx writes the event row inside the caller's transaction, so the
// event commits or rolls back together with the domain mutation it describes.
func (r *OutboxRepo) AppendInTx(ctx context.Context, tx *sql.Tx, req *model.AppendEventRequest) (*model.OutboxEvent, error) {
	if req == nil {
		return nil, errors.New("append event request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	var metadata any
	if req.Metadata != nil {
		raw, merr := json.Marshal(req.Metadata)
		if merr != nil {
			return nil, fmt.Errorf("marshal event metadata: %w", merr)
		}
		metadata = raw
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO outbox_events(event_type, aggregate_type, aggregate_id, payload, metadata)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING `+outboxColumns,
		req.EventType, req.AggregateType, req.AggregateID, []byte(req.Payload), metadata)
	ev, err := scanEventFromRow(row)
	if err != nil {
		return nil, fmt.Errorf("append outbox event: %w", err)
	}
	return ev, nil
}

// claimRedeliveryAfter is how long a claimed pending event stays invisible to
// other publishers. A row whose claim is older than this belonged to a
// publisher that crashed mid-delivery and becomes claimable again.
const claimRedeliveryAfter = time.Minute

// ClaimPending marks up to limit pending events as in-flight for this
// publisher tick and returns them in creation order. SKIP LOCKED keeps
// concurrent publishers from claiming the same rows in one round, and the
// processed_at filter keeps them off rows another publisher is still
// delivering. MarkPublished and MarkFailed release the claim.
func (r *OutboxRepo) ClaimPending(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("claim limit must be positive, got %d", limit)
	}

	now := r.timeProvider.Now().UTC()
	rows, err := r.DB.QueryContext(ctx, `
		UPDATE outbox_events o
		SET processed_at = $2
		FROM (
			SELECT id FROM outbox_events
			WHERE status = 'pending'
			  AND (processed_at IS NULL OR processed_at <= $3)
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		) c
		WHERE o.id = c.id
		RETURNING `+qualifiedOutboxColumns("o"), limit, now, now.Add(-claimRedeliveryAfter))
	if err != nil {
		return nil, fmt.Errorf("claim pending events: %w", err)
	}
	defer rows.Close()

	var events []*model.OutboxEvent
	for rows.Next() {
		ev, serr := scanEventFromRow(rows)
		if serr != nil {
			return nil, fmt.Errorf("scan claimed event: %w", serr)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed events: %w", err)
	}
	return events, nil
}

// MarkPublished flips a claimed event to published.
func (r *OutboxRepo) MarkPublished(ctx context.Context, eventID string) error {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'published',
		    published_at = $2,
		    last_error = NULL
		WHERE id = $1 AND status = 'pending'
	`, eventID, now)
	if err != nil {
		return fmt.Errorf("mark event published: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark published rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrEventNotFound
	}
	return nil
}

// MarkFailed bumps retry bookkeeping for a delivery failure. Events that have
// exhausted maxRetries become failed and are kept for operational alerting,
// never silently dropped.
func (r *OutboxRepo) MarkFailed(ctx context.Context, params core.MarkFailedParams) (*model.OutboxEvent, error) {
	if params.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0, got %d", params.MaxRetries)
	}

	row := r.DB.QueryRowContext(ctx, `
		UPDATE outbox_events
		SET retry_count = retry_count + 1,
		    last_error = $2,
		    status = CASE WHEN retry_count + 1 > $3 THEN 'failed' ELSE 'pending' END,
		    processed_at = NULL
		WHERE id = $1 AND status = 'pending'
		RETURNING `+outboxColumns, params.EventID, params.Err, params.MaxRetries)
	ev, err := scanEventFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mark event failed: %w", err)
	}
	if ev.Status == model.OutboxStatusFailed && r.logger != nil {
		r.logger.ErrorContext(ctx, "outbox event exhausted delivery retries",
			slog.String("event_id", ev.ID),
			slog.String("event_type", ev.EventType),
			slog.Int("retry_count", ev.RetryCount),
			slog.String("last_error", params.Err),
		)
	}
	return ev, nil
}

// ListFailed returns events that exhausted their delivery retries, oldest first.
func (r *OutboxRepo) ListFailed(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM outbox_events
		WHERE status = 'failed'
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed events: %w", err)
	}
	defer rows.Close()

	var events []*model.OutboxEvent
	for rows.Next() {
		ev, serr := scanEventFromRow(rows)
		if serr != nil {
			return nil, fmt.Errorf("scan failed event: %w", serr)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed events: %w", err)
	}
	return events, nil
}

// DeleteOldPublished prunes published events older than the retention window
// in bounded batches.
func (r *OutboxRepo) DeleteOldPublished(ctx context.Context, olderThan time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if olderThan <= 0 {
		return 0, fmt.Errorf("retention window must be positive, got %s", olderThan)
	}

	cutoff := r.timeProvider.Now().UTC().Add(-olderThan)
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM outbox_events
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = 'published' AND published_at < $1
			ORDER BY published_at ASC
			LIMIT $2
		)
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete old published events: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old events rows affected: %w", err)
	}
	return deleted, nil
}

// qualifiedOutboxColumns prefixes each outbox column with the given alias.
func qualifiedOutboxColumns(alias string) string {
	cols := []string{"id", "event_type", "aggregate_type", "aggregate_id", "payload", "metadata", "status", "retry_count", "last_error", "created_at", "published_at", "processed_at"}
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}
