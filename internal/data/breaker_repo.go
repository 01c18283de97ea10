package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/reliefops/aiqueue/internal/core"
	"github.com/reliefops/aiqueue/internal/data/pgxutil"
	"github.com/reliefops/aiqueue/internal/domain/model"
)

// BreakerRepo provides database operations for per-use-case circuit breaker rows.
type BreakerRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewBreakerRepo creates a new BreakerRepo instance.
func NewBreakerRepo(db *sql.DB, cfg RepoConfig) *BreakerRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &BreakerRepo{DB: db, timeProvider: tp, logger: cfg.Logger}
}

const breakerColumns = `
  use_case_id,
  consecutive_failures,
  last_failure_at,
  cooldown_until,
  trip_count,
  total_failures,
  total_successes,
  updated_at
`

func scanBreakerFromRow(scanner jobRowScanner) (*model.CircuitBreakerState, error) {
	st := &model.CircuitBreakerState{}
	var lastFailureAt, cooldownUntil sql.NullTime
	err := scanner.Scan(
		&st.UseCaseID,
		&st.ConsecutiveFailures,
		&lastFailureAt,
		&cooldownUntil,
		&st.TripCount,
		&st.TotalFailures,
		&st.TotalSuccesses,
		&st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	st.LastFailureAt = cloneNullableTime(lastFailureAt)
	st.CooldownUntil = cloneNullableTime(cooldownUntil)
	return st, nil
}

// Get returns the breaker row for a use case. A use case with no recorded
// failures has no row; callers get a zero-valued closed state.
func (r *BreakerRepo) Get(ctx context.Context, useCaseID string) (*model.CircuitBreakerState, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+breakerColumns+` FROM ai_circuit_breakers WHERE use_case_id = $1`, useCaseID)
	st, err := scanBreakerFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.CircuitBreakerState{UseCaseID: useCaseID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get breaker state: %w", err)
	}
	return st, nil
}

// RecordSuccess resets the consecutive failure streak and clears any cooldown.
// A single upsert keeps concurrent dispatchers from losing updates.
func (r *BreakerRepo) RecordSuccess(ctx context.Context, useCaseID string) error {
	now := r.timeProvider.Now().UTC()
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO ai_circuit_breakers(use_case_id, consecutive_failures, total_successes, updated_at)
		VALUES ($1, 0, 1, $2)
		ON CONFLICT (use_case_id) DO UPDATE
		SET consecutive_failures = 0,
		    cooldown_until = NULL,
		    total_successes = ai_circuit_breakers.total_successes + 1,
		    updated_at = $2
	`, useCaseID, now)
	if err != nil {
		return fmt.Errorf("record breaker success: %w", err)
	}
	return nil
}

// RecordFailure increments the failure streak and, when the streak reaches the
// trip threshold, stamps a cooldown window. The streak is not reset on trip,
// so further failures during half-open probes keep the breaker tripped.
// Rate-limited failures count toward the threshold like any other failure;
// RateLimited only selects the longer throttle cooldown once tripped.
func (r *BreakerRepo) RecordFailure(ctx context.Context, params core.RecordFailureParams) (*model.CircuitBreakerState, error) {
	if params.TripThreshold <= 0 {
		return nil, fmt.Errorf("trip threshold must be positive, got %d", params.TripThreshold)
	}
	if params.CooldownFor == nil {
		return nil, errors.New("cooldown function is required")
	}

	now := r.timeProvider.Now().UTC()
	var state *model.CircuitBreakerState

	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `
				INSERT INTO ai_circuit_breakers(use_case_id, consecutive_failures, last_failure_at, total_failures, updated_at)
				VALUES ($1, 1, $2, 1, $2)
				ON CONFLICT (use_case_id) DO UPDATE
				SET consecutive_failures = ai_circuit_breakers.consecutive_failures + 1,
				    last_failure_at = $2,
				    total_failures = ai_circuit_breakers.total_failures + 1,
				    updated_at = $2
				RETURNING `+breakerColumns, params.UseCaseID, now)
			st, serr := scanBreakerFromRow(row)
			if serr != nil {
				return fmt.Errorf("record breaker failure: %w", serr)
			}

			shouldTrip := st.ConsecutiveFailures >= params.TripThreshold
			alreadyOpen := st.CooldownUntil != nil && st.CooldownUntil.After(now)
			if shouldTrip && !alreadyOpen {
				cooldownUntil := now.Add(params.CooldownFor(st.TripCount+1, params.RateLimited))
				trippedRow := tx.QueryRowContext(ctx, `
					UPDATE ai_circuit_breakers
					SET cooldown_until = $2,
					    trip_count = trip_count + 1,
					    updated_at = $3
					WHERE use_case_id = $1
					RETURNING `+breakerColumns, params.UseCaseID, cooldownUntil, now)
				st, serr = scanBreakerFromRow(trippedRow)
				if serr != nil {
					return fmt.Errorf("trip breaker: %w", serr)
				}
				if r.logger != nil {
					r.logger.WarnContext(ctx, "circuit breaker tripped",
						slog.String("use_case_id", params.UseCaseID),
						slog.Int("consecutive_failures", st.ConsecutiveFailures),
						slog.Int("trip_count", st.TripCount),
						slog.Time("cooldown_until", cooldownUntil),
						slog.Bool("rate_limited", params.RateLimited),
					)
				}
			}
			state = st
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}
