package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefops/aiqueue/internal/core"
	"github.com/reliefops/aiqueue/internal/testutil"
)

func newBreakerRepo(db *sql.DB, tp TimeProvider) *BreakerRepo {
	return NewBreakerRepo(db, RepoConfig{TimeProvider: tp})
}

func fixedCooldown(d time.Duration) func(int, bool) time.Duration {
	return func(int, bool) time.Duration { return d }
}

func failureParams(useCase string, threshold int) core.RecordFailureParams {
	return core.RecordFailureParams{
		UseCaseID:     useCase,
		TripThreshold: threshold,
		CooldownFor:   fixedCooldown(time.Minute),
	}
}

func TestBreakerRepo_Get_NoRowIsClosed(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newBreakerRepo(db, nil)

		st, err := repo.Get(context.Background(), "summarize")
		require.NoError(t, err)
		assert.Equal(t, "summarize", st.UseCaseID)
		assert.Equal(t, 0, st.ConsecutiveFailures)
		assert.Equal(t, 0, st.TripCount)
		assert.Nil(t, st.CooldownUntil)
		assert.False(t, st.Open(time.Now()))
	})
}

func TestBreakerRepo_RecordFailure_BelowThreshold(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newBreakerRepo(db, nil)

		st, err := repo.RecordFailure(context.Background(), failureParams("summarize", 3))
		require.NoError(t, err)
		assert.Equal(t, 1, st.ConsecutiveFailures)
		assert.Equal(t, int64(1), st.TotalFailures)
		assert.NotNil(t, st.LastFailureAt)
		assert.Nil(t, st.CooldownUntil)
		assert.Equal(t, 0, st.TripCount)

		st, err = repo.RecordFailure(context.Background(), failureParams("summarize", 3))
		require.NoError(t, err)
		assert.Equal(t, 2, st.ConsecutiveFailures)
		assert.Nil(t, st.CooldownUntil)
	})
}

func TestBreakerRepo_RecordFailure_TripsAtThreshold(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		tp := &FixedTimeProvider{}
		tp.SetTime(testutil.TestTime())
		repo := newBreakerRepo(db, tp)

		for i := 0; i < 2; i++ {
			_, err := repo.RecordFailure(context.Background(), failureParams("summarize", 3))
			require.NoError(t, err)
		}

		st, err := repo.RecordFailure(context.Background(), failureParams("summarize", 3))
		require.NoError(t, err)
		assert.Equal(t, 3, st.ConsecutiveFailures)
		assert.Equal(t, 1, st.TripCount)
		require.NotNil(t, st.CooldownUntil)
		assert.WithinDuration(t, tp.Now().Add(time.Minute), *st.CooldownUntil, time.Second)
		assert.True(t, st.Open(tp.Now()))
	})
}

func TestBreakerRepo_RecordFailure_OpenBreakerIsNotRetripped(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		tp := &FixedTimeProvider{}
		tp.SetTime(testutil.TestTime())
		repo := newBreakerRepo(db, tp)

		var err error
		for i := 0; i < 3; i++ {
			_, err = repo.RecordFailure(context.Background(), failureParams("summarize", 3))
			require.NoError(t, err)
		}
		tripped, err := repo.Get(context.Background(), "summarize")
		require.NoError(t, err)
		require.NotNil(t, tripped.CooldownUntil)

		// Another failure inside the cooldown window extends nothing.
		st, err := repo.RecordFailure(context.Background(), failureParams("summarize", 3))
		require.NoError(t, err)
		assert.Equal(t, 4, st.ConsecutiveFailures)
		assert.Equal(t, 1, st.TripCount)
		require.NotNil(t, st.CooldownUntil)
		assert.Equal(t, tripped.CooldownUntil.UTC(), st.CooldownUntil.UTC())
	})
}

func TestBreakerRepo_RecordFailure_RetripsAfterCooldownExpires(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		tp := &FixedTimeProvider{}
		tp.SetTime(testutil.TestTime())
		repo := newBreakerRepo(db, tp)

		for i := 0; i < 3; i++ {
			_, err := repo.RecordFailure(context.Background(), failureParams("summarize", 3))
			require.NoError(t, err)
		}

		// The streak survives the trip, so the first failure after the
		// cooldown lapses re-opens the breaker with a fresh window.
		tp.AddTime(2 * time.Minute)
		st, err := repo.RecordFailure(context.Background(), failureParams("summarize", 3))
		require.NoError(t, err)
		assert.Equal(t, 4, st.ConsecutiveFailures)
		assert.Equal(t, 2, st.TripCount)
		require.NotNil(t, st.CooldownUntil)
		assert.WithinDuration(t, tp.Now().Add(time.Minute), *st.CooldownUntil, time.Second)
	})
}

func TestBreakerRepo_RecordFailure_RateLimitedCountsTowardThreshold(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		tp := &FixedTimeProvider{}
		tp.SetTime(testutil.TestTime())
		repo := newBreakerRepo(db, tp)

		params := failureParams("summarize", 3)
		params.RateLimited = true
		params.CooldownFor = func(tripCount int, rateLimited bool) time.Duration {
			require.Equal(t, 1, tripCount)
			require.True(t, rateLimited)
			return 5 * time.Minute
		}

		// A throttle response below the threshold leaves the breaker closed.
		for i := 0; i < 2; i++ {
			st, err := repo.RecordFailure(context.Background(), params)
			require.NoError(t, err)
			assert.Equal(t, i+1, st.ConsecutiveFailures)
			assert.Equal(t, 0, st.TripCount)
			assert.Nil(t, st.CooldownUntil)
			assert.False(t, st.Open(tp.Now()))
		}

		// The threshold-reaching failure trips with the throttle cooldown.
		st, err := repo.RecordFailure(context.Background(), params)
		require.NoError(t, err)
		assert.Equal(t, 3, st.ConsecutiveFailures)
		assert.Equal(t, 1, st.TripCount)
		require.NotNil(t, st.CooldownUntil)
		assert.WithinDuration(t, tp.Now().Add(5*time.Minute), *st.CooldownUntil, time.Second)
	})
}

func TestBreakerRepo_RecordSuccess_ResetsStreakAndCooldown(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newBreakerRepo(db, nil)

		for i := 0; i < 3; i++ {
			_, err := repo.RecordFailure(context.Background(), failureParams("summarize", 3))
			require.NoError(t, err)
		}

		require.NoError(t, repo.RecordSuccess(context.Background(), "summarize"))

		st, err := repo.Get(context.Background(), "summarize")
		require.NoError(t, err)
		assert.Equal(t, 0, st.ConsecutiveFailures)
		assert.Nil(t, st.CooldownUntil)
		assert.Equal(t, int64(3), st.TotalFailures)
		assert.Equal(t, int64(1), st.TotalSuccesses)
		// Trip history is retained for escalating cooldowns.
		assert.Equal(t, 1, st.TripCount)
	})
}

func TestBreakerRepo_RecordSuccess_NoExistingRow(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newBreakerRepo(db, nil)

		require.NoError(t, repo.RecordSuccess(context.Background(), "classify"))

		st, err := repo.Get(context.Background(), "classify")
		require.NoError(t, err)
		assert.Equal(t, int64(1), st.TotalSuccesses)
		assert.Equal(t, 0, st.ConsecutiveFailures)
	})
}

func TestBreakerRepo_RecordFailure_InvalidParams(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newBreakerRepo(db, nil)

		_, err := repo.RecordFailure(context.Background(), core.RecordFailureParams{
			UseCaseID:   "summarize",
			CooldownFor: fixedCooldown(time.Minute),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "trip threshold")

		_, err = repo.RecordFailure(context.Background(), core.RecordFailureParams{
			UseCaseID:     "summarize",
			TripThreshold: 3,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cooldown function")
	})
}
