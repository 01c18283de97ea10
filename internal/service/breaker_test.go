package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/reliefops/aiqueue/internal/core"
	"github.com/reliefops/aiqueue/internal/data"
	"github.com/reliefops/aiqueue/internal/domain/model"
	"github.com/reliefops/aiqueue/internal/mocks"
	"github.com/reliefops/aiqueue/internal/testutil"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		TripThreshold:       3,
		BaseCooldown:        30 * time.Second,
		MaxCooldown:         5 * time.Minute,
		RateLimitedCooldown: time.Minute,
	}
}

func newBreakerService(t *testing.T, repo core.BreakerRepository, now time.Time) *BreakerService {
	t.Helper()
	svc, err := NewBreakerService(BreakerServiceOptions{
		Repo:         repo,
		Config:       testBreakerConfig(),
		TimeProvider: data.NewFixedTimeProvider(now),
	})
	require.NoError(t, err)
	return svc
}

func TestNewBreakerService_RequiresRepo(t *testing.T) {
	_, err := NewBreakerService(BreakerServiceOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BreakerRepository")
}

func TestBreakerConfig_Sanitize_Defaults(t *testing.T) {
	var cfg BreakerConfig
	cfg.Sanitize()
	assert.Equal(t, 5, cfg.TripThreshold)
	assert.Equal(t, 30*time.Second, cfg.BaseCooldown)
	assert.Equal(t, 5*time.Minute, cfg.MaxCooldown)
	assert.Equal(t, time.Minute, cfg.RateLimitedCooldown)
}

func TestBreakerService_Allow_Closed(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockRepo := mocks.NewMockBreakerRepository(ctrl)
	now := testutil.TestTime()
	svc := newBreakerService(t, mockRepo, now)

	ctx := context.Background()
	mockRepo.EXPECT().Get(ctx, "summarize").Return(&model.CircuitBreakerState{UseCaseID: "summarize"}, nil)

	allowed, until, err := svc.Allow(ctx, "summarize")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Nil(t, until)
}

func TestBreakerService_Allow_Open(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockRepo := mocks.NewMockBreakerRepository(ctrl)
	now := testutil.TestTime()
	svc := newBreakerService(t, mockRepo, now)

	ctx := context.Background()
	cooldownUntil := now.Add(time.Minute)
	mockRepo.EXPECT().Get(ctx, "summarize").Return(&model.CircuitBreakerState{
		UseCaseID:     "summarize",
		CooldownUntil: &cooldownUntil,
	}, nil)

	allowed, until, err := svc.Allow(ctx, "summarize")
	require.NoError(t, err)
	assert.False(t, allowed)
	require.NotNil(t, until)
	assert.Equal(t, cooldownUntil, *until)
}

func TestBreakerService_Allow_LapsedCooldownAllows(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockRepo := mocks.NewMockBreakerRepository(ctrl)
	now := testutil.TestTime()
	svc := newBreakerService(t, mockRepo, now)

	ctx := context.Background()
	lapsed := now.Add(-time.Second)
	mockRepo.EXPECT().Get(ctx, "summarize").Return(&model.CircuitBreakerState{
		UseCaseID:     "summarize",
		CooldownUntil: &lapsed,
	}, nil)

	allowed, _, err := svc.Allow(ctx, "summarize")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestBreakerService_OnFailure_ReportsTrip(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockRepo := mocks.NewMockBreakerRepository(ctrl)
	now := testutil.TestTime()
	svc := newBreakerService(t, mockRepo, now)

	ctx := context.Background()
	cooldownUntil := now.Add(30 * time.Second)

	mockRepo.EXPECT().Get(ctx, "summarize").Return(&model.CircuitBreakerState{
		UseCaseID:           "summarize",
		ConsecutiveFailures: 2,
	}, nil)
	mockRepo.EXPECT().
		RecordFailure(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.RecordFailureParams) (*model.CircuitBreakerState, error) {
			assert.Equal(t, "summarize", params.UseCaseID)
			assert.Equal(t, 3, params.TripThreshold)
			assert.False(t, params.RateLimited)
			require.NotNil(t, params.CooldownFor)
			return &model.CircuitBreakerState{
				UseCaseID:           "summarize",
				ConsecutiveFailures: 3,
				TripCount:           1,
				CooldownUntil:       &cooldownUntil,
			}, nil
		})

	state, tripped, err := svc.OnFailure(ctx, "summarize", false)
	require.NoError(t, err)
	assert.True(t, tripped)
	assert.Equal(t, 1, state.TripCount)
}

func TestBreakerService_OnFailure_AlreadyOpenIsNotATrip(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockRepo := mocks.NewMockBreakerRepository(ctrl)
	now := testutil.TestTime()
	svc := newBreakerService(t, mockRepo, now)

	ctx := context.Background()
	cooldownUntil := now.Add(time.Minute)
	open := &model.CircuitBreakerState{
		UseCaseID:           "summarize",
		ConsecutiveFailures: 5,
		TripCount:           1,
		CooldownUntil:       &cooldownUntil,
	}

	mockRepo.EXPECT().Get(ctx, "summarize").Return(open, nil)
	mockRepo.EXPECT().RecordFailure(ctx, gomock.Any()).Return(open, nil)

	_, tripped, err := svc.OnFailure(ctx, "summarize", false)
	require.NoError(t, err)
	assert.False(t, tripped)
}

func TestBreakerService_OnSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockRepo := mocks.NewMockBreakerRepository(ctrl)
	svc := newBreakerService(t, mockRepo, testutil.TestTime())

	ctx := context.Background()
	mockRepo.EXPECT().RecordSuccess(ctx, "summarize").Return(nil)

	require.NoError(t, svc.OnSuccess(ctx, "summarize"))
}

func TestBreakerService_CooldownSchedule(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := newBreakerService(t, mocks.NewMockBreakerRepository(ctrl), testutil.TestTime())

	// Doubles per trip, capped at max.
	assert.Equal(t, 30*time.Second, svc.cooldownFor(1, false))
	assert.Equal(t, time.Minute, svc.cooldownFor(2, false))
	assert.Equal(t, 2*time.Minute, svc.cooldownFor(3, false))
	assert.Equal(t, 4*time.Minute, svc.cooldownFor(4, false))
	assert.Equal(t, 5*time.Minute, svc.cooldownFor(5, false), "schedule caps at MaxCooldown")
	assert.Equal(t, 5*time.Minute, svc.cooldownFor(20, false))

	// A zero trip count behaves like the first trip.
	assert.Equal(t, 30*time.Second, svc.cooldownFor(0, false))

	// Rate-limited trips never cool down faster than the throttle floor.
	assert.Equal(t, time.Minute, svc.cooldownFor(1, true))
	assert.Equal(t, 2*time.Minute, svc.cooldownFor(3, true))
}
