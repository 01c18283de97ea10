package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/reliefops/aiqueue/internal/core"
	"github.com/reliefops/aiqueue/internal/domain/model"
	"github.com/reliefops/aiqueue/internal/mocks"
	"github.com/reliefops/aiqueue/internal/service"
)

func pendingEvent(id string) *model.OutboxEvent {
	return &model.OutboxEvent{
		ID:            id,
		EventType:     model.EventJobSucceeded,
		AggregateType: model.AggregateJob,
		AggregateID:   "job-1",
		Payload:       json.RawMessage(`{"job_id": "job-1"}`),
		Status:        model.OutboxStatusPending,
	}
}

func newOutboxService(t *testing.T, repo core.OutboxRepository, delivered *atomic.Int64) *service.OutboxService {
	t.Helper()
	svc, err := service.NewOutboxService(service.OutboxServiceOptions{
		Repo: repo,
		Deliverer: core.DelivererFunc(func(context.Context, *core.DeliveredEvent) error {
			delivered.Add(1)
			return nil
		}),
		BatchSize: 2,
	})
	require.NoError(t, err)
	return svc
}

func TestNewRunner_RequiredOutbox(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OutboxService")
}

func TestNewRunner_DefaultInterval(t *testing.T) {
	ctrl := gomock.NewController(t)
	var delivered atomic.Int64
	svc := newOutboxService(t, mocks.NewMockOutboxRepository(ctrl), &delivered)

	runner, err := NewRunner(RunnerOptions{Outbox: svc})
	require.NoError(t, err)
	assert.Equal(t, time.Second, runner.interval)
}

func TestRunner_Run_DrainsBacklogInOneTick(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockRepo := mocks.NewMockOutboxRepository(ctrl)
	var delivered atomic.Int64
	svc := newOutboxService(t, mockRepo, &delivered)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A tick that publishes anything is followed by another claim
	// immediately, so the whole backlog drains inside one tick interval.
	gomock.InOrder(
		mockRepo.EXPECT().ClaimPending(gomock.Any(), 2).
			Return([]*model.OutboxEvent{pendingEvent("evt-1"), pendingEvent("evt-2")}, nil),
		mockRepo.EXPECT().ClaimPending(gomock.Any(), 2).
			Return([]*model.OutboxEvent{pendingEvent("evt-3")}, nil),
		mockRepo.EXPECT().ClaimPending(gomock.Any(), 2).
			DoAndReturn(func(context.Context, int) ([]*model.OutboxEvent, error) {
				cancel()
				return nil, nil
			}),
	)
	mockRepo.EXPECT().ClaimPending(gomock.Any(), 2).Return(nil, nil).AnyTimes()
	mockRepo.EXPECT().MarkPublished(gomock.Any(), "evt-1").Return(nil)
	mockRepo.EXPECT().MarkPublished(gomock.Any(), "evt-2").Return(nil)
	mockRepo.EXPECT().MarkPublished(gomock.Any(), "evt-3").Return(nil)

	runner, err := NewRunner(RunnerOptions{Outbox: svc, Interval: 5 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, runner.Run(ctx))
	assert.Equal(t, int64(3), delivered.Load())
}

func TestRunner_Run_StopsOnCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockRepo := mocks.NewMockOutboxRepository(ctrl)
	var delivered atomic.Int64
	svc := newOutboxService(t, mockRepo, &delivered)

	ctx, cancel := context.WithCancel(context.Background())
	mockRepo.EXPECT().ClaimPending(gomock.Any(), 2).
		DoAndReturn(func(context.Context, int) ([]*model.OutboxEvent, error) {
			cancel()
			return nil, nil
		}).AnyTimes()

	runner, err := NewRunner(RunnerOptions{Outbox: svc, Interval: 5 * time.Millisecond})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop on cancel")
	}
	assert.Equal(t, int64(0), delivered.Load())
}

func TestRunner_Run_TickErrorDoesNotStopLoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockRepo := mocks.NewMockOutboxRepository(ctrl)
	var delivered atomic.Int64
	svc := newOutboxService(t, mockRepo, &delivered)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gomock.InOrder(
		mockRepo.EXPECT().ClaimPending(gomock.Any(), 2).
			Return(nil, errors.New("connection reset")),
		mockRepo.EXPECT().ClaimPending(gomock.Any(), 2).
			DoAndReturn(func(context.Context, int) ([]*model.OutboxEvent, error) {
				cancel()
				return nil, nil
			}),
	)
	mockRepo.EXPECT().ClaimPending(gomock.Any(), 2).Return(nil, nil).AnyTimes()

	runner, err := NewRunner(RunnerOptions{Outbox: svc, Interval: 5 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, runner.Run(ctx))
}
