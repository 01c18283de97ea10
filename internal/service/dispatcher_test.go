package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/reliefops/aiqueue/internal/core"
	"github.com/reliefops/aiqueue/internal/data"
	domainjob "github.com/reliefops/aiqueue/internal/domain/job"
	"github.com/reliefops/aiqueue/internal/domain/model"
	"github.com/reliefops/aiqueue/internal/mocks"
	"github.com/reliefops/aiqueue/internal/testutil"
)

type stubExecutor struct {
	execute func(ctx context.Context, useCaseID string, input json.RawMessage) core.ExecutionReport
}

func (s *stubExecutor) Execute(ctx context.Context, useCaseID string, input json.RawMessage) core.ExecutionReport {
	return s.execute(ctx, useCaseID, input)
}

type stubFallbackExecutor struct {
	stubExecutor
	fallback func(ctx context.Context, useCaseID string, input json.RawMessage) core.ExecutionReport
}

func (s *stubFallbackExecutor) Fallback(ctx context.Context, useCaseID string, input json.RawMessage) core.ExecutionReport {
	return s.fallback(ctx, useCaseID, input)
}

type dispatcherFixture struct {
	svc      *DispatcherService
	jobs     *mocks.MockJobRepository
	breakers *mocks.MockBreakerRepository
	now      time.Time
}

func newDispatcherFixture(t *testing.T, executor core.Executor) *dispatcherFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	jobs := mocks.NewMockJobRepository(ctrl)
	breakers := mocks.NewMockBreakerRepository(ctrl)
	now := testutil.TestTime()
	tp := data.NewFixedTimeProvider(now)

	breaker, err := NewBreakerService(BreakerServiceOptions{
		Repo:         breakers,
		Config:       testBreakerConfig(),
		TimeProvider: tp,
	})
	require.NoError(t, err)

	backoff, err := domainjob.NewBackoffPolicy(domainjob.BackoffOptions{
		Base: 10 * time.Second,
		Max:  100 * time.Second,
	})
	require.NoError(t, err)
	rateBackoff, err := domainjob.NewBackoffPolicy(domainjob.BackoffOptions{
		Base: time.Minute,
		Max:  10 * time.Minute,
	})
	require.NoError(t, err)

	svc, err := NewDispatcherService(DispatcherServiceOptions{
		Repo:           jobs,
		Breaker:        breaker,
		Executor:       executor,
		Backoff:        backoff,
		RateBackoff:    rateBackoff,
		ExecuteTimeout: 30 * time.Second,
		TimeProvider:   tp,
	})
	require.NoError(t, err)

	return &dispatcherFixture{svc: svc, jobs: jobs, breakers: breakers, now: now}
}

func runningJob() *model.Job {
	return &model.Job{
		ID:          "job-1",
		UseCaseID:   "summarize",
		EntityType:  "document",
		EntityID:    "doc-1",
		Status:      model.JobStatusRunning,
		InputJSON:   json.RawMessage(`{"text": "hello"}`),
		Attempt:     1,
		MaxAttempts: 3,
	}
}

func closedBreakerState() *model.CircuitBreakerState {
	return &model.CircuitBreakerState{UseCaseID: "summarize"}
}

func TestNewDispatcherService_RequiredDependencies(t *testing.T) {
	ctrl := gomock.NewController(t)
	jobs := mocks.NewMockJobRepository(ctrl)
	breaker := newBreakerService(t, mocks.NewMockBreakerRepository(ctrl), testutil.TestTime())
	backoff, err := domainjob.NewBackoffPolicy(domainjob.BackoffOptions{Base: time.Second, Max: time.Minute})
	require.NoError(t, err)
	executor := &stubExecutor{}

	_, err = NewDispatcherService(DispatcherServiceOptions{
		Breaker: breaker, Executor: executor, Backoff: backoff, ExecuteTimeout: time.Second,
	})
	assert.Error(t, err)

	_, err = NewDispatcherService(DispatcherServiceOptions{
		Repo: jobs, Executor: executor, Backoff: backoff, ExecuteTimeout: time.Second,
	})
	assert.Error(t, err)

	_, err = NewDispatcherService(DispatcherServiceOptions{
		Repo: jobs, Breaker: breaker, Backoff: backoff, ExecuteTimeout: time.Second,
	})
	assert.Error(t, err)

	_, err = NewDispatcherService(DispatcherServiceOptions{
		Repo: jobs, Breaker: breaker, Executor: executor, ExecuteTimeout: time.Second,
	})
	assert.Error(t, err)

	_, err = NewDispatcherService(DispatcherServiceOptions{
		Repo: jobs, Breaker: breaker, Executor: executor, Backoff: backoff,
	})
	assert.Error(t, err)
}

func TestDispatcherService_Process_Success(t *testing.T) {
	executor := &stubExecutor{
		execute: func(_ context.Context, _ string, _ json.RawMessage) core.ExecutionReport {
			return core.ExecutionReport{
				Output:        json.RawMessage(`{"summary": "ok"}`),
				ModelName:     "gpt-test",
				PromptVersion: "v2",
			}
		},
	}
	f := newDispatcherFixture(t, executor)
	ctx := context.Background()
	job := runningJob()

	f.breakers.EXPECT().Get(ctx, "summarize").Return(closedBreakerState(), nil)
	f.jobs.EXPECT().
		MarkSucceeded(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.SucceedJobParams) (bool, error) {
			assert.Equal(t, "job-1", params.JobID)
			assert.JSONEq(t, `{"summary": "ok"}`, string(params.Output))
			assert.Equal(t, "gpt-test", params.ModelName)
			assert.Equal(t, "v2", params.PromptVersion)
			assert.False(t, params.IsFallback)
			return true, nil
		})
	f.breakers.EXPECT().RecordSuccess(ctx, "summarize").Return(nil)

	require.NoError(t, f.svc.Process(ctx, job))
}

func TestDispatcherService_Process_DiscardsResultWhenCancelledInFlight(t *testing.T) {
	executor := &stubExecutor{
		execute: func(_ context.Context, _ string, _ json.RawMessage) core.ExecutionReport {
			return core.ExecutionReport{Output: json.RawMessage(`{}`)}
		},
	}
	f := newDispatcherFixture(t, executor)
	ctx := context.Background()

	f.breakers.EXPECT().Get(ctx, "summarize").Return(closedBreakerState(), nil)
	// The conditional update misses: job was cancelled mid-execution. No
	// breaker success is recorded for a discarded result.
	f.jobs.EXPECT().MarkSucceeded(ctx, gomock.Any()).Return(false, nil)

	require.NoError(t, f.svc.Process(ctx, runningJob()))
}

func TestDispatcherService_Process_RetryableFailureReArmsWithBackoff(t *testing.T) {
	execErr := errors.New("provider unavailable")
	executor := &stubExecutor{
		execute: func(_ context.Context, _ string, _ json.RawMessage) core.ExecutionReport {
			return core.ExecutionReport{Err: execErr, Retryable: true, ErrorCode: "PROVIDER_ERROR"}
		},
	}
	f := newDispatcherFixture(t, executor)
	ctx := context.Background()
	job := runningJob()

	f.breakers.EXPECT().Get(ctx, "summarize").Return(closedBreakerState(), nil)
	f.jobs.EXPECT().
		RetryOrFail(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.FailJobParams) (*core.FailOutcome, error) {
			assert.Equal(t, "job-1", params.JobID)
			assert.Equal(t, "PROVIDER_ERROR", params.ErrorCode)
			assert.False(t, params.Terminal)
			require.NotNil(t, params.NotBefore)
			// Attempt 1 on the normal schedule: base doubled once.
			assert.Equal(t, f.now.Add(20*time.Second), *params.NotBefore)
			return &core.FailOutcome{Applied: true, Status: model.JobStatusQueued, Attempt: 1}, nil
		})
	f.breakers.EXPECT().Get(ctx, "summarize").Return(closedBreakerState(), nil)
	f.breakers.EXPECT().RecordFailure(ctx, gomock.Any()).Return(closedBreakerState(), nil)

	require.NoError(t, f.svc.Process(ctx, job))
}

func TestDispatcherService_Process_RateLimitedFailureUsesThrottleSchedule(t *testing.T) {
	executor := &stubExecutor{
		execute: func(_ context.Context, _ string, _ json.RawMessage) core.ExecutionReport {
			return core.ExecutionReport{
				Err:         errors.New("429 too many requests"),
				Retryable:   true,
				RateLimited: true,
				ErrorCode:   "RATE_LIMITED",
			}
		},
	}
	f := newDispatcherFixture(t, executor)
	ctx := context.Background()

	f.breakers.EXPECT().Get(ctx, "summarize").Return(closedBreakerState(), nil)
	f.jobs.EXPECT().
		RetryOrFail(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.FailJobParams) (*core.FailOutcome, error) {
			require.NotNil(t, params.NotBefore)
			// Attempt 1 on the rate-limited schedule.
			assert.Equal(t, f.now.Add(2*time.Minute), *params.NotBefore)
			return &core.FailOutcome{Applied: true, Status: model.JobStatusQueued, Attempt: 1}, nil
		})
	f.breakers.EXPECT().Get(ctx, "summarize").Return(closedBreakerState(), nil)
	f.breakers.EXPECT().
		RecordFailure(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.RecordFailureParams) (*model.CircuitBreakerState, error) {
			assert.True(t, params.RateLimited)
			return closedBreakerState(), nil
		})

	require.NoError(t, f.svc.Process(ctx, runningJob()))
}

func TestDispatcherService_Process_TerminalFailure(t *testing.T) {
	executor := &stubExecutor{
		execute: func(_ context.Context, _ string, _ json.RawMessage) core.ExecutionReport {
			return core.ExecutionReport{
				Err:       errors.New("input rejected by provider"),
				Retryable: false,
				ErrorCode: "REJECTED",
			}
		},
	}
	f := newDispatcherFixture(t, executor)
	ctx := context.Background()

	f.breakers.EXPECT().Get(ctx, "summarize").Return(closedBreakerState(), nil)
	f.jobs.EXPECT().
		RetryOrFail(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.FailJobParams) (*core.FailOutcome, error) {
			assert.True(t, params.Terminal)
			assert.Nil(t, params.NotBefore)
			return &core.FailOutcome{Applied: true, Status: model.JobStatusFailed, Attempt: 1}, nil
		})
	f.breakers.EXPECT().Get(ctx, "summarize").Return(closedBreakerState(), nil)
	f.breakers.EXPECT().RecordFailure(ctx, gomock.Any()).Return(closedBreakerState(), nil)

	require.NoError(t, f.svc.Process(ctx, runningJob()))
}

func TestDispatcherService_Process_ExhaustedAttemptsFailTerminally(t *testing.T) {
	executor := &stubExecutor{
		execute: func(_ context.Context, _ string, _ json.RawMessage) core.ExecutionReport {
			return core.ExecutionReport{Err: errors.New("flaky"), Retryable: true, ErrorCode: "PROVIDER_ERROR"}
		},
	}
	f := newDispatcherFixture(t, executor)
	ctx := context.Background()
	job := runningJob()
	job.Attempt = 3 // ceiling reached

	f.breakers.EXPECT().Get(ctx, "summarize").Return(closedBreakerState(), nil)
	f.jobs.EXPECT().
		RetryOrFail(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.FailJobParams) (*core.FailOutcome, error) {
			assert.False(t, params.Terminal, "classification stays retryable; the repo applies the ceiling")
			assert.Nil(t, params.NotBefore, "no re-arm time when attempts are exhausted")
			return &core.FailOutcome{Applied: true, Status: model.JobStatusFailed, Attempt: 3}, nil
		})
	f.breakers.EXPECT().Get(ctx, "summarize").Return(closedBreakerState(), nil)
	f.breakers.EXPECT().RecordFailure(ctx, gomock.Any()).Return(closedBreakerState(), nil)

	require.NoError(t, f.svc.Process(ctx, job))
}

func TestDispatcherService_Process_TimeoutClassifiedRetryable(t *testing.T) {
	executor := &stubExecutor{
		execute: func(ctx context.Context, _ string, _ json.RawMessage) core.ExecutionReport {
			return core.ExecutionReport{Err: context.DeadlineExceeded}
		},
	}
	f := newDispatcherFixture(t, executor)
	ctx := context.Background()

	f.breakers.EXPECT().Get(ctx, "summarize").Return(closedBreakerState(), nil)
	f.jobs.EXPECT().
		RetryOrFail(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.FailJobParams) (*core.FailOutcome, error) {
			assert.Equal(t, "TIMEOUT", params.ErrorCode)
			assert.False(t, params.Terminal)
			require.NotNil(t, params.NotBefore)
			return &core.FailOutcome{Applied: true, Status: model.JobStatusQueued, Attempt: 1}, nil
		})
	f.breakers.EXPECT().Get(ctx, "summarize").Return(closedBreakerState(), nil)
	f.breakers.EXPECT().RecordFailure(ctx, gomock.Any()).Return(closedBreakerState(), nil)

	require.NoError(t, f.svc.Process(ctx, runningJob()))
}

func TestDispatcherService_Process_BreakerOpenDefersJob(t *testing.T) {
	executor := &stubExecutor{
		execute: func(_ context.Context, _ string, _ json.RawMessage) core.ExecutionReport {
			t.Fatal("executor must not run while the breaker is open")
			return core.ExecutionReport{}
		},
	}
	f := newDispatcherFixture(t, executor)
	ctx := context.Background()
	job := runningJob()

	cooldownUntil := f.now.Add(2 * time.Minute)
	f.breakers.EXPECT().Get(ctx, "summarize").Return(&model.CircuitBreakerState{
		UseCaseID:     "summarize",
		CooldownUntil: &cooldownUntil,
	}, nil)
	f.jobs.EXPECT().
		Defer(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.DeferJobParams) (bool, error) {
			assert.Equal(t, "job-1", params.JobID)
			// Eligibility lands past the breaker cooldown, not just past the
			// base cooldown.
			assert.Equal(t, cooldownUntil, params.NotBefore)
			return true, nil
		})

	require.NoError(t, f.svc.Process(ctx, job))
}

func TestDispatcherService_Process_BreakerOpenSkipsExhaustedJob(t *testing.T) {
	executor := &stubExecutor{
		execute: func(_ context.Context, _ string, _ json.RawMessage) core.ExecutionReport {
			t.Fatal("executor must not run while the breaker is open")
			return core.ExecutionReport{}
		},
	}
	f := newDispatcherFixture(t, executor)
	ctx := context.Background()
	job := runningJob()
	job.Attempt = 3

	cooldownUntil := f.now.Add(time.Minute)
	f.breakers.EXPECT().Get(ctx, "summarize").Return(&model.CircuitBreakerState{
		UseCaseID:     "summarize",
		CooldownUntil: &cooldownUntil,
	}, nil)
	f.jobs.EXPECT().
		Skip(ctx, "job-1", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, reason string) (bool, error) {
			assert.Contains(t, reason, "circuit breaker open")
			return true, nil
		})

	require.NoError(t, f.svc.Process(ctx, job))
}

func TestDispatcherService_Process_BreakerOpenPrefersFallback(t *testing.T) {
	executor := &stubFallbackExecutor{
		stubExecutor: stubExecutor{
			execute: func(_ context.Context, _ string, _ json.RawMessage) core.ExecutionReport {
				t.Fatal("primary executor must not run while the breaker is open")
				return core.ExecutionReport{}
			},
		},
		fallback: func(_ context.Context, _ string, _ json.RawMessage) core.ExecutionReport {
			return core.ExecutionReport{Output: json.RawMessage(`{"summary": "cached"}`), ModelName: "fallback"}
		},
	}
	f := newDispatcherFixture(t, executor)
	ctx := context.Background()

	cooldownUntil := f.now.Add(time.Minute)
	f.breakers.EXPECT().Get(ctx, "summarize").Return(&model.CircuitBreakerState{
		UseCaseID:     "summarize",
		CooldownUntil: &cooldownUntil,
	}, nil)
	f.jobs.EXPECT().
		MarkSucceeded(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.SucceedJobParams) (bool, error) {
			assert.True(t, params.IsFallback)
			assert.Equal(t, "fallback", params.ModelName)
			return true, nil
		})
	// No breaker success: a fallback result says nothing about the primary path.

	require.NoError(t, f.svc.Process(ctx, runningJob()))
}

func TestDispatcherService_Process_ExhaustedRetriesFallBack(t *testing.T) {
	executor := &stubFallbackExecutor{
		stubExecutor: stubExecutor{
			execute: func(_ context.Context, _ string, _ json.RawMessage) core.ExecutionReport {
				return core.ExecutionReport{Err: errors.New("provider down"), Retryable: true}
			},
		},
		fallback: func(_ context.Context, _ string, _ json.RawMessage) core.ExecutionReport {
			return core.ExecutionReport{Output: json.RawMessage(`{"summary": "degraded"}`)}
		},
	}
	f := newDispatcherFixture(t, executor)
	ctx := context.Background()
	job := runningJob()
	job.Attempt = 3

	f.breakers.EXPECT().Get(ctx, "summarize").Return(closedBreakerState(), nil)
	f.jobs.EXPECT().
		MarkSucceeded(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.SucceedJobParams) (bool, error) {
			assert.True(t, params.IsFallback)
			return true, nil
		})

	require.NoError(t, f.svc.Process(ctx, job))
}

func TestDispatcherService_Process_ShutdownLeavesJobToLeaseSweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	executor := &stubExecutor{
		execute: func(execCtx context.Context, _ string, _ json.RawMessage) core.ExecutionReport {
			cancel()
			return core.ExecutionReport{Err: execCtx.Err(), Retryable: true}
		},
	}
	f := newDispatcherFixture(t, executor)

	f.breakers.EXPECT().Get(ctx, "summarize").Return(closedBreakerState(), nil)
	// No RetryOrFail: the job stays running and the lease sweep rescues it.

	err := f.svc.Process(ctx, runningJob())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatcherService_Claim(t *testing.T) {
	executor := &stubExecutor{}
	f := newDispatcherFixture(t, executor)
	ctx := context.Background()

	claimed := []*model.Job{runningJob()}
	f.jobs.EXPECT().
		ClaimBatch(ctx, core.ClaimBatchParams{Limit: 5, LeaseSeconds: 60}).
		Return(claimed, nil)

	jobs, err := f.svc.Claim(ctx, 5, 60)
	require.NoError(t, err)
	assert.Equal(t, claimed, jobs)
}
