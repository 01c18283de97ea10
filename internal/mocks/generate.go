// Package mocks provides mock implementations for testing the AI job queue.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for our repository interfaces.
// The mocks are generated using go:generate directives and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	mockRepo := mocks.NewMockJobRepository(ctrl)
//	mockRepo.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(job, nil)
package mocks

// Generate mock for JobRepository interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=job_repository_mock.go github.com/reliefops/aiqueue/internal/core JobRepository

// Generate mock for ResultRepository interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=result_repository_mock.go github.com/reliefops/aiqueue/internal/core ResultRepository

// Generate mock for BreakerRepository interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=breaker_repository_mock.go github.com/reliefops/aiqueue/internal/core BreakerRepository

// Generate mock for OutboxRepository interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=outbox_repository_mock.go github.com/reliefops/aiqueue/internal/core OutboxRepository

// Generate mock for ReaperRepository interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=reaper_repository_mock.go github.com/reliefops/aiqueue/internal/core ReaperRepository
