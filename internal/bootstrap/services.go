package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reliefops/aiqueue/config"
	"github.com/reliefops/aiqueue/internal/adapters/fanout"
	"github.com/reliefops/aiqueue/internal/core"
	"github.com/reliefops/aiqueue/internal/data"
	domainjob "github.com/reliefops/aiqueue/internal/domain/job"
	"github.com/reliefops/aiqueue/internal/service"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Admission  *service.AdmissionService
	Review     *service.ReviewService
	Breaker    *service.BreakerService
	Dispatcher *service.DispatcherService // nil unless an executor was provided
	Outbox     *service.OutboxService
	Reaper     *service.ReaperService

	Hub           *fanout.Hub
	Fanout        *fanout.Deliverer
	Repos         *serviceRepositories
	Observability ObservabilityContainer
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Executor    core.Executor // Optional: required only for dispatcher mode
	Logger      *slog.Logger
}

// serviceRepositories groups repositories backing the service ports.
type serviceRepositories struct {
	DB       *sql.DB
	Jobs     *data.JobRepo
	Results  *data.ResultRepo
	Breakers *data.BreakerRepo
	Outbox   *data.OutboxRepo
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(db *sql.DB, logger *slog.Logger) *serviceRepositories {
	outbox := data.NewOutboxRepo(db, data.RepoConfig{Logger: logger})
	shared := data.RepoConfig{Logger: logger, Outbox: outbox}
	return &serviceRepositories{
		DB:       db,
		Jobs:     data.NewJobRepo(db, shared),
		Results:  data.NewResultRepo(db, shared),
		Breakers: data.NewBreakerRepo(db, data.RepoConfig{Logger: logger}),
		Outbox:   outbox,
	}
}

// NewServices initializes the service layer from shared infrastructure.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil {
		return ServiceContainer{}, errors.New("service deps are required")
	}
	if deps.Config == nil {
		return ServiceContainer{}, errors.New("app config is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	observability := buildObservability(logger, deps.Config.Observability)
	repos := buildRepositories(deps.DB, logger)

	hub := fanout.NewHub()
	deliverer, err := fanout.NewDeliverer(fanout.DelivererOptions{
		Hub:    hub,
		Redis:  deps.RedisClient,
		Logger: logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create fanout deliverer: %w", err)
	}

	admission, err := service.NewAdmissionService(service.AdmissionServiceOptions{
		Repo:               repos.Jobs,
		DefaultMaxAttempts: deps.Config.Queue.DefaultMaxAttempts,
		Logger:             logger,
		Metrics:            observability.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create admission service: %w", err)
	}

	review, err := service.NewReviewService(service.ReviewServiceOptions{
		Repo:    repos.Results,
		Logger:  logger,
		Metrics: observability.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create review service: %w", err)
	}

	breaker, err := service.NewBreakerService(service.BreakerServiceOptions{
		Repo: repos.Breakers,
		Config: service.BreakerConfig{
			TripThreshold:       deps.Config.Breaker.TripThreshold,
			BaseCooldown:        deps.Config.Breaker.BaseCooldown,
			MaxCooldown:         deps.Config.Breaker.MaxCooldown,
			RateLimitedCooldown: deps.Config.Breaker.RateLimitedCooldown,
		},
		Logger:  logger,
		Metrics: observability.MetricsSink,
		Alerts:  observability.Alerts,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create breaker service: %w", err)
	}

	outbox, err := service.NewOutboxService(service.OutboxServiceOptions{
		Repo:       repos.Outbox,
		Deliverer:  deliverer,
		BatchSize:  deps.Config.Publisher.BatchSize,
		MaxRetries: deps.Config.Publisher.MaxRetries,
		Logger:     logger,
		Metrics:    observability.MetricsSink,
		Alerts:     observability.Alerts,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create outbox service: %w", err)
	}

	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Jobs:    repos.Jobs,
		Reaper:  repos.Jobs,
		Outbox:  repos.Outbox,
		Config:  deps.Config.Reaper,
		Logger:  logger,
		Metrics: observability.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create reaper service: %w", err)
	}

	container := ServiceContainer{
		Admission:     admission,
		Review:        review,
		Breaker:       breaker,
		Outbox:        outbox,
		Reaper:        reaper,
		Hub:           hub,
		Fanout:        deliverer,
		Repos:         repos,
		Observability: observability,
	}

	if deps.Executor != nil {
		dispatcher, dispErr := newDispatcherService(deps, breaker, repos, observability, logger)
		if dispErr != nil {
			return ServiceContainer{}, dispErr
		}
		container.Dispatcher = dispatcher
	}

	return container, nil
}

func newDispatcherService(
	deps *ServiceDeps,
	breaker *service.BreakerService,
	repos *serviceRepositories,
	observability ObservabilityContainer,
	logger *slog.Logger,
) (*service.DispatcherService, error) {
	backoff, err := domainjob.NewBackoffPolicy(domainjob.BackoffOptions{
		Base:   deps.Config.Queue.RetryBackoffBase,
		Max:    deps.Config.Queue.RetryBackoffMax,
		Jitter: deps.Config.Queue.RetryBackoffJitter,
	})
	if err != nil {
		return nil, fmt.Errorf("create backoff policy: %w", err)
	}

	// Rate-limited failures wait at least the breaker's throttle cooldown
	// before retrying, regardless of the attempt number.
	rateBackoff, err := domainjob.NewBackoffPolicy(domainjob.BackoffOptions{
		Base:   deps.Config.Breaker.RateLimitedCooldown,
		Max:    deps.Config.Queue.RetryBackoffMax,
		Jitter: deps.Config.Queue.RetryBackoffJitter,
	})
	if err != nil {
		return nil, fmt.Errorf("create rate-limit backoff policy: %w", err)
	}

	dispatcher, err := service.NewDispatcherService(service.DispatcherServiceOptions{
		Repo:           repos.Jobs,
		Breaker:        breaker,
		Executor:       deps.Executor,
		Backoff:        backoff,
		RateBackoff:    rateBackoff,
		ExecuteTimeout: deps.Config.Dispatcher.ExecuteTimeout,
		Logger:         logger,
		Metrics:        observability.MetricsSink,
		Alerts:         observability.Alerts,
	})
	if err != nil {
		return nil, fmt.Errorf("create dispatcher service: %w", err)
	}
	return dispatcher, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
const shutdownWaitTimeout = 15 * time.Second

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(
					ctx,
					"dropping background service error",
					"service",
					descriptor.name,
					"error",
					errMsg,
				)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)

	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newDispatcherBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeDispatcher,
		name: "dispatcher",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			dispatcherCfg := config.DispatcherConfig{}
			if deps.cfg.Config != nil {
				dispatcherCfg = deps.cfg.Config.Dispatcher
			}
			return RunDispatcher(ctx, DispatcherRunConfig{
				Services: deps.cfg.Services,
				Logger:   deps.logger,
				Config:   dispatcherCfg,
			})
		},
	}
}

func newPublisherBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModePublisher,
		name: "outbox publisher",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			publisherCfg := config.PublisherConfig{}
			if deps.cfg.Config != nil {
				publisherCfg = deps.cfg.Config.Publisher
			}
			return RunPublisher(ctx, PublisherRunConfig{
				Services: deps.cfg.Services,
				Logger:   deps.logger,
				Config:   publisherCfg,
			})
		},
	}
}

func newRelayBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeRelay,
		name: "fanout relay",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			return RunRelay(ctx, RelayRunConfig{
				Services:    deps.cfg.Services,
				RedisClient: deps.cfg.RedisClient,
				Logger:      deps.logger,
			})
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			return RunReaper(ctx, ReaperRunConfig{
				Services: deps.cfg.Services,
				Logger:   deps.logger,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newDispatcherBackgroundService(deps),
		newPublisherBackgroundService(deps),
		newRelayBackgroundService(deps),
		newReaperBackgroundService(deps),
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	ctx := context.Background()
	serviceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	if enabledServices[config.ServiceModeDispatcher] && cfg.Services.Dispatcher == nil {
		return errors.New("dispatcher mode requires an executor; set EXECUTOR_URL")
	}

	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	// Start all enabled services
	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		ctx:         serviceCtx,
		cancel:      cancel,
		errCh:       errCh,
		hub:         cfg.Services.Hub,
		logger:      logger,
		backgrounds: result.Background,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range ValidOrderedModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

// ValidOrderedModes returns the service modes in startup order.
func ValidOrderedModes() []config.ServiceMode {
	return []config.ServiceMode{
		config.ServiceModeDispatcher,
		config.ServiceModePublisher,
		config.ServiceModeRelay,
		config.ServiceModeReaper,
	}
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	size := errorChannelCapacity(enabled) + 1
	if size < 1 {
		return 1
	}
	return size
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx         context.Context
	cancel      context.CancelFunc
	errCh       <-chan error
	hub         *fanout.Hub
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return nil
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return err
	}
}

// gracefulStop waits for background services to finish, then closes the hub
// so in-process subscribers observe shutdown.
func gracefulStop(cfg shutdownConfig) {
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	if cfg.hub != nil {
		cfg.hub.Close()
	}
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
