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

	"github.com/target/jobexec/config"
	"github.com/target/jobexec/internal/clock"
	"github.com/target/jobexec/internal/core"
	"github.com/target/jobexec/internal/data"
	domainjob "github.com/target/jobexec/internal/domain/job"
	"github.com/target/jobexec/internal/observability/notify/pagerduty"
	"github.com/target/jobexec/internal/observability/notify/slack"
	"github.com/target/jobexec/internal/observability/statsd"
	"github.com/target/jobexec/internal/service"
	"github.com/target/jobexec/internal/service/failurenotifier"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Store       core.Store
	Jobs        *service.JobService
	Acquisition *service.AcquisitionService
	Executor    *service.ExecutorService
	Batches     *service.BatchService
	History     HistoryContainer
	// Categories and Workers are nil when Redis is disabled.
	Categories    *service.CategoryService
	Workers       core.WorkerRegistry
	Observability ObservabilityContainer
}

// HistoryContainer groups the async history pipeline.
type HistoryContainer struct {
	Transformers *service.TransformerRegistry
	Producer     *service.HistoryProducer
	Handler      *service.HistoryHandler
	TxRunner     *service.TxRunner
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     statsd.Sink
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger

	// Store overrides the Postgres store built from DB.
	Store core.Store
	Clock clock.Clock

	// Extension points for the embedding engine.
	Handlers        map[string]service.Handler
	BatchOperations map[string]service.BatchOperation
	Transformers    map[string]service.Transformer
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink statsd.Sink
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  "jobexec",
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:     metricsSink,
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: buildFailureNotifier(obsLogger, cfg.Notifications),
		NotifierConfig:  cfg.Notifications,
	}
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{
			Logger: baseLogger.With("component", "failure_notifier"),
		})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:     cfg.Slack.WebhookURL,
			Channel:        cfg.Slack.Channel,
			Username:       cfg.Slack.Username,
			Timeout:        cfg.Timeout,
			RetryLimit:     cfg.RetryLimit,
			ScopeURLPrefix: cfg.Slack.ScopeURLPrefix,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "slack",
				Sink: client,
			})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			baseLogger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "pagerduty",
				Sink: client,
			})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger:            baseLogger.With("component", "failure_notifier"),
		Sinks:             sinks,
		MutedHandlerTypes: cfg.MutedHandlerTypes,
	})
}

// registries groups the Redis-backed shared state; both are nil without Redis.
type registries struct {
	categories core.CategoryRegistry
	workers    core.WorkerRegistry
}

func buildRegistries(client redis.UniversalClient, cfg config.RedisConfig, clk clock.Clock) registries {
	if client == nil {
		return registries{}
	}
	return registries{
		categories: data.NewRedisCategoryRegistry(client, cfg.KeyPrefix),
		workers:    data.NewRedisWorkerRegistry(client, cfg.KeyPrefix, clk),
	}
}

// NewServices wires the store, the job lifecycle services, the history pipeline and the batch
// manager. Handlers, batch operations and transformers in deps are registered on the way.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service config is required")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := clock.OrReal(deps.Clock)

	store := deps.Store
	if store == nil {
		if deps.DB == nil {
			return ServiceContainer{}, errors.New("either DB or Store must be provided")
		}
		store = data.NewStore(deps.DB, data.RepoConfig{Clock: clk, Logger: logger})
	}

	observability := buildObservability(logger, cfg.Observability)
	metrics := observability.MetricsSink
	regs := buildRegistries(deps.RedisClient, cfg.Redis, clk)

	notifierOpts := domainjob.NotifierOptions{}
	if !cfg.Executor.ListenNotify {
		notifierOpts.Waiter = domainjob.PollWaiter{}
		notifierOpts.WaitWindow = cfg.Executor.DefaultPollDelay
	}
	jobs, err := service.NewJobService(service.JobServiceOptions{
		Store:           store,
		Clock:           clk,
		Logger:          logger,
		Metrics:         metrics,
		FailureNotifier: observability.FailureNotifier,
		NotifierOptions: notifierOpts,
		DefaultRetries:  cfg.Executor.DefaultRetries,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create job service: %w", err)
	}

	policy, err := domainjob.NewLockPolicy(cfg.Executor.LockDuration, cfg.Executor.MaxLockDuration)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create lock policy: %w", err)
	}
	acqOpts := service.AcquisitionServiceOptions{
		Store:      store,
		LockPolicy: policy,
		Clock:      clk,
		Logger:     logger,
		Metrics:    metrics,
	}
	if cfg.Redis.FilterCategories {
		acqOpts.Categories = regs.categories
	}
	acq, err := service.NewAcquisitionService(acqOpts)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create acquisition service: %w", err)
	}

	exec, err := service.NewExecutorService(service.ExecutorServiceOptions{
		Store:       store,
		Jobs:        jobs,
		Acquisition: acq,
		RetryPolicy: cfg.Executor.RetryPolicy(),
		Clock:       clk,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create executor service: %w", err)
	}

	history, err := buildHistory(historyDeps{
		cfg:          cfg,
		store:        store,
		jobs:         jobs,
		exec:         exec,
		clock:        clk,
		logger:       logger,
		metrics:      metrics,
		transformers: deps.Transformers,
	})
	if err != nil {
		return ServiceContainer{}, err
	}

	batches, err := buildBatches(cfg.Batch, store, jobs, exec, clk, logger, metrics, deps.BatchOperations)
	if err != nil {
		return ServiceContainer{}, err
	}

	for handlerType, h := range deps.Handlers {
		if err := exec.Register(handlerType, h); err != nil {
			return ServiceContainer{}, fmt.Errorf("register handler: %w", err)
		}
	}

	container := ServiceContainer{
		Store:         store,
		Jobs:          jobs,
		Acquisition:   acq,
		Executor:      exec,
		Batches:       batches,
		History:       history,
		Workers:       regs.workers,
		Observability: observability,
	}
	if regs.categories != nil {
		container.Categories = service.MustNewCategoryService(service.CategoryServiceOptions{
			Registry: regs.categories,
			Logger:   logger,
			Metrics:  metrics,
		})
	}
	return container, nil
}

type historyDeps struct {
	cfg          *config.AppConfig
	store        core.Store
	jobs         *service.JobService
	exec         *service.ExecutorService
	clock        clock.Clock
	logger       *slog.Logger
	metrics      statsd.Sink
	transformers map[string]service.Transformer
}

// buildHistory wires the history pipeline. Every fact is recorded as a history entry after the
// embedding engine's transformers ran; producers flush only when the history executor is on.
func buildHistory(d historyDeps) (HistoryContainer, error) {
	registry := service.NewTransformerRegistry()
	for factType, t := range d.transformers {
		if err := registry.Register(factType, t); err != nil {
			return HistoryContainer{}, fmt.Errorf("register transformer: %w", err)
		}
	}
	if err := registry.Register(service.AnyFactType, service.RecordingTransformer{Clock: d.clock}); err != nil {
		return HistoryContainer{}, fmt.Errorf("register recording transformer: %w", err)
	}

	handler, err := service.NewHistoryHandler(service.HistoryHandlerOptions{
		Store:        d.store,
		Jobs:         d.jobs,
		Transformers: registry,
		Config:       d.cfg.History,
		Logger:       d.logger,
		Metrics:      d.metrics,
	})
	if err != nil {
		return HistoryContainer{}, fmt.Errorf("create history handler: %w", err)
	}
	if err := service.RegisterHistoryHandler(d.exec, handler); err != nil {
		return HistoryContainer{}, fmt.Errorf("register history handler: %w", err)
	}

	producer, err := service.NewHistoryProducer(service.HistoryProducerOptions{
		Store:   d.store,
		Jobs:    d.jobs,
		Config:  d.cfg.History,
		Enabled: d.cfg.IsHistoryExecutorEnabled(),
		Logger:  d.logger,
		Metrics: d.metrics,
	})
	if err != nil {
		return HistoryContainer{}, fmt.Errorf("create history producer: %w", err)
	}

	uow, err := service.NewUnitOfWork(d.store, d.clock)
	if err != nil {
		return HistoryContainer{}, fmt.Errorf("create unit of work: %w", err)
	}
	txRunner, err := service.NewTxRunner(service.TxRunnerOptions{
		UnitOfWork: uow,
		Producer:   producer,
		Logger:     d.logger,
	})
	if err != nil {
		return HistoryContainer{}, fmt.Errorf("create tx runner: %w", err)
	}

	return HistoryContainer{
		Transformers: registry,
		Producer:     producer,
		Handler:      handler,
		TxRunner:     txRunner,
	}, nil
}

func buildBatches(
	cfg config.BatchConfig,
	store core.Store,
	jobs *service.JobService,
	exec *service.ExecutorService,
	clk clock.Clock,
	logger *slog.Logger,
	metrics statsd.Sink,
	operations map[string]service.BatchOperation,
) (*service.BatchService, error) {
	batches, err := service.NewBatchService(service.BatchServiceOptions{
		Store:   store,
		Jobs:    jobs,
		Config:  cfg,
		Clock:   clk,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create batch service: %w", err)
	}
	if err := batches.RegisterHandlers(exec); err != nil {
		return nil, fmt.Errorf("register batch handlers: %w", err)
	}
	for batchType, op := range operations {
		if err := batches.RegisterOperation(batchType, op); err != nil {
			return nil, fmt.Errorf("register batch operation: %w", err)
		}
	}
	return batches, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
	// Signals stops the services when it fires; nil listens for SIGINT and SIGTERM.
	Signals <-chan os.Signal
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

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
		if err := descriptor.start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error", "service", descriptor.name, "error", errMsg)
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

func newExecutorBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeExecutor,
		name: "executor",
		start: func(ctx context.Context) error {
			cfg := deps.cfg.Config
			return RunExecutor(ctx, ExecutorRunConfig{
				Services: deps.cfg.Services,
				Config:   cfg.Executor,
				Name:     string(config.ServiceModeExecutor),
				WorkerID: workerID(cfg.WorkerID, config.ServiceModeExecutor),
				Logger:   deps.logger,
			})
		},
	}
}

func newHistoryExecutorBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeHistoryExecutor,
		name: "history executor",
		start: func(ctx context.Context) error {
			cfg := deps.cfg.Config
			execCfg := cfg.Executor
			execCfg.Concurrency = cfg.History.Concurrency
			return RunExecutor(ctx, ExecutorRunConfig{
				Services: deps.cfg.Services,
				Config:   execCfg,
				Name:     string(config.ServiceModeHistoryExecutor),
				WorkerID: workerID(cfg.WorkerID, config.ServiceModeHistoryExecutor),
				History:  true,
				Logger:   deps.logger,
			})
		},
	}
}

func newSweeperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeSweeper,
		name: "lock sweeper",
		start: func(ctx context.Context) error {
			return RunSweeper(ctx, SweeperRunConfig{
				Services: deps.cfg.Services,
				Config:   deps.cfg.Config.Sweeper,
				Logger:   deps.logger,
			})
		},
	}
}

func workerID(base string, mode config.ServiceMode) string {
	if base == "" {
		return ""
	}
	return base + "/" + string(mode)
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newExecutorBackgroundService(deps),
		newHistoryExecutorBackgroundService(deps),
		newSweeperBackgroundService(deps),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}
	backgrounds := startBackgroundServices(deps, buildBackgroundServices(deps))

	signals := cfg.Signals
	if signals == nil {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)
		signals = quit
	}

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		signals:     signals,
		cancel:      cancel,
		errCh:       errCh,
		jobService:  cfg.Services.Jobs,
		logger:      logger,
		backgrounds: backgrounds,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
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
	signals     <-chan os.Signal
	cancel      context.CancelFunc
	errCh       <-chan error
	jobService  *service.JobService
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	select {
	case <-cfg.signals:
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

// gracefulStop waits for background services, then stops the job listeners.
func gracefulStop(cfg shutdownConfig) {
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}
	if cfg.jobService != nil {
		cfg.jobService.StopAllListeners()
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
