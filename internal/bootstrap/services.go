package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/target/jobcoord/config"
	"github.com/target/jobcoord/internal/adapters/amqp"
	"github.com/target/jobcoord/internal/data"
	"github.com/target/jobcoord/internal/domain/breaker"
	"github.com/target/jobcoord/internal/domain/idempotency"
	domainjob "github.com/target/jobcoord/internal/domain/job"
	"github.com/target/jobcoord/internal/observability/metrics"
	"github.com/target/jobcoord/internal/observability/notify/slack"
	"github.com/target/jobcoord/internal/observability/prom"
	"github.com/target/jobcoord/internal/observability/statsd"
	"github.com/target/jobcoord/internal/service"
	"github.com/target/jobcoord/internal/service/deadletter"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs          *service.JobService
	Posting       *service.PostingGuardService // nil when Redis is disabled
	Breakers      *breaker.Registry
	LeasePolicy   *domainjob.LeasePolicy
	Backoff       domainjob.BackoffPolicy
	Observability ObservabilityContainer

	closers []namedCloser
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	// MetricsSink fans out to every enabled backend; nil when none is.
	MetricsSink    statsd.Sink
	StatsdClient   *statsd.Client
	PromRegistry   *prometheus.Registry
	DeadLetters    *deadletter.Service
	MetricsConfig  config.ObservabilityMetricsConfig
	NotifierConfig config.ObservabilityNotificationsConfig
}

type namedCloser struct {
	name   string
	closer io.Closer
}

// Close releases metrics and messaging connections.
func (c *ServiceContainer) Close() error {
	var errs []error
	for _, nc := range c.closers {
		if err := nc.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", nc.name, err))
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	JobRepo         *data.JobRepo
	IdempotencyRepo *data.IdempotencyRepo
	// Redis-backed; nil when Redis is disabled.
	IdempotencyCache *data.RedisIdempotencyCache
	PostingHistory   *data.PostingHistoryRepo
}

// buildObservability configures metrics and dead-letter notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) (ObservabilityContainer, []namedCloser) {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var (
		closers      []namedCloser
		statsdClient *statsd.Client
		registry     *prometheus.Registry
		promSink     *prom.Sink
	)

	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  cfg.Metrics.Prefix,
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			statsdClient = client
			closers = append(closers, namedCloser{name: "statsd client", closer: client})
		}
	}

	if cfg.Prometheus.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		promSink = prom.NewSink(prom.Options{
			Registerer: registry,
			Labels:     metrics.LabelSchemas(),
			Logger:     obsLogger,
		})
	}

	var sink statsd.Sink
	switch {
	case statsdClient != nil && promSink != nil:
		sink = statsd.NewMulti(statsdClient, promSink)
	case statsdClient != nil:
		sink = statsdClient
	case promSink != nil:
		sink = promSink
	}

	deadLetters, dlClosers := buildDeadLetterNotifier(obsLogger, cfg.Notifications, sink)
	closers = append(closers, dlClosers...)

	return ObservabilityContainer{
		MetricsSink:    sink,
		StatsdClient:   statsdClient,
		PromRegistry:   registry,
		DeadLetters:    deadLetters,
		MetricsConfig:  cfg.Metrics,
		NotifierConfig: cfg.Notifications,
	}, closers
}

func buildDeadLetterNotifier(
	logger *slog.Logger,
	cfg config.ObservabilityNotificationsConfig,
	sink statsd.Sink,
) (*deadletter.Service, []namedCloser) {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return deadletter.NewService(deadletter.Options{Logger: baseLogger, Metrics: sink}), nil
	}

	sinks := make([]deadletter.SinkRegistration, 0, 2)
	var closers []namedCloser

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:   cfg.Slack.WebhookURL,
			Channel:      cfg.Slack.Channel,
			Username:     cfg.Slack.Username,
			Timeout:      cfg.Timeout,
			RetryLimit:   cfg.RetryLimit,
			JobURLPrefix: cfg.Slack.JobURLPrefix,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, deadletter.SinkRegistration{Name: "slack", Sink: client})
		}
	}

	if cfg.AMQP.Enabled {
		publisher, err := amqp.NewPublisher(amqp.Config{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			RoutingKey: cfg.AMQP.RoutingKey,
			Logger:     baseLogger,
		})
		if err != nil {
			baseLogger.Error("failed to initialise amqp notifier", "error", err)
		} else {
			sinks = append(sinks, deadletter.SinkRegistration{Name: "amqp", Sink: publisher})
			closers = append(closers, namedCloser{name: "amqp publisher", closer: publisher})
		}
	}

	return deadletter.NewService(deadletter.Options{
		Logger:  baseLogger,
		Metrics: sink,
		Sinks:   sinks,
	}), closers
}

// buildBreakers creates the process-wide breaker registry. Low-risk
// dependencies get the lenient profile.
func buildBreakers(cfg config.BreakerConfig, sink statsd.Sink, logger *slog.Logger) *breaker.Registry {
	log := logger
	if log == nil {
		log = slog.Default()
	}
	return breaker.NewRegistry(breaker.RegistryOptions{
		Default:   cfg.Default.Config(),
		Overrides: cfg.Overrides(),
		OnStateChange: func(change breaker.StateChange) {
			metrics.EmitBreakerStateChange(sink, change)
			log.Warn("circuit breaker state changed",
				"dependency", change.Dependency,
				"from", change.From,
				"to", change.To,
			)
		},
	})
}

func buildRepositories(db *sql.DB, redisClient redis.UniversalClient, cfg *config.AppConfig, backoff domainjob.BackoffPolicy, logger *slog.Logger) *serviceRepositories {
	repos := &serviceRepositories{
		JobRepo: data.NewJobRepo(db, data.RepoConfig{
			Backoff:     backoff,
			Logger:      logger,
			MaxAttempts: cfg.Jobs.DefaultMaxAttempts,
		}),
		IdempotencyRepo: data.NewIdempotencyRepo(db, data.IdempotencyRepoOptions{Logger: logger}),
	}
	if redisClient != nil {
		repos.IdempotencyCache = data.NewRedisIdempotencyCache(redisClient, cfg.Idempotency.CacheTTL)
		repos.PostingHistory = data.NewPostingHistoryRepo(redisClient, nil)
	}
	return repos
}

func newIdempotencyGate(repos *serviceRepositories, logger *slog.Logger) (*service.IdempotencyGate, error) {
	opts := service.IdempotencyGateOptions{
		Repo:   repos.IdempotencyRepo,
		Logger: logger,
	}
	// Leave the interface nil rather than wrapping a nil pointer.
	if repos.IdempotencyCache != nil {
		opts.Cache = repos.IdempotencyCache
	}
	return service.NewIdempotencyGate(opts)
}

func newProjector(cfg config.IdempotencyConfig) (*idempotency.Projector, error) {
	exprs, err := idempotency.ParseExpressions(cfg.KeyExpressions)
	if err != nil {
		return nil, err
	}
	return idempotency.NewProjector(exprs)
}

type jobServiceDeps struct {
	Repos         *serviceRepositories
	LeasePolicy   *domainjob.LeasePolicy
	Observability ObservabilityContainer
	Config        *config.AppConfig
	Logger        *slog.Logger
}

func newJobService(deps jobServiceDeps) (*service.JobService, error) {
	gate, err := newIdempotencyGate(deps.Repos, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("idempotency gate: %w", err)
	}
	projector, err := newProjector(deps.Config.Idempotency)
	if err != nil {
		return nil, fmt.Errorf("idempotency projections: %w", err)
	}

	opts := service.JobServiceOptions{
		Repo:        deps.Repos.JobRepo,
		Gate:        gate,
		Projector:   projector,
		LeasePolicy: deps.LeasePolicy,
		Metrics:     deps.Observability.MetricsSink,
		Logger:      deps.Logger,
	}
	if deps.Observability.DeadLetters != nil {
		opts.DeadLetters = deps.Observability.DeadLetters
	}
	return service.NewJobService(opts)
}

func newPostingGuardService(repos *serviceRepositories, cfg config.PostingConfig, sink statsd.Sink, logger *slog.Logger) (*service.PostingGuardService, error) {
	if repos.PostingHistory == nil {
		return nil, nil //nolint:nilnil // the guard is optional without Redis
	}
	return service.NewPostingGuardService(service.PostingGuardServiceOptions{
		History: repos.PostingHistory,
		Plans:   service.StaticPlanResolver{Default: cfg.DefaultPlan},
		Metrics: sink,
		Logger:  logger,
	})
}

// NewServices wires the job engine from configuration and open connections.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service config is required")
	}
	if deps.DB == nil {
		return ServiceContainer{}, errors.New("database connection is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	leasePolicy, err := domainjob.NewLeasePolicy(cfg.Worker.HeartbeatInterval, cfg.Reclaimer.StaleThreshold)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("lease policy: %w", err)
	}
	backoff, err := domainjob.NewBackoffPolicy(cfg.Jobs.BackoffBase, cfg.Jobs.BackoffCap)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("backoff policy: %w", err)
	}

	observability, closers := buildObservability(logger, cfg.Observability)
	container := ServiceContainer{
		Breakers:      buildBreakers(cfg.Breaker, observability.MetricsSink, logger),
		LeasePolicy:   leasePolicy,
		Backoff:       backoff,
		Observability: observability,
		closers:       closers,
	}
	fail := func(err error) (ServiceContainer, error) {
		if cerr := container.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return ServiceContainer{}, err
	}

	repos := buildRepositories(deps.DB, deps.RedisClient, cfg, backoff, logger)

	container.Jobs, err = newJobService(jobServiceDeps{
		Repos:         repos,
		LeasePolicy:   leasePolicy,
		Observability: observability,
		Config:        cfg,
		Logger:        logger,
	})
	if err != nil {
		return fail(fmt.Errorf("job service: %w", err))
	}

	container.Posting, err = newPostingGuardService(repos, cfg.Posting, observability.MetricsSink, logger)
	if err != nil {
		return fail(fmt.Errorf("posting guard: %w", err))
	}

	return container, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    *ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
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
	logger := deps.logger
	if logger == nil {
		logger = slog.Default()
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
				logger.WarnContext(ctx, "dropping background service error", "service", descriptor.name, "error", errMsg)
			}
		}
	}()

	logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
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

func newWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeWorker,
		name: "worker",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil || deps.cfg.Services == nil {
				return nil
			}
			svc := deps.cfg.Services
			return RunWorker(ctx, WorkerConfig{
				Config:   deps.cfg.Config.Worker,
				Jobs:     svc.Jobs,
				Breakers: svc.Breakers,
				Posting:  svc.Posting,
				Logger:   deps.logger,
			})
		},
	}
}

func newReclaimerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReclaimer,
		name: "reclaimer",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil || deps.cfg.Services == nil {
				return nil
			}
			svc := deps.cfg.Services
			return RunReclaimer(ctx, ReclaimerConfig{
				DB:          deps.cfg.DB,
				Config:      deps.cfg.Config.Reclaimer,
				JobsConfig:  deps.cfg.Config.Jobs,
				LeasePolicy: svc.LeasePolicy,
				DeadLetters: svc.Observability.DeadLetters,
				Metrics:     svc.Observability.MetricsSink,
				Logger:      deps.logger,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newWorkerBackgroundService(deps),
		newReclaimerBackgroundService(deps),
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
	if cfg.Services == nil {
		return errors.New("service orchestration config missing services")
	}

	ctx := context.Background()
	serviceCtx, cancel := context.WithCancel(ctx)
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

	var opsServer *http.Server
	if cfg.Config.Observability.Prometheus.Enabled {
		opsServer = StartOpsServer(&OpsServerConfig{
			Addr:     cfg.Config.Observability.Prometheus.Address,
			Registry: cfg.Services.Observability.PromRegistry,
			Checks:   healthChecks(cfg.DB, cfg.RedisClient),
			Logger:   logger,
		})
	}

	backgrounds := startBackgroundServices(deps, buildBackgroundServices(deps))

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		ctx:         serviceCtx,
		cancel:      cancel,
		errCh:       errCh,
		opsServer:   opsServer,
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
	ctx         context.Context
	cancel      context.CancelFunc
	errCh       <-chan error
	opsServer   *http.Server
	jobService  *service.JobService
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
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop stops job listeners, waits for background loops to return
// their leases, then closes the ops server.
func gracefulStop(cfg shutdownConfig) error {
	if cfg.jobService != nil {
		cfg.jobService.StopAllListeners()
	}

	// Wait for background services to finish
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	if cfg.opsServer != nil {
		// The service context is already cancelled; shut down on a fresh one.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
		defer cancel()

		if err := ShutdownOpsServer(shutdownCtx, cfg.opsServer, cfg.logger); err != nil {
			return err
		}
	}

	return nil
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

func healthChecks(db *sql.DB, redisClient redis.UniversalClient) map[string]HealthCheck {
	checks := make(map[string]HealthCheck, 2)
	if db != nil {
		checks["postgres"] = db.PingContext
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	return checks
}
