package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/target/jobcoord/config"
	"github.com/target/jobcoord/internal/adapters/outbound"
	"github.com/target/jobcoord/internal/adapters/reclaimer"
	"github.com/target/jobcoord/internal/adapters/worker"
	"github.com/target/jobcoord/internal/domain/breaker"
	domainjob "github.com/target/jobcoord/internal/domain/job"
	"github.com/target/jobcoord/internal/domain/model"
	"github.com/target/jobcoord/internal/observability/statsd"
	"github.com/target/jobcoord/internal/service"
	"github.com/target/jobcoord/internal/service/deadletter"
)

// WorkerConfig contains configuration for the worker pool.
type WorkerConfig struct {
	Config   config.WorkerConfig
	Jobs     *service.JobService
	Breakers *breaker.Registry
	Posting  *service.PostingGuardService // Optional: publish jobs skip the guard when nil
	Logger   *slog.Logger
}

// BuildWorkerHandlers routes every kind the webhook handler can deliver
// through one breaker-guarded HTTP client.
func BuildWorkerHandlers(cfg WorkerConfig) map[model.JobKind]worker.Handler {
	opts := outbound.WebhookHandlerOptions{
		Client: &http.Client{
			Transport: outbound.NewTransport(nil, cfg.Breakers),
			Timeout:   cfg.Config.HandlerTimeout,
		},
		URLs:   cfg.Config.Handlers,
		Logger: cfg.Logger,
	}
	if cfg.Posting != nil {
		opts.Guard = cfg.Posting
	}
	webhook := outbound.NewWebhookHandler(opts)

	handlers := make(map[model.JobKind]worker.Handler)
	for _, kind := range model.AllJobKinds() {
		if webhook.Supports(kind) {
			handlers[kind] = webhook
		}
	}
	return handlers
}

// RunWorker starts the worker pool and blocks until ctx is cancelled.
func RunWorker(ctx context.Context, cfg WorkerConfig) error {
	if cfg.Jobs == nil {
		return fmt.Errorf("create worker runner: job service is required")
	}
	opts := worker.RunnerOptions{
		Jobs:              cfg.Jobs,
		Handlers:          BuildWorkerHandlers(cfg),
		Logger:            cfg.Logger,
		ID:                cfg.Config.ID,
		Kinds:             cfg.Config.ClaimKinds(),
		Concurrency:       cfg.Config.Concurrency,
		HeartbeatInterval: cfg.Config.HeartbeatInterval,
		PollInterval:      cfg.Config.PollInterval,
		HandlerTimeout:    cfg.Config.HandlerTimeout,
	}
	if cfg.Posting != nil {
		opts.Posts = cfg.Posting
	}

	runner, err := worker.NewRunner(opts)
	if err != nil {
		return fmt.Errorf("create worker runner: %w", err)
	}
	return runner.Run(ctx)
}

// ReclaimerConfig contains configuration for the reclaimer.
type ReclaimerConfig struct {
	DB          *sql.DB
	Config      config.ReclaimerConfig
	JobsConfig  config.JobsConfig
	LeasePolicy *domainjob.LeasePolicy
	DeadLetters *deadletter.Service
	Metrics     statsd.Sink
	Logger      *slog.Logger
}

// NewReclaimerRunner builds the reclaimer without starting it. The admin CLI
// uses it for one-off sweeps.
func NewReclaimerRunner(cfg ReclaimerConfig) (*reclaimer.Runner, error) {
	opts := reclaimer.RunnerOptions{
		DB:          cfg.DB,
		Config:      cfg.Config,
		JobsConfig:  cfg.JobsConfig,
		LeasePolicy: cfg.LeasePolicy,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
	}
	if cfg.DeadLetters != nil {
		opts.DeadLetters = cfg.DeadLetters
	}
	runner, err := reclaimer.NewRunner(opts)
	if err != nil {
		return nil, fmt.Errorf("create reclaimer runner: %w", err)
	}
	return runner, nil
}

// RunReclaimer starts the reclaimer service.
func RunReclaimer(ctx context.Context, cfg ReclaimerConfig) error {
	runner, err := NewReclaimerRunner(cfg)
	if err != nil {
		return err
	}
	return runner.Run(ctx)
}
