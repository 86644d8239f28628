// Package reclaimer provides adapters for running the stale lease reclaimer.
package reclaimer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/jobcoord/config"
	"github.com/target/jobcoord/internal/core"
	"github.com/target/jobcoord/internal/data"
	domainjob "github.com/target/jobcoord/internal/domain/job"
	"github.com/target/jobcoord/internal/observability/statsd"
	"github.com/target/jobcoord/internal/service"
)

// Runner provides a simple adapter to run the reclaimer loop.
// It constructs the reclaimer service against Postgres and runs it.
type Runner struct {
	reclaimer *service.ReclaimerService
	logger    *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB          *sql.DB
	Config      config.ReclaimerConfig
	JobsConfig  config.JobsConfig
	LeasePolicy *domainjob.LeasePolicy
	DeadLetters core.DeadLetterPublisher
	Logger      *slog.Logger

	// Optional dependency injection for testing/decoupling
	Repo    core.StaleLeaseRepository
	Purger  core.IdempotencyPurger
	Metrics statsd.Sink
}

// NewRunner creates a new reclaimer runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	svc, err := wireReclaimerService(opts)
	if err != nil {
		return nil, fmt.Errorf("wire reclaimer service: %w", err)
	}

	return &Runner{reclaimer: svc, logger: opts.Logger}, nil
}

func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil && opts.Repo == nil {
		return errors.New("database connection is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

func wireReclaimerService(opts RunnerOptions) (*service.ReclaimerService, error) {
	repo := opts.Repo
	if repo == nil {
		backoff, err := domainjob.NewBackoffPolicy(opts.JobsConfig.BackoffBase, opts.JobsConfig.BackoffCap)
		if err != nil {
			return nil, fmt.Errorf("backoff policy: %w", err)
		}
		repo = data.NewJobRepo(opts.DB, data.RepoConfig{Backoff: backoff, Logger: opts.Logger})
	}

	purger := opts.Purger
	if purger == nil && opts.DB != nil {
		purger = data.NewIdempotencyRepo(opts.DB, data.IdempotencyRepoOptions{Logger: opts.Logger})
	}

	return service.NewReclaimerService(service.ReclaimerServiceOptions{
		Repo:        repo,
		Purger:      purger,
		Config:      opts.Config,
		LeasePolicy: opts.LeasePolicy,
		DeadLetters: opts.DeadLetters,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
	})
}

// Run starts the reclaimer loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reclaimer runner")
	return r.reclaimer.Run(ctx)
}

// RunOnce performs a single sweep; used by the admin CLI.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.reclaimer.RunOnce(ctx)
}

// ReclaimStale runs only the stale-lease step with threshold.
func (r *Runner) ReclaimStale(ctx context.Context, threshold time.Duration) (int64, error) {
	return r.reclaimer.ReclaimStale(ctx, threshold)
}
