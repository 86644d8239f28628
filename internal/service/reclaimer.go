package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/target/jobcoord/config"
	"github.com/target/jobcoord/internal/core"
	domainjob "github.com/target/jobcoord/internal/domain/job"
	"github.com/target/jobcoord/internal/domain/model"
	"github.com/target/jobcoord/internal/observability/metrics"
	"github.com/target/jobcoord/internal/observability/statsd"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSchedule reports whether expr is a usable five-field cron expression.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// ReclaimerServiceOptions groups dependencies for ReclaimerService.
type ReclaimerServiceOptions struct {
	Repo        core.StaleLeaseRepository // Required: stale lease and retention operations
	Purger      core.IdempotencyPurger    // Optional: idempotency record retention
	Config      config.ReclaimerConfig    // Required: reclaimer configuration
	LeasePolicy *domainjob.LeasePolicy    // Optional: clamps requested thresholds to the heartbeat floor
	DeadLetters core.DeadLetterPublisher  // Optional: announces jobs dead-lettered by a sweep
	Logger      *slog.Logger              // Optional: structured logger
	Metrics     statsd.Sink               // Optional: metrics sink (StatsD-compatible)
	Now         func() time.Time          // Optional: clock for cron scheduling
}

// ReclaimerService recovers abandoned leases and prunes old rows.
//
// Each pass:
// - Sends running jobs whose heartbeat is older than the stale threshold back
// through the failure branch with reason stuck_job_recovery.
// - Deletes succeeded jobs past retention.
// - Deletes idempotency records past retention.
//
// Several reclaimers may run at once. Row transitions are conditional updates
// and the retention deletes take an advisory lock, so overlapping passes are harmless.
type ReclaimerService struct {
	repo        core.StaleLeaseRepository
	purger      core.IdempotencyPurger
	config      config.ReclaimerConfig
	schedule    cron.Schedule
	leasePolicy *domainjob.LeasePolicy
	deadLetters core.DeadLetterPublisher
	logger      *slog.Logger
	metrics     statsd.Sink
	now         func() time.Time
}

// NewReclaimerService constructs a new ReclaimerService.
func NewReclaimerService(opts ReclaimerServiceOptions) (*ReclaimerService, error) {
	if opts.Repo == nil {
		return nil, errors.New("StaleLeaseRepository is required")
	}
	if opts.Config.Interval <= 0 && opts.Config.Schedule == "" {
		return nil, errors.New("reclaimer interval or schedule is required")
	}

	var schedule cron.Schedule
	if opts.Config.Schedule != "" {
		parsed, err := cronParser.Parse(opts.Config.Schedule)
		if err != nil {
			return nil, fmt.Errorf("parse reclaimer schedule %q: %w", opts.Config.Schedule, err)
		}
		schedule = parsed
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reclaimer_service")
		logger.Debug("ReclaimerService initialized",
			"interval", opts.Config.Interval,
			"schedule", opts.Config.Schedule,
			"stale_threshold", opts.Config.StaleThreshold,
			"succeeded_max_age", opts.Config.SucceededMaxAge,
			"idempotency_max_age", opts.Config.IdempotencyMaxAge,
		)
	}

	return &ReclaimerService{
		repo:        opts.Repo,
		purger:      opts.Purger,
		config:      opts.Config,
		schedule:    schedule,
		leasePolicy: opts.LeasePolicy,
		deadLetters: opts.DeadLetters,
		logger:      logger,
		metrics:     opts.Metrics,
		now:         now,
	}, nil
}

// MustNewReclaimerService constructs a new ReclaimerService and panics on error.
func MustNewReclaimerService(opts ReclaimerServiceOptions) *ReclaimerService {
	svc, err := NewReclaimerService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create ReclaimerService: %v", err))
	}
	return svc
}

// Run starts the reclaimer loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReclaimerService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reclaimer service",
			"interval", s.config.Interval,
			"schedule", s.config.Schedule,
		)
	}

	// Spread instances that start together.
	s.waitWithJitter(ctx)

	if err := s.RunOnce(ctx); err != nil {
		s.logSweepError(err, "initial sweep")
	}

	for {
		wait := s.nextWait()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reclaimer service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-timer.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logSweepError(err, "sweep")
			}
		}
	}
}

// nextWait returns the delay until the next pass.
func (s *ReclaimerService) nextWait() time.Duration {
	if s.schedule == nil {
		return s.config.Interval
	}
	now := s.now()
	wait := s.schedule.Next(now).Sub(now)
	if wait <= 0 {
		return time.Second
	}
	return wait
}

// waitWithJitter adds a random delay up to 10% of the interval.
func (s *ReclaimerService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

// ReclaimStale recovers every running job whose lease is older than
// threshold and returns how many were moved. A zero threshold uses the
// configured one; thresholds under three heartbeats are raised to that floor.
func (s *ReclaimerService) ReclaimStale(ctx context.Context, threshold time.Duration) (int64, error) {
	recovered, _, err := s.reclaimStale(ctx, threshold)
	return recovered, err
}

// RunOnce performs a single pass: stale recovery then retention deletes.
func (s *ReclaimerService) RunOnce(ctx context.Context) error {
	start := time.Now()
	sweep := metrics.SweepMetric{}

	var (
		errs               []error
		allContextCanceled = true
	)
	record := func(label string, err error) {
		if err == nil {
			return
		}
		errs = append(errs, fmt.Errorf("%s: %w", label, err))
		allContextCanceled = allContextCanceled && isContextCancellation(err)
	}

	recovered, deadLettered, err := s.reclaimStale(ctx, 0)
	sweep.Recovered, sweep.DeadLettered = recovered, deadLettered
	record("reclaim stale leases", err)

	sweep.PurgedSucceeded, err = s.drain(ctx, func(ctx context.Context) (int64, error) {
		return s.repo.PurgeSucceeded(ctx, core.PurgeParams{
			MaxAge:    s.config.SucceededMaxAge,
			BatchSize: s.config.BatchSize,
		})
	})
	record("purge succeeded jobs", err)
	if sweep.PurgedSucceeded > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "purged succeeded jobs",
			"count", sweep.PurgedSucceeded,
			"max_age", s.config.SucceededMaxAge,
		)
	}

	if s.purger != nil {
		sweep.PurgedIdempotency, err = s.drain(ctx, func(ctx context.Context) (int64, error) {
			return s.purger.PurgeOlderThan(ctx, core.PurgeParams{
				MaxAge:    s.config.IdempotencyMaxAge,
				BatchSize: s.config.BatchSize,
			})
		})
		record("purge idempotency records", err)
		if sweep.PurgedIdempotency > 0 && s.logger != nil {
			s.logger.InfoContext(ctx, "purged idempotency records",
				"count", sweep.PurgedIdempotency,
				"max_age", s.config.IdempotencyMaxAge,
			)
		}
	}

	sweep.Duration = time.Since(start)

	var runErr error
	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if allContextCanceled && isContextCancellation(joined) {
			runErr = context.Canceled
		} else {
			runErr = fmt.Errorf("reclaimer sweep failed: %w", joined)
		}
	}

	switch {
	case runErr != nil:
		sweep.Result = metrics.ResultError
		sweep.Err = suppressContextCancellation(runErr)
	case sweep.Recovered+sweep.PurgedSucceeded+sweep.PurgedIdempotency == 0:
		sweep.Result = metrics.ResultNoop
	default:
		sweep.Result = metrics.ResultSuccess
	}
	metrics.EmitReclaimSweep(s.metrics, sweep)

	return runErr
}

func (s *ReclaimerService) reclaimStale(ctx context.Context, threshold time.Duration) (int64, int64, error) {
	resolved := s.resolveThreshold(ctx, threshold)

	var recovered, deadLettered int64
	for {
		res, err := s.repo.ReclaimStaleBatch(ctx, core.ReclaimStaleParams{
			Threshold: resolved,
			BatchSize: s.config.BatchSize,
		})
		if err != nil {
			return recovered, deadLettered, err
		}
		if res == nil || res.Recovered == 0 {
			break
		}
		recovered += res.Recovered
		deadLettered += int64(len(res.DeadLettered))
		s.publishDeadLetters(ctx, res.DeadLettered)

		if ctx.Err() != nil {
			return recovered, deadLettered, ctx.Err()
		}
	}

	if recovered > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "reclaimed stale leases",
			"count", recovered,
			"dead_lettered", deadLettered,
			"threshold", resolved,
		)
	}
	return recovered, deadLettered, nil
}

func (s *ReclaimerService) resolveThreshold(ctx context.Context, requested time.Duration) time.Duration {
	if s.leasePolicy == nil {
		if requested > 0 {
			return requested
		}
		return s.config.StaleThreshold
	}

	if requested == 0 {
		requested = s.config.StaleThreshold
	}
	decision := s.leasePolicy.Resolve(requested)
	if decision.Clamped() && s.logger != nil {
		s.logger.WarnContext(ctx, "stale threshold raised to heartbeat floor",
			"requested", requested,
			"resolved", decision.Duration(),
		)
	}
	return decision.Duration()
}

func (s *ReclaimerService) publishDeadLetters(ctx context.Context, jobs []*model.Job) {
	if s.deadLetters == nil {
		return
	}
	for _, j := range jobs {
		if err := s.deadLetters.PublishDeadLetter(ctx, j); err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "dead-letter notification failed", "job_id", j.ID, "error", err)
		}
	}
}

// drain repeats a batched delete until it stops affecting rows.
func (s *ReclaimerService) drain(ctx context.Context, fn func(context.Context) (int64, error)) (int64, error) {
	var total int64
	for {
		count, err := fn(ctx)
		if err != nil {
			return total, err
		}
		total += count
		if count == 0 {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

func (s *ReclaimerService) logSweepError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}

	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
