package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/target/jobcoord/internal/core"
	"github.com/target/jobcoord/internal/domain/model"
	"github.com/target/jobcoord/internal/domain/postguard"
	"github.com/target/jobcoord/internal/observability/metrics"
	"github.com/target/jobcoord/internal/observability/statsd"
)

// StaticPlanResolver assigns plans from a fixed table.
type StaticPlanResolver struct {
	Default postguard.Plan
	Tenants map[string]postguard.Plan
}

// PlanFor returns the tenant's plan, or Default when it has none.
func (r StaticPlanResolver) PlanFor(_ context.Context, tenantID string) (postguard.Plan, error) {
	if p, ok := r.Tenants[tenantID]; ok {
		return p, nil
	}
	if r.Default == "" {
		return postguard.PlanBasic, nil
	}
	return r.Default, nil
}

// PostingGuardServiceOptions groups dependencies for PostingGuardService.
type PostingGuardServiceOptions struct {
	History core.PostingHistoryRepository // Required: posting history read model
	Plans   core.PlanResolver             // Optional: defaults to the basic plan for every tenant
	Metrics statsd.Sink                   // Optional: metrics sink
	Logger  *slog.Logger                  // Optional: structured logger
	Now     func() time.Time              // Optional: clock
}

// PostingGuardService applies plan-tiered posting limits to an account using
// its recorded history.
type PostingGuardService struct {
	history core.PostingHistoryRepository
	plans   core.PlanResolver
	metrics statsd.Sink
	logger  *slog.Logger
	now     func() time.Time
}

// NewPostingGuardService constructs a PostingGuardService.
func NewPostingGuardService(opts PostingGuardServiceOptions) (*PostingGuardService, error) {
	if opts.History == nil {
		return nil, errors.New("PostingHistoryRepository is required")
	}
	plans := opts.Plans
	if plans == nil {
		plans = StaticPlanResolver{Default: postguard.PlanBasic}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "posting_guard")
	}
	return &PostingGuardService{
		history: opts.History,
		plans:   plans,
		metrics: opts.Metrics,
		logger:  logger,
		now:     now,
	}, nil
}

// Limits returns the posting limits for tenantID's plan.
func (s *PostingGuardService) Limits(ctx context.Context, tenantID string) (postguard.Limits, error) {
	plan, err := s.plans.PlanFor(ctx, tenantID)
	if err != nil {
		return postguard.Limits{}, fmt.Errorf("resolve plan for tenant %s: %w", tenantID, err)
	}
	return postguard.LimitsForPlan(plan), nil
}

// Check evaluates whether the account in scope may post now.
func (s *PostingGuardService) Check(ctx context.Context, scope model.PostingScope) (postguard.Decision, error) {
	history, limits, err := s.load(ctx, scope)
	if err != nil {
		return postguard.Decision{}, err
	}
	return postguard.CanPost(s.now(), history, limits), nil
}

// Enforce returns a *postguard.BlockedError when the account in scope may not
// post now.
func (s *PostingGuardService) Enforce(ctx context.Context, scope model.PostingScope) error {
	history, limits, err := s.load(ctx, scope)
	if err != nil {
		return err
	}

	err = postguard.Enforce(postguard.EnforceRequest{
		Now:       s.now(),
		Platform:  scope.Platform,
		AccountID: scope.AccountID,
		History:   history,
		Limits:    limits,
	})
	var blocked *postguard.BlockedError
	if errors.As(err, &blocked) {
		metrics.EmitPostguardBlocked(s.metrics, scope.Platform, blocked.Reason)
		if s.logger != nil {
			s.logger.InfoContext(ctx, "post blocked",
				"tenant_id", scope.TenantID,
				"account_id", scope.AccountID,
				"platform", scope.Platform,
				"reason", blocked.Reason,
				"retry_after", blocked.RetryAfter(),
			)
		}
	}
	return err
}

// RecordPost appends a successful publish to the history.
func (s *PostingGuardService) RecordPost(ctx context.Context, rec model.PostingRecord) error {
	if rec.PostedAt.IsZero() {
		rec.PostedAt = s.now()
	}
	if err := s.history.Record(ctx, rec); err != nil {
		return fmt.Errorf("record post for account %s on %s: %w", rec.AccountID, rec.Platform, err)
	}
	return nil
}

func (s *PostingGuardService) load(ctx context.Context, scope model.PostingScope) ([]model.PostingRecord, postguard.Limits, error) {
	if strings.TrimSpace(scope.AccountID) == "" || strings.TrimSpace(scope.Platform) == "" {
		return nil, postguard.Limits{}, errors.New("posting scope requires account and platform")
	}
	limits, err := s.Limits(ctx, scope.TenantID)
	if err != nil {
		return nil, postguard.Limits{}, err
	}
	history, err := s.history.History(ctx, scope)
	if err != nil {
		return nil, postguard.Limits{}, fmt.Errorf("load posting history: %w", err)
	}
	return history, limits, nil
}
