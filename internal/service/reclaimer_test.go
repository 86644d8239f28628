package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/jobcoord/config"
	"github.com/target/jobcoord/internal/core"
	domainjob "github.com/target/jobcoord/internal/domain/job"
	"github.com/target/jobcoord/internal/domain/model"
)

// stubStaleLeaseRepo hands out queued batches and then reports exhaustion.
type stubStaleLeaseRepo struct {
	mu sync.Mutex

	batches      []*core.ReclaimResult
	reclaimCalls []core.ReclaimStaleParams
	reclaimErr   error

	purgeCounts []int64
	purgeCalls  int
	purgeErr    error
}

func (r *stubStaleLeaseRepo) ReclaimStaleBatch(_ context.Context, params core.ReclaimStaleParams) (*core.ReclaimResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reclaimCalls = append(r.reclaimCalls, params)
	if r.reclaimErr != nil {
		return nil, r.reclaimErr
	}
	if len(r.batches) == 0 {
		return &core.ReclaimResult{}, nil
	}
	next := r.batches[0]
	r.batches = r.batches[1:]
	return next, nil
}

func (r *stubStaleLeaseRepo) PurgeSucceeded(_ context.Context, _ core.PurgeParams) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeCalls++
	if r.purgeErr != nil {
		return 0, r.purgeErr
	}
	if len(r.purgeCounts) == 0 {
		return 0, nil
	}
	next := r.purgeCounts[0]
	r.purgeCounts = r.purgeCounts[1:]
	return next, nil
}

type stubIdempotencyPurger struct {
	counts []int64
	calls  int
	params core.PurgeParams
}

func (p *stubIdempotencyPurger) PurgeOlderThan(_ context.Context, params core.PurgeParams) (int64, error) {
	p.calls++
	p.params = params
	if len(p.counts) == 0 {
		return 0, nil
	}
	next := p.counts[0]
	p.counts = p.counts[1:]
	return next, nil
}

type countingSink struct {
	mu     sync.Mutex
	counts map[string]int64
	tags   map[string][]map[string]string
}

func newCountingSink() *countingSink {
	return &countingSink{counts: map[string]int64{}, tags: map[string][]map[string]string{}}
}

func (c *countingSink) Count(name string, value int64, tags map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name] += value
	c.tags[name] = append(c.tags[name], tags)
}

func (c *countingSink) Gauge(string, float64, map[string]string) {}

func (c *countingSink) Timing(string, time.Duration, map[string]string) {}

func testReclaimerConfig() config.ReclaimerConfig {
	return config.ReclaimerConfig{
		Interval:          time.Minute,
		StaleThreshold:    60 * time.Second,
		BatchSize:         100,
		SucceededMaxAge:   7 * 24 * time.Hour,
		IdempotencyMaxAge: 72 * time.Hour,
	}
}

func TestNewReclaimerService(t *testing.T) {
	t.Run("creates service with valid options", func(t *testing.T) {
		svc, err := NewReclaimerService(ReclaimerServiceOptions{
			Repo:   &stubStaleLeaseRepo{},
			Config: testReclaimerConfig(),
			Logger: slog.Default(),
		})
		require.NoError(t, err)
		assert.NotNil(t, svc)
	})

	t.Run("returns error when repo is nil", func(t *testing.T) {
		_, err := NewReclaimerService(ReclaimerServiceOptions{Config: testReclaimerConfig()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "StaleLeaseRepository is required")
	})

	t.Run("rejects malformed schedule", func(t *testing.T) {
		cfg := testReclaimerConfig()
		cfg.Schedule = "every minute"
		_, err := NewReclaimerService(ReclaimerServiceOptions{Repo: &stubStaleLeaseRepo{}, Config: cfg})
		require.Error(t, err)
	})
}

func TestValidateSchedule(t *testing.T) {
	require.NoError(t, ValidateSchedule("*/5 * * * *"))
	require.Error(t, ValidateSchedule("*/5 * * * * *"), "seconds field is not accepted")
}

func TestReclaimerService_nextWait(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 3, 30, 0, time.UTC)

	t.Run("interval", func(t *testing.T) {
		svc := MustNewReclaimerService(ReclaimerServiceOptions{Repo: &stubStaleLeaseRepo{}, Config: testReclaimerConfig()})
		assert.Equal(t, time.Minute, svc.nextWait())
	})

	t.Run("cron schedule", func(t *testing.T) {
		cfg := testReclaimerConfig()
		cfg.Schedule = "*/5 * * * *"
		svc := MustNewReclaimerService(ReclaimerServiceOptions{
			Repo:   &stubStaleLeaseRepo{},
			Config: cfg,
			Now:    func() time.Time { return now },
		})
		assert.Equal(t, 90*time.Second, svc.nextWait())
	})
}

func TestReclaimerService_ReclaimStale(t *testing.T) {
	dead := &model.Job{ID: "job-dead", State: model.JobStateDeadLetter}
	repo := &stubStaleLeaseRepo{
		batches: []*core.ReclaimResult{
			{Recovered: 100},
			{Recovered: 3, DeadLettered: []*model.Job{dead}},
		},
	}
	deadLetters := &recordingDeadLetters{}
	policy, err := domainjob.NewLeasePolicy(10*time.Second, 60*time.Second)
	require.NoError(t, err)

	svc := MustNewReclaimerService(ReclaimerServiceOptions{
		Repo:        repo,
		Config:      testReclaimerConfig(),
		LeasePolicy: policy,
		DeadLetters: deadLetters,
	})

	count, err := svc.ReclaimStale(context.Background(), 0)
	require.NoError(t, err)
	assert.EqualValues(t, 103, count)

	// Two batches with rows, then an empty batch ends the loop.
	require.Len(t, repo.reclaimCalls, 3)
	assert.Equal(t, 60*time.Second, repo.reclaimCalls[0].Threshold)
	assert.Equal(t, 100, repo.reclaimCalls[0].BatchSize)

	require.Len(t, deadLetters.jobs, 1)
	assert.Equal(t, "job-dead", deadLetters.jobs[0].ID)
}

func TestReclaimerService_ReclaimStale_ThresholdResolution(t *testing.T) {
	policy, err := domainjob.NewLeasePolicy(10*time.Second, 60*time.Second)
	require.NoError(t, err)

	tests := []struct {
		name      string
		policy    *domainjob.LeasePolicy
		requested time.Duration
		want      time.Duration
	}{
		{name: "default from config", policy: policy, requested: 0, want: 60 * time.Second},
		{name: "explicit above floor", policy: policy, requested: 5 * time.Minute, want: 5 * time.Minute},
		{name: "clamped to heartbeat floor", policy: policy, requested: 5 * time.Second, want: 30 * time.Second},
		{name: "sub-second rounds up", policy: policy, requested: 90500 * time.Millisecond, want: 91 * time.Second},
		{name: "no policy uses request", policy: nil, requested: 45 * time.Second, want: 45 * time.Second},
		{name: "no policy falls back to config", policy: nil, requested: 0, want: 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &stubStaleLeaseRepo{}
			svc := MustNewReclaimerService(ReclaimerServiceOptions{
				Repo:        repo,
				Config:      testReclaimerConfig(),
				LeasePolicy: tt.policy,
			})

			count, err := svc.ReclaimStale(context.Background(), tt.requested)
			require.NoError(t, err)
			assert.Zero(t, count)
			require.Len(t, repo.reclaimCalls, 1)
			assert.Equal(t, tt.want, repo.reclaimCalls[0].Threshold)
		})
	}
}

func TestReclaimerService_RunOnce(t *testing.T) {
	t.Run("runs every step and emits counts", func(t *testing.T) {
		repo := &stubStaleLeaseRepo{
			batches:     []*core.ReclaimResult{{Recovered: 2, DeadLettered: []*model.Job{{ID: "j1"}}}},
			purgeCounts: []int64{5},
		}
		purger := &stubIdempotencyPurger{counts: []int64{7, 1}}
		sink := newCountingSink()

		svc := MustNewReclaimerService(ReclaimerServiceOptions{
			Repo:    repo,
			Purger:  purger,
			Config:  testReclaimerConfig(),
			Metrics: sink,
		})

		require.NoError(t, svc.RunOnce(context.Background()))

		assert.Equal(t, 2, repo.purgeCalls)
		assert.Equal(t, 3, purger.calls)
		assert.Equal(t, 72*time.Hour, purger.params.MaxAge)

		assert.EqualValues(t, 1, sink.counts["reclaimer.sweep"])
		assert.Equal(t, "success", sink.tags["reclaimer.sweep"][0]["result"])
		// recovered 2 + dead_lettered 1 + purged succeeded 5 + purged idempotency 8
		assert.EqualValues(t, 16, sink.counts["reclaimer.jobs_processed"])
	})

	t.Run("noop when nothing to do", func(t *testing.T) {
		sink := newCountingSink()
		svc := MustNewReclaimerService(ReclaimerServiceOptions{
			Repo:    &stubStaleLeaseRepo{},
			Config:  testReclaimerConfig(),
			Metrics: sink,
		})

		require.NoError(t, svc.RunOnce(context.Background()))
		assert.Equal(t, "noop", sink.tags["reclaimer.sweep"][0]["result"])
		assert.Zero(t, sink.counts["reclaimer.jobs_processed"])
	})

	t.Run("continues on partial errors", func(t *testing.T) {
		repo := &stubStaleLeaseRepo{
			reclaimErr:  errors.New("reclaim error"),
			purgeCounts: []int64{4},
		}
		purger := &stubIdempotencyPurger{}
		sink := newCountingSink()

		svc := MustNewReclaimerService(ReclaimerServiceOptions{
			Repo:    repo,
			Purger:  purger,
			Config:  testReclaimerConfig(),
			Metrics: sink,
		})

		err := svc.RunOnce(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reclaim stale leases")
		assert.Equal(t, 2, repo.purgeCalls)
		assert.Equal(t, 1, purger.calls)
		assert.Equal(t, "error", sink.tags["reclaimer.sweep"][0]["result"])
	})

	t.Run("cancelled context reports cancellation", func(t *testing.T) {
		repo := &stubStaleLeaseRepo{
			reclaimErr: context.Canceled,
			purgeErr:   context.Canceled,
		}
		svc := MustNewReclaimerService(ReclaimerServiceOptions{Repo: repo, Config: testReclaimerConfig()})

		err := svc.RunOnce(context.Background())
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestReclaimerService_RunStopsOnCancel(t *testing.T) {
	cfg := testReclaimerConfig()
	cfg.Interval = time.Hour
	svc := MustNewReclaimerService(ReclaimerServiceOptions{Repo: &stubStaleLeaseRepo{}, Config: cfg})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
