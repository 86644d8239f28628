package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/jobcoord/config"
	"github.com/target/jobcoord/internal/domain/model"
	"github.com/target/jobcoord/internal/migrate"
	"github.com/target/jobcoord/internal/service"
)

const renderPayload = `{"clip_id":"clip-1","template":"square"}`

type fakeJobs struct {
	enqueued []*model.CreateJobRequest
	replay   bool
	view     *model.JobWithEvents
	stats    *model.JobStats
	requeued []string
	err      error
}

func (f *fakeJobs) Enqueue(_ context.Context, req *model.CreateJobRequest) (*service.EnqueueResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.enqueued = append(f.enqueued, req)
	return &service.EnqueueResult{JobID: "job-1", Replayed: f.replay}, nil
}

func (f *fakeJobs) GetWithEvents(_ context.Context, _ string) (*model.JobWithEvents, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.view, nil
}

func (f *fakeJobs) Requeue(_ context.Context, id string) (*model.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.requeued = append(f.requeued, id)
	return &model.Job{ID: id, State: model.JobStateQueued}, nil
}

func (f *fakeJobs) Stats(_ context.Context, _ string) (*model.JobStats, error) {
	return f.stats, f.err
}

type fakeSweeper struct {
	runs       int
	thresholds []time.Duration
}

func (f *fakeSweeper) RunOnce(context.Context) error {
	f.runs++
	return nil
}

func (f *fakeSweeper) ReclaimStale(_ context.Context, threshold time.Duration) (int64, error) {
	f.thresholds = append(f.thresholds, threshold)
	return 3, nil
}

type fakeMigrator struct {
	ran     bool
	applied []migrate.Migration
}

func (f *fakeMigrator) Run(context.Context) error {
	f.ran = true
	return nil
}

func (f *fakeMigrator) Status(context.Context) ([]migrate.Migration, error) {
	return f.applied, nil
}

type harness struct {
	app      *app
	jobs     *fakeJobs
	sweeper  *fakeSweeper
	migrator *fakeMigrator
	opened   int
	released int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &config.AppConfig{}
	cfg.Postgres.Host = "localhost"
	cfg.Breaker.Sanitize()

	h := &harness{jobs: &fakeJobs{}, sweeper: &fakeSweeper{}, migrator: &fakeMigrator{}}
	release := func() { h.released++ }
	h.app = &app{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg:    cfg,
		openJobs: func(context.Context) (jobAdmin, func(), error) {
			h.opened++
			return h.jobs, release, nil
		},
		openSweeper: func(context.Context) (sweeper, func(), error) {
			h.opened++
			return h.sweeper, release, nil
		},
		openMigrator: func(context.Context) (migrator, func(), error) {
			h.opened++
			return h.migrator, release, nil
		},
	}
	return h
}

func (h *harness) run(stdin string, args ...string) (string, error) {
	root := NewRoot(h.app)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEnqueue(t *testing.T) {
	h := newHarness(t)
	before := time.Now()

	out, err := h.run("", "enqueue",
		"--tenant", "acme",
		"--kind", "Render",
		"--payload", renderPayload,
		"--priority", "7",
		"--dedupe-key", "render-clip-1",
		"--delay", "10m",
	)
	require.NoError(t, err)
	assert.Equal(t, "job job-1 queued\n", out)
	assert.Equal(t, 1, h.released)

	require.Len(t, h.jobs.enqueued, 1)
	req := h.jobs.enqueued[0]
	assert.Equal(t, "acme", req.TenantID)
	assert.Equal(t, model.JobKindRender, req.Kind)
	assert.Equal(t, 7, req.Priority)
	assert.Equal(t, "render-clip-1", req.DedupeKey)
	require.NotNil(t, req.EligibleAt)
	assert.False(t, req.EligibleAt.Before(before.Add(10*time.Minute)))
}

func TestEnqueue_Replayed(t *testing.T) {
	h := newHarness(t)
	h.jobs.replay = true

	out, err := h.run("", "enqueue", "--tenant", "acme", "--kind", "render",
		"--payload", renderPayload, "--dedupe-key", "k1")
	require.NoError(t, err)
	assert.Contains(t, out, `replayed for dedupe key "k1"`)
}

func TestEnqueue_PayloadFromFile(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(path, []byte(renderPayload), 0o600))

	_, err := h.run("", "enqueue", "--tenant", "acme", "--kind", "render", "--payload", "@"+path)
	require.NoError(t, err)
	require.Len(t, h.jobs.enqueued, 1)
	assert.JSONEq(t, renderPayload, string(h.jobs.enqueued[0].Payload))
}

func TestEnqueue_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "missing tenant",
			args: []string{"--kind", "render", "--payload", renderPayload},
			want: "tenant",
		},
		{
			name: "invalid json",
			args: []string{"--tenant", "acme", "--kind", "render", "--payload", "{"},
			want: "payload is not valid JSON",
		},
		{
			name: "unknown kind",
			args: []string{"--tenant", "acme", "--kind", "encode", "--payload", renderPayload},
			want: "invalid job kind",
		},
		{
			name: "payload fails kind validation",
			args: []string{"--tenant", "acme", "--kind", "render", "--payload", `{"clip_id":"c"}`},
			want: "template is required",
		},
		{
			name: "bad eligible-at",
			args: []string{"--tenant", "acme", "--kind", "render", "--payload", renderPayload, "--eligible-at", "tomorrow"},
			want: "RFC3339",
		},
		{
			name: "negative delay",
			args: []string{"--tenant", "acme", "--kind", "render", "--payload", renderPayload, "--delay", "-1m"},
			want: "must not be negative",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.run("", append([]string{"enqueue"}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Zero(t, h.opened, "no connection is opened for invalid input")
		})
	}
}

func TestShow(t *testing.T) {
	owner := "worker-a"
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t)
	h.jobs.view = &model.JobWithEvents{
		Job: &model.Job{
			ID:               "job-9",
			TenantID:         "acme",
			Kind:             model.JobKindPublish,
			State:            model.JobStateRunning,
			Attempts:         2,
			MaxAttempts:      5,
			OwnerID:          &owner,
			LeaseHeartbeatAt: &seen,
			EligibleAt:       seen.Add(-time.Hour),
			LastError:        &model.JobError{Message: "upstream 502"},
		},
		Events: []model.JobEvent{
			{Stage: model.EventStage("enqueued"), Data: json.RawMessage(`{}`), CreatedAt: seen.Add(-time.Hour)},
		},
	}

	out, err := h.run("", "show", "job-9")
	require.NoError(t, err)
	assert.Contains(t, out, "job-9")
	assert.Contains(t, out, "2/5")
	assert.Contains(t, out, "worker-a")
	assert.Contains(t, out, "2026-03-01T12:00:00Z")
	assert.Contains(t, out, "upstream 502")
	assert.Contains(t, out, "events:")
	assert.Contains(t, out, "enqueued")

	out, err = h.run("", "show", "job-9", "--json")
	require.NoError(t, err)
	var decoded model.JobWithEvents
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "job-9", decoded.Job.ID)
	assert.Len(t, decoded.Events, 1)
}

func TestShow_RequiresID(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("", "show")
	require.Error(t, err)
	assert.Zero(t, h.opened)
}

func TestRequeue(t *testing.T) {
	h := newHarness(t)
	out, err := h.run("", "requeue", "job-3")
	require.NoError(t, err)
	assert.Equal(t, []string{"job-3"}, h.jobs.requeued)
	assert.Contains(t, out, "job job-3 requeued (state=queued")

	h.jobs.err = errors.New("job is running")
	_, err = h.run("", "requeue", "job-4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requeue job-4")
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	h.jobs.stats = &model.JobStats{Queued: 4, Running: 1, DeadLetter: 2}

	out, err := h.run("", "stats", "--tenant", "acme")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, []string{"queued", "4"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"dead_letter", "2"}, strings.Fields(lines[5]))
}

func TestReclaim(t *testing.T) {
	t.Run("configured pass", func(t *testing.T) {
		h := newHarness(t)
		out, err := h.run("", "reclaim")
		require.NoError(t, err)
		assert.Equal(t, 1, h.sweeper.runs)
		assert.Empty(t, h.sweeper.thresholds)
		assert.Contains(t, out, "reclaimer pass complete")
	})

	t.Run("threshold override", func(t *testing.T) {
		h := newHarness(t)
		out, err := h.run("", "reclaim", "--threshold", "90s")
		require.NoError(t, err)
		assert.Zero(t, h.sweeper.runs)
		assert.Equal(t, []time.Duration{90 * time.Second}, h.sweeper.thresholds)
		assert.Contains(t, out, "reclaimed 3 job(s)")
	})

	t.Run("remote host refused without flag", func(t *testing.T) {
		h := newHarness(t)
		h.app.cfg.Postgres.Host = "db.prod.example.com"
		_, err := h.run("", "reclaim", "--threshold", "90s")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--allow-remote")
		assert.Zero(t, h.opened)
	})

	t.Run("remote host confirmed", func(t *testing.T) {
		h := newHarness(t)
		h.app.cfg.Postgres.Host = "db.prod.example.com"
		_, err := h.run("db.prod.example.com\n", "reclaim", "--threshold", "90s", "--allow-remote")
		require.NoError(t, err)
		assert.Len(t, h.sweeper.thresholds, 1)
	})

	t.Run("remote host wrong confirmation", func(t *testing.T) {
		h := newHarness(t)
		h.app.cfg.Postgres.Host = "db.prod.example.com"
		_, err := h.run("yes\n", "reclaim", "--threshold", "90s", "--allow-remote")
		require.EqualError(t, err, "aborted by user")
		assert.Zero(t, h.opened)
	})
}

func TestMigrate(t *testing.T) {
	applied := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := newHarness(t)
	h.migrator.applied = []migrate.Migration{
		{Version: "0001_jobs.sql", AppliedAt: &applied},
		{Version: "0002_idempotency.sql"},
	}

	out, err := h.run("", "migrate", "--status")
	require.NoError(t, err)
	assert.False(t, h.migrator.ran)
	assert.Contains(t, out, "2026-01-02T03:04:05Z")
	assert.Contains(t, out, "pending")

	_, err = h.run("", "migrate")
	require.NoError(t, err)
	assert.True(t, h.migrator.ran)
	assert.Equal(t, 2, h.released)
}

func TestBreakerDefaults(t *testing.T) {
	h := newHarness(t)
	h.app.cfg.Breaker.LowRiskDependencies = []string{"slack.com"}

	out, err := h.run("", "breaker-defaults")
	require.NoError(t, err)
	lines := strings.Split(out, "\n")
	assert.Equal(t, []string{"default", "5", "30s", "1"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"low-risk", "10", "1m0s", "2"}, strings.Fields(lines[2]))
	assert.Contains(t, out, "low-risk dependencies: slack.com")
}

func TestPlans(t *testing.T) {
	h := newHarness(t)
	out, err := h.run("", "plans")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, []string{"basic", "10", "5m0s"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"top", "50", "1m0s"}, strings.Fields(lines[3]))
}

func TestIsLikelyRemoteHost(t *testing.T) {
	tests := map[string]bool{
		"":                 false,
		"localhost":        false,
		"127.0.0.1":        false,
		"::1":              false,
		"postgres.local":   false,
		"127.0.0.2":        false,
		"10.0.0.5":         true,
		"db.example.com":   true,
		"  LOCALHOST  ":    false,
		"postgres":         true,
		"ledger.svc.local": false,
	}
	for host, want := range tests {
		assert.Equal(t, want, isLikelyRemoteHost(host), host)
	}
}
