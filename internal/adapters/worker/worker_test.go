package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/jobcoord/internal/domain/model"
	"github.com/target/jobcoord/internal/domain/postguard"
)

type fakeJobs struct {
	mu sync.Mutex

	queue      []*model.Job
	heartbeats int
	loseLease  bool
	failed     []model.FailJobRequest
	succeeded  []model.SucceedJobRequest
	reportErrs []error
	durations  []string
	notify     chan struct{}
}

func newFakeJobs(jobs ...*model.Job) *fakeJobs {
	return &fakeJobs{queue: jobs, notify: make(chan struct{})}
}

func (f *fakeJobs) Claim(_ context.Context, _ model.ClaimRequest) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, nil
	}
	j := f.queue[0]
	f.queue = f.queue[1:]
	return j, nil
}

func (f *fakeJobs) Heartbeat(_ context.Context, jobID, _ string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	if f.loseLease {
		return nil, nil
	}
	return &model.Job{ID: jobID, State: model.JobStateRunning}, nil
}

func (f *fakeJobs) Fail(ctx context.Context, req model.FailJobRequest) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reportErrs = append(f.reportErrs, ctx.Err())
	f.failed = append(f.failed, req)
	return &model.Job{ID: req.JobID, State: model.JobStateQueued}, nil
}

func (f *fakeJobs) Succeed(ctx context.Context, req model.SucceedJobRequest) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reportErrs = append(f.reportErrs, ctx.Err())
	f.succeeded = append(f.succeeded, req)
	return &model.Job{ID: req.JobID, State: model.JobStateSucceeded}, nil
}

func (f *fakeJobs) Subscribe(...model.JobKind) (func(), <-chan struct{}) {
	return func() {}, f.notify
}

func (f *fakeJobs) RecordHandlerDuration(_ model.JobKind, result string, _ time.Duration, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.durations = append(f.durations, result)
}

type recordingPosts struct {
	mu      sync.Mutex
	records []model.PostingRecord
}

func (p *recordingPosts) RecordPost(_ context.Context, rec model.PostingRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	return nil
}

func runningJob(id string, kind model.JobKind, payload string) *model.Job {
	owner := "w"
	return &model.Job{
		ID:       id,
		TenantID: "t1",
		Kind:     kind,
		State:    model.JobStateRunning,
		OwnerID:  &owner,
		Attempts: 1,
		Payload:  json.RawMessage(payload),
	}
}

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.Error(t, err)

	_, err = NewRunner(RunnerOptions{Jobs: newFakeJobs()})
	require.Error(t, err, "handlers are required")

	_, err = NewRunner(RunnerOptions{
		Jobs:     newFakeJobs(),
		Kinds:    []model.JobKind{model.JobKindRender},
		Handlers: map[model.JobKind]Handler{model.JobKindWebhook: HandlerFunc(nil)},
	})
	require.Error(t, err, "no claimable kind")

	r, err := NewRunner(RunnerOptions{
		Jobs:     newFakeJobs(),
		Handlers: map[model.JobKind]Handler{model.JobKindWebhook: HandlerFunc(nil)},
	})
	require.NoError(t, err)
	assert.Equal(t, []model.JobKind{model.JobKindWebhook}, r.kinds)
	assert.NotEmpty(t, r.id)
}

func TestRunner_processJob_Success(t *testing.T) {
	jobs := newFakeJobs()
	posts := &recordingPosts{}
	r, err := NewRunner(RunnerOptions{
		Jobs:  jobs,
		Posts: posts,
		Handlers: map[model.JobKind]Handler{
			model.JobKindPublish: HandlerFunc(func(context.Context, *model.Job) (json.RawMessage, error) {
				return json.RawMessage(`{"post_id":"p1"}`), nil
			}),
		},
	})
	require.NoError(t, err)

	job := runningJob("job-1", model.JobKindPublish, `{"clip_id":"c1","account_id":"acct","platform":"tiktok","caption":"hi"}`)
	r.processJob(context.Background(), "w", job)

	require.Len(t, jobs.succeeded, 1)
	assert.Equal(t, "job-1", jobs.succeeded[0].JobID)
	assert.JSONEq(t, `{"post_id":"p1"}`, string(jobs.succeeded[0].Result))
	assert.Empty(t, jobs.failed)
	assert.Equal(t, []string{"success"}, jobs.durations)

	require.Len(t, posts.records, 1)
	assert.Equal(t, model.PostingRecord{TenantID: "t1", AccountID: "acct", Platform: "tiktok", ClipID: "c1"}, posts.records[0])
}

func TestRunner_processJob_Failure(t *testing.T) {
	remaining := int64(90_500)
	tests := []struct {
		name        string
		err         error
		wantBackoff int
	}{
		{name: "plain error uses policy backoff", err: errors.New("upstream 500"), wantBackoff: 0},
		{
			name:        "posting block carries retry hint",
			err:         &postguard.BlockedError{Reason: postguard.ReasonMinInterval, RemainingMs: &remaining},
			wantBackoff: 91,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := newFakeJobs()
			posts := &recordingPosts{}
			r, err := NewRunner(RunnerOptions{
				Jobs:  jobs,
				Posts: posts,
				Handlers: map[model.JobKind]Handler{
					model.JobKindPublish: HandlerFunc(func(context.Context, *model.Job) (json.RawMessage, error) {
						return nil, tt.err
					}),
				},
			})
			require.NoError(t, err)

			r.processJob(context.Background(), "w", runningJob("job-1", model.JobKindPublish, `{}`))

			require.Len(t, jobs.failed, 1)
			assert.Equal(t, tt.wantBackoff, jobs.failed[0].BackoffSeconds)
			assert.Equal(t, tt.err.Error(), jobs.failed[0].Message)
			assert.Empty(t, jobs.succeeded)
			assert.Empty(t, posts.records)
		})
	}
}

func TestRunner_processJob_ReportsAfterShutdown(t *testing.T) {
	tests := []struct {
		name       string
		handlerErr error
		wantFailed int
	}{
		{name: "handler aborted by shutdown is failed", handlerErr: context.Canceled, wantFailed: 1},
		{name: "result finished during shutdown is stored", handlerErr: nil, wantFailed: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := newFakeJobs()
			ctx, cancel := context.WithCancel(context.Background())
			r, err := NewRunner(RunnerOptions{
				Jobs: jobs,
				Handlers: map[model.JobKind]Handler{
					model.JobKindWebhook: HandlerFunc(func(context.Context, *model.Job) (json.RawMessage, error) {
						cancel()
						if tt.handlerErr != nil {
							return nil, tt.handlerErr
						}
						return json.RawMessage(`{}`), nil
					}),
				},
			})
			require.NoError(t, err)

			r.processJob(ctx, "w", runningJob("job-1", model.JobKindWebhook, `{}`))

			require.Error(t, ctx.Err())
			assert.Len(t, jobs.failed, tt.wantFailed)
			assert.Len(t, jobs.succeeded, 1-tt.wantFailed)
			require.Len(t, jobs.reportErrs, 1)
			assert.NoError(t, jobs.reportErrs[0], "outcome must be reported on a live context")
		})
	}
}

func TestRunner_processJob_LeaseLost(t *testing.T) {
	jobs := newFakeJobs()
	jobs.loseLease = true

	r, err := NewRunner(RunnerOptions{
		Jobs:              jobs,
		HeartbeatInterval: 10 * time.Millisecond,
		Handlers: map[model.JobKind]Handler{
			model.JobKindRender: HandlerFunc(func(ctx context.Context, _ *model.Job) (json.RawMessage, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
		},
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		r.processJob(context.Background(), "w", runningJob("job-1", model.JobKindRender, `{}`))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not cancelled after the lease was lost")
	}

	assert.Empty(t, jobs.failed, "a lost lease must not be reported as a failure")
	assert.Empty(t, jobs.succeeded)
	assert.Equal(t, []string{"noop"}, jobs.durations)
}

func TestRunner_processJob_HandlerTimeout(t *testing.T) {
	jobs := newFakeJobs()
	r, err := NewRunner(RunnerOptions{
		Jobs:           jobs,
		HandlerTimeout: 20 * time.Millisecond,
		Handlers: map[model.JobKind]Handler{
			model.JobKindRender: HandlerFunc(func(ctx context.Context, _ *model.Job) (json.RawMessage, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
		},
	})
	require.NoError(t, err)

	r.processJob(context.Background(), "w", runningJob("job-1", model.JobKindRender, `{}`))

	require.Len(t, jobs.failed, 1)
	assert.Contains(t, jobs.failed[0].Message, "deadline exceeded")
}

func TestRunner_Run_DrainsQueueAndStops(t *testing.T) {
	jobs := newFakeJobs(
		runningJob("job-1", model.JobKindWebhook, `{}`),
		runningJob("job-2", model.JobKindWebhook, `{}`),
	)

	var mu sync.Mutex
	var handled []string
	r, err := NewRunner(RunnerOptions{
		Jobs:         jobs,
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
		Handlers: map[model.JobKind]Handler{
			model.JobKindWebhook: HandlerFunc(func(_ context.Context, j *model.Job) (json.RawMessage, error) {
				mu.Lock()
				handled = append(handled, j.ID)
				mu.Unlock()
				return nil, nil
			}),
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		jobs.mu.Lock()
		defer jobs.mu.Unlock()
		return len(jobs.succeeded) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"job-1", "job-2"}, handled)
}

func TestBackoffSecondsFor(t *testing.T) {
	ms := int64(1)
	assert.Equal(t, 1, backoffSecondsFor(&postguard.BlockedError{RemainingMs: &ms}))
	assert.Equal(t, 0, backoffSecondsFor(&postguard.BlockedError{}))
	assert.Equal(t, 0, backoffSecondsFor(errors.New("x")))
}
