// Package worker runs claim loops that lease jobs, execute their handlers and
// report the outcome back to the ledger.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/target/jobcoord/internal/domain/model"
	"github.com/target/jobcoord/internal/observability/metrics"
)

// reportTimeout bounds the Succeed/Fail call made after a handler returns.
const reportTimeout = 5 * time.Second

// Handler executes one leased job and returns the result to store.
type Handler interface {
	Handle(ctx context.Context, job *model.Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *model.Job) (json.RawMessage, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Jobs is the lifecycle surface the runner drives. *service.JobService implements it.
type Jobs interface {
	Claim(ctx context.Context, req model.ClaimRequest) (*model.Job, error)
	Heartbeat(ctx context.Context, jobID, workerID string) (*model.Job, error)
	Fail(ctx context.Context, req model.FailJobRequest) (*model.Job, error)
	Succeed(ctx context.Context, req model.SucceedJobRequest) (*model.Job, error)
	Subscribe(kinds ...model.JobKind) (func(), <-chan struct{})
	RecordHandlerDuration(kind model.JobKind, result string, d time.Duration, err error)
}

// PostingRecorder stores successful publishes for the posting guard.
type PostingRecorder interface {
	RecordPost(ctx context.Context, rec model.PostingRecord) error
}

// RunnerOptions configures the worker runner.
type RunnerOptions struct {
	Jobs     Jobs
	Handlers map[model.JobKind]Handler
	Logger   *slog.Logger

	// ID prefixes each loop's worker identity; defaults to hostname plus a random suffix.
	ID                string
	Kinds             []model.JobKind
	Concurrency       int           // number of claim loops; defaults to 1
	HeartbeatInterval time.Duration // lease renewal period; defaults to 10s
	PollInterval      time.Duration // idle wait without a notification; defaults to 5s
	HandlerTimeout    time.Duration // bound on one handler call; zero disables

	// Optional
	Posts PostingRecorder
}

// Runner pulls jobs and executes them using registered handlers.
type Runner struct {
	jobs           Jobs
	handlers       map[model.JobKind]Handler
	posts          PostingRecorder
	logger         *slog.Logger
	id             string
	kinds          []model.JobKind
	workers        int
	heartbeat      time.Duration
	poll           time.Duration
	handlerTimeout time.Duration
}

// NewRunner constructs a worker runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("jobs service is required")
	}
	if len(opts.Handlers) == 0 {
		return nil, errors.New("at least one handler is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = model.AllJobKinds()
	}
	// Only claim kinds we can run.
	claimable := make([]model.JobKind, 0, len(kinds))
	for _, k := range kinds {
		if _, ok := opts.Handlers[k]; ok {
			claimable = append(claimable, k)
		} else {
			logger.Warn("no handler registered; kind will not be claimed", "kind", k)
		}
	}
	if len(claimable) == 0 {
		return nil, errors.New("no configured kind has a handler")
	}

	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}

	id := opts.ID
	if id == "" {
		id = defaultWorkerID()
	}

	return &Runner{
		jobs:           opts.Jobs,
		handlers:       opts.Handlers,
		posts:          opts.Posts,
		logger:         logger.With("component", "worker"),
		id:             id,
		kinds:          claimable,
		workers:        workers,
		heartbeat:      heartbeat,
		poll:           poll,
		handlerTimeout: opts.HandlerTimeout,
	}, nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// Run starts the claim loops and blocks until ctx is cancelled or a loop
// hits an unrecoverable error.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting worker",
		"worker_id", r.id,
		"kinds", r.kinds,
		"workers", r.workers,
		"heartbeat_interval", r.heartbeat,
	)

	group, gctx := errgroup.WithContext(ctx)
	for i := range r.workers {
		workerID := fmt.Sprintf("%s/%d", r.id, i)
		group.Go(func() error { return r.workerLoop(gctx, workerID) })
	}
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) workerLoop(ctx context.Context, workerID string) error {
	unsub, notify := r.jobs.Subscribe(r.kinds...)
	defer unsub()

	for ctx.Err() == nil {
		job, err := r.jobs.Claim(ctx, model.ClaimRequest{WorkerID: workerID, Kinds: r.kinds})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("claim next: %w", err)
		}
		if job == nil {
			if !r.waitForWork(ctx, notify) {
				return ctx.Err()
			}
			continue
		}
		r.processJob(ctx, workerID, job)
	}
	return ctx.Err()
}

// waitForWork blocks until a notification, the poll interval or cancellation.
func (r *Runner) waitForWork(ctx context.Context, notify <-chan struct{}) bool {
	timer := time.NewTimer(r.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-notify:
		return true
	case <-timer.C:
		return true
	}
}

func (r *Runner) processJob(ctx context.Context, workerID string, job *model.Job) {
	start := time.Now()
	log := r.logger.With("job_id", job.ID, "kind", job.Kind, "worker_id", workerID, "attempt", job.Attempts)
	log.DebugContext(ctx, "processing job")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := r.startHeartbeat(runCtx, cancel, job.ID, workerID)

	result, err := r.execute(runCtx, job)
	cancel()
	<-lost.done

	if lost.lost {
		// The reclaimer or an operator moved the job; any report would be rejected.
		log.WarnContext(ctx, "lease lost while handling job, dropping outcome", "error", err)
		r.jobs.RecordHandlerDuration(job.Kind, metrics.ResultNoop, time.Since(start), err)
		return
	}

	// Shutdown cancels ctx while handlers drain; the outcome still has to land.
	reportCtx, cancelReport := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancelReport()

	if err != nil {
		r.jobs.RecordHandlerDuration(job.Kind, metrics.ResultError, time.Since(start), err)
		req := model.FailJobRequest{
			JobID:          job.ID,
			WorkerID:       workerID,
			Message:        err.Error(),
			BackoffSeconds: backoffSecondsFor(err),
		}
		if _, ferr := r.jobs.Fail(reportCtx, req); ferr != nil {
			log.ErrorContext(ctx, "fail job error", "error", ferr, "original_error", err)
		}
		return
	}

	r.jobs.RecordHandlerDuration(job.Kind, metrics.ResultSuccess, time.Since(start), nil)
	if _, serr := r.jobs.Succeed(reportCtx, model.SucceedJobRequest{JobID: job.ID, WorkerID: workerID, Result: result}); serr != nil {
		log.ErrorContext(ctx, "succeed job error", "error", serr)
		return
	}
	r.recordPost(reportCtx, job)
}

func (r *Runner) execute(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	h, ok := r.handlers[job.Kind]
	if !ok {
		return nil, fmt.Errorf("no handler for job kind %s", job.Kind)
	}
	if r.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.handlerTimeout)
		defer cancel()
	}
	return h.Handle(ctx, job)
}

type heartbeatState struct {
	done chan struct{}
	lost bool
}

// startHeartbeat renews the lease every heartbeat interval until ctx ends. If
// the lease turns out to be gone it records that and cancels the handler.
func (r *Runner) startHeartbeat(ctx context.Context, cancel context.CancelFunc, jobID, workerID string) *heartbeatState {
	state := &heartbeatState{done: make(chan struct{})}
	ticker := time.NewTicker(r.heartbeat)
	go func() {
		defer close(state.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				job, err := r.jobs.Heartbeat(ctx, jobID, workerID)
				if err != nil {
					if ctx.Err() == nil {
						r.logger.ErrorContext(ctx, "heartbeat failed", "job_id", jobID, "error", err)
					}
					continue
				}
				if job == nil {
					state.lost = true
					cancel()
					return
				}
			}
		}
	}()
	return state
}

func (r *Runner) recordPost(ctx context.Context, job *model.Job) {
	if r.posts == nil || job.Kind != model.JobKindPublish {
		return
	}
	var p model.PublishPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		r.logger.WarnContext(ctx, "decode publish payload for posting history", "job_id", job.ID, "error", err)
		return
	}
	err := r.posts.RecordPost(ctx, model.PostingRecord{
		TenantID:  job.TenantID,
		AccountID: p.AccountID,
		Platform:  p.Platform,
		ClipID:    p.ClipID,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "record posting history", "job_id", job.ID, "error", err)
	}
}

// retryAfter is implemented by errors that know when a retry can succeed,
// such as *postguard.BlockedError.
type retryAfter interface {
	RetryAfter() time.Duration
}

func backoffSecondsFor(err error) int {
	var ra retryAfter
	if !errors.As(err, &ra) {
		return 0
	}
	d := ra.RetryAfter()
	if d <= 0 {
		return 0
	}
	secs := math.Ceil(d.Seconds())
	if secs > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(secs)
}
