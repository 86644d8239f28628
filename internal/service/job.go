package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/jobcoord/internal/core"
	"github.com/target/jobcoord/internal/data"
	"github.com/target/jobcoord/internal/domain/idempotency"
	domainjob "github.com/target/jobcoord/internal/domain/job"
	"github.com/target/jobcoord/internal/domain/model"
	apperrors "github.com/target/jobcoord/internal/errors"
	"github.com/target/jobcoord/internal/observability/metrics"
	"github.com/target/jobcoord/internal/observability/statsd"
)

// EnqueueRoute is the idempotency route used by JobService.Enqueue.
const EnqueueRoute = "jobs.enqueue"

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo            core.JobRepository        // Required: job repository
	TxRepo          core.JobRepositoryTx      // Optional: defaults to Repo when it supports transactions
	Gate            *IdempotencyGate          // Optional: dedupes enqueue calls
	Projector       *idempotency.Projector    // Optional: narrows payloads before hashing
	LeasePolicy     *domainjob.LeasePolicy    // Optional: heartbeat/stale policy handed to workers
	DeadLetters     core.DeadLetterPublisher  // Optional: dead-letter notification fan-out
	Metrics         statsd.Sink               // Optional: metrics sink
	Logger          *slog.Logger              // Optional: structured logger
	Notifier        domainjob.Notifier        // Optional: custom job availability notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure default notifier behaviour
}

// JobService drives the job lifecycle on top of the ledger.
//
// This service manages:
// - Idempotent enqueue through the IdempotencyGate
// - Lease claim, heartbeat, success and failure reporting
// - Administrative requeue of dead-lettered jobs
// - Pub/sub wakeups for idle workers
// - Dead-letter notifications and lifecycle metrics.
type JobService struct {
	repo        core.JobRepository
	txRepo      core.JobRepositoryTx
	gate        *IdempotencyGate
	projector   *idempotency.Projector
	leasePolicy *domainjob.LeasePolicy
	notifier    domainjob.Notifier
	deadLetters core.DeadLetterPublisher
	metrics     statsd.Sink
	logger      *slog.Logger
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	txRepo := opts.TxRepo
	if txRepo == nil {
		if tr, ok := opts.Repo.(core.JobRepositoryTx); ok {
			txRepo = tr
		}
	}
	if opts.Gate != nil && txRepo == nil {
		return nil, errors.New("JobRepositoryTx is required when an idempotency gate is configured")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
		logger.Debug("JobService initialized",
			"idempotency_gate", opts.Gate != nil,
			"heartbeat_interval", opts.LeasePolicy.HeartbeatInterval(),
		)
	}

	return &JobService{
		repo:        opts.Repo,
		txRepo:      txRepo,
		gate:        opts.Gate,
		projector:   opts.Projector,
		leasePolicy: opts.LeasePolicy,
		notifier:    notifier,
		deadLetters: opts.DeadLetters,
		metrics:     opts.Metrics,
		logger:      logger,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// LeasePolicy returns the lease policy workers should follow. It may be nil.
func (s *JobService) LeasePolicy() *domainjob.LeasePolicy {
	return s.leasePolicy
}

// EnqueueResult is returned by Enqueue.
type EnqueueResult struct {
	JobID string
	// Job is the created row; nil when the call replayed an earlier response.
	Job      *model.Job
	Replayed bool
}

// Enqueue validates req and inserts a queued job unless an identical request
// (same dedupe key, or same canonical payload when no key is given) already ran.
func (s *JobService) Enqueue(ctx context.Context, req *model.CreateJobRequest) (*EnqueueResult, error) {
	if req == nil {
		return nil, apperrors.Validationf("enqueue request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid enqueue request")
	}

	if s.gate == nil {
		job, err := s.repo.Create(ctx, req)
		if err != nil {
			s.emit(string(req.Kind), "enqueue", err)
			return nil, fmt.Errorf("create job: %w", err)
		}
		s.emit(string(req.Kind), "enqueue", nil)
		s.logJob(ctx, "job enqueued", job)
		return &EnqueueResult{JobID: job.ID, Job: job}, nil
	}

	gateReq, err := s.gateRequest(req)
	if err != nil {
		return nil, err
	}

	var created *model.Job
	res, err := s.gate.EnqueueIfNew(ctx, gateReq, func(ctx context.Context, tx *sql.Tx) (json.RawMessage, error) {
		job, cerr := s.txRepo.CreateInTx(ctx, tx, req)
		if cerr != nil {
			return nil, fmt.Errorf("create job: %w", cerr)
		}
		created = job
		return json.Marshal(model.EnqueueResponse{JobID: job.ID})
	})
	if err != nil {
		s.emit(string(req.Kind), "enqueue", err)
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	var resp model.EnqueueResponse
	if err := json.Unmarshal(res.Response, &resp); err != nil {
		return nil, fmt.Errorf("decode stored enqueue response: %w", err)
	}

	out := &EnqueueResult{JobID: resp.JobID, Replayed: res.Replayed}
	if res.Replayed {
		s.emitResult(string(req.Kind), "enqueue", metrics.ResultNoop, nil)
		if s.logger != nil {
			s.logger.DebugContext(ctx, "enqueue replayed stored response",
				"job_id", resp.JobID,
				"tenant_id", req.TenantID,
				"kind", req.Kind,
			)
		}
		return out, nil
	}

	out.Job = created
	s.emit(string(req.Kind), "enqueue", nil)
	s.logJob(ctx, "job enqueued", created)
	return out, nil
}

func (s *JobService) gateRequest(req *model.CreateJobRequest) (GateRequest, error) {
	payload, err := s.projector.Project(req.Kind, req.Payload)
	if err != nil {
		return GateRequest{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "project payload for idempotency key")
	}
	in := idempotency.KeyInput{
		Kind:        req.Kind,
		ExplicitKey: req.DedupeKey,
		Payload:     payload,
		EligibleAt:  req.EligibleAt,
	}
	keyHash, err := idempotency.KeyHash(in)
	if err != nil {
		return GateRequest{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "derive idempotency key")
	}
	requestHash, err := idempotency.RequestHash(in)
	if err != nil {
		return GateRequest{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "derive request hash")
	}
	return GateRequest{
		Key:         model.IdempotencyKey{TenantID: req.TenantID, Route: EnqueueRoute, KeyHash: keyHash},
		RequestHash: requestHash,
	}, nil
}

// Claim leases the next eligible job to req.WorkerID. It returns nil, nil when
// no job qualifies.
func (s *JobService) Claim(ctx context.Context, req model.ClaimRequest) (*model.Job, error) {
	job, err := s.repo.ClaimNext(ctx, req)
	if errors.Is(err, model.ErrNoJobsAvailable) {
		return nil, nil
	}
	if err != nil {
		s.emit("", string(domainjob.TransitionClaim), err)
		return nil, fmt.Errorf("claim job: %w", err)
	}

	s.emit(string(job.Kind), string(domainjob.TransitionClaim), nil)
	if s.logger != nil {
		s.logger.DebugContext(ctx, "job claimed",
			"job_id", job.ID,
			"worker_id", req.WorkerID,
			"kind", job.Kind,
			"attempts", job.Attempts,
			"max_attempts", job.MaxAttempts,
		)
	}
	return job, nil
}

// Heartbeat renews the lease. A nil job means the worker no longer owns it and
// must stop working.
func (s *JobService) Heartbeat(ctx context.Context, jobID, workerID string) (*model.Job, error) {
	job, err := s.repo.Heartbeat(ctx, jobID, workerID)
	if err != nil {
		return nil, fmt.Errorf("heartbeat job %s: %w", jobID, err)
	}
	if job == nil && s.logger != nil {
		s.logger.DebugContext(ctx, "heartbeat matched no owned lease", "job_id", jobID, "worker_id", workerID)
	}
	return job, nil
}

// Fail reports a failed attempt. The job is requeued with backoff or, once its
// attempts are exhausted, dead-lettered and announced.
func (s *JobService) Fail(ctx context.Context, req model.FailJobRequest) (*model.Job, error) {
	job, err := s.repo.Fail(ctx, req)
	if err != nil {
		s.emit("", string(domainjob.TransitionRetry), err)
		return nil, fmt.Errorf("fail job %s: %w", req.JobID, err)
	}

	if job.State != model.JobStateDeadLetter {
		s.emit(string(job.Kind), string(domainjob.TransitionRetry), nil)
		if s.logger != nil {
			s.logger.DebugContext(ctx, "job requeued after failure",
				"job_id", job.ID,
				"worker_id", req.WorkerID,
				"attempts", job.Attempts,
				"max_attempts", job.MaxAttempts,
				"eligible_at", job.EligibleAt,
			)
		}
		return job, nil
	}

	s.emit(string(job.Kind), string(domainjob.TransitionDeadLetter), nil)
	if s.logger != nil {
		s.logger.WarnContext(ctx, "job dead-lettered",
			"job_id", job.ID,
			"tenant_id", job.TenantID,
			"kind", job.Kind,
			"attempts", job.Attempts,
			"max_attempts", job.MaxAttempts,
		)
	}
	s.PublishDeadLetters(ctx, job)
	return job, nil
}

// Succeed records a successful attempt.
func (s *JobService) Succeed(ctx context.Context, req model.SucceedJobRequest) (*model.Job, error) {
	job, err := s.repo.Succeed(ctx, req)
	if err != nil {
		s.emit("", string(domainjob.TransitionSucceed), err)
		return nil, fmt.Errorf("succeed job %s: %w", req.JobID, err)
	}
	s.emit(string(job.Kind), string(domainjob.TransitionSucceed), nil)
	s.logJob(ctx, "job succeeded", job)
	return job, nil
}

// Requeue moves a dead-lettered job back to queued with attempts reset.
func (s *JobService) Requeue(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := s.repo.Requeue(ctx, jobID)
	if err != nil {
		s.emit("", string(domainjob.TransitionRequeue), err)
		return nil, fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	s.emit(string(job.Kind), string(domainjob.TransitionRequeue), nil)
	if s.logger != nil {
		s.logger.InfoContext(ctx, "job requeued", "job_id", job.ID, "kind", job.Kind)
	}
	return job, nil
}

// PublishDeadLetters announces dead-lettered jobs. Delivery failures are
// logged and never returned.
func (s *JobService) PublishDeadLetters(ctx context.Context, jobs ...*model.Job) {
	if s.deadLetters == nil {
		return
	}
	for _, j := range jobs {
		if err := s.deadLetters.PublishDeadLetter(ctx, j); err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "dead-letter notification failed", "job_id", j.ID, "error", err)
		}
	}
}

// GetByID returns a job by its ID.
func (s *JobService) GetByID(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, data.ErrJobNotFound) {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeNotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get job by id %s: %w", id, err)
	}
	return job, nil
}

// GetWithEvents returns a job and its audit trail in creation order.
func (s *JobService) GetWithEvents(ctx context.Context, id string) (*model.JobWithEvents, error) {
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := s.repo.ListEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list events for job %s: %w", id, err)
	}
	if events == nil {
		events = []model.JobEvent{}
	}
	return &model.JobWithEvents{Job: job, Events: events}, nil
}

// Stats returns per-state job counts. An empty tenantID counts every tenant.
func (s *JobService) Stats(ctx context.Context, tenantID string) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return stats, nil
}

// Subscribe creates a subscription for job notifications of the given kinds.
// Returns an unsubscribe function and a channel that receives notifications.
func (s *JobService) Subscribe(kinds ...model.JobKind) (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return s.notifier.Subscribe(kinds...)
}

// StopAllListeners stops all active job notification listeners.
// This should be called during graceful shutdown to clean up goroutines.
func (s *JobService) StopAllListeners() {
	if s.logger != nil {
		s.logger.Info("stopping all job listeners")
	}

	if s.notifier != nil {
		s.notifier.StopAll()
	}
}

func (s *JobService) emit(kind, transition string, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	s.emitResult(kind, transition, result, err)
}

func (s *JobService) emitResult(kind, transition, result string, err error) {
	metrics.EmitJobTransition(s.metrics, metrics.JobMetric{
		Kind:       kind,
		Transition: transition,
		Result:     result,
		Err:        err,
	})
}

func (s *JobService) logJob(ctx context.Context, msg string, job *model.Job) {
	if s.logger == nil || job == nil {
		return
	}
	s.logger.DebugContext(ctx, msg,
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"kind", job.Kind,
		"state", job.State,
	)
}

// RecordHandlerDuration emits the job duration timing for a finished attempt.
func (s *JobService) RecordHandlerDuration(kind model.JobKind, result string, d time.Duration, err error) {
	metrics.EmitJobTransition(s.metrics, metrics.JobMetric{
		Kind:       string(kind),
		Transition: "handle",
		Result:     result,
		Duration:   d,
		Err:        err,
	})
}
