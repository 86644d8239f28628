package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/target/jobcoord/internal/data/pgxutil"
	"github.com/target/jobcoord/internal/domain/job"
	"github.com/target/jobcoord/internal/domain/model"
	apperrors "github.com/target/jobcoord/internal/errors"
)

// claimNextSQL selects and leases one eligible job in a single statement.
// SKIP LOCKED lets concurrent claimers move past rows another transaction holds.
var claimNextSQL = `
  WITH next AS (
    SELECT id
    FROM jobs
    WHERE state = 'queued'
      AND eligible_at <= $1
      AND attempts < max_attempts
      AND ($3::text[] IS NULL OR kind = ANY($3::text[]))
    ORDER BY eligible_at ASC, created_at ASC, id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  ), claimed AS (
    UPDATE jobs j
    SET state = 'running',
        owner_id = $2,
        attempts = j.attempts + 1,
        lease_acquired_at = $1,
        lease_heartbeat_at = $1,
        updated_at = $1
    FROM next
    WHERE j.id = next.id
    RETURNING ` + jobColumnsAs("j") + `
  ), ev AS (
    INSERT INTO job_events (job_id, stage, data, created_at)
    SELECT id, 'claimed', jsonb_build_object('worker_id', owner_id, 'attempts', attempts), $1
    FROM claimed
  )
  SELECT ` + jobColumns + ` FROM claimed`

// ClaimNext leases the oldest eligible queued job to workerID. It returns
// model.ErrNoJobsAvailable when nothing qualifies.
func (r *JobRepo) ClaimNext(ctx context.Context, req model.ClaimRequest) (*model.Job, error) {
	if req.WorkerID == "" {
		return nil, apperrors.ValidationField("worker_id", "worker id is required")
	}
	now := r.now()

	var claimed *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, claimNextSQL, now, req.WorkerID, kindsParam(req.Kinds))
		if qerr != nil {
			return fmt.Errorf("claim job: %w", qerr)
		}
		j, cerr := collectJobFromRows(rows)
		if cerr != nil {
			return cerr
		}
		claimed = j
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNoJobsAvailable
	}
	if err != nil {
		return nil, err
	}

	r.logger.DebugContext(ctx, "job claimed",
		"job_id", claimed.ID,
		"kind", claimed.Kind,
		"worker_id", req.WorkerID,
		"attempts", claimed.Attempts,
		"max_attempts", claimed.MaxAttempts,
	)
	return claimed, nil
}

var heartbeatSQL = `
  WITH hb AS (
    UPDATE jobs
    SET lease_heartbeat_at = $3, updated_at = $3
    WHERE id = $1 AND state = 'running' AND owner_id = $2
    RETURNING ` + jobColumns + `
  ), ev AS (
    INSERT INTO job_events (job_id, stage, data, created_at)
    SELECT id, 'heartbeat', jsonb_build_object('worker_id', owner_id), $3
    FROM hb
  )
  SELECT ` + jobColumns + ` FROM hb`

// Heartbeat refreshes the lease of a running job owned by workerID. A
// non-matching owner or state is not an error: it returns (nil, nil) and the
// caller should treat the lease as lost.
func (r *JobRepo) Heartbeat(ctx context.Context, jobID, workerID string) (*model.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil || workerID == "" {
		return nil, nil
	}
	now := r.now()

	var updated *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, heartbeatSQL, jobID, workerID, now)
		if qerr != nil {
			return fmt.Errorf("heartbeat job: %w", qerr)
		}
		j, cerr := collectJobFromRows(rows)
		if cerr != nil {
			return cerr
		}
		updated = j
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// lockOwnedJob loads the job row FOR UPDATE and verifies the lease is held by workerID.
func lockOwnedJob(ctx context.Context, tx pgx.Tx, jobID, workerID string, t job.Transition) (*model.Job, error) {
	rows, err := tx.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	current, err := collectJobFromRows(rows)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.Wrap(ErrJobNotFound, apperrors.ErrCodeNotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	if _, terr := job.CheckTransition(current.State, t); terr != nil {
		return nil, apperrors.Wrapf(terr, apperrors.ErrCodeInvalidState, "job %s is %s", jobID, current.State)
	}
	if !current.OwnedBy(workerID) {
		return nil, apperrors.Ownershipf("job %s is not leased by worker %s", jobID, workerID)
	}
	return current, nil
}

// Fail reports a failed attempt. Attempts are not incremented here; the claim
// already counted this attempt.
func (r *JobRepo) Fail(ctx context.Context, req model.FailJobRequest) (*model.Job, error) {
	if _, err := uuid.Parse(req.JobID); err != nil {
		return nil, apperrors.Wrap(ErrJobNotFound, apperrors.ErrCodeNotFound, "job not found")
	}
	now := r.now()

	var (
		updated *model.Job
		outcome job.FailureOutcome
	)
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			current, lerr := lockOwnedJob(ctx, tx, req.JobID, req.WorkerID, job.TransitionRetry)
			if lerr != nil {
				return lerr
			}
			outcome = job.DecideFailure(r.backoff, job.FailureInput{
				Attempts:       current.Attempts,
				MaxAttempts:    current.MaxAttempts,
				Message:        req.Message,
				BackoffSeconds: req.BackoffSeconds,
				Reason:         model.ReasonHandlerError,
				Now:            now,
			})
			j, aerr := applyFailureOutcome(ctx, tx, failureUpdate{
				JobID:    req.JobID,
				OwnerID:  req.WorkerID,
				Outcome:  outcome,
				Fallback: current.EligibleAt,
				Now:      now,
			})
			if aerr != nil {
				return aerr
			}
			updated = j
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	r.logger.DebugContext(ctx, "job failed",
		"job_id", updated.ID,
		"worker_id", req.WorkerID,
		"state", updated.State,
		"attempts", updated.Attempts,
		"max_attempts", updated.MaxAttempts,
		"delay", outcome.Delay,
	)
	return updated, nil
}

type failureUpdate struct {
	JobID    string
	OwnerID  string
	Outcome  job.FailureOutcome
	Fallback time.Time
	Now      time.Time
}

// applyFailureOutcome writes a retry or dead-letter decision. The owner and
// running-state guard keep a concurrent sweep from applying the same outcome twice.
func applyFailureOutcome(ctx context.Context, tx pgx.Tx, u failureUpdate) (*model.Job, error) {
	lastErr, err := marshalJobError(u.Outcome.LastError)
	if err != nil {
		return nil, err
	}
	eligibleAt := u.Fallback
	if u.Outcome.EligibleAt != nil {
		eligibleAt = *u.Outcome.EligibleAt
	}

	rows, err := tx.Query(ctx, `
		UPDATE jobs
		SET state = $3,
		    owner_id = NULL,
		    lease_acquired_at = NULL,
		    lease_heartbeat_at = NULL,
		    eligible_at = $4,
		    last_error = $5,
		    updated_at = $6
		WHERE id = $1 AND state = 'running' AND owner_id = $2
		RETURNING `+jobColumns,
		u.JobID, u.OwnerID, u.Outcome.State, eligibleAt, lastErr, u.Now)
	if err != nil {
		return nil, fmt.Errorf("update failed job: %w", err)
	}
	j, err := collectJobFromRows(rows)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, insertEventSQL, u.JobID, u.Outcome.Stage, []byte(u.Outcome.EventData), u.Now); err != nil {
		return nil, fmt.Errorf("insert %s event: %w", u.Outcome.Stage, err)
	}
	return j, nil
}

// Succeed marks a leased job succeeded and stores its result.
func (r *JobRepo) Succeed(ctx context.Context, req model.SucceedJobRequest) (*model.Job, error) {
	if _, err := uuid.Parse(req.JobID); err != nil {
		return nil, apperrors.Wrap(ErrJobNotFound, apperrors.ErrCodeNotFound, "job not found")
	}
	now := r.now()

	result := jsonOrNil(req.Result)

	var updated *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			current, lerr := lockOwnedJob(ctx, tx, req.JobID, req.WorkerID, job.TransitionSucceed)
			if lerr != nil {
				return lerr
			}
			rows, qerr := tx.Query(ctx, `
				UPDATE jobs
				SET state = 'succeeded',
				    owner_id = NULL,
				    lease_acquired_at = NULL,
				    lease_heartbeat_at = NULL,
				    result = $2,
				    updated_at = $3
				WHERE id = $1 AND state = 'running'
				RETURNING `+jobColumns, req.JobID, result, now)
			if qerr != nil {
				return fmt.Errorf("update succeeded job: %w", qerr)
			}
			j, cerr := collectJobFromRows(rows)
			if cerr != nil {
				return cerr
			}
			data := job.EventData(map[string]any{
				"worker_id": req.WorkerID,
				"attempts":  current.Attempts,
			})
			if _, eerr := tx.Exec(ctx, insertEventSQL, req.JobID, model.EventStageSucceeded, []byte(data), now); eerr != nil {
				return fmt.Errorf("insert succeeded event: %w", eerr)
			}
			updated = j
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Requeue moves a dead-lettered job back to queued with a fresh attempt budget.
// Any other state is rejected.
func (r *JobRepo) Requeue(ctx context.Context, jobID string) (*model.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, apperrors.Wrap(ErrJobNotFound, apperrors.ErrCodeNotFound, "job not found")
	}
	now := r.now()

	var updated *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, qerr := tx.Query(ctx, `
				UPDATE jobs
				SET state = 'queued',
				    attempts = 0,
				    owner_id = NULL,
				    lease_acquired_at = NULL,
				    lease_heartbeat_at = NULL,
				    eligible_at = $2,
				    updated_at = $2
				WHERE id = $1 AND state = 'dead_letter'
				RETURNING `+jobColumns, jobID, now)
			if qerr != nil {
				return fmt.Errorf("requeue job: %w", qerr)
			}
			j, cerr := collectJobFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return r.requeueRejection(ctx, tx, jobID)
			}
			if cerr != nil {
				return cerr
			}
			data := job.EventData(map[string]any{"reason": model.ReasonAdminRequeue})
			if _, eerr := tx.Exec(ctx, insertEventSQL, jobID, model.EventStageRequeued, []byte(data), now); eerr != nil {
				return fmt.Errorf("insert requeued event: %w", eerr)
			}
			if _, nerr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, NotifyChannel(j.Kind), j.ID); nerr != nil {
				return fmt.Errorf("send job notification: %w", nerr)
			}
			updated = j
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *JobRepo) requeueRejection(ctx context.Context, tx pgx.Tx, jobID string) error {
	var state model.JobState
	err := tx.QueryRow(ctx, `SELECT state FROM jobs WHERE id = $1`, jobID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.Wrap(ErrJobNotFound, apperrors.ErrCodeNotFound, "job not found")
	}
	if err != nil {
		return fmt.Errorf("load job state: %w", err)
	}
	_, terr := job.CheckTransition(state, job.TransitionRequeue)
	if terr == nil {
		// The row changed between the update and this read.
		return apperrors.Conflictf("job %s changed concurrently", jobID)
	}
	return apperrors.Wrapf(terr, apperrors.ErrCodeInvalidState, "job %s is %s", jobID, state)
}

// jsonOrNil keeps a NULL column NULL.
func jsonOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
