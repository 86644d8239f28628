package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/target/jobcoord/internal/core"
	"github.com/target/jobcoord/internal/data/pgxutil"
	"github.com/target/jobcoord/internal/domain/job"
	"github.com/target/jobcoord/internal/domain/model"
)

// Advisory lock namespace for reclaimer housekeeping.
// Two-arg pg_try_advisory_xact_lock(major, minor); major 1000 is reserved for sweeps.
const (
	advisoryLockReclaimerMajor            = 1000
	advisoryLockReclaimerPurgeSucceeded   = 1 // minor key for PurgeSucceeded
	advisoryLockReclaimerPurgeIdempotency = 2 // minor key for IdempotencyRepo.PurgeOlderThan
)

// StaleLeaseMessage is recorded as the last error of a reclaimed job.
const StaleLeaseMessage = "lease expired without heartbeat"

// ReclaimStaleBatch recovers up to BatchSize running jobs whose last heartbeat
// (or acquisition, when no heartbeat was sent) is older than Threshold. Each
// job goes through the failure branch with reason stuck_job_recovery; attempts
// are not incremented. Rows another sweeper holds are skipped, and every update
// is conditional on the row still being running under the observed owner.
func (r *JobRepo) ReclaimStaleBatch(ctx context.Context, params core.ReclaimStaleParams) (*core.ReclaimResult, error) {
	if params.Threshold <= 0 {
		return nil, fmt.Errorf("stale threshold must be positive, got %s", params.Threshold)
	}
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	now := r.now()
	cutoff := now.Add(-params.Threshold)

	result := &core.ReclaimResult{}
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, qerr := tx.Query(ctx, `
				SELECT `+jobColumns+`
				FROM jobs
				WHERE state = 'running'
				  AND (COALESCE(lease_heartbeat_at, lease_acquired_at) IS NULL
				       OR COALESCE(lease_heartbeat_at, lease_acquired_at) < $1)
				ORDER BY COALESCE(lease_heartbeat_at, lease_acquired_at) ASC NULLS FIRST, id ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			`, cutoff, batchSize)
			if qerr != nil {
				return fmt.Errorf("select stale jobs: %w", qerr)
			}
			stale, cerr := collectJobsFromRows(rows)
			if cerr != nil {
				return fmt.Errorf("collect stale jobs: %w", cerr)
			}

			for _, current := range stale {
				if current.OwnerID == nil {
					continue
				}
				outcome := job.DecideFailure(r.backoff, job.FailureInput{
					Attempts:    current.Attempts,
					MaxAttempts: current.MaxAttempts,
					Message:     StaleLeaseMessage,
					Reason:      model.ReasonStuckJobRecovery,
					Now:         now,
				})
				outcome.EventData = staleEventData(current, outcome, now, params.Threshold)

				updated, aerr := applyFailureOutcome(ctx, tx, failureUpdate{
					JobID:    current.ID,
					OwnerID:  *current.OwnerID,
					Outcome:  outcome,
					Fallback: current.EligibleAt,
					Now:      now,
				})
				if aerr != nil {
					return fmt.Errorf("reclaim job %s: %w", current.ID, aerr)
				}
				result.Recovered++
				if outcome.DeadLettered() {
					result.DeadLettered = append(result.DeadLettered, updated)
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func staleEventData(current *model.Job, outcome job.FailureOutcome, now time.Time, threshold time.Duration) []byte {
	fields := map[string]any{
		"reason":            model.ReasonStuckJobRecovery,
		"message":           StaleLeaseMessage,
		"attempts":          current.Attempts,
		"max_attempts":      current.MaxAttempts,
		"previous_owner":    *current.OwnerID,
		"threshold_seconds": int64(threshold / time.Second),
	}
	if seen := current.LastSeenAt(); seen != nil {
		fields["lease_age_seconds"] = int64(now.Sub(*seen) / time.Second)
	}
	if outcome.EligibleAt != nil {
		fields["delay_seconds"] = int64(outcome.Delay / time.Second)
		fields["eligible_at"] = *outcome.EligibleAt
	}
	return job.EventData(fields)
}

// PurgeSucceeded deletes succeeded jobs last updated before now-MaxAge, at most
// BatchSize per call. It returns 0 without deleting when another sweeper holds the lock.
func (r *JobRepo) PurgeSucceeded(ctx context.Context, params core.PurgeParams) (int64, error) {
	if params.MaxAge <= 0 {
		return 0, nil
	}
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockReclaimerMajor, advisoryLockReclaimerPurgeSucceeded).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			cutoff := r.now().Add(-params.MaxAge)
			res, err := tx.ExecContext(ctx, `
				DELETE FROM jobs
				WHERE id IN (
					SELECT id FROM jobs
					WHERE state = 'succeeded'
					  AND updated_at < $1
					ORDER BY updated_at
					LIMIT $2
				)
			`, cutoff, batchSize)
			if err != nil {
				return fmt.Errorf("purge succeeded jobs: %w", err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}
