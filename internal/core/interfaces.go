package core

import (
	"context"
	"database/sql"

	"github.com/target/jobcoord/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// Service implementations depend on these interfaces, not on the data layer.

// JobRepository defines the job ledger operations.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	ListEvents(ctx context.Context, jobID string) ([]model.JobEvent, error)
	ClaimNext(ctx context.Context, req model.ClaimRequest) (*model.Job, error)
	WaitForNotification(ctx context.Context, kind model.JobKind) error
	Heartbeat(ctx context.Context, jobID, workerID string) (*model.Job, error)
	Fail(ctx context.Context, req model.FailJobRequest) (*model.Job, error)
	Succeed(ctx context.Context, req model.SucceedJobRequest) (*model.Job, error)
	Requeue(ctx context.Context, jobID string) (*model.Job, error)
	Stats(ctx context.Context, tenantID string) (*model.JobStats, error)
}

// JobRepositoryTx defines transactional job creation, used by the idempotency gate
// so the job row and its idempotency record commit together.
type JobRepositoryTx interface {
	CreateInTx(ctx context.Context, tx *sql.Tx, req *model.CreateJobRequest) (*model.Job, error)
}

// IdempotencyRepository stores first-writer-wins enqueue responses.
type IdempotencyRepository interface {
	Get(ctx context.Context, key model.IdempotencyKey) (*model.IdempotencyRecord, error)
	WithTx(ctx context.Context, fn func(*sql.Tx) error) error
	InsertInTx(ctx context.Context, tx *sql.Tx, rec *model.IdempotencyRecord) error
}

// StaleLeaseRepository defines the reclaimer's sweep operations.
type StaleLeaseRepository interface {
	// ReclaimStaleBatch sends up to BatchSize stale running jobs through the
	// failure branch. Safe to run concurrently from several processes.
	ReclaimStaleBatch(ctx context.Context, params ReclaimStaleParams) (*ReclaimResult, error)
	// PurgeSucceeded deletes succeeded jobs older than MaxAge.
	PurgeSucceeded(ctx context.Context, params PurgeParams) (int64, error)
}

// IdempotencyPurger deletes idempotency records past retention.
type IdempotencyPurger interface {
	PurgeOlderThan(ctx context.Context, params PurgeParams) (int64, error)
}
