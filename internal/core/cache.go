package core

import (
	"context"

	"github.com/target/jobcoord/internal/domain/model"
	"github.com/target/jobcoord/internal/domain/postguard"
)

// IdempotencyCache is an optional fast path in front of IdempotencyRepository.
// Implementations must never be treated as authoritative.
type IdempotencyCache interface {
	// Get returns the cached record, or nil when absent.
	Get(ctx context.Context, key model.IdempotencyKey) (*model.IdempotencyRecord, error)
	// Put stores rec unless an entry already exists and reports whether it wrote.
	Put(ctx context.Context, rec *model.IdempotencyRecord) (bool, error)
	// Health checks the health of the cache connection.
	Health(ctx context.Context) error
}

// PostingHistoryRepository supplies and records the posting read model.
type PostingHistoryRepository interface {
	History(ctx context.Context, scope model.PostingScope) ([]model.PostingRecord, error)
	Record(ctx context.Context, rec model.PostingRecord) error
}

// DeadLetterPublisher delivers a notification when a job is dead-lettered.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, j *model.Job) error
}

// PlanResolver looks up the billing tier that sets a tenant's posting limits.
type PlanResolver interface {
	PlanFor(ctx context.Context, tenantID string) (postguard.Plan, error)
}
