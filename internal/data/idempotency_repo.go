package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/jobcoord/internal/core"
	"github.com/target/jobcoord/internal/data/pgxutil"
	"github.com/target/jobcoord/internal/domain/model"
	apperrors "github.com/target/jobcoord/internal/errors"
)

const idempotencyPrimaryKey = "idempotency_records_pkey"

// IdempotencyRepo stores first-writer-wins enqueue responses.
type IdempotencyRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// IdempotencyRepoOptions configures an IdempotencyRepo.
type IdempotencyRepoOptions struct {
	TimeProvider TimeProvider
	Logger       *slog.Logger
}

// NewIdempotencyRepo creates an IdempotencyRepo.
func NewIdempotencyRepo(db *sql.DB, opts IdempotencyRepoOptions) *IdempotencyRepo {
	tp := opts.TimeProvider
	if tp == nil {
		tp = RealTimeProvider{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencyRepo{DB: db, timeProvider: tp, logger: logger.With("component", "idempotency_repo")}
}

// Get returns the stored record or ErrIdempotencyRecordNotFound.
func (r *IdempotencyRepo) Get(ctx context.Context, key model.IdempotencyKey) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	var stored []byte
	err := r.DB.QueryRowContext(ctx, `
		SELECT tenant_id, route, key_hash, request_hash, stored_response, created_at
		FROM idempotency_records
		WHERE tenant_id = $1 AND route = $2 AND key_hash = $3
	`, key.TenantID, key.Route, key.KeyHash).Scan(
		&rec.TenantID, &rec.Route, &rec.KeyHash, &rec.RequestHash, &stored, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIdempotencyRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	rec.StoredResponse = cloneJSON(stored)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

// WithTx runs fn inside a database/sql transaction so job creation and the
// idempotency insert commit or roll back together.
func (r *IdempotencyRepo) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{Fn: fn})
}

// InsertInTx stores rec. A duplicate key returns ErrIdempotencyKeyTaken; the
// transaction is then aborted and must be rolled back by the caller.
func (r *IdempotencyRepo) InsertInTx(ctx context.Context, tx *sql.Tx, rec *model.IdempotencyRecord) error {
	if tx == nil {
		return ErrTxRequired
	}
	if rec == nil {
		return errors.New("idempotency record is required")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.timeProvider.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_records (tenant_id, route, key_hash, request_hash, stored_response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.TenantID, rec.Route, rec.KeyHash, rec.RequestHash, []byte(rec.StoredResponse), createdAt)
	if apperrors.IsUniqueViolation(err, idempotencyPrimaryKey) {
		return ErrIdempotencyKeyTaken
	}
	if err != nil {
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	rec.CreatedAt = createdAt
	return nil
}

// PurgeOlderThan deletes records created before now-MaxAge, at most BatchSize per call.
func (r *IdempotencyRepo) PurgeOlderThan(ctx context.Context, params core.PurgeParams) (int64, error) {
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
				advisoryLockReclaimerMajor, advisoryLockReclaimerPurgeIdempotency).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}
			cutoff := r.timeProvider.Now().UTC().Add(-params.MaxAge)
			res, err := tx.ExecContext(ctx, `
				DELETE FROM idempotency_records
				WHERE (tenant_id, route, key_hash) IN (
					SELECT tenant_id, route, key_hash FROM idempotency_records
					WHERE created_at < $1
					ORDER BY created_at
					LIMIT $2
				)
			`, cutoff, batchSize)
			if err != nil {
				return fmt.Errorf("purge idempotency records: %w", err)
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
