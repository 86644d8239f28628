package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/jobcoord/internal/core"
	"github.com/target/jobcoord/internal/domain/model"
	"github.com/target/jobcoord/internal/testutil"
)

func TestIdempotencyRepo_Integration_FirstWriterWins(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewIdempotencyRepo(db, IdempotencyRepoOptions{TimeProvider: NewFixedTimeProvider(testutil.TestTime())})
		key := model.IdempotencyKey{TenantID: "t1", Route: "enqueue:transcribe", KeyHash: "abc"}

		_, err := repo.Get(ctx, key)
		require.ErrorIs(t, err, ErrIdempotencyRecordNotFound)

		first := &model.IdempotencyRecord{
			TenantID: key.TenantID, Route: key.Route, KeyHash: key.KeyHash,
			RequestHash:    "req-1",
			StoredResponse: json.RawMessage(`{"jobId":"one"}`),
		}
		require.NoError(t, repo.WithTx(ctx, func(tx *sql.Tx) error {
			return repo.InsertInTx(ctx, tx, first)
		}))
		assert.False(t, first.CreatedAt.IsZero())

		second := *first
		second.StoredResponse = json.RawMessage(`{"jobId":"two"}`)
		err = repo.WithTx(ctx, func(tx *sql.Tx) error {
			return repo.InsertInTx(ctx, tx, &second)
		})
		require.ErrorIs(t, err, ErrIdempotencyKeyTaken)

		got, err := repo.Get(ctx, key)
		require.NoError(t, err)
		assert.JSONEq(t, `{"jobId":"one"}`, string(got.StoredResponse))
		assert.Equal(t, "req-1", got.RequestHash)
	})
}

func TestIdempotencyRepo_Integration_Purge(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		tp := NewFixedTimeProvider(testutil.TestTime())
		repo := NewIdempotencyRepo(db, IdempotencyRepoOptions{TimeProvider: tp})

		rec := &model.IdempotencyRecord{
			TenantID: "t1", Route: "r", KeyHash: "old", RequestHash: "h",
			StoredResponse: json.RawMessage(`{}`),
		}
		require.NoError(t, repo.WithTx(ctx, func(tx *sql.Tx) error { return repo.InsertInTx(ctx, tx, rec) }))

		tp.AddTime(73 * time.Hour)
		n, err := repo.PurgeOlderThan(ctx, core.PurgeParams{MaxAge: 72 * time.Hour})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})
}

func TestIdempotencyRepo_InsertRequiresTx(t *testing.T) {
	repo := NewIdempotencyRepo(nil, IdempotencyRepoOptions{})
	err := repo.InsertInTx(context.Background(), nil, &model.IdempotencyRecord{})
	require.ErrorIs(t, err, ErrTxRequired)
}
