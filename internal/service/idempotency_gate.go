package service

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/jobcoord/internal/core"
	"github.com/target/jobcoord/internal/data"
	"github.com/target/jobcoord/internal/domain/model"
	apperrors "github.com/target/jobcoord/internal/errors"
)

// IdempotencyGateOptions groups dependencies for IdempotencyGate.
type IdempotencyGateOptions struct {
	Repo   core.IdempotencyRepository // Required: authoritative record store
	Cache  core.IdempotencyCache      // Optional: fast path in front of Repo
	Logger *slog.Logger               // Optional: structured logger
}

// IdempotencyGate runs a side-effecting build at most once per key and
// replays the first stored response to every later caller.
type IdempotencyGate struct {
	repo   core.IdempotencyRepository
	cache  core.IdempotencyCache
	logger *slog.Logger
}

// GateRequest addresses one idempotent call.
type GateRequest struct {
	Key model.IdempotencyKey
	// RequestHash fingerprints the request body. A stored record with a
	// different fingerprint is a conflict.
	RequestHash string
}

// BuildFunc performs the guarded side effect inside tx and returns the
// response to store.
type BuildFunc func(ctx context.Context, tx *sql.Tx) (json.RawMessage, error)

// GateResult is the response of EnqueueIfNew.
type GateResult struct {
	Response json.RawMessage
	// Replayed is true when Response came from an earlier call.
	Replayed bool
}

// NewIdempotencyGate constructs an IdempotencyGate.
func NewIdempotencyGate(opts IdempotencyGateOptions) (*IdempotencyGate, error) {
	if opts.Repo == nil {
		return nil, errors.New("IdempotencyRepository is required")
	}
	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "idempotency_gate")
	}
	return &IdempotencyGate{repo: opts.Repo, cache: opts.Cache, logger: logger}, nil
}

// EnqueueIfNew returns the stored response for req.Key when one exists.
// Otherwise it runs build and stores its response in the same transaction.
// Losing an insert race rolls the build back and replays the winner.
func (g *IdempotencyGate) EnqueueIfNew(ctx context.Context, req GateRequest, build BuildFunc) (*GateResult, error) {
	if build == nil {
		return nil, errors.New("build function is required")
	}

	if rec := g.cached(ctx, req.Key); rec != nil {
		return g.replay(req, rec)
	}

	stored, err := g.repo.Get(ctx, req.Key)
	switch {
	case err == nil:
		g.warm(ctx, stored)
		return g.replay(req, stored)
	case !errors.Is(err, data.ErrIdempotencyRecordNotFound):
		return nil, fmt.Errorf("lookup idempotency record: %w", err)
	}

	rec := &model.IdempotencyRecord{
		TenantID:    req.Key.TenantID,
		Route:       req.Key.Route,
		KeyHash:     req.Key.KeyHash,
		RequestHash: req.RequestHash,
	}
	err = g.repo.WithTx(ctx, func(tx *sql.Tx) error {
		resp, berr := build(ctx, tx)
		if berr != nil {
			return berr
		}
		rec.StoredResponse = resp
		return g.repo.InsertInTx(ctx, tx, rec)
	})
	if errors.Is(err, data.ErrIdempotencyKeyTaken) {
		return g.replayWinner(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	g.warm(ctx, rec)
	return &GateResult{Response: rec.StoredResponse}, nil
}

func (g *IdempotencyGate) replayWinner(ctx context.Context, req GateRequest) (*GateResult, error) {
	winner, err := g.repo.Get(ctx, req.Key)
	if err != nil {
		return nil, fmt.Errorf("reload idempotency record after insert race: %w", err)
	}
	if g.logger != nil {
		g.logger.DebugContext(ctx, "idempotency insert race lost, replaying winner",
			"tenant_id", req.Key.TenantID,
			"route", req.Key.Route,
		)
	}
	g.warm(ctx, winner)
	return g.replay(req, winner)
}

func (g *IdempotencyGate) replay(req GateRequest, rec *model.IdempotencyRecord) (*GateResult, error) {
	if req.RequestHash != "" && rec.RequestHash != "" && req.RequestHash != rec.RequestHash {
		conflict := apperrors.Conflictf("idempotency key reused with a different request")
		conflict.Field = "dedupe_key"
		return nil, conflict
	}
	return &GateResult{Response: bytes.Clone(rec.StoredResponse), Replayed: true}, nil
}

func (g *IdempotencyGate) cached(ctx context.Context, key model.IdempotencyKey) *model.IdempotencyRecord {
	if g.cache == nil {
		return nil
	}
	rec, err := g.cache.Get(ctx, key)
	if err != nil {
		if g.logger != nil {
			g.logger.WarnContext(ctx, "idempotency cache read failed", "error", err)
		}
		return nil
	}
	return rec
}

func (g *IdempotencyGate) warm(ctx context.Context, rec *model.IdempotencyRecord) {
	if g.cache == nil || rec == nil {
		return
	}
	if _, err := g.cache.Put(ctx, rec); err != nil && g.logger != nil {
		g.logger.WarnContext(ctx, "idempotency cache write failed", "error", err)
	}
}
