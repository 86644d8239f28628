package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/jobcoord/internal/domain/model"
	"github.com/target/jobcoord/internal/domain/postguard"
)

// PostingHistoryRepo keeps a per-account sliding window of publish events in a
// Redis sorted set scored by posted-at milliseconds.
type PostingHistoryRepo struct {
	client       redis.UniversalClient
	timeProvider TimeProvider
}

// NewPostingHistoryRepo creates a PostingHistoryRepo.
func NewPostingHistoryRepo(client redis.UniversalClient, tp TimeProvider) *PostingHistoryRepo {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	return &PostingHistoryRepo{client: client, timeProvider: tp}
}

// PostingHistoryKey returns the sorted-set key for scope.
func PostingHistoryKey(scope model.PostingScope) string {
	return fmt.Sprintf("posts:%s:%s:%s", scope.TenantID, scope.Platform, scope.AccountID)
}

// Record appends a posting and trims entries that fell out of the window.
func (r *PostingHistoryRepo) Record(ctx context.Context, rec model.PostingRecord) error {
	if rec.TenantID == "" || rec.AccountID == "" || rec.Platform == "" {
		return errors.New("posting record requires tenant, account and platform")
	}
	postedAt := rec.PostedAt.UTC()
	if postedAt.IsZero() {
		postedAt = r.timeProvider.Now().UTC()
		rec.PostedAt = postedAt
	}
	member, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode posting record: %w", err)
	}

	key := PostingHistoryKey(model.PostingScope{TenantID: rec.TenantID, AccountID: rec.AccountID, Platform: rec.Platform})
	cutoff := r.timeProvider.Now().UTC().Add(-postguard.Window)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(postedAt.UnixMilli()), Member: member})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff.UnixMilli(), 10))
		pipe.Expire(ctx, key, postguard.Window+time.Hour)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record posting: %w", err)
	}
	return nil
}

// History returns postings for scope within the trailing window ending at now,
// oldest first. An entry exactly one window old is included.
func (r *PostingHistoryRepo) History(ctx context.Context, scope model.PostingScope) ([]model.PostingRecord, error) {
	now := r.timeProvider.Now().UTC()
	members, err := r.client.ZRangeByScore(ctx, PostingHistoryKey(scope), &redis.ZRangeBy{
		Min: strconv.FormatInt(now.Add(-postguard.Window).UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("load posting history: %w", err)
	}

	out := make([]model.PostingRecord, 0, len(members))
	for _, m := range members {
		var rec model.PostingRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			return nil, fmt.Errorf("decode posting record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
