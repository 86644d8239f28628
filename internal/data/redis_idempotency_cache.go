package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/jobcoord/internal/domain/model"
)

// DefaultIdempotencyCacheTTL bounds how long a stored response stays in Redis.
const DefaultIdempotencyCacheTTL = 24 * time.Hour

// RedisIdempotencyCache is a read-through fast path in front of IdempotencyRepo.
// Postgres stays the source of truth; a miss here always falls back to it.
type RedisIdempotencyCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisIdempotencyCache creates a cache with the given TTL (defaulted when <= 0).
func NewRedisIdempotencyCache(client redis.UniversalClient, ttl time.Duration) *RedisIdempotencyCache {
	if ttl <= 0 {
		ttl = DefaultIdempotencyCacheTTL
	}
	return &RedisIdempotencyCache{client: client, ttl: ttl}
}

// IdempotencyCacheKey returns the Redis key for an idempotency record.
func IdempotencyCacheKey(key model.IdempotencyKey) string {
	return fmt.Sprintf("idem:%s:%s:%s", key.TenantID, key.Route, key.KeyHash)
}

// Get returns the cached record, or nil when the key is absent.
func (c *RedisIdempotencyCache) Get(ctx context.Context, key model.IdempotencyKey) (*model.IdempotencyRecord, error) {
	raw, err := c.client.Get(ctx, IdempotencyCacheKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var rec model.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode cached idempotency record: %w", err)
	}
	return &rec, nil
}

// Put stores rec only if no entry exists yet, mirroring the first-writer-wins
// insert in Postgres. It reports whether the value was written.
func (c *RedisIdempotencyCache) Put(ctx context.Context, rec *model.IdempotencyRecord) (bool, error) {
	if rec == nil {
		return false, errors.New("idempotency record is required")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode idempotency record: %w", err)
	}

	key := IdempotencyCacheKey(model.IdempotencyKey{TenantID: rec.TenantID, Route: rec.Route, KeyHash: rec.KeyHash})
	// SET with NX and TTL in one command; SETNX followed by EXPIRE is not atomic.
	status, err := c.client.SetArgs(ctx, key, raw, redis.SetArgs{Mode: "NX", TTL: c.ttl}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis SET NX: %w", err)
	}
	return status == "OK", nil
}

// Health checks the health of the Redis connection.
func (c *RedisIdempotencyCache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
