package testutil

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCandidates are tried in order when TEST_REDIS_ADDR and REDIS_ADDR are unset.
var redisCandidates = []string{"localhost:56379", "redis:6379", "localhost:6379"}

// SetupTestRedis returns a client on an emptied logical database, skipping t
// when no Redis answers. Parallel packages reserve distinct DBs 1..15 through
// a lock key in DB 0.
func SetupTestRedis(t testing.TB) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis test in -short mode")
	}

	addr, err := findRedis()
	if err != nil {
		if envBool("TEST_REQUIRE_REDIS") || envBool("TEST_REQUIRE_INFRA") {
			t.Fatalf("redis not available: %v", err)
		}
		t.Skipf("redis not available: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: reserveRedisDB(t, addr)})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush redis test db: %v", err)
	}
	return client
}

func findRedis() (string, error) {
	candidates := redisCandidates
	for _, key := range []string{"TEST_REDIS_ADDR", "REDIS_ADDR"} {
		if v := os.Getenv(key); v != "" {
			candidates = []string{v}
			break
		}
	}
	var lastErr error
	for _, addr := range candidates {
		c := redis.NewClient(&redis.Options{Addr: addr})
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		lastErr = c.Ping(ctx).Err()
		cancel()
		_ = c.Close()
		if lastErr == nil {
			return addr, nil
		}
	}
	return "", fmt.Errorf("tried %v: %w", candidates, lastErr)
}

func reserveRedisDB(t testing.TB, addr string) int {
	t.Helper()
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}

	meta := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = meta.Close() }()
	owner := fmt.Sprintf("%d:%d", os.Getpid(), time.Now().UnixNano())
	for i := 1; i <= 15; i++ {
		key := fmt.Sprintf("jobcoord:testutil:db_lock:%d", i)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		ok, err := meta.SetNX(ctx, key, owner, 30*time.Minute).Result()
		cancel()
		if err != nil || !ok {
			continue
		}
		t.Cleanup(func() {
			c := redis.NewClient(&redis.Options{Addr: addr})
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = c.Del(ctx, key).Err()
			_ = c.Close()
		})
		return i
	}
	return 1
}
