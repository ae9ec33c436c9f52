// Package memory provides the Redis-backed stores for quota counters,
// approval gates, durable timers and the audit dead-letter queue. All
// mutating paths use per-key optimistic transactions, so unrelated
// tenants and gates never contend on a shared lock.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ritualos/ritualos/core/infra/redisutil"
)

const (
	defaultRedisURL       = "redis://localhost:6379"
	defaultRedisOpTimeout = 2 * time.Second
	maxCASAttempts        = 16
)

var errContention = errors.New("too much contention on key")

func dialRedis(url string) (redis.UniversalClient, error) {
	if url == "" {
		url = defaultRedisURL
	}
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultRedisOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

const (
	counterKeyPrefix   = "quota:window:"
	counterFieldStart  = "window_start"
	counterFieldCount  = "count"
	counterTTLPaddings = 2
)

// RedisCounterStore holds fixed-window counters, one hash per scope key.
// The window resets lazily: a request arriving past the window end starts
// a fresh window in the same transaction.
type RedisCounterStore struct {
	client redis.UniversalClient
}

// NewRedisCounterStore dials Redis at the given redis:// URL.
func NewRedisCounterStore(url string) (*RedisCounterStore, error) {
	client, err := dialRedis(url)
	if err != nil {
		return nil, err
	}
	return &RedisCounterStore{client: client}, nil
}

// Incr atomically applies check-and-increment for one scope key. The WATCH
// transaction serializes concurrent writers per key; on conflict the
// operation retries against the fresh state.
func (s *RedisCounterStore) Incr(ctx context.Context, scopeKey string, now time.Time, limit, windowSeconds uint64) (bool, uint64, error) {
	if scopeKey == "" {
		return false, 0, fmt.Errorf("scope key required")
	}
	if windowSeconds == 0 {
		windowSeconds = 60
	}
	key := counterKeyPrefix + scopeKey

	var allowed bool
	var remaining uint64
	txn := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		windowStart, _ := strconv.ParseInt(vals[counterFieldStart], 10, 64)
		count, _ := strconv.ParseUint(vals[counterFieldCount], 10, 64)

		if windowStart == 0 || now.Unix() >= windowStart+int64(windowSeconds) {
			windowStart = now.Unix()
			count = 0
		}
		if count >= limit {
			allowed = false
			remaining = 0
			return nil
		}
		count++
		allowed = true
		remaining = limit - count

		pipe := tx.TxPipeline()
		pipe.HSet(ctx, key, map[string]any{
			counterFieldStart: windowStart,
			counterFieldCount: count,
		})
		pipe.Expire(ctx, key, time.Duration(windowSeconds*counterTTLPaddings)*time.Second)
		_, execErr := pipe.Exec(ctx)
		return execErr
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return allowed, remaining, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return false, 0, err
		}
	}
	return false, 0, fmt.Errorf("%w: %s", errContention, scopeKey)
}

// Close closes the underlying Redis client.
func (s *RedisCounterStore) Close() error {
	return s.client.Close()
}
