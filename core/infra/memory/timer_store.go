package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ritualos/ritualos/core/controlplane/timers"
)

const (
	timerDueKey        = "timer:due"
	timerMetaKeyPrefix = "timer:meta:"
	timerGateKeyPrefix = "timer:gate:"
)

// RedisTimerStore persists durable timers: a due-time ZSET for polling, a
// JSON record per timer, and a per-gate set for cancellation.
type RedisTimerStore struct {
	client redis.UniversalClient
}

// NewRedisTimerStore dials Redis at the given redis:// URL.
func NewRedisTimerStore(url string) (*RedisTimerStore, error) {
	client, err := dialRedis(url)
	if err != nil {
		return nil, err
	}
	return &RedisTimerStore{client: client}, nil
}

func timerMetaKey(timerID string) string { return timerMetaKeyPrefix + timerID }

func timerGateKey(runID, gateID string) string {
	return timerGateKeyPrefix + runID + ":" + gateID
}

// Schedule upserts the timer. The deterministic ID makes re-scheduling the
// same logical timer replace its due time instead of adding a second one.
func (s *RedisTimerStore) Schedule(ctx context.Context, timer timers.Timer) error {
	if timer.ID == "" || timer.RunID == "" || timer.GateID == "" {
		return fmt.Errorf("timer id, run id and gate id required")
	}
	data, err := json.Marshal(timer)
	if err != nil {
		return fmt.Errorf("marshal timer %s: %w", timer.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, timerMetaKey(timer.ID), data, 0)
	pipe.ZAdd(ctx, timerDueKey, redis.Z{Score: float64(timer.ScheduledFor), Member: timer.ID})
	pipe.SAdd(ctx, timerGateKey(timer.RunID, timer.GateID), timer.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// ListDue returns timers due at or before now, oldest first. Records whose
// metadata vanished under a concurrent cancel are skipped.
func (s *RedisTimerStore) ListDue(ctx context.Context, now int64, limit int64) ([]timers.Timer, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRangeByScore(ctx, timerDueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, timerMetaKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]timers.Timer, 0, len(ids))
	for i, id := range ids {
		raw, err := cmds[i].Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Canceled between the range read and the meta fetch.
				s.client.ZRem(ctx, timerDueKey, id)
				continue
			}
			return nil, err
		}
		var timer timers.Timer
		if err := json.Unmarshal(raw, &timer); err != nil {
			return nil, fmt.Errorf("decode timer %s: %w", id, err)
		}
		out = append(out, timer)
	}
	return out, nil
}

// Complete removes a fired timer. Unknown IDs are a no-op.
func (s *RedisTimerStore) Complete(ctx context.Context, timerID string) error {
	raw, err := s.client.Get(ctx, timerMetaKey(timerID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return s.client.ZRem(ctx, timerDueKey, timerID).Err()
		}
		return err
	}
	var timer timers.Timer
	if err := json.Unmarshal(raw, &timer); err != nil {
		return fmt.Errorf("decode timer %s: %w", timerID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, timerDueKey, timerID)
	pipe.Del(ctx, timerMetaKey(timerID))
	pipe.SRem(ctx, timerGateKey(timer.RunID, timer.GateID), timerID)
	_, err = pipe.Exec(ctx)
	return err
}

// CancelGate drops every pending timer for a gate.
func (s *RedisTimerStore) CancelGate(ctx context.Context, runID, gateID string) error {
	gateKey := timerGateKey(runID, gateID)
	ids, err := s.client.SMembers(ctx, gateKey).Result()
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, timerDueKey, id)
		pipe.Del(ctx, timerMetaKey(id))
	}
	pipe.Del(ctx, gateKey)
	_, err = pipe.Exec(ctx)
	return err
}

// Close closes the underlying Redis client.
func (s *RedisTimerStore) Close() error {
	return s.client.Close()
}

var _ timers.TimerStore = (*RedisTimerStore)(nil)
