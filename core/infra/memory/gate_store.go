package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/ritualos/ritualos/core/controlplane/approvals"
)

const (
	gateMetaKeyPrefix  = "gate:meta:"
	gateLogKeyPrefix   = "gate:log:"
	gateIndexKeyPrefix = "gate:index:"

	gateFieldTenant     = "tenant_id"
	gateFieldRun        = "run_id"
	gateFieldGate       = "gate_id"
	gateFieldRequester  = "requester"
	gateFieldReason     = "reason"
	gateFieldState      = "state"
	gateFieldResolvedBy = "resolved_by"
	gateFieldResolvedAt = "resolved_at"
	gateFieldNote       = "note"
	gateFieldCreatedAt  = "created_at"
	gateFieldUpdatedAt  = "updated_at"
	gateFieldEscalation = "escalation"
)

// RedisGateStore implements approvals.GateStore. Every mutation runs as a
// WATCH transaction on the gate's meta key, which makes resolution
// first-writer-wins and escalation updates level-guarded without any
// cross-gate locking.
type RedisGateStore struct {
	client redis.UniversalClient
}

// NewRedisGateStore dials Redis at the given redis:// URL.
func NewRedisGateStore(url string) (*RedisGateStore, error) {
	client, err := dialRedis(url)
	if err != nil {
		return nil, err
	}
	return &RedisGateStore{client: client}, nil
}

func gateMetaKey(runID, gateID string) string { return gateMetaKeyPrefix + runID + ":" + gateID }
func gateLogKey(runID, gateID string) string { return gateLogKeyPrefix + runID + ":" + gateID }
func gateIndexKey(state approvals.GateState) string {
	return gateIndexKeyPrefix + string(state)
}

// CreateGate inserts a new gate in the requested state. An existing key is
// returned as-is so duplicate requests stay idempotent upstream.
func (s *RedisGateStore) CreateGate(ctx context.Context, record approvals.GateRecord) (bool, *approvals.GateRecord, error) {
	if record.RunID == "" || record.GateID == "" {
		return false, nil, fmt.Errorf("run id and gate id required")
	}
	key := gateMetaKey(record.RunID, record.GateID)

	var created bool
	var existing *approvals.GateRecord
	txn := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			created = false
			existing, err = readGate(ctx, tx, record.RunID, record.GateID)
			return err
		}

		fields, err := gateFields(&record)
		if err != nil {
			return err
		}
		member := record.RunID + ":" + record.GateID
		pipe := tx.TxPipeline()
		pipe.HSet(ctx, key, fields)
		pipe.ZAdd(ctx, gateIndexKey(record.State), redis.Z{Score: float64(record.UpdatedAt), Member: member})
		appendTransition(ctx, pipe, record.RunID, record.GateID, approvals.Transition{
			At: record.CreatedAt, State: string(record.State), Actor: record.Requester,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		created = true
		return nil
	}

	if err := s.watch(ctx, txn, key); err != nil {
		return false, nil, err
	}
	return created, existing, nil
}

// GetGate returns the stored record or approvals.ErrNotFound.
func (s *RedisGateStore) GetGate(ctx context.Context, runID, gateID string) (*approvals.GateRecord, error) {
	return readGate(ctx, s.client, runID, gateID)
}

// ResolveGate applies the first-writer-wins terminal transition.
func (s *RedisGateStore) ResolveGate(ctx context.Context, runID, gateID string, terminal approvals.GateState, actor, note string, at int64) (bool, *approvals.GateRecord, error) {
	key := gateMetaKey(runID, gateID)

	var applied bool
	var current *approvals.GateRecord
	txn := func(tx *redis.Tx) error {
		record, err := readGate(ctx, tx, runID, gateID)
		if err != nil {
			return err
		}
		if record.State.Terminal() {
			applied = false
			current = record
			return nil
		}

		prevState := record.State
		record.State = terminal
		record.ResolvedBy = actor
		record.Note = note
		record.ResolvedAt = at
		record.UpdatedAt = at

		member := runID + ":" + gateID
		pipe := tx.TxPipeline()
		pipe.HSet(ctx, key, map[string]any{
			gateFieldState:      string(terminal),
			gateFieldResolvedBy: actor,
			gateFieldNote:       note,
			gateFieldResolvedAt: at,
			gateFieldUpdatedAt:  at,
		})
		pipe.ZRem(ctx, gateIndexKey(prevState), member)
		pipe.ZAdd(ctx, gateIndexKey(terminal), redis.Z{Score: float64(at), Member: member})
		appendTransition(ctx, pipe, runID, gateID, approvals.Transition{At: at, State: string(terminal), Actor: actor})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		applied = true
		current = record
		return nil
	}

	if err := s.watch(ctx, txn, key); err != nil {
		return false, nil, err
	}
	return applied, current, nil
}

// UpdateEscalation swaps the gate's escalation state, guarded by the
// expected level so a stale worker loses the race cleanly.
func (s *RedisGateStore) UpdateEscalation(ctx context.Context, runID, gateID string, expectedLevel uint32, esc *approvals.EscalationState, at int64) (bool, *approvals.GateRecord, error) {
	key := gateMetaKey(runID, gateID)

	var applied bool
	var current *approvals.GateRecord
	txn := func(tx *redis.Tx) error {
		record, err := readGate(ctx, tx, runID, gateID)
		if err != nil {
			return err
		}
		if record.State.Terminal() || record.Escalation == nil || record.Escalation.CurrentLevel != expectedLevel {
			applied = false
			current = record
			return nil
		}

		data, err := json.Marshal(esc)
		if err != nil {
			return fmt.Errorf("marshal escalation state: %w", err)
		}
		record.Escalation = esc
		record.UpdatedAt = at

		member := runID + ":" + gateID
		pipe := tx.TxPipeline()
		pipe.HSet(ctx, key, map[string]any{
			gateFieldEscalation: string(data),
			gateFieldUpdatedAt:  at,
		})
		pipe.ZAdd(ctx, gateIndexKey(record.State), redis.Z{Score: float64(at), Member: member})
		appendTransition(ctx, pipe, runID, gateID, approvals.Transition{At: at, State: "escalated"})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		applied = true
		current = record
		return nil
	}

	if err := s.watch(ctx, txn, key); err != nil {
		return false, nil, err
	}
	return applied, current, nil
}

// ListGatesByState pages gates by state, most recently updated first.
func (s *RedisGateStore) ListGatesByState(ctx context.Context, state approvals.GateState, cursor int64, limit int64) ([]approvals.GateRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	max := "+inf"
	if cursor > 0 {
		max = strconv.FormatInt(cursor, 10)
	}
	members, err := s.client.ZRevRangeByScore(ctx, gateIndexKey(state), &redis.ZRangeBy{
		Max:   max,
		Min:   "-inf",
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]approvals.GateRecord, 0, len(members))
	for _, member := range members {
		runID, gateID, ok := splitGateMember(member)
		if !ok {
			continue
		}
		record, err := readGate(ctx, s.client, runID, gateID)
		if err != nil {
			if errors.Is(err, approvals.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *record)
	}
	return out, nil
}

// ListTransitions returns the gate's transition log, oldest first.
func (s *RedisGateStore) ListTransitions(ctx context.Context, runID, gateID string) ([]approvals.Transition, error) {
	entries, err := s.client.LRange(ctx, gateLogKey(runID, gateID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]approvals.Transition, 0, len(entries))
	for _, entry := range entries {
		var tr approvals.Transition
		if err := json.Unmarshal([]byte(entry), &tr); err != nil {
			continue
		}
		out = append(out, tr)
	}
	return out, nil
}

// Close closes the underlying Redis client.
func (s *RedisGateStore) Close() error {
	return s.client.Close()
}

func (s *RedisGateStore) watch(ctx context.Context, txn func(*redis.Tx) error, key string) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%w: %s", errContention, key)
}

func appendTransition(ctx context.Context, pipe redis.Pipeliner, runID, gateID string, tr approvals.Transition) {
	if data, err := json.Marshal(tr); err == nil {
		pipe.RPush(ctx, gateLogKey(runID, gateID), string(data))
	}
}

func gateFields(record *approvals.GateRecord) (map[string]any, error) {
	fields := map[string]any{
		gateFieldTenant:     record.TenantID,
		gateFieldRun:        record.RunID,
		gateFieldGate:       record.GateID,
		gateFieldRequester:  record.Requester,
		gateFieldReason:     record.Reason,
		gateFieldState:      string(record.State),
		gateFieldResolvedBy: record.ResolvedBy,
		gateFieldResolvedAt: record.ResolvedAt,
		gateFieldNote:       record.Note,
		gateFieldCreatedAt:  record.CreatedAt,
		gateFieldUpdatedAt:  record.UpdatedAt,
	}
	if record.Escalation != nil {
		data, err := json.Marshal(record.Escalation)
		if err != nil {
			return nil, fmt.Errorf("marshal escalation state: %w", err)
		}
		fields[gateFieldEscalation] = string(data)
	}
	return fields, nil
}

func readGate(ctx context.Context, c redis.Cmdable, runID, gateID string) (*approvals.GateRecord, error) {
	vals, err := c.HGetAll(ctx, gateMetaKey(runID, gateID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, approvals.ErrNotFound
	}

	resolvedAt, _ := strconv.ParseInt(vals[gateFieldResolvedAt], 10, 64)
	createdAt, _ := strconv.ParseInt(vals[gateFieldCreatedAt], 10, 64)
	updatedAt, _ := strconv.ParseInt(vals[gateFieldUpdatedAt], 10, 64)
	record := &approvals.GateRecord{
		TenantID:   vals[gateFieldTenant],
		RunID:      vals[gateFieldRun],
		GateID:     vals[gateFieldGate],
		Requester:  vals[gateFieldRequester],
		Reason:     vals[gateFieldReason],
		State:      approvals.GateState(vals[gateFieldState]),
		ResolvedBy: vals[gateFieldResolvedBy],
		ResolvedAt: resolvedAt,
		Note:       vals[gateFieldNote],
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}
	if raw := vals[gateFieldEscalation]; raw != "" {
		var esc approvals.EscalationState
		if err := json.Unmarshal([]byte(raw), &esc); err != nil {
			return nil, fmt.Errorf("decode escalation state for %s:%s: %w", runID, gateID, err)
		}
		record.Escalation = &esc
	}
	return record, nil
}

func splitGateMember(member string) (runID, gateID string, ok bool) {
	for i := len(member) - 1; i >= 0; i-- {
		if member[i] == ':' {
			return member[:i], member[i+1:], true
		}
	}
	return "", "", false
}

var _ approvals.GateStore = (*RedisGateStore)(nil)
