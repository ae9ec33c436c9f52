package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DLQEntry captures an audit message that could not be processed, for
// operator diagnostics. Payload holds the raw bytes verbatim, since the
// usual reason for landing here is that they failed to decode.
type DLQEntry struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Reason    string    `json:"reason"`
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DLQStore persists dead-lettered audit messages in Redis, keeping the
// most recent ~1000 entries.
type DLQStore struct {
	client redis.UniversalClient
}

// NewDLQStore dials Redis at the given redis:// URL.
func NewDLQStore(url string) (*DLQStore, error) {
	client, err := dialRedis(url)
	if err != nil {
		return nil, err
	}
	return &DLQStore{client: client}, nil
}

// Close closes the underlying Redis client.
func (s *DLQStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func dlqEntryKey(id string) string { return "dlq:entry:" + id }
func dlqIndexKey() string          { return "dlq:index" }

// Add records a dead letter and maintains the recency index.
func (s *DLQStore) Add(ctx context.Context, entry DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, dlqEntryKey(entry.ID), data, 0)
	pipe.ZAdd(ctx, dlqIndexKey(), redis.Z{Score: float64(entry.CreatedAt.Unix()), Member: entry.ID})
	pipe.ZRemRangeByRank(ctx, dlqIndexKey(), 0, -1001)
	_, err = pipe.Exec(ctx)
	return err
}

// AddMessage implements the bus dead-letter sink.
func (s *DLQStore) AddMessage(ctx context.Context, subject, reason string, payload []byte) error {
	return s.Add(ctx, DLQEntry{Subject: subject, Reason: reason, Payload: string(payload)})
}

// Get returns one entry by ID.
func (s *DLQStore) Get(ctx context.Context, id string) (*DLQEntry, error) {
	data, err := s.client.Get(ctx, dlqEntryKey(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var entry DLQEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode dlq entry %s: %w", id, err)
	}
	return &entry, nil
}

// List returns recent entries, newest first.
func (s *DLQStore) List(ctx context.Context, limit int64) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRevRange(ctx, dlqIndexKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []DLQEntry{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.Get(ctx, dlqEntryKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]DLQEntry, 0, len(ids))
	for _, id := range ids {
		cmd := cmds[id]
		if cmd == nil {
			continue
		}
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var entry DLQEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Delete removes one entry.
func (s *DLQStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, dlqEntryKey(id))
	pipe.ZRem(ctx, dlqIndexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}
