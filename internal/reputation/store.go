package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the pluggable persistence backend for reputation records.
// The cache works fully in memory; a store only survives restarts.
type Store interface {
	LoadAll(ctx context.Context) ([]Record, error)
	SaveAll(ctx context.Context, records []Record) error
	Close() error
}

// NoopStore keeps nothing.
type NoopStore struct{}

func (NoopStore) LoadAll(context.Context) ([]Record, error) { return nil, nil }
func (NoopStore) SaveAll(context.Context, []Record) error   { return nil }
func (NoopStore) Close() error                              { return nil }

// RedisStore persists records as JSON in a single hash keyed by pattern
// id. Records whose support has fully decayed are dropped on save.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisStore connects and verifies the backend.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("reputation redis ping: %w", err)
	}
	return &RedisStore{
		client: client,
		key:    "sentinel:reputation",
		ttl:    30 * 24 * time.Hour,
	}, nil
}

func (s *RedisStore) LoadAll(ctx context.Context) ([]Record, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("reputation redis load: %w", err)
	}

	out := make([]Record, 0, len(raw))
	for pid, blob := range raw {
		var r Record
		if err := json.Unmarshal([]byte(blob), &r); err != nil {
			// A corrupt entry must not poison the rest.
			continue
		}
		r.PatternID = pid
		out = append(out, r)
	}
	return out, nil
}

func (s *RedisStore) SaveAll(ctx context.Context, records []Record) error {
	now := time.Now()
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.key)

	fields := make(map[string]interface{}, len(records))
	for i := range records {
		r := &records[i]
		if decayedSupport(r, now) < 0.01 && !r.Pinned {
			continue
		}
		blob, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("reputation redis encode %s: %w", r.PatternID, err)
		}
		fields[r.PatternID] = blob
	}
	if len(fields) > 0 {
		pipe.HSet(ctx, s.key, fields)
		pipe.Expire(ctx, s.key, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reputation redis save: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
