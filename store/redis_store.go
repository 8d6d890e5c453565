package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-based implementation of Store.
// Suitable for distributed deployments where several processes share run
// state. Records are stored as JSON strings; a sorted set indexes runs by
// update time for listing.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a new Redis-backed store and verifies connectivity.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "runbridge:"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "runbridge:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) runKey(runID string) string        { return s.keyPrefix + "run:" + runID }
func (s *RedisStore) breakpointKey(runID string) string { return s.keyPrefix + "bp:" + runID }
func (s *RedisStore) kvKey(runID, namespace, key string) string {
	return s.keyPrefix + "kv:" + runID + ":" + namespace + ":" + key
}
func (s *RedisStore) indexKey() string { return s.keyPrefix + "runs" }

func (s *RedisStore) SaveRun(ctx context.Context, rec *RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", rec.RunID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(rec.RunID), data, 0)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(rec.UpdatedAt.UnixNano()),
		Member: rec.RunID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save run %s: %w", rec.RunID, err)
	}
	return nil
}

func (s *RedisStore) LoadRun(ctx context.Context, runID string) (*RunRecord, error) {
	data, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", runID, err)
	}
	return &rec, nil
}

func (s *RedisStore) ListRuns(ctx context.Context) ([]*RunRecord, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	out := make([]*RunRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.LoadRun(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) SaveBreakpoint(ctx context.Context, rec *BreakpointRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal breakpoint for run %s: %w", rec.RunID, err)
	}
	if err := s.client.Set(ctx, s.breakpointKey(rec.RunID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save breakpoint for run %s: %w", rec.RunID, err)
	}
	return nil
}

func (s *RedisStore) LoadBreakpoint(ctx context.Context, runID string) (*BreakpointRecord, error) {
	data, err := s.client.Get(ctx, s.breakpointKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load breakpoint for run %s: %w", runID, err)
	}
	var rec BreakpointRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal breakpoint for run %s: %w", runID, err)
	}
	return &rec, nil
}

func (s *RedisStore) DeleteBreakpoint(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, s.breakpointKey(runID)).Err(); err != nil {
		return fmt.Errorf("failed to delete breakpoint for run %s: %w", runID, err)
	}
	return nil
}

func (s *RedisStore) Set(ctx context.Context, runID, namespace, key string, value []byte) error {
	if err := validateKey(runID, namespace, key); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.kvKey(runID, namespace, key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s/%s for run %s: %w", namespace, key, runID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, runID, namespace, key string) ([]byte, error) {
	if err := validateKey(runID, namespace, key); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.kvKey(runID, namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s for run %s: %w", namespace, key, runID, err)
	}
	return data, nil
}

func (s *RedisStore) Delete(ctx context.Context, runID, namespace, key string) error {
	if err := validateKey(runID, namespace, key); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.kvKey(runID, namespace, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s/%s for run %s: %w", namespace, key, runID, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
