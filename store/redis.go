package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keygate/idempotency"
)

// RedisStore is a Redis-backed implementation of idempotency.Store. It
// relies only on SETNX-with-expiry, GET, SET and DEL, so any Redis-shaped
// deployment (single node, sentinel, cluster) works.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Acquire sets key only if absent, with expiry. True means ownership.
func (s *RedisStore) Acquire(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// Read retrieves the raw record bytes for key.
func (s *RedisStore) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, idempotency.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Write unconditionally overwrites key with expiry.
func (s *RedisStore) Write(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Remove unconditionally deletes key.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

var _ idempotency.Store = (*RedisStore)(nil)
