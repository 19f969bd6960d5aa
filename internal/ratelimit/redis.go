package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounterStore backs the limiter with Redis keys that expire on their
// own; counters are never deleted explicitly.
type RedisCounterStore struct {
	client *redis.Client
}

// NewRedisCounterStore wraps an existing Redis client.
func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

func (store *RedisCounterStore) Get(ctx context.Context, key string) (string, error) {
	value, getErr := store.client.Get(ctx, key).Result()
	if errors.Is(getErr, redis.Nil) {
		return "", nil
	}
	if getErr != nil {
		return "", getErr
	}
	return value, nil
}

func (store *RedisCounterStore) Put(ctx context.Context, key string, value string, timeToLive time.Duration) error {
	return store.client.Set(ctx, key, value, timeToLive).Err()
}
