package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"mengji/ledger/internal/domain"
)

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

type RedisLockCache struct {
	client *redis.Client
}

func NewRedisLockCache(client *redis.Client) *RedisLockCache {
	return &RedisLockCache{client: client}
}

func (c *RedisLockCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisLockCache) Get(ctx context.Context, key string) (*domain.LockState, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var state domain.LockState
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return nil, false, err
	}
	return &state, true, nil
}

func (c *RedisLockCache) Set(ctx context.Context, key string, value domain.LockState, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}
