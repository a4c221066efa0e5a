package cache

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another holder owns the key.
var ErrHeld = errors.New("already held")

// Guard serializes one action per key across processes.
type Guard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context), err error)
}

type NoopGuard struct{}

func (NoopGuard) Acquire(_ context.Context, _ string, _ time.Duration) (func(context.Context), error) {
	return func(context.Context) {}, nil
}

type RedisGuard struct {
	locker *redislock.Client
}

func NewRedisGuard(client *redis.Client) *RedisGuard {
	return &RedisGuard{locker: redislock.New(client)}
}

func GuardKey(userID string, recordDate string, action string) string {
	return "ledger:inflight:" + userID + ":" + recordDate + ":" + action
}

func (g *RedisGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context), error) {
	lock, err := g.locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrHeld
	}
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) {
		_ = lock.Release(ctx)
	}, nil
}
