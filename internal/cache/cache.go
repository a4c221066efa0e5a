package cache

import (
	"context"
	"time"

	"mengji/ledger/internal/domain"
)

// LockCache keeps the last known lock picture of a day so a reload can gate
// edits before the remote row has been read.
type LockCache interface {
	Get(ctx context.Context, key string) (*domain.LockState, bool, error)
	Set(ctx context.Context, key string, value domain.LockState, ttl time.Duration) error
}

func LockKey(userID string, recordDate string) string {
	return "ledger:locks:" + userID + ":" + recordDate
}

type NoopLockCache struct{}

func (NoopLockCache) Get(_ context.Context, _ string) (*domain.LockState, bool, error) {
	return nil, false, nil
}

func (NoopLockCache) Set(_ context.Context, _ string, _ domain.LockState, _ time.Duration) error {
	return nil
}
