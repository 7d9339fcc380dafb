package payrun

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gn-erp/paie/internal/platform/cache"
	"github.com/gn-erp/paie/internal/shared"
)

// DefaultLockTTL bounds how long a crashed computation keeps its period locked.
const DefaultLockTTL = 15 * time.Minute

// RedisLocker takes the period lock with SETNX.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker constructs a RedisLocker; ttl defaults to DefaultLockTTL.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLocker{client: client, ttl: ttl}
}

// Lock acquires the period lock, failing with ErrPeriodBusy when held.
func (l *RedisLocker) Lock(ctx context.Context, periodID int64) (func(context.Context) error, error) {
	lock, err := cache.Acquire(ctx, l.client, shared.PeriodLockKey(periodID), l.ttl)
	if errors.Is(err, cache.ErrLocked) {
		return nil, ErrPeriodBusy
	}
	if err != nil {
		return nil, err
	}
	return lock.Release, nil
}

type noopLocker struct{}

func (noopLocker) Lock(context.Context, int64) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}
