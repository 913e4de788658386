// Package lock provides a Redis-backed billing.Locker for deployments that
// run more than one engine process against the same database.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/dues-engine/billing"
)

const (
	DefaultTTL       = 30 * time.Second
	DefaultKeyPrefix = "dues:lock:"
	defaultRetryStep = 100 * time.Millisecond
	defaultRetries   = 50
)

// RedisLocker serializes ledger mutations across processes.
type RedisLocker struct {
	client *redislock.Client
	log    *logrus.Entry

	TTL    time.Duration
	Prefix string
	Retry  redislock.RetryStrategy
}

// NewRedisLocker wraps an existing Redis client. Lock waits up to about
// five seconds for a busy key before giving up with ErrLockNotObtained.
func NewRedisLocker(rdb redis.UniversalClient, log *logrus.Entry) *RedisLocker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisLocker{
		client: redislock.New(rdb),
		log:    log,
		TTL:    DefaultTTL,
		Prefix: DefaultKeyPrefix,
		Retry:  redislock.LimitRetry(redislock.LinearBackoff(defaultRetryStep), defaultRetries),
	}
}

// Connect opens a client and pings it.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lk, err := l.client.Obtain(ctx, l.Prefix+key, l.TTL, &redislock.Options{RetryStrategy: l.Retry})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", billing.ErrLockNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	return func() {
		// Release must happen even when the caller's context is done.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lk.Release(rctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.log.WithField("key", key).WithError(err).Warn("failed to release redis lock")
		}
	}, nil
}

var _ billing.Locker = (*RedisLocker)(nil)
