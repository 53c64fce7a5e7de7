package server

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker suppresses duplicate concurrent runs with a redis SETNX lock.
// Without a redis client every acquire succeeds, so single-instance
// deployments work with no lock backend.
type Locker struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewLocker builds a locker. rdb may be nil.
func NewLocker(rdb *redis.Client, ttl time.Duration, logger *log.Logger) *Locker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	return &Locker{rdb: rdb, ttl: ttl, logger: logger}
}

// Acquire takes the lock for key. The returned release function is safe
// to call regardless of the outcome. The TTL bounds lock lifetime when a
// holder dies without releasing.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), bool) {
	if l == nil || l.rdb == nil {
		return func() {}, true
	}
	lockKey := "analyze:lock:" + key
	ok, err := l.rdb.SetNX(ctx, lockKey, "1", l.ttl).Result()
	if err != nil {
		// A broken lock backend must not take the service down with it.
		l.logger.Printf("lock backend error for %s, proceeding unlocked: %v", lockKey, err)
		return func() {}, true
	}
	if !ok {
		return func() {}, false
	}
	return func() {
		if err := l.rdb.Del(context.Background(), lockKey).Err(); err != nil {
			l.logger.Printf("lock release failed for %s: %v", lockKey, err)
		}
	}, true
}
