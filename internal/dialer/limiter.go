package dialer

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"dialout-engine/pkg/utils"
)

const (
	dialCapKey = "dialout:dials:inflight"

	// dialCapTTL caps how long a crashed process can hold slots.
	dialCapTTL = 2 * time.Minute
)

// RedisLimiter bounds concurrent dials across all engine instances with a
// shared Redis counter.
type RedisLimiter struct {
	rdb   *redis.Client
	limit int
	log   *slog.Logger
}

func NewRedisLimiter(rdb *redis.Client, limit int, log *slog.Logger) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, log: log}
}

func (l *RedisLimiter) Acquire(ctx context.Context) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, l.rdb, dialCapKey, l.limit, dialCapTTL)
}

func (l *RedisLimiter) Release(ctx context.Context) {
	if err := utils.ReleaseConcurrencyCap(ctx, l.rdb, dialCapKey); err != nil {
		l.log.Warn("releasing dial slot", "error", err)
	}
}

// Unlimited never rejects. Used in tests and single-tenant deployments where
// the provider-side limit is the only cap wanted.
type Unlimited struct{}

func (Unlimited) Acquire(ctx context.Context) (bool, error) { return true, nil }
func (Unlimited) Release(ctx context.Context)               {}
