package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper records event digests in Redis with a TTL equal to the
// retention window.
type RedisDeduper struct {
	rdb       *redis.Client
	retention time.Duration
	keyPrefix string
}

func NewRedisDeduper(rdb *redis.Client, retention time.Duration) *RedisDeduper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisDeduper{
		rdb:       rdb,
		retention: retention,
		keyPrefix: "callevent:",
	}
}

func (d *RedisDeduper) Seen(ctx context.Context, digest string) (bool, error) {
	if digest == "" {
		return false, fmt.Errorf("dedup: digest is required")
	}
	n, err := d.rdb.Exists(ctx, d.keyPrefix+digest).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: redis exists: %w", err)
	}
	return n > 0, nil
}

func (d *RedisDeduper) Mark(ctx context.Context, digest string) error {
	if digest == "" {
		return fmt.Errorf("dedup: digest is required")
	}
	if err := d.rdb.Set(ctx, d.keyPrefix+digest, 1, d.retention).Err(); err != nil {
		return fmt.Errorf("dedup: redis set: %w", err)
	}
	return nil
}
