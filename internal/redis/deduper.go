package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewClient creates a Redis client
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Deduper remembers push message ids so redeliveries can be skipped
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewDeduper creates a deduper
func NewDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	return &Deduper{rdb: rdb, ttl: ttl, logger: logger}
}

func dedupKey(key string) string {
	return "mailbridge:dedup:" + key
}

// AcquireOnce returns true the first time a key is seen. When Redis is
// unavailable processing is allowed.
func (d *Deduper) AcquireOnce(ctx context.Context, key string) bool {
	ok, err := d.rdb.SetNX(ctx, dedupKey(key), 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("key", key),
			zap.Error(err),
		)
		return true
	}
	if !ok {
		d.logger.Info("Skipped duplicated push message", zap.String("key", key))
	}
	return ok
}

// Release forgets a key so a redelivery is processed again
func (d *Deduper) Release(ctx context.Context, key string) {
	if err := d.rdb.Del(ctx, dedupKey(key)).Err(); err != nil {
		d.logger.Warn("Redis dedup release failed", zap.String("key", key), zap.Error(err))
	}
}

// Ping checks the Redis connection
func (d *Deduper) Ping(ctx context.Context) error {
	return d.rdb.Ping(ctx).Err()
}

// Close closes the Redis client
func (d *Deduper) Close() error {
	return d.rdb.Close()
}
