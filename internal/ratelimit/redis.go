package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements fixed-window admission on Redis so the limit
// holds across horizontally scaled gateway instances. The counter key
// carries the window as its TTL; INCR plus expiry keeps the check atomic
// enough for a fixed window without a Lua round trip.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRedis(redisURL string, limit int, window time.Duration) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisLimiter{client: client, limit: limit, window: window}, nil
}

func NewRedisWithClient(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, int, time.Duration, error) {
	bucketKey := "ratelimit:" + key

	pipe := l.client.Pipeline()
	countCmd := pipe.Incr(ctx, bucketKey)
	// NX so only the first increment of a window starts the clock.
	pipe.ExpireNX(ctx, bucketKey, l.window)
	ttlCmd := pipe.PTTL(ctx, bucketKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, 0, err
	}

	count := int(countCmd.Val())
	retryAfter := ttlCmd.Val()
	if retryAfter < 0 {
		retryAfter = l.window
	}

	if count > l.limit {
		return false, 0, retryAfter, nil
	}

	return true, l.limit - count, 0, nil
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
