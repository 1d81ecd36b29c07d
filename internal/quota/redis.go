package quota

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua keeps the call increment, window start, and the two-dimension check
// atomic across gateway instances sharing one Redis.

// allowScript charges one call and reports whether either dimension is
// over its limit.
// Keys: [bucket_key]
// Args: [call_limit, byte_limit, window_ms]
// Returns: {exceeded(0|1), pttl_ms}
var allowScript = redis.NewScript(`
local calls = redis.call('HINCRBY', KEYS[1], 'calls', 1)
if calls == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
local bytes = tonumber(redis.call('HGET', KEYS[1], 'bytes') or '0')
local pttl = redis.call('PTTL', KEYS[1])

if calls > tonumber(ARGV[1]) or bytes > tonumber(ARGV[2]) then
    return {1, pttl}
end
return {0, pttl}
`)

// RedisEnforcer implements the quota on Redis for horizontally scaled
// deployments. Alerting stays with the in-memory enforcer; distributed
// deployments alert from aggregate metrics instead.
type RedisEnforcer struct {
	client *redis.Client
	limits Limits
}

func NewRedis(redisURL string, limits Limits) (*RedisEnforcer, error) {
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

	return &RedisEnforcer{client: client, limits: limits}, nil
}

func NewRedisWithClient(client *redis.Client, limits Limits) *RedisEnforcer {
	return &RedisEnforcer{client: client, limits: limits}
}

func (e *RedisEnforcer) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	keys := []string{"quota:" + key}
	args := []interface{}{
		e.limits.Calls,
		e.limits.Bytes,
		e.limits.Window.Milliseconds(),
	}

	result, err := allowScript.Run(ctx, e.client, keys, args...).Int64Slice()
	if err != nil {
		return false, 0, err
	}

	retryAfter := time.Duration(result[1]) * time.Millisecond
	if retryAfter < 0 {
		retryAfter = e.limits.Window
	}

	if result[0] == 1 {
		return false, retryAfter, nil
	}
	return true, 0, nil
}

func (e *RedisEnforcer) RecordBytes(ctx context.Context, key string, n int64) error {
	return e.client.HIncrBy(ctx, "quota:"+key, "bytes", n).Err()
}

func (e *RedisEnforcer) Close() error {
	return e.client.Close()
}
