package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript runs the prune-decide-append sequence atomically on
// the Redis server. Scores are admission times in unix seconds; members are
// unique per request.
//
// KEYS[1] window key; ARGV: now, limit, window seconds, member.
// Returns {allowed, remaining, reset_at}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
	local reset = now + window
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if oldest[2] then
		reset = tonumber(oldest[2]) + window
	end
	return {0, 0, reset}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('EXPIRE', key, window)
return {1, limit - count - 1, now + window}
`)

// RedisSlidingWindow is a Limiter backed by a shared Redis server, for
// deployments where several gate processes must share one counter per key.
type RedisSlidingWindow struct {
	client redis.Scripter
	prefix string
}

// NewRedisSlidingWindow creates a Redis-backed limiter. Keys are stored as
// prefix + api key.
func NewRedisSlidingWindow(client redis.Scripter, prefix string) *RedisSlidingWindow {
	if prefix == "" {
		prefix = "keygate:ratelimit:"
	}
	return &RedisSlidingWindow{client: client, prefix: prefix}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// Check implements Limiter.
func (r *RedisSlidingWindow) Check(ctx context.Context, key string, limit int, now time.Time) (Decision, error) {
	if key == "" || limit <= 0 {
		return unknownKey(), nil
	}
	res, err := slidingWindowScript.Run(ctx, r.client,
		[]string{r.prefix + key},
		now.Unix(), limit, windowSeconds(), uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("%w: unexpected script reply %v", ErrBackendUnavailable, res)
	}
	return Decision{
		Allowed:   res[0] == 1,
		Limit:     limit,
		Remaining: int(res[1]),
		ResetAt:   res[2],
	}, nil
}
