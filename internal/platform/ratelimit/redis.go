package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes a bucket atomically.
// KEYS[1] bucket key
// ARGV[1] refill rate in tokens per second
// ARGV[2] capacity
// ARGV[3] now in seconds with microsecond precision
// Returns {allowed, wait in milliseconds}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
local wait_ms = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
else
    wait_ms = math.ceil((1 - tokens) / rate * 1000)
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, math.ceil(capacity / rate) + 60)

return {allowed, wait_ms}
`)

// RedisStore shares token buckets between instances through Redis.
type RedisStore struct {
	client    redis.Scripter
	pinger    redisPinger
	namespace string
	clock     func() time.Time
}

type redisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// NewRedisStore connects a go-redis client and returns the store with a closer for the client.
func NewRedisStore(opts RedisOptions) (*RedisStore, func() error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisStoreWithClient(client, opts.Namespace, nil), client.Close
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.Scripter, namespace string, clock func() time.Time) *RedisStore {
	namespace = strings.Trim(strings.TrimSpace(namespace), ":")
	if namespace == "" {
		namespace = "ratelimit"
	}
	if clock == nil {
		clock = time.Now
	}
	store := &RedisStore{client: client, namespace: namespace, clock: clock}
	if pinger, ok := client.(redisPinger); ok {
		store.pinger = pinger
	}
	return store
}

// Ping reports whether Redis is reachable. Clients without PING support always pass.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s.pinger == nil {
		return nil
	}
	if err := s.pinger.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis ping: %w", err)
	}
	return nil
}

// Allow runs the bucket script for key.
func (s *RedisStore) Allow(ctx context.Context, key string, policy Policy) (Decision, error) {
	if !policy.Valid() {
		return Decision{}, ErrInvalidPolicy
	}
	redisKey := s.namespace + ":ratelimit:" + bucketKey(key, policy)
	now := float64(s.clock().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, s.client, []string{redisKey}, policy.perSecond(), policy.Burst, now).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis script: %w", err)
	}
	return parseScriptResult(res)
}

func parseScriptResult(res any) (Decision, error) {
	values, ok := res.([]any)
	if !ok || len(values) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script response %T", res)
	}
	allowed, ok := values[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("ratelimit: unexpected allowed value %T", values[0])
	}
	waitMS, ok := values[1].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("ratelimit: unexpected wait value %T", values[1])
	}
	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAfter: time.Duration(waitMS) * time.Millisecond}, nil
}

var _ Limiter = (*RedisStore)(nil)
