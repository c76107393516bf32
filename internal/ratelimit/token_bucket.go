package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is the time until the next token is available. Zero when
	// the request was allowed.
	RetryAfter time.Duration
}

// TokenBucket implements a distributed token bucket rate limiter using Redis.
// Every API instance shares the same buckets, so build submissions are
// limited per client across the fleet.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	return &TokenBucket{
		client:   client,
		prefix:   "builds:rl:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes a single token from the bucket of key if available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) < 3 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected script result %v", key, res)
	}
	allowed, _ := res[0].(int64)
	remaining, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(remaining, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: parse tokens %q: %w", key, remaining, err)
	}
	retryMs, _ := res[2].(int64)

	d := Decision{Allowed: allowed == 1, Remaining: tokens}
	if !d.Allowed {
		d.RetryAfter = time.Duration(retryMs) * time.Millisecond
		if retryMs < 0 {
			d.RetryAfter = b.ttl
		}
	}
	return d, nil
}

// KEYS[1] bucket hash. ARGV: capacity, refill per second, now ms, ttl ms.
// Returns {allowed, tokens, retry_ms}. Tokens are returned as a string since
// Lua numbers are truncated to integers on the way out; retry_ms is -1 when
// the bucket never refills.
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'updated_ms')
local tokens = tonumber(state[1]) or capacity
local updated = tonumber(state[2]) or now

if now > updated then
  tokens = math.min(capacity, tokens + (now - updated) * rate / 1000)
end

local allowed = 0
local retry = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif rate > 0 then
  retry = math.ceil((1 - tokens) * 1000 / rate)
else
  retry = -1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'updated_ms', now)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {allowed, tostring(tokens), retry}
`)
