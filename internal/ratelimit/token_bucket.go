package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
// All worker processes sharing a key share one budget.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Tokens     float64
	RetryAfter time.Duration
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// PerSecond builds a bucket that dispatches at most rate tokens per second,
// allowing a burst of one second's worth.
func PerSecond(client *redis.Client, rate float64) *TokenBucket {
	capacity := int(rate)
	if capacity < 1 {
		capacity = 1
	}
	return NewTokenBucket(client, capacity, rate, time.Hour)
}

// Allow consumes a single token for the given key if available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(res) < 3 {
		return Decision{}, fmt.Errorf("token bucket %s: unexpected reply %v", key, res)
	}
	allowed, _ := res[0].(int64)
	retryMs, _ := res[2].(int64)
	var tokens float64
	if s, ok := res[1].(string); ok {
		tokens, _ = strconv.ParseFloat(s, 64)
	}
	return Decision{
		Allowed:    allowed == 1,
		Tokens:     tokens,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}

// Wait blocks until a token is granted for key. Work over the rate is held,
// never dropped.
func (b *TokenBucket) Wait(ctx context.Context, key string) (time.Duration, error) {
	var waited time.Duration
	for {
		d, err := b.Allow(ctx, key)
		if err != nil {
			return waited, err
		}
		if d.Allowed {
			return waited, nil
		}
		pause := d.RetryAfter
		if pause < time.Millisecond {
			pause = time.Millisecond
		}
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waited, ctx.Err()
		case <-timer.C:
			waited += pause
		}
	}
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
local retry = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif refill > 0 then
  retry = math.ceil((1 - tokens) / refill * 1000)
else
  retry = 1000
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens), retry}
`)
