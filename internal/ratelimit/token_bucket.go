// Package ratelimit throttles claim polling per worker with a distributed
// token bucket in Redis, so hot polling loops cannot hammer the store.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket implements a token bucket shared across API replicas.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	prefix   string
}

// NewTokenBucket constructs a bucket with the provided capacity/refill. Keys
// are namespaced under prefix so claim and producer limits don't collide.
func NewTokenBucket(client *redis.Client, prefix string, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		prefix:   prefix,
	}
}

func (b *TokenBucket) key(id string) string {
	return fmt.Sprintf("%s:%s", b.prefix, id)
}

// Allow consumes a single token for the given id if available.
// Returns the allowed flag and the remaining token count.
func (b *TokenBucket) Allow(ctx context.Context, id string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.key(id)},
		b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("token bucket: unexpected reply %T", res)
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

// Reset drops the bucket state for an id, restoring full capacity. Used by
// operators after clearing an incident.
func (b *TokenBucket) Reset(ctx context.Context, id string) error {
	return b.client.Del(ctx, b.key(id)).Err()
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
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
