// Package ratelimit throttles trigger requests per tenant with a
// Redis-backed token bucket, so one tenant hammering the job API cannot
// starve the rest.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a distributed token bucket keyed per tenant.
type Limiter struct {
	client *redis.Client
	prefix string
	burst  int
	refill float64 // tokens per second
	ttl    time.Duration
}

func New(client *redis.Client, burst int, refillPerSecond float64, ttl time.Duration) *Limiter {
	return &Limiter{
		client: client,
		prefix: "rl:trigger:",
		burst:  burst,
		refill: refillPerSecond,
		ttl:    ttl,
	}
}

// Allow consumes one token for the tenant if available.
func (l *Limiter) Allow(ctx context.Context, tenant string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{l.prefix + tenant},
		l.burst, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	allowed, ok := res.(int64)
	return ok && allowed == 1, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local burst = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then tokens = burst end
if last == nil then last = now end

tokens = math.min(burst, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return allowed
`)
