package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of taking tokens from a bucket.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
	ResetAfter time.Duration
}

// takeScript refills the bucket for the elapsed time, then takes ARGV[4]
// tokens if enough remain. It returns {allowed, remaining, retry_ms, reset_ms}.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_per_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now_ms

tokens = math.min(capacity, tokens + math.max(0, now_ms - ts) * refill_per_ms)

local allowed = 0
local retry_ms = 0
if cost <= capacity and tokens >= cost then
  tokens = tokens - cost
  allowed = 1
elseif cost <= capacity then
  retry_ms = math.ceil((cost - tokens) / refill_per_ms)
else
  retry_ms = -1
end

redis.call("HSET", key, "tokens", tostring(tokens), "ts", tostring(now_ms))
redis.call("PEXPIRE", key, ttl_ms)

local reset_ms = math.ceil((capacity - tokens) / refill_per_ms)
return {allowed, math.floor(tokens), retry_ms, reset_ms}
`)

// TokenBucket limits avatar writes per subject. Bucket state lives in a
// Redis hash so every API replica shares it.
type TokenBucket struct {
	client      redis.UniversalClient
	capacity    int64
	refillPerMS float64
	ttl         time.Duration
	keyPrefix   string
	now         func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, capacity int, window time.Duration, keyPrefix string) (*TokenBucket, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive")
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "avatarflow:ratelimit"
	}

	return &TokenBucket{
		client:      client,
		capacity:    int64(capacity),
		refillPerMS: float64(capacity) / float64(max(1, window.Milliseconds())),
		ttl:         2 * window,
		keyPrefix:   keyPrefix,
		now:         time.Now,
	}, nil
}

// Take removes cost tokens from the subject's bucket. A cost above the
// bucket capacity is never allowed and reports no retry time.
func (b *TokenBucket) Take(ctx context.Context, subject string, cost int) (Decision, error) {
	if cost < 1 {
		cost = 1
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}

	raw, err := takeScript.Run(
		ctx,
		b.client,
		[]string{b.keyPrefix + ":" + subject},
		b.capacity,
		b.refillPerMS,
		b.now().UTC().UnixMilli(),
		cost,
		b.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket script: %w", err)
	}
	if len(raw) != 4 {
		return Decision{}, fmt.Errorf("token bucket script returned %d values", len(raw))
	}

	d := Decision{
		Allowed:    raw[0] == 1,
		Limit:      b.capacity,
		Remaining:  raw[1],
		ResetAfter: time.Duration(raw[3]) * time.Millisecond,
	}
	switch {
	case raw[2] > 0:
		d.RetryAfter = time.Duration(raw[2]) * time.Millisecond
	case raw[2] < 0:
		d.RetryAfter = time.Duration(math.MaxInt64)
	}
	return d, nil
}
