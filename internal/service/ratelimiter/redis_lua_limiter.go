// Package ratelimiter implements the provider submit gate: a token bucket
// held in Redis so every worker process draws from the same budget. Buckets
// are keyed by provider class; a class without a bucket is unlimited.
package ratelimiter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BucketConfig describes one token bucket. Capacity bounds the burst,
// RefillRate is tokens per second.
type BucketConfig struct {
	Capacity   int64
	RefillRate float64
}

// NewBucketConfigFromPerMinute sizes a bucket for a sustained per-minute
// budget with bursts up to the full minute's allowance.
func NewBucketConfigFromPerMinute(perMinute int) BucketConfig {
	if perMinute <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{
		Capacity:   int64(perMinute),
		RefillRate: float64(perMinute) / 60.0,
	}
}

// RedisLuaLimiter implements domain.SubmitLimiter on a shared Redis script.
// The limiter fails open: when Redis is unreachable the caller proceeds and
// provider-side 429 handling is the backstop.
type RedisLuaLimiter struct {
	redis   *redis.Client
	buckets map[string]BucketConfig
	script  *redis.Script
	mu      sync.RWMutex
}

// NewRedisLuaLimiter wires a limiter over rdb. buckets may be nil and grown
// later with SetBucketConfig.
func NewRedisLuaLimiter(rdb *redis.Client, buckets map[string]BucketConfig) *RedisLuaLimiter {
	if rdb == nil {
		return nil
	}
	if buckets == nil {
		buckets = map[string]BucketConfig{}
	}
	return &RedisLuaLimiter{
		redis:   rdb,
		buckets: buckets,
		script:  redis.NewScript(drawTokensScript),
	}
}

// drawTokensScript refills the bucket for the elapsed time, then tries to
// draw the requested cost. Reply is {allowed 0|1, retry_ms}. retry_ms is how
// long until enough tokens exist, rounded up to whole milliseconds. The key
// expires after the bucket would have refilled completely anyway (capped at
// a day), so idle classes do not accumulate state; buckets sized per minute
// refill far inside the cap.
const drawTokensScript = `
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "refilled_at")
local tokens = capacity
if state[1] then
  tokens = tonumber(state[1])
end
local refilled_at = now
if state[2] then
  refilled_at = tonumber(state[2])
end

local elapsed = now - refilled_at
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
local retry_ms = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  retry_ms = math.ceil((cost - tokens) / rate * 1000)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "refilled_at", now)
local ttl = math.ceil(capacity / rate * 2000) + 60000
if ttl > 86400000 then
  ttl = 86400000
end
redis.call("PEXPIRE", KEYS[1], ttl)

return { allowed, retry_ms }
`

// Allow reports whether one submit for the class may proceed now, and if
// not, how long the caller should wait before asking again.
func (l *RedisLuaLimiter) Allow(ctx context.Context, class string) (bool, time.Duration, error) {
	return l.AllowN(ctx, class, 1)
}

// AllowN draws cost tokens from the class bucket.
func (l *RedisLuaLimiter) AllowN(ctx context.Context, class string, cost int64) (bool, time.Duration, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}
	l.mu.RLock()
	cfg, ok := l.buckets[class]
	l.mu.RUnlock()
	if !ok || cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}

	nowSec := float64(time.Now().UnixNano()) / 1e9
	res, err := l.script.Run(ctx, l.redis, []string{"rate:" + class},
		cfg.Capacity, cfg.RefillRate, nowSec, cost).Result()
	if err != nil {
		slog.Error("redis rate limiter script error", slog.String("class", class), slog.Any("error", err))
		// Fail open on Redis errors to avoid hard outages; provider 429
		// handling still applies separately.
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Error("redis rate limiter unexpected script result", slog.String("class", class), slog.Any("result", res))
		return true, 0, nil
	}

	allowed := toInt64(vals[0]) == 1
	retryAfter := time.Duration(toInt64(vals[1])) * time.Millisecond
	return allowed, retryAfter, nil
}

// SetBucketConfig updates or creates the bucket configuration for a class.
// It is safe for concurrent use.
func (l *RedisLuaLimiter) SetBucketConfig(class string, cfg BucketConfig) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buckets == nil {
		l.buckets = map[string]BucketConfig{}
	}
	l.buckets[class] = cfg
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
