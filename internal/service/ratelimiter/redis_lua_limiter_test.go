package ratelimiter

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLuaLimiter(t *testing.T) (*RedisLuaLimiter, *miniredis.Miniredis, func()) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedisLuaLimiter(rdb, nil)

	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}

	return limiter, mr, cleanup
}

func TestAllow_NilLimiter_FailOpen(t *testing.T) {
	ctx := context.Background()
	var limiter *RedisLuaLimiter

	allowed, retryAfter, err := limiter.Allow(ctx, "any")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !allowed {
		t.Fatalf("expected allowed to be true for nil limiter")
	}
	if retryAfter != 0 {
		t.Fatalf("expected zero retryAfter, got %v", retryAfter)
	}
}

func TestAllow_NoBucketConfig_FailOpen(t *testing.T) {
	ctx := context.Background()
	limiter, _, cleanup := newTestRedisLuaLimiter(t)
	defer cleanup()

	allowed, retryAfter, err := limiter.Allow(ctx, "stability")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !allowed {
		t.Fatalf("expected allowed to be true when no bucket config is present")
	}
	if retryAfter != 0 {
		t.Fatalf("expected zero retryAfter, got %v", retryAfter)
	}
}

func TestAllow_WithBucket_RespectsCapacityAndRetryAfter(t *testing.T) {
	ctx := context.Background()
	limiter, _, cleanup := newTestRedisLuaLimiter(t)
	defer cleanup()

	class := "openai"
	limiter.SetBucketConfig(class, BucketConfig{
		Capacity:   3,
		RefillRate: 0.000001,
	})

	for i := 0; i < 3; i++ {
		allowed, retryAfter, err := limiter.Allow(ctx, class)
		if err != nil {
			t.Fatalf("unexpected error on allowed call %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true on call %d", i)
		}
		if retryAfter != 0 {
			t.Fatalf("expected retryAfter=0 on allowed call %d, got %v", i, retryAfter)
		}
	}

	allowed, retryAfter, err := limiter.Allow(ctx, class)
	if err == nil {
		if allowed {
			t.Fatalf("expected limiter to deny once capacity exhausted")
		}
		if retryAfter <= 0 {
			t.Fatalf("expected positive retryAfter when capacity exhausted, got %v", retryAfter)
		}
	} else {
		// Even if Redis errors, limiter must fail open without panicking
		if !allowed {
			t.Fatalf("expected allowed=true when script error occurs, got false with err=%v", err)
		}
	}
}

func TestAllowN_DrawsCostTokens(t *testing.T) {
	ctx := context.Background()
	limiter, _, cleanup := newTestRedisLuaLimiter(t)
	defer cleanup()

	limiter.SetBucketConfig("openai", BucketConfig{Capacity: 5, RefillRate: 0.000001})

	allowed, _, err := limiter.AllowN(ctx, "openai", 5)
	if err != nil || !allowed {
		t.Fatalf("expected full-capacity draw to succeed, allowed=%v err=%v", allowed, err)
	}

	allowed, retryAfter, err := limiter.AllowN(ctx, "openai", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected denial after bucket drained")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retryAfter, got %v", retryAfter)
	}
}

func TestAllow_RedisDown_FailsOpen(t *testing.T) {
	ctx := context.Background()
	limiter, mr, cleanup := newTestRedisLuaLimiter(t)
	defer cleanup()

	limiter.SetBucketConfig("openai", BucketConfig{Capacity: 1, RefillRate: 1})
	mr.Close()

	allowed, _, err := limiter.Allow(ctx, "openai")
	if err == nil {
		t.Fatalf("expected script error when redis is down")
	}
	if !allowed {
		t.Fatalf("expected fail-open allow when redis is down")
	}
}

func TestAllow_SharedBucketAcrossClients(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	buckets := map[string]BucketConfig{"openai": {Capacity: 2, RefillRate: 0.000001}}

	rdb1 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb1.Close() }()
	rdb2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb2.Close() }()

	// Two limiters, one shared budget: the second process sees the tokens the
	// first one spent.
	l1 := NewRedisLuaLimiter(rdb1, buckets)
	l2 := NewRedisLuaLimiter(rdb2, buckets)

	if ok, _, err := l1.Allow(ctx, "openai"); err != nil || !ok {
		t.Fatalf("first draw should pass, ok=%v err=%v", ok, err)
	}
	if ok, _, err := l2.Allow(ctx, "openai"); err != nil || !ok {
		t.Fatalf("second draw should pass, ok=%v err=%v", ok, err)
	}
	ok, retryAfter, err := l2.Allow(ctx, "openai")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected shared bucket exhaustion across clients")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retryAfter, got %v", retryAfter)
	}
}

func TestAllow_RefillRestoresTokens(t *testing.T) {
	ctx := context.Background()
	limiter, _, cleanup := newTestRedisLuaLimiter(t)
	defer cleanup()

	// 100 tokens/second so the refill lands within the test's patience.
	limiter.SetBucketConfig("flux", BucketConfig{Capacity: 1, RefillRate: 100})

	if ok, _, err := limiter.Allow(ctx, "flux"); err != nil || !ok {
		t.Fatalf("first draw should pass, ok=%v err=%v", ok, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		ok, _, err := limiter.Allow(ctx, "flux")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("bucket never refilled")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
