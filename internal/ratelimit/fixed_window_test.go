package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestFixedWindowLimiterRedis(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", 2, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	ctx := context.Background()
	if !limiter.Allow(ctx, "login:ada@example.com") || !limiter.Allow(ctx, "login:ada@example.com") {
		t.Fatalf("first two requests should pass")
	}
	if limiter.Allow(ctx, "login:ada@example.com") {
		t.Fatalf("third request should be blocked")
	}
	if !limiter.Allow(ctx, "login:bob@example.com") {
		t.Fatalf("other keys keep their own quota")
	}
}

func TestFixedWindowLimiterRedisFailClosed(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", 1, time.Second)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	redis.Close()
	if limiter.Allow(context.Background(), "k") {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestFixedWindowLimiterRequiresRedisAddr(t *testing.T) {
	limiter, err := NewRedisFixedWindowLimiter("", "", "test:ratelimit", 1, time.Second)
	if err == nil || limiter != nil {
		t.Fatalf("expected constructor error for empty redis addr")
	}
}

func TestMemoryLimiterResetsEachWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter, err := NewMemoryLimiter(1, time.Minute)
	if err != nil {
		t.Fatalf("new memory limiter: %v", err)
	}
	limiter.now = func() time.Time { return now }
	ctx := context.Background()
	if !limiter.Allow(ctx, "k") {
		t.Fatalf("first request should pass")
	}
	if limiter.Allow(ctx, "k") {
		t.Fatalf("second request in window should be blocked")
	}
	now = now.Add(time.Minute)
	if !limiter.Allow(ctx, "k") {
		t.Fatalf("new window should reset the quota")
	}
}
