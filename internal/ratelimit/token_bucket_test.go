package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	d, err := bucket.Allow(ctx, "dispatch")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", d.Allowed, err)
	}
	d, _ = bucket.Allow(ctx, "dispatch")
	if !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "dispatch")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("expected retry hint within one refill period, got %s", d.RetryAfter)
	}
}

func TestTokenBucketKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 1, 1, time.Minute)

	if d, _ := bucket.Allow(ctx, "ip:1"); !d.Allowed {
		t.Fatalf("expected ip:1 allowed")
	}
	if d, _ := bucket.Allow(ctx, "ip:2"); !d.Allowed {
		t.Fatalf("expected ip:2 allowed")
	}
}

func TestWaitHoldsUntilRefill(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	// 50 tokens/s: one token frees up every 20ms of wall clock.
	bucket := NewTokenBucket(client, 1, 50, time.Minute)

	if _, err := bucket.Wait(ctx, "dispatch"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	waited, err := bucket.Wait(ctx, "dispatch")
	if err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if waited <= 0 {
		t.Fatalf("expected second token to be held, waited=%s", waited)
	}
}

func TestWaitHonoursCancellation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 1, 0.001, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _ = bucket.Wait(ctx, "slow")
	if _, err := bucket.Wait(ctx, "slow"); err == nil {
		t.Fatalf("expected context error while starved")
	}
}
