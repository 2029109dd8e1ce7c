package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestGenerationBudgetAllow(t *testing.T) {
	rdb := newTestRedis(t)
	b := NewGenerationBudget(rdb, 2)
	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)

	allowed, used, _, err := b.AllowAt(context.Background(), 1, now)
	if err != nil {
		t.Fatalf("allow#1: %v", err)
	}
	if !allowed || used != 1 {
		t.Fatalf("expected first call allowed with used=1, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, _, err = b.AllowAt(context.Background(), 1, now)
	if err != nil {
		t.Fatalf("allow#2: %v", err)
	}
	if !allowed || used != 2 {
		t.Fatalf("expected second call allowed with used=2, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, resetAt, err := b.AllowAt(context.Background(), 1, now)
	if err != nil {
		t.Fatalf("allow#3: %v", err)
	}
	if allowed || used != 3 {
		t.Fatalf("expected third call denied with used=3, got allowed=%v used=%d", allowed, used)
	}
	if !resetAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected reset time: %v", resetAt)
	}

	allowed, _, _, err = b.AllowAt(context.Background(), 2, now)
	if err != nil || !allowed {
		t.Fatalf("expected other scope allowed, got allowed=%v err=%v", allowed, err)
	}

	allowed, used, _, err = b.AllowAt(context.Background(), 1, now.Add(time.Hour))
	if err != nil || !allowed || used != 1 {
		t.Fatalf("expected new window to reset, got allowed=%v used=%d err=%v", allowed, used, err)
	}
}

func TestGenerationBudgetDisabled(t *testing.T) {
	b := NewGenerationBudget(nil, 0)
	for i := 0; i < 5; i++ {
		allowed, err := b.Allow(context.Background(), 1)
		if err != nil || !allowed {
			t.Fatalf("expected disabled budget to allow, got allowed=%v err=%v", allowed, err)
		}
	}
}
