package lock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/util"
)

func TestLocalLocker(t *testing.T) {
	clock := util.NewFixedClock(time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC))
	l := NewLocalLocker(clock)
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, "daily-batch", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := l.Acquire(ctx, "daily-batch", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if _, err := l.Acquire(ctx, "dlq-sweep", time.Minute); err != nil {
		t.Errorf("independent keys must not conflict: %v", err)
	}
	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if _, err := l.Acquire(ctx, "daily-batch", time.Minute); err != nil {
		t.Errorf("Acquire after unlock failed: %v", err)
	}
}

func TestLocalLocker_ExpiredLockIsTakenAndOldUnlockIsNoop(t *testing.T) {
	clock := util.NewFixedClock(time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC))
	l := NewLocalLocker(clock)
	ctx := context.Background()

	first, _ := l.Acquire(ctx, "k", time.Minute)
	clock.Advance(2 * time.Minute)
	if _, err := l.Acquire(ctx, "k", time.Minute); err != nil {
		t.Fatalf("expired lock should be acquirable: %v", err)
	}
	first(ctx)
	if _, err := l.Acquire(ctx, "k", time.Minute); !errors.Is(err, ErrLocked) {
		t.Errorf("stale unlock released the new holder's lock")
	}
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := NewRedisClient(addr, os.Getenv("REDIS_PASSWORD"), 0)
	t.Cleanup(func() { client.Close() })
	l := NewRedisLocker(client, "outreach:test:"+util.GenerateRandomHex(8)+":")
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, "daily-batch", 10*time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := l.Acquire(ctx, "daily-batch", 10*time.Second); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	again, err := l.Acquire(ctx, "daily-batch", 10*time.Second)
	if err != nil {
		t.Fatalf("Acquire after unlock failed: %v", err)
	}
	again(ctx)
}
