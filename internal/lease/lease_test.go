package lease

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	h, err := Try(ctx, l, "aggregates:question:1", time.Minute)
	if err != nil || h == nil {
		t.Fatalf("first acquire: %v %v", h, err)
	}
	other, err := Try(ctx, l, "aggregates:question:1", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if other != nil {
		t.Fatalf("second acquire should not get the lease")
	}
	if err := h.Renew(ctx); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := Try(ctx, l, "aggregates:question:1", time.Minute)
	if err != nil || again == nil {
		t.Fatalf("acquire after release: %v %v", again, err)
	}
}

func TestMemoryLocker_Expiry(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	h, _ := Try(ctx, l, "k", time.Second)
	now = now.Add(2 * time.Second)

	if err := h.Renew(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("renew after expiry err=%v want ErrNotHeld", err)
	}
	next, _ := Try(ctx, l, "k", time.Second)
	if next == nil {
		t.Fatalf("expired lease should be acquirable")
	}
	if err := h.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("stale holder release err=%v want ErrNotHeld", err)
	}
	if err := next.Release(ctx); err != nil {
		t.Fatalf("current holder release: %v", err)
	}
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("FC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FC_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	l := NewRedisLocker(&redis.Options{Addr: addr}, "fc:test:lease:")
	defer l.Close()
	if err := l.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	key := "question:" + newToken()
	h, err := Try(ctx, l, key, 5*time.Second)
	if err != nil || h == nil {
		t.Fatalf("acquire: %v %v", h, err)
	}
	if other, _ := Try(ctx, l, key, 5*time.Second); other != nil {
		t.Fatalf("lease should be exclusive")
	}
	if err := l.Release(ctx, key, "someone-else"); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("foreign release err=%v", err)
	}
	if err := h.Renew(ctx); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}
