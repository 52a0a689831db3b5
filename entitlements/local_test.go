package entitlements

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func testSnapshot(userID, toolID string) *Snapshot {
	return &Snapshot{
		UserID:   userID,
		ToolID:   toolID,
		Active:   true,
		Tier:     "pro",
		CachedAt: time.Now(),
	}
}

func TestLocal_SetAndGet(t *testing.T) {
	cache := NewLocal(10)
	defer cache.Stop()
	ctx := context.Background()

	if err := cache.Set(ctx, "u1", "t1", testSnapshot("u1", "t1"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := cache.Get(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Tier != "pro" || !got.Active {
		t.Errorf("snapshot = %+v, want active pro", got)
	}

	if _, err := cache.Get(ctx, "u2", "t1"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() for absent pair error = %v, want ErrCacheMiss", err)
	}
}

func TestLocal_GetReturnsCopy(t *testing.T) {
	cache := NewLocal(10)
	defer cache.Stop()
	ctx := context.Background()

	if err := cache.Set(ctx, "u1", "t1", testSnapshot("u1", "t1"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	first, _ := cache.Get(ctx, "u1", "t1")
	first.Tier = "mutated"

	second, _ := cache.Get(ctx, "u1", "t1")
	if second.Tier != "pro" {
		t.Errorf("Tier = %q, cached snapshot was mutated through a returned pointer", second.Tier)
	}
}

func TestLocal_TTLExpiry(t *testing.T) {
	cache := NewLocal(10)
	defer cache.Stop()
	ctx := context.Background()

	if err := cache.Set(ctx, "u1", "t1", testSnapshot("u1", "t1"), 20*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	if _, err := cache.Get(ctx, "u1", "t1"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() after TTL error = %v, want ErrCacheMiss", err)
	}
}

func TestLocal_BoundedEviction(t *testing.T) {
	cache := NewLocal(3)
	defer cache.Stop()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		userID := fmt.Sprintf("u%d", i)
		if err := cache.Set(ctx, userID, "t1", testSnapshot(userID, "t1"), time.Minute); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}

	if got := cache.Len(); got != 3 {
		t.Errorf("Len() = %d, want bound of 3", got)
	}

	// The most recent entries survive
	if _, err := cache.Get(ctx, "u4", "t1"); err != nil {
		t.Errorf("Get(newest) error = %v", err)
	}
}

func TestLocal_Invalidate(t *testing.T) {
	cache := NewLocal(10)
	defer cache.Stop()
	ctx := context.Background()

	pairs := [][2]string{{"u1", "t1"}, {"u1", "t2"}, {"u2", "t1"}}
	for _, p := range pairs {
		if err := cache.Set(ctx, p[0], p[1], testSnapshot(p[0], p[1]), time.Minute); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}

	if err := cache.Invalidate(ctx, "u1", "t1"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, err := cache.Get(ctx, "u1", "t1"); !errors.Is(err, ErrCacheMiss) {
		t.Error("invalidated entry still present")
	}
	if _, err := cache.Get(ctx, "u1", "t2"); err != nil {
		t.Errorf("unrelated entry dropped: %v", err)
	}
}

func TestLocal_InvalidateAllForUser(t *testing.T) {
	cache := NewLocal(10)
	defer cache.Stop()
	ctx := context.Background()

	pairs := [][2]string{{"u1", "t1"}, {"u1", "t2"}, {"u2", "t1"}}
	for _, p := range pairs {
		if err := cache.Set(ctx, p[0], p[1], testSnapshot(p[0], p[1]), time.Minute); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}

	if err := cache.InvalidateAllForUser(ctx, "u1"); err != nil {
		t.Fatalf("InvalidateAllForUser() error = %v", err)
	}

	if _, err := cache.Get(ctx, "u1", "t1"); !errors.Is(err, ErrCacheMiss) {
		t.Error("u1/t1 still present")
	}
	if _, err := cache.Get(ctx, "u1", "t2"); !errors.Is(err, ErrCacheMiss) {
		t.Error("u1/t2 still present")
	}
	if _, err := cache.Get(ctx, "u2", "t1"); err != nil {
		t.Errorf("u2/t1 dropped: %v", err)
	}
}

func TestLocal_InvalidateAllForTool(t *testing.T) {
	cache := NewLocal(10)
	defer cache.Stop()
	ctx := context.Background()

	pairs := [][2]string{{"u1", "t1"}, {"u2", "t1"}, {"u1", "t2"}}
	for _, p := range pairs {
		if err := cache.Set(ctx, p[0], p[1], testSnapshot(p[0], p[1]), time.Minute); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}

	if err := cache.InvalidateAllForTool(ctx, "t1"); err != nil {
		t.Fatalf("InvalidateAllForTool() error = %v", err)
	}

	if _, err := cache.Get(ctx, "u1", "t1"); !errors.Is(err, ErrCacheMiss) {
		t.Error("u1/t1 still present")
	}
	if _, err := cache.Get(ctx, "u2", "t1"); !errors.Is(err, ErrCacheMiss) {
		t.Error("u2/t1 still present")
	}
	if _, err := cache.Get(ctx, "u1", "t2"); err != nil {
		t.Errorf("u1/t2 dropped: %v", err)
	}
}

func TestLocal_SweepRemovesExpired(t *testing.T) {
	cache := NewLocalWithInterval(10, 10*time.Millisecond)
	defer cache.Stop()
	ctx := context.Background()

	if err := cache.Set(ctx, "u1", "t1", testSnapshot("u1", "t1"), 5*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := cache.Set(ctx, "u2", "t1", testSnapshot("u2", "t1"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if got := cache.Len(); got != 1 {
		t.Errorf("Len() = %d after sweep, want 1", got)
	}
}
