package kv

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemoryStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) err = %v, want ErrNotFound", err)
	}
	if err := s.SetWithTTL(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("SetWithTTL: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("Get(k) = %q, %v", got, err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	if err := s.SetWithTTL(ctx, "k", "v", 30*time.Second); err != nil {
		t.Fatalf("SetWithTTL: %v", err)
	}
	now = now.Add(29 * time.Second)
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("key expired early: %v", err)
	}
	now = now.Add(2 * time.Second)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("key survived past TTL: err = %v", err)
	}
}

func TestMemoryStore_ScanPattern(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, k := range []string{"ad:mass:ATM:C1", "ad:mass:web:C2", "ad:hnw:ATM:C3", "userprofile:C1"} {
		if err := s.SetWithTTL(ctx, k, "x", time.Minute); err != nil {
			t.Fatalf("SetWithTTL(%s): %v", k, err)
		}
	}
	keys, next, err := s.Scan(ctx, 0, "ad:*", 100)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if next != 0 {
		t.Fatalf("memory scan should complete in one batch, next = %d", next)
	}
	if len(keys) != 3 {
		t.Fatalf("Scan(ad:*) = %v, want 3 keys", keys)
	}
	for _, k := range keys {
		if k == "userprofile:C1" {
			t.Fatalf("non-matching key returned: %v", keys)
		}
	}
}

func TestMemoryStore_SlidingWindowAdmit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	window := time.Minute
	for i := 0; i < 3; i++ {
		at := now.Add(time.Duration(i) * time.Second)
		n, err := s.SlidingWindowAdmit(ctx, "rl:ip:1.2.3.4", at, window, fmt.Sprintf("m%d", i))
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if n != int64(i+1) {
			t.Fatalf("admit %d count = %d, want %d", i, n, i+1)
		}
	}

	// One window later the earlier events have slid out.
	later := now.Add(window + 5*time.Second)
	n, err := s.SlidingWindowAdmit(ctx, "rl:ip:1.2.3.4", later, window, "m9")
	if err != nil {
		t.Fatalf("admit after window: %v", err)
	}
	if n != 1 {
		t.Fatalf("count after window slide = %d, want 1", n)
	}

	card, err := s.ZCard(ctx, "rl:ip:1.2.3.4")
	if err != nil || card != 1 {
		t.Fatalf("ZCard = %d, %v", card, err)
	}
}

func TestMemoryStore_Failing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.SetFailing(true)

	if s.Available() {
		t.Fatalf("failing store reports available")
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Get err = %v, want ErrUnavailable", err)
	}
	if err := s.SetWithTTL(ctx, "k", "v", time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("SetWithTTL err = %v, want ErrUnavailable", err)
	}
	if _, err := s.SlidingWindowAdmit(ctx, "k", time.Now(), time.Minute, "m"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("SlidingWindowAdmit err = %v, want ErrUnavailable", err)
	}

	s.SetFailing(false)
	if err := s.SetWithTTL(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("store did not recover: %v", err)
	}
}
