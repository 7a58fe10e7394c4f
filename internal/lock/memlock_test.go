package lock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func TestMemoryLockExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLock(nil)

	ok, err := m.TryAcquire(ctx, "voter-1", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = m.TryAcquire(ctx, "voter-1", "b", time.Minute)
	if err != nil || ok {
		t.Fatalf("second acquire should fail: ok=%v err=%v", ok, err)
	}

	token, ttl, err := m.Holder(ctx, "voter-1")
	if err != nil {
		t.Fatalf("holder: %v", err)
	}
	if token != "a" || ttl <= 0 {
		t.Fatalf("expected holder a with ttl, got %q %s", token, ttl)
	}
}

func TestMemoryLockRefreshRequiresToken(t *testing.T) {
	ctx := context.Background()
	clock := &fakeNow{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	m := NewMemoryLock(clock.Now)

	if ok, _ := m.TryAcquire(ctx, "voter-1", "a", time.Minute); !ok {
		t.Fatalf("acquire failed")
	}
	if ok, _ := m.Refresh(ctx, "voter-1", "b", time.Hour); ok {
		t.Fatalf("refresh with foreign token must fail")
	}

	clock.Advance(50 * time.Second)
	if ok, _ := m.Refresh(ctx, "voter-1", "a", time.Minute); !ok {
		t.Fatalf("refresh with own token failed")
	}
	clock.Advance(50 * time.Second)
	if token, _, _ := m.Holder(ctx, "voter-1"); token != "a" {
		t.Fatalf("expected lease to survive after refresh, holder=%q", token)
	}

	clock.Advance(time.Minute)
	if token, _, _ := m.Holder(ctx, "voter-1"); token != "" {
		t.Fatalf("expected lease to expire, holder=%q", token)
	}
	if ok, _ := m.Refresh(ctx, "voter-1", "a", time.Minute); ok {
		t.Fatalf("refresh after expiry must fail")
	}
}

func TestMemoryLockReleaseIgnoresForeignToken(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLock(nil)
	m.TryAcquire(ctx, "voter-1", "a", time.Minute)

	if err := m.Release(ctx, "voter-1", "b"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if token, _, _ := m.Holder(ctx, "voter-1"); token != "a" {
		t.Fatalf("foreign release removed lock")
	}
	m.Release(ctx, "voter-1", "a")
	if token, _, _ := m.Holder(ctx, "voter-1"); token != "" {
		t.Fatalf("release did not remove lock")
	}
}

func TestMemoryLockConcurrentAcquireExactlyOne(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLock(nil)

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := m.TryAcquire(ctx, "voter-1", fmt.Sprintf("kiosk-%d", i), time.Minute)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestTTLSeconds(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want int64
	}{
		{0, 1},
		{500 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{3 * time.Minute, 180},
	}
	for _, c := range cases {
		if got := ttlSeconds(c.in); got != c.want {
			t.Fatalf("ttlSeconds(%s) = %d, want %d", c.in, got, c.want)
		}
	}
}
