package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lvdashuaibi/kioskvote/internal/lock"
	"github.com/lvdashuaibi/kioskvote/internal/model"
)

func newTestStores(t *testing.T) (*ManualClock, *Store, *Store) {
	t.Helper()
	clock := NewManualClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	shared := lock.NewMemoryLock(clock.Now)
	a := NewStore(shared, "kiosk:voter-session:", "kiosk-a", clock)
	b := NewStore(shared, "kiosk:voter-session:", "kiosk-b", clock)
	return clock, a, b
}

func TestCreateRejectsSecondSession(t *testing.T) {
	ctx := context.Background()
	_, a, b := newTestStores(t)

	first, err := a.Create(ctx, "voter-1", 5*time.Minute)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.KioskID != "kiosk-a" {
		t.Fatalf("expected kiosk-a, got %s", first.KioskID)
	}

	_, err = b.Create(ctx, "voter-1", 5*time.Minute)
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	var active *ActiveSessionError
	if !errors.As(err, &active) {
		t.Fatalf("expected ActiveSessionError, got %T", err)
	}
	if active.Existing.KioskID != "kiosk-a" {
		t.Fatalf("expected existing session on kiosk-a, got %q", active.Existing.KioskID)
	}
	if !active.Existing.ExpiresAt.Equal(first.ExpiresAt) {
		t.Fatalf("expected expiry %s, got %s", first.ExpiresAt, active.Existing.ExpiresAt)
	}
}

func TestCreateAfterExpiry(t *testing.T) {
	ctx := context.Background()
	clock, a, b := newTestStores(t)

	if _, err := a.Create(ctx, "voter-1", time.Minute); err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(time.Minute)

	if _, err := b.Create(ctx, "voter-1", time.Minute); err != nil {
		t.Fatalf("expected expired session to be replaceable, got %v", err)
	}
}

func TestConcurrentCreateExactlyOne(t *testing.T) {
	ctx := context.Background()
	clock := NewManualClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	shared := lock.NewMemoryLock(clock.Now)

	var wg sync.WaitGroup
	var created, blocked atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store := NewStore(shared, "s:", fmt.Sprintf("kiosk-%d", i), clock)
			_, err := store.Create(ctx, "voter-1", time.Minute)
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, ErrSessionActive):
				blocked.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if created.Load() != 1 || blocked.Load() != 15 {
		t.Fatalf("expected 1 created and 15 blocked, got %d and %d", created.Load(), blocked.Load())
	}
}

func TestExtendAndLoss(t *testing.T) {
	ctx := context.Background()
	clock, a, b := newTestStores(t)

	sess, err := a.Create(ctx, "voter-1", time.Minute)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clock.Advance(30 * time.Second)
	if err := a.Extend(ctx, sess, 2*time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}
	want := clock.Now().Add(2 * time.Minute)
	if !sess.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, sess.ExpiresAt)
	}

	got, err := b.Get(ctx, "voter-1")
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if !got.ExpiresAt.Equal(want) {
		t.Fatalf("store expiry %s, want %s", got.ExpiresAt, want)
	}

	clock.Advance(3 * time.Minute)
	if err := a.Extend(ctx, sess, time.Minute); !errors.Is(err, ErrSessionLost) {
		t.Fatalf("expected ErrSessionLost, got %v", err)
	}
}

func TestDeleteOnlyOwnSession(t *testing.T) {
	ctx := context.Background()
	_, a, b := newTestStores(t)

	sess, _ := a.Create(ctx, "voter-1", time.Minute)
	foreign := *sess
	foreign.Token = "kiosk-b/other"
	if err := b.Delete(ctx, &foreign); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := a.Get(ctx, "voter-1"); got == nil {
		t.Fatalf("foreign delete removed session")
	}

	if err := a.Delete(ctx, sess); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := a.Get(ctx, "voter-1"); got != nil {
		t.Fatalf("expected session removed, got %+v", got)
	}
}

// downLock 模拟所有锁节点不可达
type downLock struct{}

func (downLock) TryAcquire(context.Context, string, string, time.Duration) (bool, error) {
	return false, lock.ErrUnavailable
}

func (downLock) Refresh(context.Context, string, string, time.Duration) (bool, error) {
	return false, lock.ErrUnavailable
}

func (downLock) Release(context.Context, string, string) error { return lock.ErrUnavailable }

func (downLock) Holder(context.Context, string) (string, time.Duration, error) {
	return "", 0, lock.ErrUnavailable
}

func (downLock) Close() error { return nil }

func TestStoreOutageIsNotAConflict(t *testing.T) {
	ctx := context.Background()
	clock := NewManualClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	s := NewStore(downLock{}, "kiosk:voter-session:", "kiosk-a", clock)

	_, err := s.Create(ctx, "voter-1", time.Minute)
	if err == nil || errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected a store error, got %v", err)
	}
	if !errors.Is(err, lock.ErrUnavailable) {
		t.Fatalf("expected wrapped ErrUnavailable, got %v", err)
	}

	sess := &model.VoterSession{VoterID: "voter-1", Token: "kiosk-a/x", ExpiresAt: clock.Now().Add(time.Minute)}
	err = s.Extend(ctx, sess, 2*time.Minute)
	if err == nil || errors.Is(err, ErrSessionLost) {
		t.Fatalf("expected a store error, got %v", err)
	}
	if !sess.ExpiresAt.Equal(clock.Now().Add(time.Minute)) {
		t.Fatalf("expiry must not move on a failed extend, got %s", sess.ExpiresAt)
	}
}
