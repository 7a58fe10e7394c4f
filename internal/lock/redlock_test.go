package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 127.0.0.1:1 上没有服务，连接立即被拒绝
func deadClients(n int) ([]*redis.Client, []string) {
	var clients []*redis.Client
	var addrs []string
	for i := 0; i < n; i++ {
		clients = append(clients, redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			MaxRetries:  -1,
			DialTimeout: 200 * time.Millisecond,
		}))
		addrs = append(addrs, "127.0.0.1:1")
	}
	return clients, addrs
}

func TestRedLockReportsUnreachableNodes(t *testing.T) {
	for _, n := range []int{1, 3} {
		clients, addrs := deadClients(n)
		r := newRedLock(clients, addrs, zap.NewNop())
		ctx := context.Background()

		ok, err := r.TryAcquire(ctx, "kiosk:voter-session:v1", "kiosk-1/a", time.Minute)
		if ok || !errors.Is(err, ErrUnavailable) {
			t.Fatalf("%d nodes: acquire expected ErrUnavailable, got ok=%v err=%v", n, ok, err)
		}
		ok, err = r.Refresh(ctx, "kiosk:voter-session:v1", "kiosk-1/a", time.Minute)
		if ok || !errors.Is(err, ErrUnavailable) {
			t.Fatalf("%d nodes: refresh expected ErrUnavailable, got ok=%v err=%v", n, ok, err)
		}
		if _, _, err := r.Holder(ctx, "kiosk:voter-session:v1"); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("%d nodes: holder expected ErrUnavailable, got %v", n, err)
		}
		r.Close()
	}
}

func TestRedLockUnreachableThreshold(t *testing.T) {
	cases := []struct {
		nodes, failures int
		want            bool
	}{
		{1, 0, false},
		{1, 1, true},
		{3, 1, false},
		{3, 2, true},
		{5, 2, false},
		{5, 3, true},
	}
	for _, c := range cases {
		r := &RedLock{clients: make([]*redis.Client, c.nodes)}
		if got := r.unreachable(c.failures); got != c.want {
			t.Fatalf("nodes=%d failures=%d: got %v, want %v", c.nodes, c.failures, got, c.want)
		}
	}
}
