package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotHeld 当前实例未持有该锁
	ErrNotHeld = errors.New("lock not held")
	// ErrUnavailable 可用节点不足，无法判断锁的归属
	ErrUnavailable = errors.New("lock store unavailable")
)

// Lock 分布式锁/租约接口
//
// 每把锁以name为键，以token标识持有者。只有持有相同token的调用方才能
// 续约或释放，因此同一把锁可以跨进程被识别、抢占和回收。
type Lock interface {
	// TryAcquire 原子地获取锁，锁已被持有时返回false
	TryAcquire(ctx context.Context, name, token string, ttl time.Duration) (bool, error)

	// Refresh 仅当锁仍由token持有时把过期时间重置为ttl
	Refresh(ctx context.Context, name, token string, ttl time.Duration) (bool, error)

	// Release 释放token持有的锁，锁已过期或被他人持有时不做任何事
	Release(ctx context.Context, name, token string) error

	// Holder 返回当前持有者token及剩余有效期，无人持有时token为空
	Holder(ctx context.Context, name string) (string, time.Duration, error)

	// Close 关闭锁客户端
	Close() error
}
