package lock

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLock 单进程内的锁实现，用于单机部署和测试
type MemoryLock struct {
	mu    sync.Mutex
	now   func() time.Time
	locks map[string]memEntry
}

// NewMemoryLock now为nil时使用time.Now
func NewMemoryLock(now func() time.Time) *MemoryLock {
	if now == nil {
		now = time.Now
	}
	return &MemoryLock{
		now:   now,
		locks: make(map[string]memEntry),
	}
}

// live 返回未过期的锁记录，调用方需持有mu
func (m *MemoryLock) live(name string) (memEntry, bool) {
	e, ok := m.locks[name]
	if !ok {
		return memEntry{}, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.locks, name)
		return memEntry{}, false
	}
	return e, true
}

func (m *MemoryLock) TryAcquire(_ context.Context, name, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.live(name); held {
		return false, nil
	}
	m.locks[name] = memEntry{token: token, expiresAt: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryLock) Refresh(_ context.Context, name, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, held := m.live(name)
	if !held || e.token != token {
		return false, nil
	}
	e.expiresAt = m.now().Add(ttl)
	m.locks[name] = e
	return true, nil
}

func (m *MemoryLock) Release(_ context.Context, name, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, held := m.live(name); held && e.token == token {
		delete(m.locks, name)
	}
	return nil
}

func (m *MemoryLock) Holder(_ context.Context, name string) (string, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, held := m.live(name)
	if !held {
		return "", 0, nil
	}
	return e.token, e.expiresAt.Sub(m.now()), nil
}

func (m *MemoryLock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks = make(map[string]memEntry)
	return nil
}
