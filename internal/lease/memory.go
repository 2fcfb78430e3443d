package lease

import (
	"context"
	"sync"
	"time"
)

type memLease struct {
	token   string
	expires time.Time
}

// MemoryLocker is a single-process Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	items map[string]memLease
	now   func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{items: map[string]memLease{}, now: time.Now}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if it, ok := l.items[key]; ok && now.Before(it.expires) {
		return "", false, nil
	}
	token := newToken()
	l.items[key] = memLease{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (l *MemoryLocker) Renew(ctx context.Context, key, token string, ttl time.Duration) error {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	it, ok := l.items[key]
	if !ok || it.token != token || !now.Before(it.expires) {
		return ErrNotHeld
	}
	it.expires = now.Add(ttl)
	l.items[key] = it
	return nil
}

func (l *MemoryLocker) Release(ctx context.Context, key, token string) error {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.items[key]
	if !ok || it.token != token {
		return ErrNotHeld
	}
	delete(l.items, key)
	return nil
}
