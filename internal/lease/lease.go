// Package lease provides short-lived exclusive locks keyed by string. A lease
// is identified by a random token so only its holder can renew or release it.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotHeld is returned by Renew and Release when the caller's token no
// longer owns the key, typically because the lease expired.
var ErrNotHeld = errors.New("lease not held")

type Locker interface {
	// Acquire returns ok=false without error when another holder owns key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Renew(ctx context.Context, key, token string, ttl time.Duration) error
	Release(ctx context.Context, key, token string) error
}

// Held is an acquired lease.
type Held struct {
	locker Locker
	Key    string
	Token  string
	TTL    time.Duration
}

// Try acquires key, returning nil when it is held elsewhere.
func Try(ctx context.Context, l Locker, key string, ttl time.Duration) (*Held, error) {
	token, ok, err := l.Acquire(ctx, key, ttl)
	if err != nil || !ok {
		return nil, err
	}
	return &Held{locker: l, Key: key, Token: token, TTL: ttl}, nil
}

func (h *Held) Renew(ctx context.Context) error {
	if h == nil {
		return ErrNotHeld
	}
	return h.locker.Renew(ctx, h.Key, h.Token, h.TTL)
}

func (h *Held) Release(ctx context.Context) error {
	if h == nil {
		return nil
	}
	return h.locker.Release(ctx, h.Key, h.Token)
}

func newToken() string {
	return uuid.NewString()
}
