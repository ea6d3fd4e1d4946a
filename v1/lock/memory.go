package lock

import (
	"context"
	"sync"
	"time"

	"github.com/mirkobrombin/go-flashsale/v1/clock"
)

type lockState struct {
	token   string
	expires time.Time
}

// InMemory implements Locker using local memory. It only coordinates
// goroutines of a single process.
type InMemory struct {
	mu    sync.Mutex
	clock clock.Clock
	locks map[string]lockState
}

// NewInMemory returns a new in-memory locker. A nil clock uses the system
// clock.
func NewInMemory(c clock.Clock) *InMemory {
	if c == nil {
		c = clock.NewSystem()
	}
	return &InMemory{clock: c, locks: make(map[string]lockState)}
}

// held returns the live lock on resource. Expired locks are dropped.
func (l *InMemory) held(resource string) (lockState, bool) {
	st, ok := l.locks[resource]
	if !ok {
		return lockState{}, false
	}
	if !l.clock.Now().Before(st.expires) {
		delete(l.locks, resource)
		return lockState{}, false
	}
	return st, true
}

// TryAcquire attempts to obtain the lock without waiting.
func (l *InMemory) TryAcquire(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held(resource); ok {
		return false, nil
	}
	l.locks[resource] = lockState{token: token, expires: l.clock.Now().Add(ttl)}
	return true, nil
}

// Release frees the lock for resource if token owns it.
func (l *InMemory) Release(ctx context.Context, resource, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.held(resource); ok && st.token == token {
		delete(l.locks, resource)
	}
	return nil
}

// Refresh pushes the expiry of an owned lock to ttl from now.
func (l *InMemory) Refresh(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.held(resource)
	if !ok || st.token != token {
		return false, nil
	}
	st.expires = l.clock.Now().Add(ttl)
	l.locks[resource] = st
	return true, nil
}
