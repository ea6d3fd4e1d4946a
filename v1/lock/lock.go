package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	fserrors "github.com/mirkobrombin/go-flashsale/v1/errors"
	"github.com/mirkobrombin/go-flashsale/v1/metrics"
)

// ErrInvalidTTL is returned when a lock is requested without an expiry.
var ErrInvalidTTL = stdErrors.New("lock: ttl must be positive")

// Locker acquires and releases token-owned leases on named resources.
type Locker interface {
	// TryAcquire makes a single non-blocking attempt to take the lock.
	TryAcquire(ctx context.Context, resource, token string, ttl time.Duration) (bool, error)
	// Release frees the lock if token still owns it. Releasing a lock that
	// is not held, expired or owned by someone else is a no-op.
	Release(ctx context.Context, resource, token string) error
	// Refresh extends the expiry if token still owns the lock.
	Refresh(ctx context.Context, resource, token string, ttl time.Duration) (bool, error)
}

// NewToken returns a holder token unique to this acquisition.
func NewToken() string {
	return fmt.Sprintf("%s-%d", uuid.NewString(), os.Getpid())
}

// Do runs fn while holding the lock on resource. It returns
// errors.ErrLockContended without running fn when the lock is held elsewhere.
func Do(ctx context.Context, l Locker, resource string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token := NewToken()
	ok, err := l.TryAcquire(ctx, resource, token, ttl)
	if err != nil {
		return err
	}
	if !ok {
		metrics.LockCounter.WithLabelValues("contended").Inc()
		return fmt.Errorf("%s: %w", resource, fserrors.ErrLockContended)
	}
	metrics.LockCounter.WithLabelValues("acquired").Inc()
	defer func() {
		// The caller's context may already be done; the release must still go out.
		_ = l.Release(context.WithoutCancel(ctx), resource, token)
	}()
	return fn(ctx)
}
