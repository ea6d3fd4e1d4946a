package lock

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-flashsale/v1/coord"
)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// Redis implements Locker on top of the coordination store.
type Redis struct {
	store *coord.Store
}

// NewRedis returns a new Redis locker using the provided store.
func NewRedis(store *coord.Store) *Redis {
	return &Redis{store: store}
}

// TryAcquire attempts to obtain the lock without waiting.
func (r *Redis) TryAcquire(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	return r.store.SetNX(ctx, coord.LockKey(resource), token, ttl)
}

// Release frees the lock for resource if token owns it.
func (r *Redis) Release(ctx context.Context, resource, token string) error {
	_, err := r.store.Eval(ctx, delScript, []string{coord.LockKey(resource)}, token)
	return err
}

// Refresh pushes the expiry of an owned lock to ttl from now.
func (r *Redis) Refresh(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	res, err := r.store.Eval(ctx, refreshScript, []string{coord.LockKey(resource)}, token, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}
