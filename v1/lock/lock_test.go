package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-flashsale/v1/clock"
	"github.com/mirkobrombin/go-flashsale/v1/coord"
	fserrors "github.com/mirkobrombin/go-flashsale/v1/errors"
)

// lockerCase pairs a Locker with a way to move its notion of time forward.
type lockerCase struct {
	name    string
	locker  Locker
	advance func(time.Duration)
}

func newRedisLocker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedis(coord.New(client)), mr
}

func lockers(t *testing.T) []lockerCase {
	t.Helper()
	r, mr := newRedisLocker(t)
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return []lockerCase{
		{name: "redis", locker: r, advance: mr.FastForward},
		{name: "memory", locker: NewInMemory(clk), advance: clk.Advance},
	}
}

func TestTryAcquireRelease(t *testing.T) {
	for _, tc := range lockers(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			ok, err := tc.locker.TryAcquire(ctx, "k", "a", time.Second)
			if err != nil || !ok {
				t.Fatalf("acquire: %v ok %v", err, ok)
			}
			if ok, err := tc.locker.TryAcquire(ctx, "k", "b", time.Second); err != nil || ok {
				t.Fatalf("expected lock held, got ok %v err %v", ok, err)
			}
			if err := tc.locker.Release(ctx, "k", "a"); err != nil {
				t.Fatalf("release: %v", err)
			}
			if ok, err := tc.locker.TryAcquire(ctx, "k", "b", time.Second); err != nil || !ok {
				t.Fatalf("expected lock re-acquired, ok %v err %v", ok, err)
			}
		})
	}
}

func TestReleaseWithForeignTokenIsNoop(t *testing.T) {
	for _, tc := range lockers(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			if ok, _ := tc.locker.TryAcquire(ctx, "k", "owner", time.Second); !ok {
				t.Fatal("acquire failed")
			}
			if err := tc.locker.Release(ctx, "k", "intruder"); err != nil {
				t.Fatalf("release: %v", err)
			}
			if ok, _ := tc.locker.TryAcquire(ctx, "k", "other", time.Second); ok {
				t.Fatal("foreign release must not free the lock")
			}
		})
	}
}

func TestExpiredHolderCannotReleaseSuccessor(t *testing.T) {
	for _, tc := range lockers(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			if ok, _ := tc.locker.TryAcquire(ctx, "k", "first", 100*time.Millisecond); !ok {
				t.Fatal("first acquire failed")
			}
			tc.advance(200 * time.Millisecond)
			if ok, err := tc.locker.TryAcquire(ctx, "k", "second", time.Second); err != nil || !ok {
				t.Fatalf("lock should have expired, ok %v err %v", ok, err)
			}
			if err := tc.locker.Release(ctx, "k", "first"); err != nil {
				t.Fatalf("stale release: %v", err)
			}
			if ok, _ := tc.locker.TryAcquire(ctx, "k", "third", time.Second); ok {
				t.Fatal("stale holder released the successor's lock")
			}
		})
	}
}

func TestRefresh(t *testing.T) {
	for _, tc := range lockers(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			if ok, _ := tc.locker.TryAcquire(ctx, "k", "a", time.Second); !ok {
				t.Fatal("acquire failed")
			}
			if ok, err := tc.locker.Refresh(ctx, "k", "b", 5*time.Second); err != nil || ok {
				t.Fatalf("refresh with foreign token: ok %v err %v", ok, err)
			}
			if ok, err := tc.locker.Refresh(ctx, "k", "a", 5*time.Second); err != nil || !ok {
				t.Fatalf("refresh: ok %v err %v", ok, err)
			}
			tc.advance(2 * time.Second)
			if ok, _ := tc.locker.TryAcquire(ctx, "k", "b", time.Second); ok {
				t.Fatal("refreshed lock expired too early")
			}
		})
	}
}

func TestZeroTTLRejected(t *testing.T) {
	for _, tc := range lockers(t) {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.locker.TryAcquire(context.Background(), "k", "a", 0); !errors.Is(err, ErrInvalidTTL) {
				t.Fatalf("expected ErrInvalidTTL, got %v", err)
			}
		})
	}
}

func TestDoMutualExclusion(t *testing.T) {
	for _, tc := range lockers(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			var (
				inside    int32
				ran       int32
				contended int32
				wg        sync.WaitGroup
			)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := Do(ctx, tc.locker, "order:1", time.Minute, func(context.Context) error {
						if atomic.AddInt32(&inside, 1) != 1 {
							t.Error("two holders inside the critical section")
						}
						time.Sleep(5 * time.Millisecond)
						atomic.AddInt32(&inside, -1)
						atomic.AddInt32(&ran, 1)
						return nil
					})
					if errors.Is(err, fserrors.ErrLockContended) {
						atomic.AddInt32(&contended, 1)
					} else if err != nil {
						t.Errorf("Do: %v", err)
					}
				}()
			}
			wg.Wait()
			if ran == 0 || ran+contended != 16 {
				t.Fatalf("unexpected outcome ran %d contended %d", ran, contended)
			}
		})
	}
}

func TestDoReleasesAfterError(t *testing.T) {
	for _, tc := range lockers(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			boom := errors.New("boom")
			if err := Do(ctx, tc.locker, "r", time.Minute, func(context.Context) error { return boom }); !errors.Is(err, boom) {
				t.Fatalf("expected boom, got %v", err)
			}
			if ok, _ := tc.locker.TryAcquire(ctx, "r", "next", time.Second); !ok {
				t.Fatal("lock not released after fn error")
			}
		})
	}
}

func TestNewTokenUnique(t *testing.T) {
	if NewToken() == NewToken() {
		t.Fatal("expected distinct tokens")
	}
}
