package coord_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/mirkobrombin/go-flashsale/v1/coord"
	fserrors "github.com/mirkobrombin/go-flashsale/v1/errors"
)

// newStore returns a coordination store backed by miniredis.
func newStore(t *testing.T, opts ...coord.Option) (*coord.Store, *miniredis.Miniredis, context.Context) {
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
	return coord.New(client, opts...), mr, context.Background()
}

func TestGetMissIsNotAnError(t *testing.T) {
	s, _, ctx := newStore(t)
	v, ok, err := s.Get(ctx, "absent")
	if err != nil || ok || v != "" {
		t.Fatalf("expected clean miss, got %q ok %v err %v", v, ok, err)
	}
	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, err := s.Get(ctx, "k"); err != nil || !ok || v != "v" {
		t.Fatalf("Get: expected v, got %q ok %v err %v", v, ok, err)
	}
}

func TestSetNXAndTTL(t *testing.T) {
	s, mr, ctx := newStore(t)
	ok, err := s.SetNX(ctx, "k", "a", time.Second)
	if err != nil || !ok {
		t.Fatalf("first SetNX: ok %v err %v", ok, err)
	}
	if ok, err := s.SetNX(ctx, "k", "b", time.Second); err != nil || ok {
		t.Fatalf("second SetNX should fail, ok %v err %v", ok, err)
	}
	mr.FastForward(2 * time.Second)
	if ok, err := s.SetNX(ctx, "k", "b", time.Second); err != nil || !ok {
		t.Fatalf("SetNX after expiry: ok %v err %v", ok, err)
	}
}

func TestIncrWithExpiry(t *testing.T) {
	s, mr, ctx := newStore(t)
	for i := int64(1); i <= 3; i++ {
		n, err := s.IncrWithExpiry(ctx, "ctr", time.Hour)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if n != i {
			t.Fatalf("expected %d, got %d", i, n)
		}
	}
	if ttl := mr.TTL("ctr"); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("unexpected ttl %v", ttl)
	}
}

func TestEvalScript(t *testing.T) {
	s, _, ctx := newStore(t)
	script := redis.NewScript(`return redis.call("INCRBY", KEYS[1], ARGV[1])`)
	res, err := s.Eval(ctx, script, []string{"n"}, 5)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if n, ok := res.(int64); !ok || n != 5 {
		t.Fatalf("expected 5, got %v", res)
	}
}

func TestStreamGroupLifecycle(t *testing.T) {
	s, _, ctx := newStore(t)
	const stream, group = "stream.test", "g"
	if err := s.EnsureGroup(ctx, stream, group, "0"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	if err := s.EnsureGroup(ctx, stream, group, "0"); err != nil {
		t.Fatalf("EnsureGroup twice: %v", err)
	}
	if _, err := s.XAdd(ctx, stream, map[string]any{"id": "1"}); err != nil {
		t.Fatalf("XAdd: %v", err)
	}

	msgs, err := s.ReadGroup(ctx, &redis.XReadGroupArgs{Group: group, Consumer: "c1", Streams: []string{stream, ">"}, Count: 10, Block: -1})
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Values["id"] != "1" {
		t.Fatalf("unexpected messages %v", msgs)
	}
	if n, err := s.PendingCount(ctx, stream, group); err != nil || n != 1 {
		t.Fatalf("PendingCount: expected 1, got %d err %v", n, err)
	}

	empty, err := s.ReadGroup(ctx, &redis.XReadGroupArgs{Group: group, Consumer: "c1", Streams: []string{stream, ">"}, Count: 10, Block: -1})
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected no new messages, got %v err %v", empty, err)
	}

	if err := s.Ack(ctx, stream, group, msgs[0].ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if n, err := s.PendingCount(ctx, stream, group); err != nil || n != 0 {
		t.Fatalf("PendingCount after ack: expected 0, got %d err %v", n, err)
	}
}

func TestUnavailableWhenServerDown(t *testing.T) {
	s, mr, ctx := newStore(t)
	mr.Close()
	_, _, err := s.Get(ctx, "k")
	if !errors.Is(err, fserrors.ErrCoordinationUnavailable) {
		t.Fatalf("expected ErrCoordinationUnavailable, got %v", err)
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	s, mr, ctx := newStore(t, coord.WithBreakerSettings(gobreaker.Settings{
		Timeout: time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 2
		},
	}))
	mr.Close()
	for i := 0; i < 2; i++ {
		_, _, _ = s.Get(ctx, "k")
	}
	_, _, err := s.Get(ctx, "k")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if !errors.Is(err, fserrors.ErrCoordinationUnavailable) {
		t.Fatalf("open breaker should map to ErrCoordinationUnavailable, got %v", err)
	}
}

func TestCallerDeadlineIsNotAnOutage(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, ContextTimeoutEnabled: true})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	s := coord.New(client, coord.WithBreakerSettings(gobreaker.Settings{
		Timeout: time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 1
		},
	}))
	ctx := context.Background()
	const stream, group = "stream.test", "g"
	if err := s.EnsureGroup(ctx, stream, group, "0"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = s.ReadGroup(short, &redis.XReadGroupArgs{Group: group, Consumer: "c1", Streams: []string{stream, ">"}, Count: 1, Block: 2 * time.Second})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("read outlived the caller deadline: %v", elapsed)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if errors.Is(err, fserrors.ErrCoordinationUnavailable) {
		t.Fatalf("caller deadline reported as an outage: %v", err)
	}

	if _, _, err := s.Get(short, "k"); !errors.Is(err, context.DeadlineExceeded) || errors.Is(err, fserrors.ErrCoordinationUnavailable) {
		t.Fatalf("expired context: expected plain deadline error, got %v", err)
	}
	if _, _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("breaker must stay closed after caller deadlines, got %v", err)
	}
}

func TestMissesDoNotTripBreaker(t *testing.T) {
	s, _, ctx := newStore(t, coord.WithBreakerSettings(gobreaker.Settings{
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 1
		},
	}))
	for i := 0; i < 5; i++ {
		if _, _, err := s.Get(ctx, "absent"); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
}

func TestCounterKeyRotatesDaily(t *testing.T) {
	d1 := time.Date(2024, 3, 9, 23, 59, 0, 0, time.UTC)
	d2 := d1.Add(2 * time.Minute)
	if got := coord.CounterKey("order", d1); got != "icr:order:2024:03:09" {
		t.Fatalf("unexpected key %q", got)
	}
	if coord.CounterKey("order", d1) == coord.CounterKey("order", d2) {
		t.Fatal("expected different keys across midnight")
	}
}
