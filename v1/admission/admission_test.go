package admission_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-flashsale/v1/admission"
	"github.com/mirkobrombin/go-flashsale/v1/clock"
	"github.com/mirkobrombin/go-flashsale/v1/coord"
	"github.com/mirkobrombin/go-flashsale/v1/domain"
	fserrors "github.com/mirkobrombin/go-flashsale/v1/errors"
	"github.com/mirkobrombin/go-flashsale/v1/idgen"
)

type fixture struct {
	mr     *miniredis.Miniredis
	client *redis.Client
	store  *coord.Store
	ids    *idgen.Generator
}

func newFixture(t *testing.T) *fixture {
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
	store := coord.New(client)
	return &fixture{mr: mr, client: client, store: store, ids: idgen.New(store)}
}

func TestAdmitSingleUnit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := admission.New(f.store, f.ids)
	if err := g.Prepare(ctx, 7, 1); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	order, err := g.Admit(ctx, 7, 1001)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if order.ID == 0 || order.VoucherID != 7 || order.ParticipantID != 1001 {
		t.Fatalf("unexpected order %+v", order)
	}
	if _, err := g.Admit(ctx, 7, 1002); !errors.Is(err, fserrors.ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}
	if n, err := g.Remaining(ctx, 7); err != nil || n != 0 {
		t.Fatalf("Remaining: expected 0, got %d err %v", n, err)
	}
}

func TestAdmitOncePerParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := admission.New(f.store, f.ids)
	if err := g.Prepare(ctx, 7, 5); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := g.Admit(ctx, 7, 1001); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if _, err := g.Admit(ctx, 7, 1001); !errors.Is(err, fserrors.ErrAlreadyOrdered) {
		t.Fatalf("expected ErrAlreadyOrdered, got %v", err)
	}
	if n, _ := g.Remaining(ctx, 7); n != 4 {
		t.Fatalf("rejection must not touch stock, remaining %d", n)
	}
}

func TestAdmitOncePerParticipantConcurrently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := admission.New(f.store, f.ids)
	const stock, attempts = 10, 50
	if err := g.Prepare(ctx, 7, stock); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	var (
		admitted  atomic.Int32
		duplicate atomic.Int32
		wg        sync.WaitGroup
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Admit(ctx, 7, 42)
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, fserrors.ErrAlreadyOrdered):
				duplicate.Add(1)
			default:
				t.Errorf("Admit: %v", err)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != 1 || duplicate.Load() != attempts-1 {
		t.Fatalf("expected 1 admission and %d duplicates, got %d and %d", attempts-1, admitted.Load(), duplicate.Load())
	}
	if n, _ := g.Remaining(ctx, 7); n != stock-1 {
		t.Fatalf("expected remaining %d, got %d", stock-1, n)
	}
	if members, _ := f.client.SCard(ctx, coord.OrderSetKey(7)).Result(); members != 1 {
		t.Fatalf("expected one admitted participant, got %d", members)
	}
}

func TestAdmitUnpreparedVoucherIsOutOfStock(t *testing.T) {
	f := newFixture(t)
	g := admission.New(f.store, f.ids)
	if _, err := g.Admit(context.Background(), 99, 1); !errors.Is(err, fserrors.ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}
}

func TestAdmitNeverOversells(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := admission.New(f.store, f.ids)
	const stock, participants = 10, 200
	if err := g.Prepare(ctx, 7, stock); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	var (
		admitted atomic.Int32
		rejected atomic.Int32
		wg       sync.WaitGroup
	)
	for p := 1; p <= participants; p++ {
		wg.Add(1)
		go func(p int64) {
			defer wg.Done()
			_, err := g.Admit(ctx, 7, p)
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, fserrors.ErrOutOfStock):
				rejected.Add(1)
			default:
				t.Errorf("Admit(%d): %v", p, err)
			}
		}(int64(p))
	}
	wg.Wait()

	if admitted.Load() != stock {
		t.Fatalf("expected %d admissions, got %d", stock, admitted.Load())
	}
	if rejected.Load() != participants-stock {
		t.Fatalf("expected %d rejections, got %d", participants-stock, rejected.Load())
	}
	if n, _ := g.Remaining(ctx, 7); n != 0 {
		t.Fatalf("expected remaining 0, got %d", n)
	}
	if members, _ := f.client.SCard(ctx, coord.OrderSetKey(7)).Result(); members != stock {
		t.Fatalf("expected %d admitted participants, got %d", stock, members)
	}
}

func TestAdmitAppendsToStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	g := admission.New(f.store, f.ids,
		admission.WithFulfillmentStream(coord.DefaultOrderStream),
		admission.WithClock(clock.NewManual(now)),
	)
	if !g.Enqueues() {
		t.Fatal("gate with stream should enqueue")
	}
	if err := g.Prepare(ctx, 7, 2); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	order, err := g.Admit(ctx, 7, 1001)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if _, err := g.Admit(ctx, 7, 1001); !errors.Is(err, fserrors.ErrAlreadyOrdered) {
		t.Fatalf("expected ErrAlreadyOrdered, got %v", err)
	}

	msgs, err := f.client.XRange(ctx, coord.DefaultOrderStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(msgs))
	}
	got, err := domain.OrderFromFields(msgs[0].Values)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != order {
		t.Fatalf("stream record %+v does not match order %+v", got, order)
	}
}

func TestPrepareResetsParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := admission.New(f.store, f.ids)
	_ = g.Prepare(ctx, 7, 1)
	if _, err := g.Admit(ctx, 7, 1001); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := g.Prepare(ctx, 7, 1); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := g.Admit(ctx, 7, 1001); err != nil {
		t.Fatalf("Admit after re-prepare: %v", err)
	}
	if err := g.Prepare(ctx, 7, -1); err == nil {
		t.Fatal("expected error for negative stock")
	}
}

func TestAdmitUnavailable(t *testing.T) {
	f := newFixture(t)
	g := admission.New(f.store, f.ids)
	f.mr.Close()
	if _, err := g.Admit(context.Background(), 7, 1); !errors.Is(err, fserrors.ErrCoordinationUnavailable) {
		t.Fatalf("expected ErrCoordinationUnavailable, got %v", err)
	}
}
