package validator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-flashsale/v1/adapter"
	"github.com/mirkobrombin/go-flashsale/v1/cache"
	"github.com/mirkobrombin/go-flashsale/v1/coord"
	"github.com/mirkobrombin/go-flashsale/v1/domain"
	"github.com/mirkobrombin/go-flashsale/v1/lock"
)

func newShopCache(t *testing.T, src *adapter.InMemoryStore[domain.Shop]) *cache.Aside[domain.Shop] {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := coord.New(client)
	a := cache.NewAside[domain.Shop]("shop", store, lock.NewRedis(store), src.Get)
	t.Cleanup(func() {
		a.Close()
		_ = client.Close()
		mr.Close()
	})
	return a
}

func TestValidatorAutoHeal(t *testing.T) {
	ctx := context.Background()
	src := adapter.NewInMemoryStore[domain.Shop]()
	_ = src.Set(ctx, "1", domain.Shop{ID: 1, Name: "v0"})
	_ = src.Set(ctx, "2", domain.Shop{ID: 2, Name: "same"})
	c := newShopCache(t, src)
	if _, _, err := c.Get(ctx, "1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, _, err := c.Get(ctx, "2"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Write behind the cache's back.
	_ = src.Set(ctx, "1", domain.Shop{ID: 1, Name: "v1"})

	v := New[domain.Shop](c, src, ModeAutoHeal, time.Millisecond, nil)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go v.Run(runCtx)
	time.Sleep(20 * time.Millisecond)

	if _, _, cached, _ := c.Cached(ctx, "1"); cached {
		t.Fatalf("expected drifted entry to be invalidated")
	}
	if _, _, cached, _ := c.Cached(ctx, "2"); !cached {
		t.Fatalf("expected matching entry to stay cached")
	}
	if m := v.Metrics(); m == 0 {
		t.Fatalf("expected mismatch metrics > 0")
	}
	if got, _, _ := c.Get(ctx, "1"); got.Name != "v1" {
		t.Fatalf("expected healed read to return v1, got %q", got.Name)
	}
}

func TestValidatorAlertKeepsEntry(t *testing.T) {
	ctx := context.Background()
	src := adapter.NewInMemoryStore[domain.Shop]()
	_ = src.Set(ctx, "1", domain.Shop{ID: 1, Name: "v0"})
	c := newShopCache(t, src)
	_, _, _ = c.Get(ctx, "1")
	_ = src.Set(ctx, "1", domain.Shop{ID: 1, Name: "v1"})

	v := New[domain.Shop](c, src, ModeAlert, time.Hour, nil)
	if err := v.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if v.Metrics() != 1 {
		t.Fatalf("expected 1 mismatch, got %d", v.Metrics())
	}
	if got, found, cached, _ := c.Cached(ctx, "1"); !cached || !found || got.Name != "v0" {
		t.Fatalf("alert mode must not touch the cache, got %+v cached=%v", got, cached)
	}
}

func TestValidatorRemembersAbsenceMismatch(t *testing.T) {
	ctx := context.Background()
	src := adapter.NewInMemoryStore[domain.Shop]()
	c := newShopCache(t, src)
	if _, found, _ := c.Get(ctx, "9"); found {
		t.Fatalf("expected miss")
	}
	_ = src.Set(ctx, "9", domain.Shop{ID: 9, Name: "late"})

	v := New[domain.Shop](c, src, ModeAutoHeal, time.Hour, nil)
	if err := v.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got, found, _ := c.Get(ctx, "9"); !found || got.Name != "late" {
		t.Fatalf("expected remembered absence to be healed, got %+v found=%v", got, found)
	}
}
