// Package catalog looks up vouchers for the admission path through a
// process-local tier, the shared cache-aside store and finally the
// authoritative store.
package catalog

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mirkobrombin/go-flashsale/v1/adapter"
	"github.com/mirkobrombin/go-flashsale/v1/cache"
	"github.com/mirkobrombin/go-flashsale/v1/domain"
	fserrors "github.com/mirkobrombin/go-flashsale/v1/errors"
)

// Catalog resolves vouchers by id.
type Catalog interface {
	// Voucher returns the voucher with id or errors.ErrVoucherNotFound.
	Voucher(ctx context.Context, id int64) (domain.Voucher, error)
}

// Tiered implements Catalog over three tiers.
type Tiered struct {
	local    cache.Cache[domain.Voucher]
	localTTL time.Duration
	shared   *cache.Aside[domain.Voucher]
	source   adapter.Store[domain.Voucher]
	log      *slog.Logger
}

// Option configures a Tiered catalog.
type Option func(*Tiered)

// WithLocal enables a process-local tier holding vouchers for ttl.
func WithLocal(c cache.Cache[domain.Voucher], ttl time.Duration) Option {
	return func(t *Tiered) {
		t.local = c
		t.localTTL = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tiered) {
		t.log = l
	}
}

// New returns a catalog reading through shared and falling back to source
// when the coordination store is unavailable.
func New(source adapter.Store[domain.Voucher], shared *cache.Aside[domain.Voucher], opts ...Option) *Tiered {
	t := &Tiered{source: source, shared: shared, log: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Voucher implements Catalog.
func (t *Tiered) Voucher(ctx context.Context, id int64) (domain.Voucher, error) {
	key := strconv.FormatInt(id, 10)
	if t.local != nil {
		if v, ok, err := t.local.Get(ctx, key); err == nil && ok {
			return v, nil
		}
	}

	v, ok, err := t.shared.Get(ctx, key)
	if stdErrors.Is(err, fserrors.ErrCoordinationUnavailable) {
		t.log.Warn("flashsale: voucher cache unavailable, reading source", "voucher", id, "err", err)
		v, ok, err = t.source.Get(ctx, key)
	}
	if err != nil {
		return domain.Voucher{}, fmt.Errorf("voucher %d: %w", id, err)
	}
	if !ok {
		return domain.Voucher{}, fmt.Errorf("voucher %d: %w", id, fserrors.ErrVoucherNotFound)
	}
	if t.local != nil {
		_ = t.local.Set(ctx, key, v, t.localTTL)
	}
	return v, nil
}

// Publish stores v in the authoritative store and drops every cached copy.
func (t *Tiered) Publish(ctx context.Context, v domain.Voucher) error {
	err := t.shared.Update(ctx, v.Key(), func(ctx context.Context) error {
		return t.source.Set(ctx, v.Key(), v)
	})
	if err != nil {
		return fmt.Errorf("publish voucher %d: %w", v.ID, err)
	}
	if t.local != nil {
		_ = t.local.Invalidate(ctx, v.Key())
	}
	return nil
}
