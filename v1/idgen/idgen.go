// Package idgen issues 64-bit identifiers that are unique across processes
// sharing a coordination store and roughly ordered by issue time.
//
// An id is the number of seconds elapsed since Epoch shifted left by 32 bits,
// OR-ed with a per-category daily sequence kept in the coordination store.
package idgen

import (
	"context"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-flashsale/v1/clock"
	"github.com/mirkobrombin/go-flashsale/v1/coord"
	fserrors "github.com/mirkobrombin/go-flashsale/v1/errors"
	"github.com/mirkobrombin/go-flashsale/v1/metrics"
)

const (
	// Epoch is 2022-01-01T00:00:00Z.
	Epoch int64 = 1640995200

	sequenceBits = 32
	maxSequence  = 1<<sequenceBits - 1

	// counterTTL keeps yesterday's counter around long enough for late
	// writers near midnight.
	counterTTL = 48 * time.Hour
)

// Generator issues ids for named categories.
type Generator struct {
	store *coord.Store
	clock clock.Clock
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option {
	return func(g *Generator) {
		g.clock = c
	}
}

// New returns a Generator backed by store.
func New(store *coord.Store, opts ...Option) *Generator {
	g := &Generator{store: store, clock: clock.NewSystem()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Next returns a fresh id for category.
func (g *Generator) Next(ctx context.Context, category string) (uint64, error) {
	now := g.clock.Now().UTC()
	seq, err := g.store.IncrWithExpiry(ctx, coord.CounterKey(category, now), counterTTL)
	if err != nil {
		return 0, fmt.Errorf("idgen %s: %w", category, err)
	}
	if seq > maxSequence {
		return 0, fmt.Errorf("idgen %s: %w", category, fserrors.ErrSequenceExhausted)
	}
	metrics.IDCounter.WithLabelValues(category).Inc()
	return Compose(now, seq), nil
}

// Compose builds an id from a timestamp and a sequence value.
func Compose(t time.Time, seq int64) uint64 {
	return uint64(t.Unix()-Epoch)<<sequenceBits | uint64(seq)
}

// Timestamp extracts the second an id was issued at.
func Timestamp(id uint64) time.Time {
	return time.Unix(int64(id>>sequenceBits)+Epoch, 0).UTC()
}

// Sequence extracts the daily sequence value of an id.
func Sequence(id uint64) uint32 {
	return uint32(id & maxSequence)
}
