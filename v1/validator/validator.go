// Package validator periodically compares cached entries with the
// authoritative store and reports or repairs drift.
package validator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-flashsale/v1/cache"
)

// Mode defines validator behaviour.
type Mode int

const (
	ModeNoop Mode = iota
	ModeAlert
	ModeAutoHeal
)

// Source is the authoritative side of the comparison.
type Source[T any] interface {
	Get(ctx context.Context, key string) (T, bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// Validator periodically compares cache and storage values.
type Validator[T any] struct {
	cache      *cache.Aside[T]
	source     Source[T]
	mode       Mode
	interval   time.Duration
	log        *slog.Logger
	mismatches uint64
}

// New creates a new Validator. A nil logger uses slog.Default.
func New[T any](c *cache.Aside[T], s Source[T], mode Mode, interval time.Duration, log *slog.Logger) *Validator[T] {
	if log == nil {
		log = slog.Default()
	}
	return &Validator[T]{cache: c, source: s, mode: mode, interval: interval, log: log}
}

// Run starts the validation loop and returns when ctx is done.
func (v *Validator[T]) Run(ctx context.Context) {
	if v.mode == ModeNoop || v.source == nil {
		return
	}
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := v.Scan(ctx); err != nil && ctx.Err() == nil {
				v.log.Warn("flashsale: validator scan failed", "err", err)
			}
		}
	}
}

// Scan compares every key once. Keys without a cached entry are skipped.
func (v *Validator[T]) Scan(ctx context.Context) error {
	keys, err := v.source.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		cv, cfound, cached, err := v.cache.Cached(ctx, k)
		if err != nil {
			return err
		}
		if !cached {
			continue
		}
		sv, sfound, err := v.source.Get(ctx, k)
		if err != nil {
			return err
		}
		if cfound == sfound && (!sfound || digest(cv) == digest(sv)) {
			continue
		}
		atomic.AddUint64(&v.mismatches, 1)
		v.log.Warn("flashsale: cached entry differs from store", "key", k, "heal", v.mode == ModeAutoHeal)
		if v.mode == ModeAutoHeal {
			if err := v.cache.Invalidate(ctx, k); err != nil {
				return err
			}
		}
	}
	return nil
}

// Metrics returns number of mismatches detected.
func (v *Validator[T]) Metrics() uint64 {
	return atomic.LoadUint64(&v.mismatches)
}

func digest(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
