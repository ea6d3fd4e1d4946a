package cache

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/go-flashsale/v1/clock"
	"github.com/mirkobrombin/go-flashsale/v1/coord"
	fserrors "github.com/mirkobrombin/go-flashsale/v1/errors"
	"github.com/mirkobrombin/go-flashsale/v1/lock"
	"github.com/mirkobrombin/go-flashsale/v1/metrics"
)

// Strategy selects how expired entries are rebuilt.
type Strategy int

const (
	// StrategyMutex stores entries with a physical TTL and rebuilds a
	// missing entry under a per-key lock.
	StrategyMutex Strategy = iota
	// StrategyLogical stores entries without a TTL and serves stale values
	// while one reader refreshes them in the background.
	StrategyLogical
)

func (s Strategy) String() string {
	switch s {
	case StrategyMutex:
		return "mutex"
	case StrategyLogical:
		return "logical"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// nullValue marks an id the source does not know.
const nullValue = ""

// Loader reads an entity from the authoritative source. The boolean is false
// when the entity does not exist.
type Loader[T any] func(ctx context.Context, id string) (T, bool, error)

// ListLoader adapts a list query to a Loader. An empty list counts as
// absent, so it is remembered under the null marker like a missing id.
func ListLoader[T any](list func(ctx context.Context, id string) ([]T, error)) Loader[[]T] {
	return func(ctx context.Context, id string) ([]T, bool, error) {
		l, err := list(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return l, len(l) > 0, nil
	}
}

// logicalEntry wraps a value with its logical expiry.
type logicalEntry[T any] struct {
	Data     T         `json:"data"`
	ExpireAt time.Time `json:"expireAt"`
}

type loaded[T any] struct {
	value T
	found bool
}

// Aside is a cache-aside store for one entity type.
type Aside[T any] struct {
	entity string
	store  *coord.Store
	locker lock.Locker
	load   Loader[T]

	strategy     Strategy
	codec        Codec
	clock        clock.Clock
	ttl          time.Duration
	nullTTL      time.Duration
	logicalTTL   time.Duration
	lockTTL      time.Duration
	retryDelay   time.Duration
	attempts     int
	workers      int
	queue        int
	log          *slog.Logger
	traceEnabled bool

	sf   singleflight.Group
	pool *rebuildPool
}

// Option configures an Aside.
type Option[T any] func(*Aside[T])

// WithStrategy selects the rebuild strategy.
func WithStrategy[T any](s Strategy) Option[T] {
	return func(a *Aside[T]) {
		a.strategy = s
	}
}

// WithTTL sets the physical TTL of entries under the mutex strategy.
func WithTTL[T any](d time.Duration) Option[T] {
	return func(a *Aside[T]) {
		a.ttl = d
	}
}

// WithNullTTL sets how long an absent id is remembered.
func WithNullTTL[T any](d time.Duration) Option[T] {
	return func(a *Aside[T]) {
		a.nullTTL = d
	}
}

// WithLogicalTTL sets how long an entry stays fresh under the logical
// strategy.
func WithLogicalTTL[T any](d time.Duration) Option[T] {
	return func(a *Aside[T]) {
		a.logicalTTL = d
	}
}

// WithLockTTL sets the expiry of the rebuild lock.
func WithLockTTL[T any](d time.Duration) Option[T] {
	return func(a *Aside[T]) {
		a.lockTTL = d
	}
}

// WithRetry bounds how many times a reader waits for another rebuild before
// giving up with errors.ErrRetriesExhausted.
func WithRetry[T any](attempts int, delay time.Duration) Option[T] {
	return func(a *Aside[T]) {
		a.attempts = attempts
		a.retryDelay = delay
	}
}

// WithCodec sets the codec used to store values.
func WithCodec[T any](c Codec) Option[T] {
	return func(a *Aside[T]) {
		a.codec = c
	}
}

// WithClock replaces the system clock used for logical expiry.
func WithClock[T any](c clock.Clock) Option[T] {
	return func(a *Aside[T]) {
		a.clock = c
	}
}

// WithRebuildWorkers sizes the background rebuild pool of the logical
// strategy.
func WithRebuildWorkers[T any](workers, queue int) Option[T] {
	return func(a *Aside[T]) {
		a.workers = workers
		a.queue = queue
	}
}

// WithLogger sets the logger.
func WithLogger[T any](l *slog.Logger) Option[T] {
	return func(a *Aside[T]) {
		a.log = l
	}
}

// WithTracing enables OpenTelemetry spans around reads.
func WithTracing[T any]() Option[T] {
	return func(a *Aside[T]) {
		a.traceEnabled = true
	}
}

// NewAside returns a cache-aside store for entity, filled from load.
func NewAside[T any](entity string, store *coord.Store, locker lock.Locker, load Loader[T], opts ...Option[T]) *Aside[T] {
	a := &Aside[T]{
		entity:     entity,
		store:      store,
		locker:     locker,
		load:       load,
		strategy:   StrategyMutex,
		codec:      JSONCodec{},
		clock:      clock.NewSystem(),
		ttl:        30 * time.Minute,
		nullTTL:    2 * time.Minute,
		logicalTTL: 20 * time.Second,
		lockTTL:    10 * time.Second,
		retryDelay: 50 * time.Millisecond,
		attempts:   20,
		workers:    4,
		queue:      64,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.strategy == StrategyLogical {
		a.pool = newRebuildPool(a.workers, a.queue)
	}
	return a
}

// Close stops the background rebuild pool and waits for running rebuilds.
func (a *Aside[T]) Close() {
	if a.pool != nil {
		a.pool.close()
	}
}

func (a *Aside[T]) key(id string) string { return coord.CacheKey(a.entity, id) }

func (a *Aside[T]) lockResource(id string) string { return "cache:" + a.entity + ":" + id }

// Get returns the entity with id. The boolean is false when the source does
// not know the id.
func (a *Aside[T]) Get(ctx context.Context, id string) (T, bool, error) {
	var span trace.Span
	if a.traceEnabled {
		ctx, span = tracer.Start(ctx, "Aside.Get", trace.WithAttributes(
			attribute.String("flashsale.cache.entity", a.entity),
			attribute.String("flashsale.cache.strategy", a.strategy.String()),
		))
		defer span.End()
	}
	v, ok, result, err := a.get(ctx, id)
	metrics.CacheCounter.WithLabelValues(a.entity, result).Inc()
	if span != nil {
		span.SetAttributes(attribute.String("flashsale.cache.result", result))
	}
	return v, ok, err
}

func (a *Aside[T]) get(ctx context.Context, id string) (T, bool, string, error) {
	var zero T
	raw, ok, err := a.store.Get(ctx, a.key(id))
	if err != nil {
		return zero, false, "error", err
	}
	if !ok {
		v, found, err := a.rebuild(ctx, id)
		if stdErrors.Is(err, fserrors.ErrRetriesExhausted) {
			return zero, false, "exhausted", err
		}
		return v, found, "miss", err
	}
	if raw == nullValue {
		return zero, false, "null", nil
	}

	if a.strategy == StrategyMutex {
		var v T
		if err := a.codec.Unmarshal([]byte(raw), &v); err != nil {
			return zero, false, "error", fmt.Errorf("decode %s %s: %w", a.entity, id, err)
		}
		return v, true, "hit", nil
	}

	var entry logicalEntry[T]
	if err := a.codec.Unmarshal([]byte(raw), &entry); err != nil {
		return zero, false, "error", fmt.Errorf("decode %s %s: %w", a.entity, id, err)
	}
	if a.clock.Now().Before(entry.ExpireAt) {
		return entry.Data, true, "hit", nil
	}
	a.refreshAsync(ctx, id)
	return entry.Data, true, "stale", nil
}

// rebuild fills a missing entry. Concurrent callers in this process share
// one rebuild; across processes the rebuild lock lets a single caller reach
// the source while the rest wait and re-read. The shared rebuild is detached
// from any single caller and bounded by rebuildTimeout; each caller stops
// waiting when its own ctx is done.
func (a *Aside[T]) rebuild(ctx context.Context, id string) (T, bool, error) {
	var zero T
	ch := a.sf.DoChan(id, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.rebuildTimeout())
		defer cancel()
		return a.rebuildLocked(rctx, id)
	})
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, false, res.Err
		}
		l := res.Val.(loaded[T])
		return l.value, l.found, nil
	}
}

// rebuildTimeout covers every lock attempt plus one load under the lock.
func (a *Aside[T]) rebuildTimeout() time.Duration {
	return a.lockTTL + time.Duration(a.attempts)*a.retryDelay
}

func (a *Aside[T]) rebuildLocked(ctx context.Context, id string) (loaded[T], error) {
	resource := a.lockResource(id)
	for attempt := 0; attempt < a.attempts; attempt++ {
		token := lock.NewToken()
		ok, err := a.locker.TryAcquire(ctx, resource, token, a.lockTTL)
		if err != nil {
			return loaded[T]{}, err
		}
		if ok {
			return a.fill(ctx, id, token)
		}
		if !sleep(ctx, a.retryDelay) {
			return loaded[T]{}, ctx.Err()
		}
		l, hit, err := a.peek(ctx, id)
		if err != nil {
			return loaded[T]{}, err
		}
		if hit {
			return l, nil
		}
	}
	return loaded[T]{}, fmt.Errorf("rebuild %s %s: %w", a.entity, id, fserrors.ErrRetriesExhausted)
}

// fill loads id from the source and writes it back. The caller holds the
// rebuild lock under token; fill releases it.
func (a *Aside[T]) fill(ctx context.Context, id, token string) (loaded[T], error) {
	defer func() {
		if err := a.locker.Release(context.WithoutCancel(ctx), a.lockResource(id), token); err != nil {
			a.log.Warn("flashsale: cache rebuild lock release failed", "entity", a.entity, "id", id, "err", err)
		}
	}()
	// Another holder may have finished between our miss and the lock.
	if l, hit, err := a.peek(ctx, id); err != nil || hit {
		return l, err
	}
	v, found, err := a.load(ctx, id)
	if err != nil {
		return loaded[T]{}, fmt.Errorf("load %s %s: %w", a.entity, id, err)
	}
	if err := a.write(ctx, id, v, found); err != nil {
		return loaded[T]{}, err
	}
	return loaded[T]{value: v, found: found}, nil
}

// peek re-reads the entry without rebuilding. Under the logical strategy a
// stale entry still counts as a hit.
func (a *Aside[T]) peek(ctx context.Context, id string) (loaded[T], bool, error) {
	raw, ok, err := a.store.Get(ctx, a.key(id))
	if err != nil || !ok {
		return loaded[T]{}, false, err
	}
	if raw == nullValue {
		return loaded[T]{}, true, nil
	}
	if a.strategy == StrategyMutex {
		var v T
		if err := a.codec.Unmarshal([]byte(raw), &v); err != nil {
			return loaded[T]{}, false, fmt.Errorf("decode %s %s: %w", a.entity, id, err)
		}
		return loaded[T]{value: v, found: true}, true, nil
	}
	var entry logicalEntry[T]
	if err := a.codec.Unmarshal([]byte(raw), &entry); err != nil {
		return loaded[T]{}, false, fmt.Errorf("decode %s %s: %w", a.entity, id, err)
	}
	return loaded[T]{value: entry.Data, found: true}, true, nil
}

func (a *Aside[T]) write(ctx context.Context, id string, v T, found bool) error {
	if !found {
		if err := a.store.Set(ctx, a.key(id), nullValue, a.nullTTL); err != nil {
			return fmt.Errorf("store null %s %s: %w", a.entity, id, err)
		}
		return nil
	}
	var (
		data []byte
		ttl  time.Duration
		err  error
	)
	if a.strategy == StrategyLogical {
		data, err = a.codec.Marshal(logicalEntry[T]{Data: v, ExpireAt: a.clock.Now().Add(a.logicalTTL)})
	} else {
		data, err = a.codec.Marshal(v)
		ttl = a.ttl
	}
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", a.entity, id, err)
	}
	if err := a.store.Set(ctx, a.key(id), data, ttl); err != nil {
		return fmt.Errorf("store %s %s: %w", a.entity, id, err)
	}
	return nil
}

// refreshAsync starts a background refresh of a logically stale entry if no
// other refresh holds the lock.
func (a *Aside[T]) refreshAsync(ctx context.Context, id string) {
	resource := a.lockResource(id)
	token := lock.NewToken()
	ok, err := a.locker.TryAcquire(ctx, resource, token, a.lockTTL)
	if err != nil {
		a.log.Warn("flashsale: cache refresh lock failed", "entity", a.entity, "id", id, "err", err)
		return
	}
	if !ok {
		return
	}
	submitted := a.pool.submit(func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.lockTTL)
		defer cancel()
		if err := a.refresh(rctx, id, token); err != nil {
			a.log.Warn("flashsale: cache refresh failed", "entity", a.entity, "id", id, "err", err)
			return
		}
		metrics.CacheCounter.WithLabelValues(a.entity, "rebuild").Inc()
	})
	if !submitted {
		_ = a.locker.Release(context.WithoutCancel(ctx), resource, token)
		a.log.Debug("flashsale: cache refresh pool saturated", "entity", a.entity, "id", id)
	}
}

func (a *Aside[T]) refresh(ctx context.Context, id, token string) error {
	defer func() {
		_ = a.locker.Release(context.WithoutCancel(ctx), a.lockResource(id), token)
	}()
	raw, ok, err := a.store.Get(ctx, a.key(id))
	if err != nil {
		return err
	}
	if ok && raw != nullValue {
		var entry logicalEntry[T]
		if err := a.codec.Unmarshal([]byte(raw), &entry); err == nil && a.clock.Now().Before(entry.ExpireAt) {
			return nil
		}
	}
	v, found, err := a.load(ctx, id)
	if err != nil {
		return fmt.Errorf("load %s %s: %w", a.entity, id, err)
	}
	return a.write(ctx, id, v, found)
}

// Cached returns the stored entry of id without consulting the source.
// cached is false when nothing is stored; found is false for a remembered
// absence.
func (a *Aside[T]) Cached(ctx context.Context, id string) (v T, found, cached bool, err error) {
	l, hit, err := a.peek(ctx, id)
	if err != nil || !hit {
		return v, false, false, err
	}
	return l.value, l.found, true, nil
}

// Invalidate drops the entry of id.
func (a *Aside[T]) Invalidate(ctx context.Context, id string) error {
	if _, err := a.store.Del(ctx, a.key(id)); err != nil {
		return fmt.Errorf("invalidate %s %s: %w", a.entity, id, err)
	}
	return nil
}

// Update runs write against the source and then drops the cached entry, so
// the next read observes the new value.
func (a *Aside[T]) Update(ctx context.Context, id string, write func(ctx context.Context) error) error {
	if err := write(ctx); err != nil {
		return err
	}
	return a.Invalidate(ctx, id)
}

// Warm loads id from the source and stores it. It returns errors.ErrNotFound
// when the source does not know the id.
func (a *Aside[T]) Warm(ctx context.Context, id string) error {
	v, found, err := a.load(ctx, id)
	if err != nil {
		return fmt.Errorf("load %s %s: %w", a.entity, id, err)
	}
	if !found {
		return fmt.Errorf("warm %s %s: %w", a.entity, id, fserrors.ErrNotFound)
	}
	return a.write(ctx, id, v, true)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
