package fulfillment

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hashicorp/go-uuid"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mirkobrombin/go-flashsale/v1/coord"
	"github.com/mirkobrombin/go-flashsale/v1/domain"
	fserrors "github.com/mirkobrombin/go-flashsale/v1/errors"
	"github.com/mirkobrombin/go-flashsale/v1/lock"
	"github.com/mirkobrombin/go-flashsale/v1/metrics"
)

// Store persists admitted orders.
type Store interface {
	// WithTx runs fn in a transaction carried by the returned context.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	// InsertOrderIfAbsent inserts o unless an order for the same voucher
	// and participant exists. It reports whether a row was created.
	InsertOrderIfAbsent(ctx context.Context, o domain.Order) (bool, error)
	// DecrementCatalogStock takes one unit off the catalog stock of a
	// voucher. It returns errors.ErrOutOfStock when none is left.
	DecrementCatalogStock(ctx context.Context, voucherID int64) error
}

// Queue is the order fulfillment queue.
type Queue struct {
	store  *coord.Store
	locker lock.Locker
	orders Store

	stream    string
	group     string
	consumer  string
	batch     int64
	block     time.Duration
	idle      time.Duration
	claimIdle time.Duration
	lockTTL   time.Duration
	retry     *rate.Limiter
	log       *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithStream sets the stream and consumer group names.
func WithStream(stream, group string) Option {
	return func(q *Queue) {
		q.stream = stream
		q.group = group
	}
}

// WithConsumer sets this worker's consumer name. It must be unique among the
// live consumers of the group.
func WithConsumer(name string) Option {
	return func(q *Queue) {
		q.consumer = name
	}
}

// WithBatchSize sets how many records are read per call.
func WithBatchSize(n int64) Option {
	return func(q *Queue) {
		q.batch = n
	}
}

// WithBlock sets how long a drain read waits for new records. Non-positive
// values keep the default; anything below a millisecond is raised to one,
// since the server reads a zero block as no bound at all.
func WithBlock(d time.Duration) Option {
	return func(q *Queue) {
		if d <= 0 {
			return
		}
		q.block = max(d, time.Millisecond)
	}
}

// WithIdleInterval sets how long the sweep sleeps once the backlog is empty.
func WithIdleInterval(d time.Duration) Option {
	return func(q *Queue) {
		q.idle = d
	}
}

// WithClaimIdle sets how long another consumer's record must stay pending
// before it is claimed.
func WithClaimIdle(d time.Duration) Option {
	return func(q *Queue) {
		q.claimIdle = d
	}
}

// WithLockTTL sets the expiry of the per-participant persistence lock.
func WithLockTTL(d time.Duration) Option {
	return func(q *Queue) {
		q.lockTTL = d
	}
}

// WithRetryRate throttles consecutive failed sweep passes.
func WithRetryRate(r rate.Limit, burst int) Option {
	return func(q *Queue) {
		q.retry = rate.NewLimiter(r, burst)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		q.log = l
	}
}

// New returns a Queue reading from the coordination store and persisting
// into orders. The locker guards persistence per participant.
func New(store *coord.Store, locker lock.Locker, orders Store, opts ...Option) *Queue {
	q := &Queue{
		store:     store,
		locker:    locker,
		orders:    orders,
		stream:    coord.DefaultOrderStream,
		group:     coord.DefaultOrderGroup,
		batch:     16,
		block:     2 * time.Second,
		idle:      time.Second,
		claimIdle: 30 * time.Second,
		lockTTL:   10 * time.Second,
		retry:     rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.consumer == "" {
		q.consumer = defaultConsumer()
	}
	return q
}

func defaultConsumer() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return host + "-" + id[:8]
}

// Consumer returns this worker's consumer name.
func (q *Queue) Consumer() string { return q.consumer }

// Setup creates the stream and the consumer group if they do not exist.
func (q *Queue) Setup(ctx context.Context) error {
	if err := q.store.EnsureGroup(ctx, q.stream, q.group, "0"); err != nil {
		return fmt.Errorf("fulfillment setup: %w", err)
	}
	return nil
}

// Enqueue appends an admitted order to the stream.
func (q *Queue) Enqueue(ctx context.Context, o domain.Order) error {
	if _, err := q.store.XAdd(ctx, q.stream, o.Fields()); err != nil {
		return fmt.Errorf("enqueue order %d: %w", o.ID, err)
	}
	return nil
}

// Pending returns the number of unacknowledged records and publishes it as
// the backlog gauge.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	n, err := q.store.PendingCount(ctx, q.stream, q.group)
	if err != nil {
		return 0, err
	}
	metrics.FulfillmentBacklog.Set(float64(n))
	return n, nil
}

// Run drains new records and sweeps the backlog until ctx is done. It
// returns nil on cancellation.
func (q *Queue) Run(ctx context.Context) error {
	if err := q.Setup(ctx); err != nil {
		return err
	}
	q.log.Info("flashsale: fulfillment started", "stream", q.stream, "group", q.group, "consumer", q.consumer)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.drain(ctx) })
	g.Go(func() error { return q.sweep(ctx) })
	err := g.Wait()
	q.log.Info("flashsale: fulfillment stopped", "consumer", q.consumer)
	return err
}

func (q *Queue) drain(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := q.readBatch(ctx, ">", q.block); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.log.Warn("flashsale: fulfillment read failed", "err", err)
			if !sleep(ctx, q.idle) {
				return nil
			}
		}
	}
}

// sweep walks this consumer's pending records from the beginning and
// retries them. Once the backlog is empty it claims stale records of other
// consumers and rests.
func (q *Queue) sweep(ctx context.Context) error {
	cursor := "0"
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := q.sweepOnce(ctx, cursor)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case err != nil:
			q.log.Warn("flashsale: fulfillment sweep failed", "err", err)
			cursor = "0"
			if q.retry.Wait(ctx) != nil {
				return nil
			}
		case res.last == "":
			cursor = "0"
			if _, err := q.Pending(ctx); err != nil && ctx.Err() == nil {
				q.log.Warn("flashsale: fulfillment backlog probe failed", "err", err)
			}
			if !sleep(ctx, q.idle) {
				return nil
			}
		default:
			cursor = res.last
			if res.failed > 0 && q.retry.Wait(ctx) != nil {
				return nil
			}
		}
	}
}

type sweepResult struct {
	last   string
	failed int
}

// sweepOnce handles one batch of this consumer's pending records after
// cursor. When no pending record is left it claims stale records of other
// consumers instead.
func (q *Queue) sweepOnce(ctx context.Context, cursor string) (sweepResult, error) {
	res, err := q.readBatch(ctx, cursor, -1)
	if err != nil {
		return sweepResult{}, err
	}
	if res.last == "" {
		return sweepResult{}, q.claimStale(ctx)
	}
	return res, nil
}

// readBatch reads up to one batch after cursor and handles every record.
// A negative block does not wait.
func (q *Queue) readBatch(ctx context.Context, cursor string, block time.Duration) (sweepResult, error) {
	msgs, err := q.store.ReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, cursor},
		Count:    q.batch,
		Block:    block,
	})
	if err != nil || len(msgs) == 0 {
		return sweepResult{}, err
	}
	var res sweepResult
	for _, m := range msgs {
		if q.handle(ctx, m) != nil {
			res.failed++
		}
	}
	res.last = msgs[len(msgs)-1].ID
	return res, nil
}

func (q *Queue) claimStale(ctx context.Context) error {
	pending, err := q.store.Pending(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Idle:   q.claimIdle,
		Start:  "-",
		End:    "+",
		Count:  q.batch,
	})
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Consumer != q.consumer {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	msgs, err := q.store.Claim(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.claimIdle,
		Messages: ids,
	})
	if err != nil {
		return err
	}
	q.log.Info("flashsale: claimed stale fulfillment records", "count", len(msgs), "consumer", q.consumer)
	for _, m := range msgs {
		_ = q.handle(ctx, m)
	}
	return nil
}

// handle processes one record and acknowledges it unless it must be
// retried. A non-nil error means the record stays pending.
func (q *Queue) handle(ctx context.Context, m redis.XMessage) error {
	order, err := domain.OrderFromFields(m.Values)
	if err != nil {
		metrics.FulfillmentCounter.WithLabelValues("malformed").Inc()
		q.log.Error("flashsale: dropping malformed order record", "record", m.ID, "err", err)
		return q.ack(ctx, m.ID)
	}

	err = lock.Do(ctx, q.locker, fmt.Sprintf("order:%d", order.ParticipantID), q.lockTTL, func(ctx context.Context) error {
		return q.persist(ctx, order)
	})
	switch {
	case err == nil:
		metrics.FulfillmentCounter.WithLabelValues("persisted").Inc()
	case stdErrors.Is(err, fserrors.ErrPersistenceConflict):
		metrics.FulfillmentCounter.WithLabelValues("duplicate").Inc()
		q.log.Debug("flashsale: order already persisted", "order", order.ID, "voucher", order.VoucherID, "participant", order.ParticipantID)
	case stdErrors.Is(err, fserrors.ErrLockContended):
		metrics.FulfillmentCounter.WithLabelValues("contended").Inc()
		return err
	default:
		metrics.FulfillmentCounter.WithLabelValues("error").Inc()
		q.log.Warn("flashsale: order persistence failed", "order", order.ID, "record", m.ID, "err", err)
		return err
	}
	return q.ack(ctx, m.ID)
}

func (q *Queue) persist(ctx context.Context, o domain.Order) error {
	return q.orders.WithTx(ctx, func(ctx context.Context) error {
		created, err := q.orders.InsertOrderIfAbsent(ctx, o)
		if err != nil {
			return err
		}
		if !created {
			return fserrors.ErrPersistenceConflict
		}
		err = q.orders.DecrementCatalogStock(ctx, o.VoucherID)
		if stdErrors.Is(err, fserrors.ErrOutOfStock) || stdErrors.Is(err, fserrors.ErrVoucherNotFound) {
			// Admission already granted the unit; the catalog mirror is behind.
			q.log.Warn("flashsale: catalog stock not decremented for admitted order", "order", o.ID, "voucher", o.VoucherID, "err", err)
			return nil
		}
		return err
	})
}

func (q *Queue) ack(ctx context.Context, id string) error {
	if err := q.store.Ack(ctx, q.stream, q.group, id); err != nil {
		q.log.Warn("flashsale: fulfillment ack failed", "record", id, "err", err)
		return err
	}
	return nil
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
