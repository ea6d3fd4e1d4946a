// Package admission decides, atomically in the coordination store, whether a
// participant may claim one unit of a flash-sale voucher.
//
// The decision reads the stock counter, checks the participant against the
// set of already admitted participants, then decrements the stock and
// records the participant, all inside a single server-side script. No other
// command can observe an intermediate state, so stock never goes negative
// and a participant is admitted at most once per voucher no matter how many
// gate instances run.
package admission

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-flashsale/v1/clock"
	"github.com/mirkobrombin/go-flashsale/v1/coord"
	"github.com/mirkobrombin/go-flashsale/v1/domain"
	fserrors "github.com/mirkobrombin/go-flashsale/v1/errors"
	"github.com/mirkobrombin/go-flashsale/v1/idgen"
	"github.com/mirkobrombin/go-flashsale/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-flashsale/v1/admission")

// IDCategory is the id generator category used for orders.
const IDCategory = "order"

// Script results.
const (
	resultAdmitted       = 0
	resultOutOfStock     = 1
	resultAlreadyOrdered = 2
)

// admitScript runs the whole admission decision. KEYS[3], when present, is
// the fulfillment stream the admitted order is appended to.
var admitScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
    return 1
end
local stock = tonumber(raw)
if stock == nil or stock <= 0 then
    return 1
end
if redis.call("SISMEMBER", KEYS[2], ARGV[1]) == 1 then
    return 2
end
redis.call("INCRBY", KEYS[1], -1)
redis.call("SADD", KEYS[2], ARGV[1])
if KEYS[3] then
    redis.call("XADD", KEYS[3], "*", "id", ARGV[2], "voucherId", ARGV[3], "userId", ARGV[1], "createdAt", ARGV[4])
end
return 0
`)

// Gate is the admission gate.
type Gate struct {
	store        *coord.Store
	ids          *idgen.Generator
	clock        clock.Clock
	stream       string
	traceEnabled bool
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces the system clock used to stamp orders.
func WithClock(c clock.Clock) Option {
	return func(g *Gate) {
		g.clock = c
	}
}

// WithFulfillmentStream makes the admission script append every admitted
// order to stream in the same atomic step. Without it the caller is
// responsible for enqueueing the returned order.
func WithFulfillmentStream(stream string) Option {
	return func(g *Gate) {
		g.stream = stream
	}
}

// WithTracing enables OpenTelemetry spans around admissions.
func WithTracing() Option {
	return func(g *Gate) {
		g.traceEnabled = true
	}
}

// New returns a Gate on store, issuing order ids from ids.
func New(store *coord.Store, ids *idgen.Generator, opts ...Option) *Gate {
	g := &Gate{store: store, ids: ids, clock: clock.NewSystem()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Enqueues reports whether admitted orders are appended to the fulfillment
// stream by the gate itself.
func (g *Gate) Enqueues() bool { return g.stream != "" }

// Admit tries to claim one unit of voucherID for participantID. On success
// the returned order carries a fresh id. Rejections are reported as
// errors.ErrOutOfStock or errors.ErrAlreadyOrdered and leave the store
// untouched.
func (g *Gate) Admit(ctx context.Context, voucherID, participantID int64) (order domain.Order, err error) {
	var span trace.Span
	if g.traceEnabled {
		ctx, span = tracer.Start(ctx, "Gate.Admit", trace.WithAttributes(
			attribute.Int64("flashsale.voucher_id", voucherID),
			attribute.Int64("flashsale.participant_id", participantID),
		))
		defer func() {
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}
	defer func() {
		metrics.AdmissionCounter.WithLabelValues(outcome(err)).Inc()
	}()

	id, err := g.ids.Next(ctx, IDCategory)
	if err != nil {
		return domain.Order{}, err
	}
	order = domain.Order{
		ID:            id,
		VoucherID:     voucherID,
		ParticipantID: participantID,
		CreatedAt:     g.clock.Now().UTC().Truncate(time.Millisecond),
	}

	keys := []string{coord.StockKey(voucherID), coord.OrderSetKey(voucherID)}
	if g.stream != "" {
		keys = append(keys, g.stream)
	}
	res, err := g.store.Eval(ctx, admitScript, keys,
		strconv.FormatInt(participantID, 10),
		strconv.FormatUint(id, 10),
		strconv.FormatInt(voucherID, 10),
		strconv.FormatInt(order.CreatedAt.UnixMilli(), 10),
	)
	if err != nil {
		return domain.Order{}, fmt.Errorf("admit voucher %d: %w", voucherID, err)
	}
	code, ok := res.(int64)
	if !ok {
		return domain.Order{}, fmt.Errorf("admit voucher %d: unexpected script result %v", voucherID, res)
	}
	switch code {
	case resultAdmitted:
		if span != nil {
			span.SetAttributes(attribute.String("flashsale.order_id", strconv.FormatUint(id, 10)))
		}
		return order, nil
	case resultOutOfStock:
		return domain.Order{}, fserrors.ErrOutOfStock
	case resultAlreadyOrdered:
		return domain.Order{}, fserrors.ErrAlreadyOrdered
	default:
		return domain.Order{}, fmt.Errorf("admit voucher %d: unexpected script result %d", voucherID, code)
	}
}

// Prepare seeds the stock counter of voucherID and clears its participant
// set. It is meant to run once, when the voucher is published.
func (g *Gate) Prepare(ctx context.Context, voucherID int64, stock int) error {
	if stock < 0 {
		return fmt.Errorf("prepare voucher %d: negative stock %d", voucherID, stock)
	}
	if _, err := g.store.Del(ctx, coord.OrderSetKey(voucherID)); err != nil {
		return fmt.Errorf("prepare voucher %d: %w", voucherID, err)
	}
	if err := g.store.Set(ctx, coord.StockKey(voucherID), stock, 0); err != nil {
		return fmt.Errorf("prepare voucher %d: %w", voucherID, err)
	}
	return nil
}

// Remaining returns the current admission stock of voucherID. A voucher that
// was never prepared reports zero.
func (g *Gate) Remaining(ctx context.Context, voucherID int64) (int64, error) {
	raw, ok, err := g.store.Get(ctx, coord.StockKey(voucherID))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stock of voucher %d: %w", voucherID, err)
	}
	return n, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "admitted"
	case stdErrors.Is(err, fserrors.ErrOutOfStock):
		return "out_of_stock"
	case stdErrors.Is(err, fserrors.ErrAlreadyOrdered):
		return "already_ordered"
	default:
		return "error"
	}
}
