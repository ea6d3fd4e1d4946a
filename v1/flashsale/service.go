// Package flashsale ties the admission gate, the fulfillment queue and the
// cache-aside catalog into the operations a flash-sale front end calls.
package flashsale

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mirkobrombin/go-flashsale/v1/adapter"
	"github.com/mirkobrombin/go-flashsale/v1/admission"
	"github.com/mirkobrombin/go-flashsale/v1/cache"
	"github.com/mirkobrombin/go-flashsale/v1/clock"
	"github.com/mirkobrombin/go-flashsale/v1/domain"
	fserrors "github.com/mirkobrombin/go-flashsale/v1/errors"
	"github.com/mirkobrombin/go-flashsale/v1/fulfillment"
	"github.com/mirkobrombin/go-flashsale/v1/metrics"
)

// OrderStatus reports how far an admitted order has progressed.
type OrderStatus string

const (
	// StatusPending means the order is admitted but not yet persisted.
	StatusPending OrderStatus = "pending"
	// StatusPersisted means the order is in durable storage.
	StatusPersisted OrderStatus = "persisted"
)

// VoucherCatalog resolves and publishes vouchers.
type VoucherCatalog interface {
	Voucher(ctx context.Context, id int64) (domain.Voucher, error)
	Publish(ctx context.Context, v domain.Voucher) error
}

// OrderFinder looks up persisted orders.
type OrderFinder interface {
	FindOrder(ctx context.Context, id uint64) (domain.Order, bool, error)
}

// Components are the collaborators of a Service.
type Components struct {
	Gate      *admission.Gate
	Queue     *fulfillment.Queue
	Vouchers  VoucherCatalog
	Shops     *cache.Aside[domain.Shop]
	ShopStore adapter.Store[domain.Shop]
	Orders    OrderFinder
	// ShopTypes caches the full shop type list under a single id. Optional.
	ShopTypes *cache.Aside[[]domain.ShopType]
	// ShopVouchers caches the vouchers of each shop, keyed by shop id.
	// Optional.
	ShopVouchers *cache.Aside[[]domain.Voucher]
}

// ShopTypesID is the cache id of the shop type list.
const ShopTypesID = "all"

// ErrNotConfigured is returned by list reads whose cache was not wired.
var ErrNotConfigured = stdErrors.New("flashsale: list cache not configured")

// Service is the flash-sale entry point.
type Service struct {
	gate      *admission.Gate
	queue     *fulfillment.Queue
	vouchers  VoucherCatalog
	shops     *cache.Aside[domain.Shop]
	shopStore adapter.Store[domain.Shop]
	orders    OrderFinder
	types     *cache.Aside[[]domain.ShopType]
	shopVouch *cache.Aside[[]domain.Voucher]
	clock     clock.Clock
	log       *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the clock used to check sale windows.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.log = l
	}
}

// New returns a Service over c.
func New(c Components, opts ...Option) *Service {
	s := &Service{
		gate:      c.Gate,
		queue:     c.Queue,
		vouchers:  c.Vouchers,
		shops:     c.Shops,
		shopStore: c.ShopStore,
		orders:    c.Orders,
		types:     c.ShopTypes,
		shopVouch: c.ShopVouchers,
		clock:     clock.NewSystem(),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestAdmission checks the sale window of voucherID and, if it is open,
// asks the gate to admit participantID. It returns the new order id.
func (s *Service) RequestAdmission(ctx context.Context, voucherID, participantID int64) (uint64, error) {
	v, err := s.vouchers.Voucher(ctx, voucherID)
	if err != nil {
		if stdErrors.Is(err, fserrors.ErrVoucherNotFound) {
			metrics.AdmissionCounter.WithLabelValues("rejected").Inc()
		}
		return 0, err
	}
	// The window is read from the catalog before the atomic decision, so a
	// request racing the window edge may still be admitted.
	if err := v.CheckWindow(s.clock.Now()); err != nil {
		metrics.AdmissionCounter.WithLabelValues("rejected").Inc()
		return 0, err
	}

	order, err := s.gate.Admit(ctx, voucherID, participantID)
	if err != nil {
		return 0, err
	}
	if !s.gate.Enqueues() {
		if err := s.queue.Enqueue(ctx, order); err != nil {
			s.log.Error("flashsale: admitted order not enqueued",
				"order", order.ID, "voucher", order.VoucherID, "participant", order.ParticipantID, "err", err)
			return 0, err
		}
	}
	return order.ID, nil
}

// ReadShop returns the shop with id through the cache-aside store.
func (s *Service) ReadShop(ctx context.Context, id int64) (domain.Shop, error) {
	sh, ok, err := s.shops.Get(ctx, strconv.FormatInt(id, 10))
	if err != nil {
		return domain.Shop{}, err
	}
	if !ok {
		return domain.Shop{}, fmt.Errorf("shop %d: %w", id, fserrors.ErrNotFound)
	}
	return sh, nil
}

// ShopTypes returns every shop type in display order. An empty catalog
// yields an empty list.
func (s *Service) ShopTypes(ctx context.Context) ([]domain.ShopType, error) {
	if s.types == nil {
		return nil, ErrNotConfigured
	}
	types, _, err := s.types.Get(ctx, ShopTypesID)
	return types, err
}

// VouchersOfShop returns the vouchers offered by shopID. A shop without
// vouchers yields an empty list.
func (s *Service) VouchersOfShop(ctx context.Context, shopID int64) ([]domain.Voucher, error) {
	if s.shopVouch == nil {
		return nil, ErrNotConfigured
	}
	vouchers, _, err := s.shopVouch.Get(ctx, strconv.FormatInt(shopID, 10))
	return vouchers, err
}

// UpdateShop writes sh to the authoritative store, then drops its cached
// copy.
func (s *Service) UpdateShop(ctx context.Context, sh domain.Shop) error {
	if sh.ID == 0 {
		return stdErrors.New("update shop: id is required")
	}
	return s.shops.Update(ctx, sh.Key(), func(ctx context.Context) error {
		return s.shopStore.Set(ctx, sh.Key(), sh)
	})
}

// PublishVoucher stores v in the catalog and seeds its admission stock.
// Publishing again resets the sale.
func (s *Service) PublishVoucher(ctx context.Context, v domain.Voucher) error {
	if v.ID == 0 {
		return stdErrors.New("publish voucher: id is required")
	}
	if v.Stock < 0 {
		return fmt.Errorf("publish voucher %d: negative stock", v.ID)
	}
	if !v.BeginTime.Before(v.EndTime) {
		return fmt.Errorf("publish voucher %d: sale window ends before it begins", v.ID)
	}
	if err := s.vouchers.Publish(ctx, v); err != nil {
		return err
	}
	if err := s.gate.Prepare(ctx, v.ID, v.Stock); err != nil {
		return err
	}
	if s.shopVouch != nil {
		if err := s.shopVouch.Invalidate(ctx, strconv.FormatInt(v.ShopID, 10)); err != nil {
			return err
		}
	}
	s.log.Info("flashsale: voucher published", "voucher", v.ID, "stock", v.Stock, "begin", v.BeginTime, "end", v.EndTime)
	return nil
}

// OrderStatus reports whether orderID has been persisted. Ids that were never
// issued also report StatusPending.
func (s *Service) OrderStatus(ctx context.Context, orderID uint64) (OrderStatus, error) {
	_, ok, err := s.orders.FindOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	if ok {
		return StatusPersisted, nil
	}
	return StatusPending, nil
}
