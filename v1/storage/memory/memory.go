// Package memory provides an in-process order store with the same
// semantics as the Postgres one. It is intended for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/mirkobrombin/go-flashsale/v1/domain"
	fserrors "github.com/mirkobrombin/go-flashsale/v1/errors"
)

type orderKey struct {
	voucherID     int64
	participantID int64
}

type txKey struct{}

// tx stages writes until commit.
type tx struct {
	inserts    []domain.Order
	decrements map[int64]int
}

// OrderStore keeps orders and voucher stock in memory.
type OrderStore struct {
	txMu sync.Mutex // serializes transactions

	mu     sync.RWMutex
	orders map[orderKey]domain.Order
	byID   map[uint64]orderKey
	stock  map[int64]int
}

// NewOrderStore returns an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders: make(map[orderKey]domain.Order),
		byID:   make(map[uint64]orderKey),
		stock:  make(map[int64]int),
	}
}

// SetStock sets the catalog stock of a voucher.
func (s *OrderStore) SetStock(voucherID int64, stock int) {
	s.mu.Lock()
	s.stock[voucherID] = stock
	s.mu.Unlock()
}

// Stock returns the catalog stock of a voucher.
func (s *OrderStore) Stock(voucherID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stock[voucherID]
}

// Count returns the number of persisted orders.
func (s *OrderStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

// WithTx runs fn in a transaction. Writes made through the context passed to
// fn become visible only if fn returns nil.
func (s *OrderStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*tx); ok {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	t := &tx{decrements: make(map[int64]int)}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range t.inserts {
		s.insertLocked(o)
	}
	for id, n := range t.decrements {
		s.stock[id] -= n
	}
	return nil
}

func (s *OrderStore) insertLocked(o domain.Order) {
	k := orderKey{o.VoucherID, o.ParticipantID}
	s.orders[k] = o
	s.byID[o.ID] = k
}

// InsertOrderIfAbsent implements fulfillment.Store.
func (s *OrderStore) InsertOrderIfAbsent(ctx context.Context, o domain.Order) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	k := orderKey{o.VoucherID, o.ParticipantID}
	t, inTx := ctx.Value(txKey{}).(*tx)
	if inTx {
		for _, staged := range t.inserts {
			if staged.VoucherID == o.VoucherID && staged.ParticipantID == o.ParticipantID {
				return false, nil
			}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[k]; ok {
		return false, nil
	}
	if inTx {
		t.inserts = append(t.inserts, o)
		return true, nil
	}
	s.insertLocked(o)
	return true, nil
}

// DecrementCatalogStock implements fulfillment.Store. Vouchers never given a
// stock with SetStock are unknown.
func (s *OrderStore) DecrementCatalogStock(ctx context.Context, voucherID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, inTx := ctx.Value(txKey{}).(*tx)
	s.mu.Lock()
	defer s.mu.Unlock()
	available, known := s.stock[voucherID]
	if !known {
		return fserrors.ErrVoucherNotFound
	}
	if inTx {
		available -= t.decrements[voucherID]
	}
	if available <= 0 {
		return fserrors.ErrOutOfStock
	}
	if inTx {
		t.decrements[voucherID]++
		return nil
	}
	s.stock[voucherID]--
	return nil
}

// FindOrder returns the order with the given id.
func (s *OrderStore) FindOrder(ctx context.Context, id uint64) (domain.Order, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byID[id]
	if !ok {
		return domain.Order{}, false, nil
	}
	return s.orders[k], true, nil
}
