// Package postgres persists admitted orders and the catalog stock mirror in
// Postgres through pgx.
package postgres

import (
	"context"
	stdErrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mirkobrombin/go-flashsale/v1/domain"
	fserrors "github.com/mirkobrombin/go-flashsale/v1/errors"
)

// OrderStore implements fulfillment.Store.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore returns an OrderStore on pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// WithTx runs fn in a transaction. Nested calls join the outer one.
func (s *OrderStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, s.pool, fn)
}

// InsertOrderIfAbsent inserts o unless an order with the same id or the same
// voucher and participant exists.
func (s *OrderStore) InsertOrderIfAbsent(ctx context.Context, o domain.Order) (bool, error) {
	const stmt = `
INSERT INTO voucher_orders (id, voucher_id, user_id, created_at)
VALUES ($1, $2, $3, COALESCE($4::timestamptz, NOW()))
ON CONFLICT DO NOTHING`

	tag, err := conn(ctx, s.pool).Exec(ctx, stmt, int64(o.ID), o.VoucherID, o.ParticipantID, nullableTime(o))
	if err != nil {
		return false, fmt.Errorf("insert order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DecrementCatalogStock takes one unit off the voucher's catalog stock. It
// returns errors.ErrOutOfStock when the stock is already zero and
// errors.ErrVoucherNotFound when the voucher does not exist.
func (s *OrderStore) DecrementCatalogStock(ctx context.Context, voucherID int64) error {
	const stmt = `UPDATE seckill_vouchers SET stock = stock - 1 WHERE id = $1 AND stock > 0`

	q := conn(ctx, s.pool)
	tag, err := q.Exec(ctx, stmt, voucherID)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM seckill_vouchers WHERE id = $1)`, voucherID).Scan(&exists); err != nil {
		return fmt.Errorf("check voucher: %w", err)
	}
	if !exists {
		return fserrors.ErrVoucherNotFound
	}
	return fserrors.ErrOutOfStock
}

// FindOrder returns the order with the given id.
func (s *OrderStore) FindOrder(ctx context.Context, id uint64) (domain.Order, bool, error) {
	const query = `SELECT id, voucher_id, user_id, created_at FROM voucher_orders WHERE id = $1`

	var (
		o     domain.Order
		rawID int64
	)
	err := conn(ctx, s.pool).QueryRow(ctx, query, int64(id)).Scan(&rawID, &o.VoucherID, &o.ParticipantID, &o.CreatedAt)
	if stdErrors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, false, nil
	}
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("find order: %w", err)
	}
	o.ID = uint64(rawID)
	o.CreatedAt = o.CreatedAt.UTC()
	return o, true, nil
}

// CountOrders returns how many orders exist for a voucher.
func (s *OrderStore) CountOrders(ctx context.Context, voucherID int64) (int64, error) {
	var n int64
	if err := conn(ctx, s.pool).QueryRow(ctx, `SELECT COUNT(*) FROM voucher_orders WHERE voucher_id = $1`, voucherID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return n, nil
}

// nullableTime maps a missing creation time to NULL so the insert stamps it.
func nullableTime(o domain.Order) any {
	if o.CreatedAt.IsZero() {
		return nil
	}
	return o.CreatedAt
}
