// Package domain holds the records the flash-sale core reads and writes.
package domain

import (
	"strconv"
	"time"

	fserrors "github.com/mirkobrombin/go-flashsale/v1/errors"
)

// Voucher is a limited-quantity promotional voucher. The catalog owns it; the
// admission path only reads the sale window and mirrors the stock counter.
type Voucher struct {
	ID        int64     `gorm:"primaryKey;column:id" json:"id"`
	ShopID    int64     `gorm:"column:shop_id" json:"shopId"`
	Title     string    `gorm:"column:title" json:"title"`
	Stock     int       `gorm:"column:stock" json:"stock"`
	BeginTime time.Time `gorm:"column:begin_time" json:"beginTime"`
	EndTime   time.Time `gorm:"column:end_time" json:"endTime"`
}

func (Voucher) TableName() string { return "seckill_vouchers" }

// Key returns the identifier used for cache and store lookups.
func (v Voucher) Key() string { return strconv.FormatInt(v.ID, 10) }

// CheckWindow reports whether the sale is open at now. The window is
// half-open: BeginTime is inclusive, EndTime exclusive.
func (v Voucher) CheckWindow(now time.Time) error {
	if now.Before(v.BeginTime) {
		return fserrors.ErrSaleNotStarted
	}
	if !now.Before(v.EndTime) {
		return fserrors.ErrSaleEnded
	}
	return nil
}

// Order is a single admitted purchase. At most one exists per
// (VoucherID, ParticipantID).
type Order struct {
	ID            uint64    `json:"id"`
	VoucherID     int64     `json:"voucherId"`
	ParticipantID int64     `json:"userId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Shop is a hot catalog entity served through the cache-aside store.
type Shop struct {
	ID        int64     `gorm:"primaryKey;column:id" json:"id"`
	Name      string    `gorm:"column:name" json:"name"`
	TypeID    int64     `gorm:"column:type_id" json:"typeId"`
	Address   string    `gorm:"column:address" json:"address"`
	Score     int       `gorm:"column:score" json:"score"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (Shop) TableName() string { return "shops" }

// Key returns the identifier used for cache and store lookups.
func (s Shop) Key() string { return strconv.FormatInt(s.ID, 10) }

// ShopType is a shop category, listed in Sort order.
type ShopType struct {
	ID   int64  `gorm:"primaryKey;column:id" json:"id"`
	Name string `gorm:"column:name" json:"name"`
	Icon string `gorm:"column:icon" json:"icon"`
	Sort int    `gorm:"column:sort" json:"sort"`
}

func (ShopType) TableName() string { return "shop_types" }

// Key returns the identifier used for cache and store lookups.
func (t ShopType) Key() string { return strconv.FormatInt(t.ID, 10) }
