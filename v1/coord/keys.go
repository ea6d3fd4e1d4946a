package coord

import (
	"strconv"
	"time"
)

// Key prefixes. Every coordination-store key is namespaced by purpose.
const (
	PrefixStock   = "seckill:stock:"
	PrefixOrders  = "seckill:order:"
	PrefixLock    = "lock:"
	PrefixCache   = "cache:"
	PrefixCounter = "icr:"

	DefaultOrderStream = "stream.orders"
	DefaultOrderGroup  = "fulfillment"
)

// StockKey is the admission stock counter of a voucher.
func StockKey(voucherID int64) string { return PrefixStock + strconv.FormatInt(voucherID, 10) }

// OrderSetKey is the set of participants already admitted for a voucher.
func OrderSetKey(voucherID int64) string { return PrefixOrders + strconv.FormatInt(voucherID, 10) }

// LockKey is the lock record of a logical resource.
func LockKey(resource string) string { return PrefixLock + resource }

// CacheKey is the cache entry of an entity.
func CacheKey(entity, id string) string { return PrefixCache + entity + ":" + id }

// CounterKey is the per-day sequence counter of an id category. The day is
// taken from t in UTC so the key rotates at midnight UTC.
func CounterKey(category string, t time.Time) string {
	return PrefixCounter + category + ":" + t.UTC().Format("2006:01:02")
}
