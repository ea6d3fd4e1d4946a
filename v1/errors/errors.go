// Package errors defines the error taxonomy shared by the flash-sale core.
//
// Admission rejections (ErrOutOfStock, ErrAlreadyOrdered) are user visible and
// must not be retried. ErrCoordinationUnavailable marks an infrastructure
// failure; retrying a whole admission after it is safe. ErrPersistenceConflict
// and ErrLockContended are expected signals rather than failures.
package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	ErrCoordinationUnavailable = errors.New("coordination store unavailable")
	ErrOutOfStock              = errors.New("out of stock")
	ErrAlreadyOrdered          = errors.New("already ordered")
	ErrPersistenceConflict     = errors.New("order already persisted")
	ErrLockContended           = errors.New("lock contended")

	ErrSaleNotStarted    = errors.New("sale not started")
	ErrSaleEnded         = errors.New("sale ended")
	ErrVoucherNotFound   = errors.New("voucher not found")
	ErrNotFound          = errors.New("not found")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrSequenceExhausted = errors.New("id sequence exhausted")
)

// IsRejection reports whether err is an admission-time rejection that the
// caller should surface as-is instead of retrying.
func IsRejection(err error) bool {
	return errors.Is(err, ErrOutOfStock) || errors.Is(err, ErrAlreadyOrdered) ||
		errors.Is(err, ErrSaleNotStarted) || errors.Is(err, ErrSaleEnded) ||
		errors.Is(err, ErrVoucherNotFound)
}
