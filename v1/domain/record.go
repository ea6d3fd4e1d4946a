package domain

import (
	stdErrors "errors"
	"fmt"
	"strconv"
	"time"
)

// Stream record field names of an admitted order.
const (
	FieldOrderID     = "id"
	FieldVoucherID   = "voucherId"
	FieldParticipant = "userId"
	FieldCreatedAt   = "createdAt"
)

// ErrMalformedRecord is returned when a stream record cannot be decoded into
// an Order.
var ErrMalformedRecord = stdErrors.New("malformed order record")

// Fields encodes the order as stream record fields. CreatedAt is carried as
// Unix milliseconds.
func (o Order) Fields() map[string]any {
	return map[string]any{
		FieldOrderID:     strconv.FormatUint(o.ID, 10),
		FieldVoucherID:   strconv.FormatInt(o.VoucherID, 10),
		FieldParticipant: strconv.FormatInt(o.ParticipantID, 10),
		FieldCreatedAt:   strconv.FormatInt(o.CreatedAt.UnixMilli(), 10),
	}
}

// OrderFromFields decodes a stream record. A missing createdAt is tolerated
// and left zero; every other field is required.
func OrderFromFields(values map[string]any) (Order, error) {
	var (
		o   Order
		err error
	)
	if o.ID, err = strconv.ParseUint(field(values, FieldOrderID), 10, 64); err != nil {
		return Order{}, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, FieldOrderID, err)
	}
	if o.VoucherID, err = strconv.ParseInt(field(values, FieldVoucherID), 10, 64); err != nil {
		return Order{}, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, FieldVoucherID, err)
	}
	if o.ParticipantID, err = strconv.ParseInt(field(values, FieldParticipant), 10, 64); err != nil {
		return Order{}, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, FieldParticipant, err)
	}
	if raw := field(values, FieldCreatedAt); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Order{}, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, FieldCreatedAt, err)
		}
		o.CreatedAt = time.UnixMilli(ms).UTC()
	}
	return o, nil
}

func field(values map[string]any, name string) string {
	switch v := values[name].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
