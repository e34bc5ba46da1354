package domain

import (
	"fmt"
	"time"

	"github.com/dmehra2102/order-fulfillment-saga/pkg/primitives"
)

// Snapshot is the persisted shape of an Order.
type Snapshot struct {
	ID              string
	CustomerID      string
	CustomerEmail   string
	ShippingAddress string
	Notes           string
	Status          OrderStatus
	Currency        string
	CorrelationID   string
	Submitted       bool
	FailureReason   string
	CancelReason    string
	Items           []OrderItem
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Restore rebuilds an Order from storage. No events are staged.
func Restore(s Snapshot) (*Order, error) {
	if !s.Status.Valid() {
		return nil, fmt.Errorf("order %s: unknown status %q", s.ID, s.Status)
	}
	total, err := primitives.Zero(s.Currency)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", s.ID, err)
	}
	o := &Order{
		ID:              s.ID,
		CustomerID:      s.CustomerID,
		CustomerEmail:   s.CustomerEmail,
		ShippingAddress: s.ShippingAddress,
		Notes:           s.Notes,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		Version:         s.Version,
		status:          s.Status,
		currency:        total.Currency(),
		total:           total,
		correlationID:   s.CorrelationID,
		submitted:       s.Submitted,
		failureReason:   s.FailureReason,
		cancelReason:    s.CancelReason,
	}
	for _, it := range s.Items {
		if it.UnitPrice.Currency() != o.currency {
			return nil, fmt.Errorf("order %s: %w", s.ID, ErrCurrencyMismatch)
		}
		it.OrderID = s.ID
		o.items = append(o.items, it)
	}
	o.recalculate()
	return o, nil
}

func (o *Order) Snapshot() Snapshot {
	return Snapshot{
		ID:              o.ID,
		CustomerID:      o.CustomerID,
		CustomerEmail:   o.CustomerEmail,
		ShippingAddress: o.ShippingAddress,
		Notes:           o.Notes,
		Status:          o.status,
		Currency:        o.currency,
		CorrelationID:   o.correlationID,
		Submitted:       o.submitted,
		FailureReason:   o.failureReason,
		CancelReason:    o.cancelReason,
		Items:           o.Items(),
		Version:         o.Version,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}
