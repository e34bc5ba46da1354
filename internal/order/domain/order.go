package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmehra2102/order-fulfillment-saga/pkg/events"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/primitives"
)

var ErrMissingCorrelation = errors.New("correlation id is required")

const lateReservationReason = "order cancelled before stock reservation completed"

type OrderItem struct {
	OrderID     string
	ProductID   string
	ProductName string
	UnitPrice   primitives.Money
	Quantity    primitives.Quantity
}

func (i OrderItem) TotalPrice() primitives.Money {
	return i.UnitPrice.Multiply(i.Quantity)
}

// Order is the aggregate root owned by the order service. Status, items and
// totals change only through its methods; every state-changing method either
// succeeds completely or leaves the order untouched.
type Order struct {
	ID              string
	CustomerID      string
	CustomerEmail   string
	ShippingAddress string
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	// Version is the persisted revision, maintained by the repository.
	Version int64

	status        OrderStatus
	currency      string
	total         primitives.Money
	items         []OrderItem
	correlationID string
	submitted     bool
	failureReason string
	cancelReason  string

	pending []PendingEvent
}

func NewOrder(id, customerID, email, address, notes, currency string, now time.Time) (*Order, error) {
	if id == "" || customerID == "" {
		return nil, errors.New("order id and customer id are required")
	}
	total, err := primitives.Zero(currency)
	if err != nil {
		return nil, err
	}
	return &Order{
		ID:              id,
		CustomerID:      customerID,
		CustomerEmail:   email,
		ShippingAddress: address,
		Notes:           notes,
		CreatedAt:       now,
		UpdatedAt:       now,
		status:          StatusPending,
		currency:        total.Currency(),
		total:           total,
	}, nil
}

func (o *Order) Status() OrderStatus           { return o.status }
func (o *Order) TotalAmount() primitives.Money { return o.total }
func (o *Order) Currency() string              { return o.currency }
func (o *Order) CorrelationID() string         { return o.correlationID }
func (o *Order) Submitted() bool               { return o.submitted }
func (o *Order) FailureReason() string         { return o.failureReason }
func (o *Order) CancelReason() string          { return o.cancelReason }

func (o *Order) Items() []OrderItem {
	out := make([]OrderItem, len(o.items))
	copy(out, o.items)
	return out
}

func (o *Order) AddItem(productID, productName string, unitPrice primitives.Money, qty primitives.Quantity) error {
	if err := o.ensureEditable("add item"); err != nil {
		return err
	}
	if !qty.Positive() {
		return ErrInvalidQuantity
	}
	if unitPrice.Currency() != o.currency {
		return fmt.Errorf("%w: %s != %s", ErrCurrencyMismatch, unitPrice.Currency(), o.currency)
	}
	for i := range o.items {
		if o.items[i].ProductID == productID {
			o.items[i].Quantity += qty
			o.recalculate()
			return nil
		}
	}
	o.items = append(o.items, OrderItem{
		OrderID:     o.ID,
		ProductID:   productID,
		ProductName: productName,
		UnitPrice:   unitPrice,
		Quantity:    qty,
	})
	o.recalculate()
	return nil
}

func (o *Order) RemoveItem(productID string) error {
	if err := o.ensureEditable("remove item"); err != nil {
		return err
	}
	for i := range o.items {
		if o.items[i].ProductID == productID {
			o.items = append(o.items[:i], o.items[i+1:]...)
			o.recalculate()
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrItemNotFound, productID)
}

// Submit freezes the item set and starts the saga by staging OrderCreated.
func (o *Order) Submit(correlationID string, now time.Time) error {
	if o.status != StatusPending {
		return o.illegal("submit")
	}
	if o.submitted {
		return ErrOrderSubmitted
	}
	if len(o.items) == 0 {
		return ErrEmptyOrder
	}
	if correlationID == "" {
		return ErrMissingCorrelation
	}
	o.submitted = true
	o.correlationID = correlationID
	o.UpdatedAt = now

	lines := make([]events.OrderItemLine, 0, len(o.items))
	for _, it := range o.items {
		lines = append(lines, events.OrderItemLine{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			UnitPrice:   it.UnitPrice.Amount(),
			Quantity:    it.Quantity.Int(),
		})
	}
	o.stage(events.OrderCreatedEvent{
		OrderID:       o.ID,
		OccurredAt:    now,
		CorrelationID: correlationID,
		CustomerID:    o.CustomerID,
		TotalAmount:   o.total.Amount(),
		Currency:      o.currency,
		Items:         lines,
	})
	return nil
}

func (o *Order) MarkStockReserved(now time.Time) error {
	if !o.submitted {
		return o.illegal("mark stock reserved")
	}
	return o.transition(StatusStockReserved, "mark stock reserved", now)
}

// MarkStockReservationFailed ends the saga without retry. Support can still
// cancel the order; recovery is a manual decision.
func (o *Order) MarkStockReservationFailed(reason string, now time.Time) error {
	if !o.submitted {
		return o.illegal("mark stock reservation failed")
	}
	if err := o.transition(StatusStockReservationFailed, "mark stock reservation failed", now); err != nil {
		return err
	}
	o.failureReason = reason
	return nil
}

func (o *Order) Confirm(correlationID string, now time.Time) error {
	if err := o.transition(StatusConfirmed, "confirm", now); err != nil {
		return err
	}
	if correlationID == "" {
		correlationID = o.correlationID
	}
	o.stage(events.OrderConfirmedEvent{
		OrderID:       o.ID,
		OccurredAt:    now,
		CorrelationID: correlationID,
	})
	return nil
}

func (o *Order) StartProcessing(now time.Time) error {
	return o.transition(StatusProcessing, "start processing", now)
}

func (o *Order) Ship(now time.Time) error {
	return o.transition(StatusShipped, "ship", now)
}

func (o *Order) Deliver(now time.Time) error {
	return o.transition(StatusDelivered, "deliver", now)
}

// Cancel moves the order to Cancelled. OrderCancelled is staged only when
// inventory was held, otherwise there is nothing to compensate.
func (o *Order) Cancel(reason string, now time.Time) error {
	prev := o.status
	if err := o.transition(StatusCancelled, "cancel", now); err != nil {
		return err
	}
	o.cancelReason = reason
	if !prev.HoldsStock() {
		return nil
	}
	cancelled := make([]events.CancelledItem, 0, len(o.items))
	for _, it := range o.items {
		cancelled = append(cancelled, events.CancelledItem{ProductID: it.ProductID, Quantity: it.Quantity.Int()})
	}
	o.stage(events.OrderCancelledEvent{
		OrderID:        o.ID,
		OccurredAt:     now,
		CorrelationID:  o.correlationID,
		CustomerID:     o.CustomerID,
		Reason:         reason,
		CancelledItems: cancelled,
	})
	return nil
}

// CompensateLateReservation handles a reservation that committed after the
// order was already cancelled while Pending: it stages OrderCancelled for the
// reserved products so the catalog releases them.
func (o *Order) CompensateLateReservation(products []events.ReservedProduct, now time.Time) error {
	if o.status != StatusCancelled || !o.submitted {
		return o.illegal("compensate late reservation")
	}
	cancelled := make([]events.CancelledItem, 0, len(products))
	for _, p := range products {
		cancelled = append(cancelled, events.CancelledItem{ProductID: p.ProductID, Quantity: p.QuantityReserved})
	}
	o.UpdatedAt = now
	o.stage(events.OrderCancelledEvent{
		OrderID:        o.ID,
		OccurredAt:     now,
		CorrelationID:  o.correlationID,
		CustomerID:     o.CustomerID,
		Reason:         lateReservationReason,
		CancelledItems: cancelled,
	})
	return nil
}

// PullEvents returns the staged events and clears them. The commit path calls
// it exactly once per unit of work.
func (o *Order) PullEvents() []PendingEvent {
	out := o.pending
	o.pending = nil
	return out
}

func (o *Order) transition(to OrderStatus, action string, now time.Time) error {
	if !CanTransition(o.status, to) {
		return o.illegal(action)
	}
	o.status = to
	o.UpdatedAt = now
	return nil
}

func (o *Order) ensureEditable(action string) error {
	if o.status != StatusPending {
		return o.illegal(action)
	}
	if o.submitted {
		return ErrOrderSubmitted
	}
	return nil
}

func (o *Order) illegal(action string) error {
	return &TransitionError{OrderID: o.ID, From: o.status, Action: action}
}

func (o *Order) stage(ev events.Event) {
	o.pending = append(o.pending, PendingEvent{Event: ev, CorrelationID: o.correlationIDFor(ev)})
}

func (o *Order) correlationIDFor(ev events.Event) string {
	if c, ok := ev.(events.OrderConfirmedEvent); ok && c.CorrelationID != "" {
		return c.CorrelationID
	}
	return o.correlationID
}

func (o *Order) recalculate() {
	total, _ := primitives.Zero(o.currency)
	for _, it := range o.items {
		// every item shares the order currency, checked in AddItem
		total, _ = total.Add(it.TotalPrice())
	}
	o.total = total
}
