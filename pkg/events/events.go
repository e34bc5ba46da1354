// Package events holds the wire contracts exchanged between the order and
// catalog services. Field names are part of the contract and must not change.
package events

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TypeOrderCreated           = "OrderCreated"
	TypeOrderCancelled         = "OrderCancelled"
	TypeOrderConfirmed         = "OrderConfirmed"
	TypeStockReserved          = "StockReserved"
	TypeStockReservationFailed = "StockReservationFailed"
	TypeStockChanged           = "StockChanged"
)

const (
	TopicOrderCreated     = "order-created"
	TopicOrderCancelled   = "order-cancelled"
	TopicOrderConfirmed   = "order-confirmed"
	TopicStockOutcome     = "stock-outcome"
	TopicInventoryChanged = "inventory-changed"
)

// SagaStep tags a message with the saga step it represents.
type SagaStep string

const (
	StepReserve           SagaStep = "reserve"
	StepReserved          SagaStep = "reserved"
	StepReservationFailed SagaStep = "reservation_failed"
	StepConfirmed         SagaStep = "confirmed"
	StepRelease           SagaStep = "release"
	StepInventory         SagaStep = "inventory"
)

// Event is implemented by every contract that can be staged in an outbox.
type Event interface {
	EventType() string
	AggregateID() string
	Step() SagaStep
}

type OrderItemLine struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
}

type OrderCreatedEvent struct {
	OrderID       string          `json:"order_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	CustomerID    string          `json:"customer_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Currency      string          `json:"currency"`
	Items         []OrderItemLine `json:"items"`
}

type CancelledItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type OrderCancelledEvent struct {
	OrderID        string          `json:"order_id"`
	OccurredAt     time.Time       `json:"occurred_at"`
	CorrelationID  string          `json:"correlation_id"`
	CustomerID     string          `json:"customer_id"`
	Reason         string          `json:"reason"`
	CancelledItems []CancelledItem `json:"cancelled_items"`
}

type OrderConfirmedEvent struct {
	OrderID       string    `json:"order_id"`
	OccurredAt    time.Time `json:"occurred_at"`
	CorrelationID string    `json:"correlation_id"`
}

type ReservedProduct struct {
	ProductID        string `json:"product_id"`
	QuantityReserved int    `json:"quantity_reserved"`
}

type StockReservedEvent struct {
	OrderID       string            `json:"order_id"`
	CorrelationID string            `json:"correlation_id"`
	Products      []ReservedProduct `json:"products"`
}

type StockReservationFailedEvent struct {
	OrderID       string `json:"order_id"`
	CorrelationID string `json:"correlation_id"`
	Reason        string `json:"reason"`
}

// StockChangedEvent is the inventory-changed notification emitted per product mutation.
type StockChangedEvent struct {
	ProductID     string    `json:"product_id"`
	Delta         int       `json:"delta"`
	StockQuantity int       `json:"stock_quantity"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (e OrderCreatedEvent) EventType() string   { return TypeOrderCreated }
func (e OrderCreatedEvent) AggregateID() string { return e.OrderID }
func (e OrderCreatedEvent) Step() SagaStep      { return StepReserve }

func (e OrderCancelledEvent) EventType() string   { return TypeOrderCancelled }
func (e OrderCancelledEvent) AggregateID() string { return e.OrderID }
func (e OrderCancelledEvent) Step() SagaStep      { return StepRelease }

func (e OrderConfirmedEvent) EventType() string   { return TypeOrderConfirmed }
func (e OrderConfirmedEvent) AggregateID() string { return e.OrderID }
func (e OrderConfirmedEvent) Step() SagaStep      { return StepConfirmed }

func (e StockReservedEvent) EventType() string   { return TypeStockReserved }
func (e StockReservedEvent) AggregateID() string { return e.OrderID }
func (e StockReservedEvent) Step() SagaStep      { return StepReserved }

func (e StockReservationFailedEvent) EventType() string   { return TypeStockReservationFailed }
func (e StockReservationFailedEvent) AggregateID() string { return e.OrderID }
func (e StockReservationFailedEvent) Step() SagaStep      { return StepReservationFailed }

func (e StockChangedEvent) EventType() string   { return TypeStockChanged }
func (e StockChangedEvent) AggregateID() string { return e.ProductID }
func (e StockChangedEvent) Step() SagaStep      { return StepInventory }

var topics = map[string]string{
	TypeOrderCreated:           TopicOrderCreated,
	TypeOrderCancelled:         TopicOrderCancelled,
	TypeOrderConfirmed:         TopicOrderConfirmed,
	TypeStockReserved:          TopicStockOutcome,
	TypeStockReservationFailed: TopicStockOutcome,
	TypeStockChanged:           TopicInventoryChanged,
}

// TopicOf returns the topic an event type is published on, or "" if unknown.
func TopicOf(eventType string) string {
	return topics[eventType]
}
