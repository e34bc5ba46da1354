package application

import (
	"context"

	"github.com/dmehra2102/order-fulfillment-saga/internal/catalog/domain"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/events"
)

// UnitOfWork is one local transaction. Everything written through it commits
// or rolls back together.
type UnitOfWork interface {
	// LockOrder serializes commands for one order until the transaction ends.
	LockOrder(ctx context.Context, orderID string) error
	// LoadProduct returns domain.ErrProductNotFound for unknown ids.
	LoadProduct(ctx context.Context, id string) (*domain.Product, error)
	// SaveProducts persists each product's pending delta with a conditional
	// update and returns domain.ErrStockConflict if any row no longer has
	// enough stock.
	SaveProducts(ctx context.Context, products []*domain.Product) error
	// Reservation returns nil when no ledger row exists for the order.
	Reservation(ctx context.Context, orderID string) (*domain.Reservation, error)
	SaveReservation(ctx context.Context, r domain.Reservation) error
	Publish(ctx context.Context, ev events.Event, correlationID string) error
	MarkProcessed(ctx context.Context, messageID, consumer string) (bool, error)
}

type Repository interface {
	Within(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
}
