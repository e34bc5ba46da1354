package application

import (
	"context"

	"github.com/dmehra2102/order-fulfillment-saga/internal/order/domain"
)

type UnitOfWork interface {
	// LoadOrder locks the order row; domain.ErrOrderNotFound for unknown ids.
	LoadOrder(ctx context.Context, id string) (*domain.Order, error)
	// SaveOrder persists the order with an optimistic version check and
	// writes its staged events to the outbox in the same transaction.
	SaveOrder(ctx context.Context, o *domain.Order) error
	MarkProcessed(ctx context.Context, messageID, consumer string) (bool, error)
}

type OrderRepository interface {
	Within(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
	Get(ctx context.Context, id string) (*domain.Order, error)
}
