package kafka

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dmehra2102/order-fulfillment-saga/internal/order/application"
	"github.com/dmehra2102/order-fulfillment-saga/internal/order/domain"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/events"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/logging"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/messaging"
)

// Handlers feeds stock-outcome events into the order service.
type Handlers struct {
	log *zap.Logger
	svc *application.Service
}

func NewHandlers(log *zap.Logger, svc *application.Service) *Handlers {
	return &Handlers{log: log, svc: svc}
}

func (h *Handlers) StockOutcome() map[string]messaging.Handler {
	return map[string]messaging.Handler{
		events.TypeStockReserved:          h.onStockReserved,
		events.TypeStockReservationFailed: h.onStockReservationFailed,
	}
}

func (h *Handlers) onStockReserved(ctx context.Context, env events.Envelope) error {
	var ev events.StockReservedEvent
	if err := env.Into(&ev); err != nil {
		return err
	}
	if ev.OrderID == "" {
		return messaging.Permanent(messaging.ClassValidation, errors.New("stock-reserved without order_id"))
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = env.CorrelationID
	}
	return h.classify(ctx, ev.OrderID, h.svc.HandleStockReserved(ctx, env.MessageID, ev))
}

func (h *Handlers) onStockReservationFailed(ctx context.Context, env events.Envelope) error {
	var ev events.StockReservationFailedEvent
	if err := env.Into(&ev); err != nil {
		return err
	}
	if ev.OrderID == "" {
		return messaging.Permanent(messaging.ClassValidation, errors.New("stock-reservation-failed without order_id"))
	}
	return h.classify(ctx, ev.OrderID, h.svc.HandleStockReservationFailed(ctx, env.MessageID, ev))
}

// classify maps service errors to consumer error classes. Version conflicts
// and infrastructure failures stay retryable.
func (h *Handlers) classify(ctx context.Context, orderID string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrOrderNotFound):
		return messaging.Permanent(messaging.ClassValidation, err)
	case errors.Is(err, domain.ErrIllegalTransition):
		logging.Error(ctx, h.log, "stock outcome out of order", zap.String("order_id", orderID), zap.Error(err))
		return messaging.Permanent(messaging.ClassBusinessRule, err)
	case errors.Is(err, domain.ErrVersionConflict):
		logging.Warn(ctx, h.log, "order changed concurrently, retrying outcome", zap.String("order_id", orderID))
		return err
	default:
		return fmt.Errorf("order %s: %w", orderID, err)
	}
}
