package kafka

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dmehra2102/order-fulfillment-saga/internal/catalog/application"
	"github.com/dmehra2102/order-fulfillment-saga/internal/catalog/domain"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/events"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/logging"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/messaging"
)

type ReservationCounter interface {
	ReservationOutcome(result string)
}

// Handlers adapts catalog commands to broker envelopes.
type Handlers struct {
	log     *zap.Logger
	svc     *application.Service
	counter ReservationCounter
}

func NewHandlers(log *zap.Logger, svc *application.Service, counter ReservationCounter) *Handlers {
	return &Handlers{log: log, svc: svc, counter: counter}
}

// Reservation consumes order-created.
func (h *Handlers) Reservation() map[string]messaging.Handler {
	return map[string]messaging.Handler{events.TypeOrderCreated: h.onOrderCreated}
}

// Release consumes order-cancelled.
func (h *Handlers) Release() map[string]messaging.Handler {
	return map[string]messaging.Handler{events.TypeOrderCancelled: h.onOrderCancelled}
}

func (h *Handlers) onOrderCreated(ctx context.Context, env events.Envelope) error {
	var ev events.OrderCreatedEvent
	if err := env.Into(&ev); err != nil {
		return err
	}
	if ev.OrderID == "" {
		return messaging.Permanent(messaging.ClassValidation, errors.New("order-created without order_id"))
	}

	lines := make([]application.Line, 0, len(ev.Items))
	for _, it := range ev.Items {
		lines = append(lines, application.Line{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	out, err := h.svc.Reserve(ctx, application.ReserveCommand{
		MessageID:     env.MessageID,
		OrderID:       ev.OrderID,
		CorrelationID: correlationOf(env, ev.CorrelationID),
		Lines:         lines,
	})
	if err != nil {
		return err
	}
	if h.counter != nil && !out.Duplicate {
		if out.Reserved {
			h.counter.ReservationOutcome("reserved")
		} else {
			h.counter.ReservationOutcome("failed")
		}
	}
	return nil
}

func (h *Handlers) onOrderCancelled(ctx context.Context, env events.Envelope) error {
	var ev events.OrderCancelledEvent
	if err := env.Into(&ev); err != nil {
		return err
	}

	lines := make([]application.Line, 0, len(ev.CancelledItems))
	for _, it := range ev.CancelledItems {
		lines = append(lines, application.Line{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	out, err := h.svc.Release(ctx, application.ReleaseCommand{
		MessageID:     env.MessageID,
		OrderID:       ev.OrderID,
		CorrelationID: correlationOf(env, ev.CorrelationID),
		Lines:         lines,
	})
	switch {
	case errors.Is(err, domain.ErrNonPositiveQuantity):
		return messaging.Permanent(messaging.ClassValidation, err)
	case errors.Is(err, domain.ErrReservationPending):
		logging.Info(ctx, h.log, "release waiting for reservation", zap.String("order_id", ev.OrderID))
		return err
	case err != nil:
		return fmt.Errorf("release order %s: %w", ev.OrderID, err)
	}
	if out.Duplicate {
		logging.Info(ctx, h.log, "duplicate cancellation ignored", zap.String("order_id", ev.OrderID))
	}
	return nil
}

func correlationOf(env events.Envelope, payload string) string {
	if env.CorrelationID != "" {
		return env.CorrelationID
	}
	return payload
}
