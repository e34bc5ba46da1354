package application

import (
	"context"

	"go.uber.org/zap"

	"github.com/dmehra2102/order-fulfillment-saga/internal/order/domain"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/events"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/inbox"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/logging"
)

// HandleStockReserved confirms the order. An order cancelled while its
// reservation was in flight gets a compensating OrderCancelled instead.
func (s *Service) HandleStockReserved(ctx context.Context, messageID string, ev events.StockReservedEvent) error {
	return s.repo.Within(ctx, func(ctx context.Context, uow UnitOfWork) error {
		fresh, err := uow.MarkProcessed(ctx, messageID, inbox.ConsumerStockOutcome)
		if err != nil {
			return err
		}
		if !fresh {
			logging.Info(ctx, s.log, "duplicate stock outcome ignored", zap.String("order_id", ev.OrderID))
			return nil
		}

		o, err := uow.LoadOrder(ctx, ev.OrderID)
		if err != nil {
			return err
		}
		now := s.now()

		if o.Status() == domain.StatusCancelled {
			if err := o.CompensateLateReservation(ev.Products, now); err != nil {
				return err
			}
			logging.Warn(ctx, s.log, "stock reserved for cancelled order, releasing",
				zap.String("order_id", o.ID), zap.Int("products", len(ev.Products)))
			return uow.SaveOrder(ctx, o)
		}

		if err := o.MarkStockReserved(now); err != nil {
			return err
		}
		if err := o.Confirm(ev.CorrelationID, now); err != nil {
			return err
		}
		if err := uow.SaveOrder(ctx, o); err != nil {
			return err
		}
		logging.Info(ctx, s.log, "order confirmed", zap.String("order_id", o.ID))
		return nil
	})
}

// HandleStockReservationFailed ends the saga. There is no automatic retry;
// the order waits for manual support, which may cancel it.
func (s *Service) HandleStockReservationFailed(ctx context.Context, messageID string, ev events.StockReservationFailedEvent) error {
	return s.repo.Within(ctx, func(ctx context.Context, uow UnitOfWork) error {
		fresh, err := uow.MarkProcessed(ctx, messageID, inbox.ConsumerStockOutcome)
		if err != nil {
			return err
		}
		if !fresh {
			logging.Info(ctx, s.log, "duplicate stock outcome ignored", zap.String("order_id", ev.OrderID))
			return nil
		}

		o, err := uow.LoadOrder(ctx, ev.OrderID)
		if err != nil {
			return err
		}
		if o.Status() == domain.StatusCancelled {
			// nothing was reserved and the customer already cancelled
			logging.Info(ctx, s.log, "reservation failed for cancelled order", zap.String("order_id", o.ID))
			return nil
		}
		if err := o.MarkStockReservationFailed(ev.Reason, s.now()); err != nil {
			return err
		}
		if err := uow.SaveOrder(ctx, o); err != nil {
			return err
		}
		logging.Warn(ctx, s.log, "order stock reservation failed, needs manual follow-up",
			zap.String("order_id", o.ID),
			zap.String("error_class", "saga_failure"),
			zap.String("reason", ev.Reason))
		return nil
	})
}
