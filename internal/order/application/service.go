package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmehra2102/order-fulfillment-saga/internal/order/domain"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/correlation"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/logging"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/primitives"
)

var ErrInvalidInput = errors.New("invalid order input")

type ItemInput struct {
	ProductID   string
	ProductName string
	UnitPrice   string
	Quantity    int
}

type PlaceOrderInput struct {
	CustomerID      string
	CustomerEmail   string
	ShippingAddress string
	Notes           string
	Currency        string
	Items           []ItemInput
}

type Service struct {
	log  *zap.Logger
	repo OrderRepository
	now  func() time.Time
}

func NewService(log *zap.Logger, repo OrderRepository, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{log: log, repo: repo, now: now}
}

// PlaceOrder creates, fills and submits an order in one transaction. Every
// submission starts a new saga with a freshly generated correlation id.
func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderInput) (*domain.Order, error) {
	correlationID := uuid.NewString()
	ctx = correlation.WithID(ctx, correlationID)
	now := s.now()

	o, err := domain.NewOrder(uuid.NewString(), in.CustomerID, in.CustomerEmail, in.ShippingAddress, in.Notes, in.Currency, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	for _, it := range in.Items {
		price, err := primitives.ParseMoney(it.UnitPrice, in.Currency)
		if err != nil {
			return nil, fmt.Errorf("%w: item %s: %v", ErrInvalidInput, it.ProductID, err)
		}
		qty, err := primitives.NewQuantity(it.Quantity)
		if err != nil {
			return nil, fmt.Errorf("%w: item %s: %v", ErrInvalidInput, it.ProductID, err)
		}
		if err := o.AddItem(it.ProductID, it.ProductName, price, qty); err != nil {
			return nil, err
		}
	}
	if err := o.Submit(correlationID, now); err != nil {
		return nil, err
	}

	err = s.repo.Within(ctx, func(ctx context.Context, uow UnitOfWork) error {
		return uow.SaveOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	logging.Info(ctx, s.log, "order placed",
		zap.String("order_id", o.ID), zap.String("total", o.TotalAmount().String()), zap.Int("items", len(o.Items())))
	return o, nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) CancelOrder(ctx context.Context, id, reason string) (*domain.Order, error) {
	if reason == "" {
		reason = "cancelled by customer"
	}
	return s.mutate(ctx, id, "cancel", func(o *domain.Order, now time.Time) error {
		return o.Cancel(reason, now)
	})
}

func (s *Service) StartProcessing(ctx context.Context, id string) (*domain.Order, error) {
	return s.mutate(ctx, id, "start processing", func(o *domain.Order, now time.Time) error {
		return o.StartProcessing(now)
	})
}

func (s *Service) Ship(ctx context.Context, id string) (*domain.Order, error) {
	return s.mutate(ctx, id, "ship", func(o *domain.Order, now time.Time) error {
		return o.Ship(now)
	})
}

func (s *Service) Deliver(ctx context.Context, id string) (*domain.Order, error) {
	return s.mutate(ctx, id, "deliver", func(o *domain.Order, now time.Time) error {
		return o.Deliver(now)
	})
}

func (s *Service) mutate(ctx context.Context, id, action string, fn func(*domain.Order, time.Time) error) (*domain.Order, error) {
	var out *domain.Order
	err := s.repo.Within(ctx, func(ctx context.Context, uow UnitOfWork) error {
		o, err := uow.LoadOrder(ctx, id)
		if err != nil {
			return err
		}
		if cid := o.CorrelationID(); cid != "" {
			ctx = correlation.WithID(ctx, cid)
		}
		if err := fn(o, s.now()); err != nil {
			return err
		}
		out = o
		return uow.SaveOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	logging.Info(ctx, s.log, "order updated",
		zap.String("order_id", id), zap.String("action", action), zap.String("status", string(out.Status())))
	return out, nil
}
