package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/dmehra2102/order-fulfillment-saga/internal/catalog/domain"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/events"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/inbox"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/logging"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/primitives"
)

// maxReserveAttempts bounds retries of a reservation that lost a conditional
// update race. Each attempt reloads the products.
const maxReserveAttempts = 3

type Line struct {
	ProductID string
	Quantity  int
}

type ReserveCommand struct {
	MessageID     string
	OrderID       string
	CorrelationID string
	Lines         []Line
}

// ReservationOutcome is the typed result of a reservation. A failed
// reservation is a normal outcome, not an error.
type ReservationOutcome struct {
	Duplicate bool
	Reserved  bool
	Reason    string
	Products  []events.ReservedProduct
}

type ReleaseCommand struct {
	MessageID     string
	OrderID       string
	CorrelationID string
	Lines         []Line
}

type ReleaseOutcome struct {
	Duplicate bool
	Released  int
}

type Service struct {
	log  *zap.Logger
	repo Repository
	now  func() time.Time
}

func NewService(log *zap.Logger, repo Repository, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{log: log, repo: repo, now: now}
}

// Reserve reserves every line or none, in one transaction together with the
// inbox record, the ledger row and the outcome event.
func (s *Service) Reserve(ctx context.Context, cmd ReserveCommand) (ReservationOutcome, error) {
	var (
		out ReservationOutcome
		err error
	)
	for attempt := 1; attempt <= maxReserveAttempts; attempt++ {
		out, err = s.reserveOnce(ctx, cmd)
		if !errors.Is(err, domain.ErrStockConflict) {
			break
		}
		logging.Warn(ctx, s.log, "stock conflict, retrying reservation",
			zap.String("order_id", cmd.OrderID), zap.Int("attempt", attempt))
	}
	if err != nil {
		return ReservationOutcome{}, err
	}

	switch {
	case out.Duplicate:
		logging.Info(ctx, s.log, "reservation already processed", zap.String("order_id", cmd.OrderID))
	case out.Reserved:
		logging.Info(ctx, s.log, "stock reserved", zap.String("order_id", cmd.OrderID), zap.Int("lines", len(out.Products)))
	default:
		logging.Info(ctx, s.log, "stock reservation failed",
			zap.String("order_id", cmd.OrderID),
			zap.String("error_class", "saga_failure"),
			zap.String("reason", out.Reason))
	}
	return out, nil
}

func (s *Service) reserveOnce(ctx context.Context, cmd ReserveCommand) (ReservationOutcome, error) {
	var out ReservationOutcome
	err := s.repo.Within(ctx, func(ctx context.Context, uow UnitOfWork) error {
		out = ReservationOutcome{}
		if err := uow.LockOrder(ctx, cmd.OrderID); err != nil {
			return err
		}
		fresh, err := uow.MarkProcessed(ctx, cmd.MessageID, inbox.ConsumerReservation)
		if err != nil {
			return err
		}
		existing, err := uow.Reservation(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		if !fresh || existing != nil {
			out.Duplicate = true
			return nil
		}

		now := s.now()
		products, reason, err := s.reserveLines(ctx, uow, cmd.Lines, now)
		if err != nil {
			return err
		}
		if reason != "" {
			out.Reason = reason
			return s.recordFailure(ctx, uow, cmd, reason, now)
		}

		sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
		if err := uow.SaveProducts(ctx, products); err != nil {
			return err
		}
		changes := drainChanges(products)

		out.Reserved = true
		out.Products = make([]events.ReservedProduct, 0, len(cmd.Lines))
		for _, l := range cmd.Lines {
			out.Products = append(out.Products, events.ReservedProduct{ProductID: l.ProductID, QuantityReserved: l.Quantity})
		}
		if err := uow.SaveReservation(ctx, domain.Reservation{
			OrderID:       cmd.OrderID,
			CorrelationID: cmd.CorrelationID,
			Status:        domain.ReservationReserved,
			Lines:         toLedger(cmd.Lines),
			UpdatedAt:     now,
		}); err != nil {
			return err
		}
		if err := uow.Publish(ctx, events.StockReservedEvent{
			OrderID:       cmd.OrderID,
			CorrelationID: cmd.CorrelationID,
			Products:      out.Products,
		}, cmd.CorrelationID); err != nil {
			return err
		}
		return publishChanges(ctx, uow, changes, cmd.CorrelationID)
	})
	return out, err
}

// reserveLines applies ReserveStock to every line in memory. On the first
// failing line it unwinds the earlier ones and returns the failure reason.
func (s *Service) reserveLines(ctx context.Context, uow UnitOfWork, lines []Line, now time.Time) ([]*domain.Product, string, error) {
	type taken struct {
		product *domain.Product
		qty     primitives.Quantity
	}
	loaded := make(map[string]*domain.Product, len(lines))
	var done []taken

	unwind := func() {
		for i := len(done) - 1; i >= 0; i-- {
			done[i].product.ReleaseStock(done[i].qty, now)
		}
		for _, p := range loaded {
			p.PullChanges()
		}
	}

	for _, l := range lines {
		if l.Quantity <= 0 {
			unwind()
			return nil, fmt.Sprintf("Invalid quantity for product %s", l.ProductID), nil
		}
		p, ok := loaded[l.ProductID]
		if !ok {
			var err error
			p, err = uow.LoadProduct(ctx, l.ProductID)
			if errors.Is(err, domain.ErrProductNotFound) {
				unwind()
				return nil, fmt.Sprintf("Product %s not found", l.ProductID), nil
			}
			if err != nil {
				return nil, "", err
			}
			loaded[l.ProductID] = p
		}
		qty := primitives.Quantity(l.Quantity)
		if !p.ReserveStock(qty, now) {
			unwind()
			return nil, fmt.Sprintf("Insufficient stock for product %s", l.ProductID), nil
		}
		done = append(done, taken{product: p, qty: qty})
	}

	products := make([]*domain.Product, 0, len(loaded))
	for _, p := range loaded {
		products = append(products, p)
	}
	return products, "", nil
}

func (s *Service) recordFailure(ctx context.Context, uow UnitOfWork, cmd ReserveCommand, reason string, now time.Time) error {
	if err := uow.SaveReservation(ctx, domain.Reservation{
		OrderID:       cmd.OrderID,
		CorrelationID: cmd.CorrelationID,
		Status:        domain.ReservationFailed,
		Reason:        reason,
		Lines:         toLedger(cmd.Lines),
		UpdatedAt:     now,
	}); err != nil {
		return err
	}
	return uow.Publish(ctx, events.StockReservationFailedEvent{
		OrderID:       cmd.OrderID,
		CorrelationID: cmd.CorrelationID,
		Reason:        reason,
	}, cmd.CorrelationID)
}

// Release restores stock for a cancelled order. It runs at most once per
// message through the inbox and once per order through the ledger.
func (s *Service) Release(ctx context.Context, cmd ReleaseCommand) (ReleaseOutcome, error) {
	for _, l := range cmd.Lines {
		if l.Quantity <= 0 {
			return ReleaseOutcome{}, fmt.Errorf("%w: release %d of product %s for order %s",
				domain.ErrNonPositiveQuantity, l.Quantity, l.ProductID, cmd.OrderID)
		}
	}

	var out ReleaseOutcome
	err := s.repo.Within(ctx, func(ctx context.Context, uow UnitOfWork) error {
		out = ReleaseOutcome{}
		if err := uow.LockOrder(ctx, cmd.OrderID); err != nil {
			return err
		}
		fresh, err := uow.MarkProcessed(ctx, cmd.MessageID, inbox.ConsumerRelease)
		if err != nil {
			return err
		}
		if !fresh {
			out.Duplicate = true
			return nil
		}

		r, err := uow.Reservation(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("order %s: %w", cmd.OrderID, domain.ErrReservationPending)
		}
		if r.Status != domain.ReservationReserved {
			return nil
		}

		now := s.now()
		var restored []*domain.Product
		for _, l := range cmd.Lines {
			p, err := uow.LoadProduct(ctx, l.ProductID)
			if errors.Is(err, domain.ErrProductNotFound) {
				logging.Warn(ctx, s.log, "release skipped unknown product",
					zap.String("order_id", cmd.OrderID), zap.String("product_id", l.ProductID))
				continue
			}
			if err != nil {
				return err
			}
			if err := p.RestoreStock(primitives.Quantity(l.Quantity), now); err != nil {
				return err
			}
			restored = append(restored, p)
		}

		sort.Slice(restored, func(i, j int) bool { return restored[i].ID < restored[j].ID })
		if err := uow.SaveProducts(ctx, restored); err != nil {
			return err
		}
		changes := drainChanges(restored)

		r.Status = domain.ReservationReleased
		r.UpdatedAt = now
		if err := uow.SaveReservation(ctx, *r); err != nil {
			return err
		}
		out.Released = len(restored)
		return publishChanges(ctx, uow, changes, cmd.CorrelationID)
	})
	if err != nil {
		return ReleaseOutcome{}, err
	}
	if !out.Duplicate {
		logging.Info(ctx, s.log, "stock released", zap.String("order_id", cmd.OrderID), zap.Int("released", out.Released))
	}
	return out, nil
}

// drainChanges collects the staged inventory events once the deltas are saved.
func drainChanges(products []*domain.Product) []events.StockChangedEvent {
	var out []events.StockChangedEvent
	for _, p := range products {
		out = append(out, p.PullChanges()...)
	}
	return out
}

func publishChanges(ctx context.Context, uow UnitOfWork, changes []events.StockChangedEvent, correlationID string) error {
	for _, c := range changes {
		if err := uow.Publish(ctx, c, correlationID); err != nil {
			return err
		}
	}
	return nil
}

func toLedger(lines []Line) []domain.ReservationLine {
	out := make([]domain.ReservationLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, domain.ReservationLine{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return out
}
