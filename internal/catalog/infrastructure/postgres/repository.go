package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dmehra2102/order-fulfillment-saga/internal/catalog/application"
	"github.com/dmehra2102/order-fulfillment-saga/internal/catalog/domain"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/events"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/inbox"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/logging"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/outbox"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/primitives"
)

const aggregateType = "catalog"

type Repository struct {
	log    *zap.Logger
	pool   *pgxpool.Pool
	now    func() time.Time
	tracer trace.Tracer
}

func NewRepository(log *zap.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{
		log:    log,
		pool:   pool,
		now:    time.Now,
		tracer: otel.Tracer("catalog-repository"),
	}
}

// Within runs fn in one transaction and commits only if fn succeeds.
func (r *Repository) Within(ctx context.Context, fn func(ctx context.Context, uow application.UnitOfWork) error) error {
	ctx, span := r.tracer.Start(ctx, "catalog.unit_of_work")
	defer span.End()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		rbCtx := context.WithoutCancel(ctx)
		if err := tx.Rollback(rbCtx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			logging.Error(rbCtx, r.log, "rollback failed", zap.Error(err))
		}
	}()

	if err := fn(ctx, &unitOfWork{tx: tx, now: r.now}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CreateProduct inserts a product or refreshes its catalog fields. Stock is
// only set on insert.
func (r *Repository) CreateProduct(ctx context.Context, p *domain.Product) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO products (id, name, price, currency, stock_quantity, sku, category_id)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET name = $2, price = $3::numeric, currency = $4, sku = $6,
			category_id = $7, updated_at = now()`,
		p.ID, p.Name, p.Price.Amount().String(), p.Price.Currency(), p.StockQuantity.Int(), p.SKU, p.CategoryID)
	return err
}

// Stock reads the committed stock of a product.
func (r *Repository) Stock(ctx context.Context, id string) (int, error) {
	var stock int
	err := r.pool.QueryRow(ctx, `SELECT stock_quantity FROM products WHERE id = $1`, id).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrProductNotFound
	}
	return stock, err
}

type unitOfWork struct {
	tx  pgx.Tx
	now func() time.Time
}

func (u *unitOfWork) LoadProduct(ctx context.Context, id string) (*domain.Product, error) {
	var (
		p        = &domain.Product{}
		price    string
		currency string
		stock    int
	)
	err := u.tx.QueryRow(ctx, `
		SELECT id, name, price::text, currency, stock_quantity, sku, category_id, version
		FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &price, &currency, &stock, &p.SKU, &p.CategoryID, &p.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if p.Price, err = primitives.ParseMoney(price, currency); err != nil {
		return nil, fmt.Errorf("product %s: %w", id, err)
	}
	p.StockQuantity = primitives.Quantity(stock)
	return p, nil
}

// SaveProducts applies each pending delta. Decrements carry the stock guard
// in the WHERE clause, so the row count tells whether a concurrent command
// got there first.
func (u *unitOfWork) SaveProducts(ctx context.Context, products []*domain.Product) error {
	for _, p := range products {
		d := p.PendingDelta()
		if d == 0 {
			continue
		}
		var (
			sql  string
			args []any
		)
		if d < 0 {
			sql = `UPDATE products SET stock_quantity = stock_quantity + $2, version = version + 1, updated_at = now()
				WHERE id = $1 AND stock_quantity >= $3`
			args = []any{p.ID, d, -d}
		} else {
			sql = `UPDATE products SET stock_quantity = stock_quantity + $2, version = version + 1, updated_at = now()
				WHERE id = $1`
			args = []any{p.ID, d}
		}
		ct, err := u.tx.Exec(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("update product %s: %w", p.ID, err)
		}
		if ct.RowsAffected() == 0 {
			if d < 0 {
				return fmt.Errorf("product %s: %w", p.ID, domain.ErrStockConflict)
			}
			return fmt.Errorf("%w: %s", domain.ErrProductNotFound, p.ID)
		}
		p.Version++
	}
	return nil
}

// LockOrder takes a transaction-scoped advisory lock so two messages for the
// same order cannot both miss the ledger row and reserve twice.
func (u *unitOfWork) LockOrder(ctx context.Context, orderID string) error {
	_, err := u.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, orderID)
	return err
}

func (u *unitOfWork) Reservation(ctx context.Context, orderID string) (*domain.Reservation, error) {
	res := &domain.Reservation{}
	var status string
	err := u.tx.QueryRow(ctx, `
		SELECT order_id, correlation_id, status, reason, items, updated_at
		FROM reservations WHERE order_id = $1 FOR UPDATE`, orderID).
		Scan(&res.OrderID, &res.CorrelationID, &status, &res.Reason, &res.Lines, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res.Status = domain.ReservationStatus(status)
	return res, nil
}

func (u *unitOfWork) SaveReservation(ctx context.Context, r domain.Reservation) error {
	_, err := u.tx.Exec(ctx, `
		INSERT INTO reservations (order_id, correlation_id, status, reason, items, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (order_id) DO UPDATE SET status = $3, reason = $4, items = $5, updated_at = $6`,
		r.OrderID, r.CorrelationID, string(r.Status), r.Reason, r.Lines, r.UpdatedAt.UTC())
	return err
}

func (u *unitOfWork) Publish(ctx context.Context, ev events.Event, correlationID string) error {
	_, err := outbox.Enqueue(ctx, u.tx, aggregateType, ev, correlationID, u.now())
	return err
}

func (u *unitOfWork) MarkProcessed(ctx context.Context, messageID, consumer string) (bool, error) {
	return inbox.MarkProcessed(ctx, u.tx, messageID, consumer, u.now())
}
