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

	"github.com/dmehra2102/order-fulfillment-saga/internal/order/application"
	"github.com/dmehra2102/order-fulfillment-saga/internal/order/domain"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/inbox"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/logging"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/outbox"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/primitives"
)

const aggregateType = "order"

const selectOrder = `
	SELECT id, customer_id, customer_email, shipping_address, notes, status, currency,
		correlation_id, submitted, failure_reason, cancel_reason, version, created_at, updated_at
	FROM orders WHERE id = $1`

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
		tracer: otel.Tracer("order-repository"),
	}
}

func (r *Repository) Within(ctx context.Context, fn func(ctx context.Context, uow application.UnitOfWork) error) error {
	ctx, span := r.tracer.Start(ctx, "order.unit_of_work")
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

// Get reads an order outside any transaction.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Order, error) {
	return loadOrder(ctx, r.pool, id, false)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadOrder(ctx context.Context, q querier, id string, lock bool) (*domain.Order, error) {
	sql := selectOrder
	if lock {
		sql += " FOR UPDATE"
	}
	var s domain.Snapshot
	var status string
	err := q.QueryRow(ctx, sql, id).Scan(
		&s.ID, &s.CustomerID, &s.CustomerEmail, &s.ShippingAddress, &s.Notes, &status, &s.Currency,
		&s.CorrelationID, &s.Submitted, &s.FailureReason, &s.CancelReason, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	s.Status = domain.OrderStatus(status)

	rows, err := q.Query(ctx, `
		SELECT product_id, product_name, unit_price::text, quantity
		FROM order_items WHERE order_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			it    domain.OrderItem
			price string
			qty   int
		)
		if err := rows.Scan(&it.ProductID, &it.ProductName, &price, &qty); err != nil {
			return nil, err
		}
		if it.UnitPrice, err = primitives.ParseMoney(price, s.Currency); err != nil {
			return nil, fmt.Errorf("order %s item %s: %w", id, it.ProductID, err)
		}
		it.Quantity = primitives.Quantity(qty)
		s.Items = append(s.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return domain.Restore(s)
}

type unitOfWork struct {
	tx  pgx.Tx
	now func() time.Time
}

func (u *unitOfWork) LoadOrder(ctx context.Context, id string) (*domain.Order, error) {
	return loadOrder(ctx, u.tx, id, true)
}

// SaveOrder inserts a new order or updates an existing one guarded by its
// version, rewrites the item rows and writes staged events to the outbox.
func (u *unitOfWork) SaveOrder(ctx context.Context, o *domain.Order) error {
	s := o.Snapshot()
	if s.Version == 0 {
		_, err := u.tx.Exec(ctx, `
			INSERT INTO orders (id, customer_id, customer_email, shipping_address, notes, status, currency,
				total_amount, correlation_id, submitted, failure_reason, cancel_reason, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, 1, $13, $14)`,
			s.ID, s.CustomerID, s.CustomerEmail, s.ShippingAddress, s.Notes, string(s.Status), s.Currency,
			o.TotalAmount().Amount().String(), s.CorrelationID, s.Submitted, s.FailureReason, s.CancelReason,
			s.CreatedAt.UTC(), s.UpdatedAt.UTC())
		if inbox.IsUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", s.ID, domain.ErrVersionConflict)
		}
		if err != nil {
			return fmt.Errorf("insert order %s: %w", s.ID, err)
		}
	} else {
		ct, err := u.tx.Exec(ctx, `
			UPDATE orders SET status = $2, total_amount = $3::numeric, submitted = $4, failure_reason = $5,
				cancel_reason = $6, notes = $7, version = version + 1, updated_at = $8
			WHERE id = $1 AND version = $9`,
			s.ID, string(s.Status), o.TotalAmount().Amount().String(), s.Submitted, s.FailureReason,
			s.CancelReason, s.Notes, s.UpdatedAt.UTC(), s.Version)
		if err != nil {
			return fmt.Errorf("update order %s: %w", s.ID, err)
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("order %s: %w", s.ID, domain.ErrVersionConflict)
		}
	}

	if err := u.saveItems(ctx, s); err != nil {
		return err
	}
	o.Version++

	for _, pe := range o.PullEvents() {
		if _, err := outbox.Enqueue(ctx, u.tx, aggregateType, pe.Event, pe.CorrelationID, u.now()); err != nil {
			return fmt.Errorf("enqueue %s for order %s: %w", pe.Event.EventType(), s.ID, err)
		}
	}
	return nil
}

func (u *unitOfWork) saveItems(ctx context.Context, s domain.Snapshot) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM order_items WHERE order_id = $1`, s.ID)
	for i, it := range s.Items {
		batch.Queue(`
			INSERT INTO order_items (order_id, position, product_id, product_name, unit_price, quantity)
			VALUES ($1, $2, $3, $4, $5::numeric, $6)`,
			s.ID, i, it.ProductID, it.ProductName, it.UnitPrice.Amount().String(), it.Quantity.Int())
	}
	if err := u.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save items for order %s: %w", s.ID, err)
	}
	return nil
}

func (u *unitOfWork) MarkProcessed(ctx context.Context, messageID, consumer string) (bool, error) {
	return inbox.MarkProcessed(ctx, u.tx, messageID, consumer, u.now())
}
