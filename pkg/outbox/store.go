package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PgStore is the Postgres implementation of Store. Both services share the
// outbox table layout.
type PgStore struct {
	log  *zap.Logger
	pool *pgxpool.Pool
}

func NewPgStore(log *zap.Logger, pool *pgxpool.Pool) *PgStore {
	return &PgStore{log: log, pool: pool}
}

// LockBatch claims pending rows and in_progress rows whose lease expired.
func (s *PgStore) LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]Event, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.log.Error("outbox lock batch rollback failed", zap.Error(err))
		}
	}()

	rows, err := tx.Query(ctx, `
		SELECT id, message_id, topic, aggregate_type, aggregate_id, type, correlation_id,
			payload, headers, traceparent, created_at, retry_count
		FROM outbox
		WHERE status = 'pending'
		   OR (status = 'in_progress' AND lease_until < now())
		ORDER BY id
		FOR UPDATE SKIP LOCKED
		LIMIT $1`, batchSize)
	if err != nil {
		return nil, err
	}

	var batch []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.MessageID, &ev.Topic, &ev.AggregateType, &ev.AggregateID, &ev.Type,
			&ev.CorrelationID, &ev.Payload, &ev.Headers, &ev.Traceparent, &ev.CreatedAt, &ev.RetryCount); err != nil {
			rows.Close()
			return nil, err
		}
		ev.Status = StatusInProgress
		ev.RelayID = relayID
		batch = append(batch, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, 0, len(batch))
	for _, ev := range batch {
		ids = append(ids, ev.ID)
	}
	_, err = tx.Exec(ctx, `
		UPDATE outbox SET status = 'in_progress', relay_id = $1, lease_until = now() + $2::interval
		WHERE id = ANY($3)`, relayID, lease.String(), ids)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return batch, nil
}

func (s *PgStore) MarkSent(ctx context.Context, relayID string, ids []int64) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = 'sent', sent_at = now(), lease_until = NULL
		WHERE id = ANY($1) AND relay_id = $2`, ids, relayID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("outbox: no rows marked sent for relay %s", relayID)
	}
	return nil
}

// MarkFailed returns the row to pending for another attempt, or parks it as
// failed once maxRetries attempts have been made.
func (s *PgStore) MarkFailed(ctx context.Context, id int64, errMsg string, maxRetries int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox
		SET retry_count = retry_count + 1,
			last_error = $2,
			lease_until = NULL,
			status = CASE WHEN retry_count + 1 >= $3 THEN 'failed' ELSE 'pending' END
		WHERE id = $1`, id, errMsg, maxRetries)
	return err
}

func (s *PgStore) ExtendLease(ctx context.Context, relayID string, ids []int64, lease time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET lease_until = now() + $1::interval
		WHERE id = ANY($2) AND relay_id = $3 AND status = 'in_progress'`, lease.String(), ids, relayID)
	return err
}
