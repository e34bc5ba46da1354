package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmehra2102/order-fulfillment-saga/pkg/events"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/tracing"
)

// Execer is satisfied by pgx.Tx; enqueueing must happen inside the
// transaction that commits the state change.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Enqueue wraps ev in an envelope and inserts it as a pending outbox row.
// It returns the envelope's message id.
func Enqueue(ctx context.Context, db Execer, aggregateType string, ev events.Event, correlationID string, now time.Time) (string, error) {
	topic := events.TopicOf(ev.EventType())
	if topic == "" {
		return "", fmt.Errorf("outbox: no topic for event type %s", ev.EventType())
	}
	env, err := events.Wrap(ev, correlationID, now)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("outbox: marshal envelope: %w", err)
	}
	headers, err := json.Marshal(tracing.InjectHeaders(ctx))
	if err != nil {
		return "", fmt.Errorf("outbox: marshal headers: %w", err)
	}

	_, err = db.Exec(ctx, `
		INSERT INTO outbox (message_id, topic, aggregate_type, aggregate_id, type, correlation_id,
			payload, headers, traceparent, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', $10)`,
		env.MessageID, topic, aggregateType, ev.AggregateID(), ev.EventType(), correlationID,
		payload, headers, tracing.Traceparent(ctx), now.UTC())
	if err != nil {
		return "", fmt.Errorf("outbox: insert %s: %w", ev.EventType(), err)
	}
	return env.MessageID, nil
}
