// Package inbox records processed (message id, consumer) pairs inside the
// consumer's own transaction.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Consumer names used as the second half of the inbox key.
const (
	ConsumerReservation  = "catalog.reservation"
	ConsumerRelease      = "catalog.release"
	ConsumerStockOutcome = "order.stock-outcome"
)

var ErrEmptyKey = errors.New("inbox: message id and consumer are required")

type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// MarkProcessed inserts the pair and reports whether it was new. A false
// result means the message was already handled by this consumer; the caller
// must skip its side effects. The row only becomes visible if the caller's
// transaction commits, so a crash before commit leaves the message unprocessed.
func MarkProcessed(ctx context.Context, db Execer, messageID, consumer string, now time.Time) (bool, error) {
	if messageID == "" || consumer == "" {
		return false, ErrEmptyKey
	}
	ct, err := db.Exec(ctx, `
		INSERT INTO inbox (message_id, consumer, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, consumer) DO NOTHING`, messageID, consumer, now.UTC())
	if err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("inbox: record %s/%s: %w", consumer, messageID, err)
	}
	return ct.RowsAffected() == 1, nil
}

// IsUniqueViolation reports whether err is a Postgres 23505.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
