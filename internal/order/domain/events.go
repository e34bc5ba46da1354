package domain

import "github.com/dmehra2102/order-fulfillment-saga/pkg/events"

// PendingEvent is a domain event staged by the aggregate, waiting for the
// commit path to write it to the outbox.
type PendingEvent struct {
	Event         events.Event
	CorrelationID string
}
