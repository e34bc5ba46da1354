package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/dmehra2102/order-fulfillment-saga/pkg/tracing"
)

const (
	HeaderEventType     = "event_type"
	HeaderMessageID     = "message_id"
	HeaderCorrelationID = "correlation_id"
)

var ErrNoTopic = errors.New("outbox event has no topic")

type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Dispatcher publishes outbox rows to Kafka behind a circuit breaker, so a
// dead broker fails a batch quickly instead of waiting out every write.
type Dispatcher struct {
	log      *zap.Logger
	producer Producer
	breaker  *gobreaker.CircuitBreaker
}

func NewDispatcher(log *zap.Logger, producer Producer, name string) *Dispatcher {
	return &Dispatcher{
		log:      log,
		producer: producer,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("dispatcher breaker state changed",
					zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}),
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	if event.Topic == "" {
		return ErrNoTopic
	}
	msg := kafka.Message{
		Topic:   event.Topic,
		Key:     []byte(event.AggregateID),
		Value:   event.Payload,
		Headers: headersFor(event),
	}

	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.producer.WriteMessages(ctx, msg)
	})
	if err != nil {
		d.log.Error("outbox dispatch failed",
			zap.Int64("event_id", event.ID), zap.String("message_id", event.MessageID), zap.Error(err))
		return err
	}
	d.log.Debug("outbox dispatched",
		zap.Int64("event_id", event.ID), zap.String("type", event.Type), zap.String("topic", event.Topic))
	return nil
}

func headersFor(event Event) []kafka.Header {
	headers := make([]kafka.Header, 0, len(event.Headers)+4)
	for k, v := range event.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers,
		kafka.Header{Key: HeaderEventType, Value: []byte(event.Type)},
		kafka.Header{Key: HeaderMessageID, Value: []byte(event.MessageID)},
	)
	if event.CorrelationID != "" {
		headers = append(headers, kafka.Header{Key: HeaderCorrelationID, Value: []byte(event.CorrelationID)})
	}
	if _, ok := event.Headers[tracing.TraceparentHeader]; !ok && event.Traceparent != "" {
		headers = append(headers, kafka.Header{Key: tracing.TraceparentHeader, Value: []byte(event.Traceparent)})
	}
	return headers
}
