package messaging

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dmehra2102/order-fulfillment-saga/pkg/correlation"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/events"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/logging"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/tracing"
)

// Handler processes one decoded envelope. A nil return commits the message.
type Handler func(ctx context.Context, env events.Envelope) error

// Claimer guards a delivery against concurrent processing by another instance.
type Claimer interface {
	Claim(ctx context.Context, consumer, messageID string) (bool, error)
	Release(ctx context.Context, consumer, messageID string) error
}

type Recorder interface {
	Handled(consumer, outcome string, elapsed time.Duration)
}

type Config struct {
	// Name identifies the consumer in logs, metrics and claims.
	Name           string
	Workers        int
	Lease          time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Consumer struct {
	log      *zap.Logger
	reader   Reader
	cfg      Config
	handlers map[string]Handler
	claimer  Claimer
	recorder Recorder
	tracer   trace.Tracer
}

type Option func(*Consumer)

func WithClaimer(c Claimer) Option   { return func(k *Consumer) { k.claimer = c } }
func WithRecorder(r Recorder) Option { return func(k *Consumer) { k.recorder = r } }

// NewConsumer routes envelopes by event type to handlers. Types without a
// handler are committed and ignored.
func NewConsumer(log *zap.Logger, reader Reader, cfg Config, handlers map[string]Handler, opts ...Option) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	c := &Consumer{
		log:      log.With(zap.String("consumer", cfg.Name)),
		reader:   reader,
		cfg:      cfg,
		handlers: handlers,
		tracer:   otel.Tracer("saga-consumer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run fetches until ctx is cancelled. Messages are routed to a worker by
// partition, so offsets within a partition are handled and committed in order
// while partitions progress independently.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	queues := make([]chan kafka.Message, c.cfg.Workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan kafka.Message)
		wg.Add(1)
		go func(q <-chan kafka.Message) {
			defer wg.Done()
			for msg := range q {
				c.process(ctx, msg)
			}
		}(queues[i])
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	c.log.Info("consumer started", zap.Int("workers", c.cfg.Workers))
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.log.Info("consumer stopping")
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			c.log.Error("fetch message failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.cfg.InitialBackoff):
			}
			continue
		}

		q := queues[msg.Partition%len(queues)]
		select {
		case q <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	started := time.Now()
	ctx = tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	ctx, span := c.tracer.Start(ctx, "consume "+msg.Topic, trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		))
	defer span.End()

	env, err := events.Decode(msg.Value)
	if err != nil {
		c.finish(ctx, span, msg, "permanent", started, err)
		return
	}
	ctx = correlation.WithID(ctx, env.CorrelationID)
	span.SetAttributes(
		attribute.String("messaging.message.id", env.MessageID),
		attribute.String("saga.event_type", env.Type),
		attribute.String("saga.correlation_id", env.CorrelationID),
	)

	handler, ok := c.handlers[env.Type]
	if !ok {
		logging.Debug(ctx, c.log, "no handler for event type", zap.String("type", env.Type))
		c.finish(ctx, span, msg, "skipped", started, nil)
		return
	}

	err = c.handleWithRetry(ctx, env, handler)
	switch {
	case err == nil:
		c.finish(ctx, span, msg, "ok", started, nil)
	case ctx.Err() != nil:
		// shutting down: leave the offset uncommitted for redelivery
		logging.Warn(ctx, c.log, "handler interrupted by shutdown",
			zap.String("message_id", env.MessageID), zap.Error(err))
	default:
		c.finish(ctx, span, msg, "permanent", started, err)
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, env events.Envelope, handler Handler) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	op := func() error {
		err := c.attempt(ctx, env, handler)
		if err == nil {
			return nil
		}
		if _, permanent := Classify(err); permanent {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logging.Warn(ctx, c.log, "handler failed, retrying",
			zap.String("message_id", env.MessageID),
			zap.String("error_class", string(ClassInfrastructure)),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

// attempt runs handler once under the lease deadline.
func (c *Consumer) attempt(ctx context.Context, env events.Envelope, handler Handler) error {
	if c.claimer != nil {
		won, err := c.claimer.Claim(ctx, c.cfg.Name, env.MessageID)
		switch {
		case err != nil:
			logging.Warn(ctx, c.log, "claim unavailable, relying on inbox", zap.Error(err))
		case !won:
			return ErrClaimedElsewhere
		default:
			defer func() {
				if err := c.claimer.Release(context.WithoutCancel(ctx), c.cfg.Name, env.MessageID); err != nil {
					logging.Warn(ctx, c.log, "claim release failed", zap.Error(err))
				}
			}()
		}
	}

	leaseCtx, cancel := context.WithTimeout(ctx, c.cfg.Lease)
	defer cancel()
	return handler(leaseCtx, env)
}

func (c *Consumer) finish(ctx context.Context, span trace.Span, msg kafka.Message, outcome string, started time.Time, cause error) {
	if cause != nil {
		class, _ := Classify(cause)
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
		fields := []zap.Field{
			zap.String("error_class", string(class)),
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(cause),
		}
		if class == ClassBusinessRule {
			logging.Warn(ctx, c.log, "business rule violation, message dropped", fields...)
		} else {
			logging.Error(ctx, c.log, "message rejected", fields...)
		}
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.reader.CommitMessages(commitCtx, msg); err != nil {
		logging.Error(ctx, c.log, "commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
	}
	if c.recorder != nil {
		c.recorder.Handled(c.cfg.Name, outcome, time.Since(started))
	}
}
