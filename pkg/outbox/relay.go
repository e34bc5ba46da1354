package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Store interface {
	LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]Event, error)
	MarkSent(ctx context.Context, relayID string, ids []int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string, maxRetries int) error
	ExtendLease(ctx context.Context, relayID string, ids []int64, lease time.Duration) error
}

type Publisher interface {
	Dispatch(ctx context.Context, event Event) error
}

// Observer receives per-row publish outcomes; metrics hook in here.
type Observer interface {
	Published(topic string)
	Failed(topic string)
}

type Relay struct {
	log        *zap.Logger
	store      Store
	publisher  Publisher
	observer   Observer
	relayID    string
	batchSize  int
	interval   time.Duration
	lease      time.Duration
	maxRetries int
}

type Option func(*Relay)

func WithBatchSize(n int) Option         { return func(r *Relay) { r.batchSize = n } }
func WithInterval(d time.Duration) Option { return func(r *Relay) { r.interval = d } }
func WithLease(d time.Duration) Option    { return func(r *Relay) { r.lease = d } }
func WithMaxRetries(n int) Option         { return func(r *Relay) { r.maxRetries = n } }
func WithObserver(o Observer) Option      { return func(r *Relay) { r.observer = o } }

func NewRelay(log *zap.Logger, store Store, publisher Publisher, relayID string, opts ...Option) *Relay {
	r := &Relay{
		log:        log,
		store:      store,
		publisher:  publisher,
		relayID:    relayID,
		batchSize:  100,
		interval:   500 * time.Millisecond,
		lease:      5 * time.Second,
		maxRetries: 10,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay stopping", zap.String("relay_id", r.relayID))
			return nil
		case <-t.C:
			if _, err := r.Tick(ctx); err != nil {
				r.log.Error("relay tick failed", zap.String("relay_id", r.relayID), zap.Error(err))
			}
		}
	}
}

// Tick publishes one batch and returns how many rows were acknowledged.
// Rows are marked sent only after the broker accepted them.
func (r *Relay) Tick(ctx context.Context) (int, error) {
	batch, err := r.store.LockBatch(ctx, r.relayID, r.batchSize, r.lease)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	started := time.Now()
	claimed := make([]int64, 0, len(batch))
	for _, e := range batch {
		claimed = append(claimed, e.ID)
	}

	sent := make([]int64, 0, len(batch))
	for i, e := range batch {
		if time.Since(started) > r.lease/2 {
			if err := r.store.ExtendLease(ctx, r.relayID, claimed[i:], r.lease); err != nil {
				r.log.Warn("relay extend lease failed", zap.Error(err))
			}
			started = time.Now()
		}

		if err := r.publisher.Dispatch(ctx, e); err != nil {
			if r.observer != nil {
				r.observer.Failed(e.Topic)
			}
			if markErr := r.store.MarkFailed(ctx, e.ID, err.Error(), r.maxRetries); markErr != nil {
				r.log.Error("relay mark failed error", zap.Int64("event_id", e.ID), zap.Error(markErr))
			}
			if e.RetryCount+1 >= r.maxRetries {
				r.log.Error("outbox event parked after max retries",
					zap.Int64("event_id", e.ID), zap.String("message_id", e.MessageID), zap.Int("retries", e.RetryCount+1))
			}
			continue
		}
		if r.observer != nil {
			r.observer.Published(e.Topic)
		}
		sent = append(sent, e.ID)
	}

	if len(sent) > 0 {
		if err := r.store.MarkSent(ctx, r.relayID, sent); err != nil {
			return 0, err
		}
	}
	return len(sent), nil
}
