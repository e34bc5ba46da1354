package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dmehra2102/order-fulfillment-saga/pkg/correlation"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/events"
)

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []int64
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs)+1)}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func envelopeMessage(t *testing.T, offset int64, partition int, ev events.Event) kafka.Message {
	t.Helper()
	env, err := events.Wrap(ev, "corr-1", time.Now())
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return kafka.Message{Topic: events.TopicOf(ev.EventType()), Partition: partition, Offset: offset, Value: raw}
}

func testConfig() Config {
	return Config{Name: "test", Workers: 2, Lease: time.Second, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func runConsumer(t *testing.T, c *Consumer) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestConsumer_CommitsAfterSuccess(t *testing.T) {
	reader := newFakeReader(envelopeMessage(t, 10, 0, events.OrderCreatedEvent{OrderID: "o-1"}))
	var gotCorrelation atomic.Value
	handlers := map[string]Handler{
		events.TypeOrderCreated: func(ctx context.Context, env events.Envelope) error {
			gotCorrelation.Store(correlation.FromContext(ctx))
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline, "handler runs under the lease")
			return nil
		},
	}
	cancel, done := runConsumer(t, NewConsumer(zap.NewNop(), reader, testConfig(), handlers))

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "corr-1", gotCorrelation.Load())
	cancel()
	require.NoError(t, <-done)
	assert.True(t, reader.closed)
}

func TestConsumer_RetriesInfrastructureErrors(t *testing.T) {
	reader := newFakeReader(envelopeMessage(t, 1, 0, events.OrderCancelledEvent{OrderID: "o-1"}))
	var calls atomic.Int32
	handlers := map[string]Handler{
		events.TypeOrderCancelled: func(context.Context, events.Envelope) error {
			if calls.Add(1) < 3 {
				return errors.New("connection refused")
			}
			return nil
		},
	}
	runConsumer(t, NewConsumer(zap.NewNop(), reader, testConfig(), handlers))

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestConsumer_CommitsPermanentFailuresWithoutRetry(t *testing.T) {
	reader := newFakeReader(
		envelopeMessage(t, 1, 0, events.StockReservedEvent{OrderID: "o-1"}),
		kafka.Message{Topic: events.TopicStockOutcome, Offset: 2, Value: []byte("not json")},
	)
	var calls atomic.Int32
	handlers := map[string]Handler{
		events.TypeStockReserved: func(context.Context, events.Envelope) error {
			calls.Add(1)
			return Permanent(ClassBusinessRule, errors.New("cannot confirm from cancelled"))
		},
	}
	runConsumer(t, NewConsumer(zap.NewNop(), reader, testConfig(), handlers))

	require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConsumer_SkipsUnknownTypes(t *testing.T) {
	reader := newFakeReader(envelopeMessage(t, 5, 0, events.StockChangedEvent{ProductID: "p-1"}))
	runConsumer(t, NewConsumer(zap.NewNop(), reader, testConfig(), map[string]Handler{}))

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, time.Second, time.Millisecond)
}

func TestConsumer_ShutdownLeavesOffsetUncommitted(t *testing.T) {
	reader := newFakeReader(envelopeMessage(t, 1, 0, events.OrderCreatedEvent{OrderID: "o-1"}))
	started := make(chan struct{})
	var once sync.Once
	handlers := map[string]Handler{
		events.TypeOrderCreated: func(context.Context, events.Envelope) error {
			once.Do(func() { close(started) })
			return errors.New("db unreachable")
		},
	}
	cancel, done := runConsumer(t, NewConsumer(zap.NewNop(), reader, testConfig(), handlers))

	<-started
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, reader.commits())
}

type fakeClaimer struct {
	mu       sync.Mutex
	denials  int
	released int
}

func (f *fakeClaimer) Claim(context.Context, string, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denials > 0 {
		f.denials--
		return false, nil
	}
	return true, nil
}

func (f *fakeClaimer) Release(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func TestConsumer_WaitsForClaim(t *testing.T) {
	reader := newFakeReader(envelopeMessage(t, 1, 0, events.OrderCreatedEvent{OrderID: "o-1"}))
	claimer := &fakeClaimer{denials: 2}
	var calls atomic.Int32
	handlers := map[string]Handler{
		events.TypeOrderCreated: func(context.Context, events.Envelope) error {
			calls.Add(1)
			return nil
		},
	}
	runConsumer(t, NewConsumer(zap.NewNop(), reader, testConfig(), handlers, WithClaimer(claimer)))

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	claimer.mu.Lock()
	assert.Equal(t, 1, claimer.released)
	claimer.mu.Unlock()
}

func TestClassify(t *testing.T) {
	class, permanent := Classify(errors.New("timeout"))
	assert.Equal(t, ClassInfrastructure, class)
	assert.False(t, permanent)

	class, permanent = Classify(Permanent(ClassValidation, errors.New("qty <= 0")))
	assert.Equal(t, ClassValidation, class)
	assert.True(t, permanent)

	_, permanent = Classify(events.ErrMalformedEnvelope)
	assert.True(t, permanent)

	assert.ErrorIs(t, Permanent(ClassBusinessRule, errors.New("x")), ErrPermanent)
	assert.NotErrorIs(t, Permanent(ClassInfrastructure, errors.New("x")), ErrPermanent)
	assert.Nil(t, Permanent(ClassBusinessRule, nil))
}
