package application

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dmehra2102/order-fulfillment-saga/internal/catalog/domain"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/events"
)

func fixedClock() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func newService(repo *memRepo) *Service {
	return NewService(zap.NewNop(), repo, fixedClock)
}

func reserveCmd(msgID, orderID string, lines ...Line) ReserveCommand {
	return ReserveCommand{MessageID: msgID, OrderID: orderID, CorrelationID: "corr-" + orderID, Lines: lines}
}

func releaseCmd(msgID, orderID string, lines ...Line) ReleaseCommand {
	return ReleaseCommand{MessageID: msgID, OrderID: orderID, CorrelationID: "corr-" + orderID, Lines: lines}
}

func eventsOfType[T events.Event](pub []published) []T {
	var out []T
	for _, p := range pub {
		if ev, ok := p.event.(T); ok {
			out = append(out, ev)
		}
	}
	return out
}

func TestReserveThenRelease_RestoresStock(t *testing.T) {
	repo := newMemRepo(t, map[string]int{"p-1": 50})
	svc := newService(repo)
	ctx := context.Background()

	out, err := svc.Reserve(ctx, reserveCmd("m-1", "o-1", Line{ProductID: "p-1", Quantity: 10}))
	require.NoError(t, err)
	assert.True(t, out.Reserved)
	assert.Equal(t, []events.ReservedProduct{{ProductID: "p-1", QuantityReserved: 10}}, out.Products)
	assert.Equal(t, 40, repo.stock("p-1"))

	reserved := eventsOfType[events.StockReservedEvent](repo.published())
	require.Len(t, reserved, 1)
	assert.Equal(t, "corr-o-1", reserved[0].CorrelationID)
	changed := eventsOfType[events.StockChangedEvent](repo.published())
	require.Len(t, changed, 1)
	assert.Equal(t, -10, changed[0].Delta)

	rel, err := svc.Release(ctx, releaseCmd("m-2", "o-1", Line{ProductID: "p-1", Quantity: 10}))
	require.NoError(t, err)
	assert.Equal(t, 1, rel.Released)
	assert.Equal(t, 50, repo.stock("p-1"))

	res, ok := repo.reservation("o-1")
	require.True(t, ok)
	assert.Equal(t, domain.ReservationReleased, res.Status)
}

func TestReserve_InsufficientStockLeavesEveryProductUnchanged(t *testing.T) {
	repo := newMemRepo(t, map[string]int{"A": 100, "B": 3})
	svc := newService(repo)

	out, err := svc.Reserve(context.Background(), reserveCmd("m-1", "o-1",
		Line{ProductID: "A", Quantity: 10},
		Line{ProductID: "B", Quantity: 10},
	))
	require.NoError(t, err)
	assert.False(t, out.Reserved)
	assert.Contains(t, out.Reason, "Insufficient stock")
	assert.Equal(t, 100, repo.stock("A"))
	assert.Equal(t, 3, repo.stock("B"))

	failed := eventsOfType[events.StockReservationFailedEvent](repo.published())
	require.Len(t, failed, 1)
	assert.Equal(t, "Insufficient stock for product B", failed[0].Reason)
	assert.Empty(t, eventsOfType[events.StockReservedEvent](repo.published()))
	assert.Empty(t, eventsOfType[events.StockChangedEvent](repo.published()))

	res, ok := repo.reservation("o-1")
	require.True(t, ok)
	assert.Equal(t, domain.ReservationFailed, res.Status)
}

func TestReserve_AtomicAcrossLines(t *testing.T) {
	stock := map[string]int{"p-1": 10, "p-2": 10, "p-3": 10, "p-5": 10}
	repo := newMemRepo(t, stock)
	svc := newService(repo)

	out, err := svc.Reserve(context.Background(), reserveCmd("m-1", "o-1",
		Line{ProductID: "p-1", Quantity: 1},
		Line{ProductID: "p-2", Quantity: 2},
		Line{ProductID: "p-3", Quantity: 3},
		Line{ProductID: "p-4", Quantity: 1},
		Line{ProductID: "p-5", Quantity: 1},
	))
	require.NoError(t, err)
	assert.False(t, out.Reserved)
	assert.Equal(t, "Product p-4 not found", out.Reason)
	for id, qty := range stock {
		assert.Equal(t, qty, repo.stock(id), id)
	}
}

func TestReserve_InvalidQuantity(t *testing.T) {
	repo := newMemRepo(t, map[string]int{"p-1": 10})
	out, err := newService(repo).Reserve(context.Background(), reserveCmd("m-1", "o-1",
		Line{ProductID: "p-1", Quantity: 2},
		Line{ProductID: "p-1", Quantity: 0},
	))
	require.NoError(t, err)
	assert.Equal(t, "Invalid quantity for product p-1", out.Reason)
	assert.Equal(t, 10, repo.stock("p-1"))
}

func TestReserve_DuplicateDeliveryIsAbsorbed(t *testing.T) {
	repo := newMemRepo(t, map[string]int{"p-1": 10})
	svc := newService(repo)
	cmd := reserveCmd("m-1", "o-1", Line{ProductID: "p-1", Quantity: 4})

	_, err := svc.Reserve(context.Background(), cmd)
	require.NoError(t, err)
	out, err := svc.Reserve(context.Background(), cmd)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)

	cmd.MessageID = "m-1-republished"
	out, err = svc.Reserve(context.Background(), cmd)
	require.NoError(t, err)
	assert.True(t, out.Duplicate, "ledger blocks a second reservation for the same order")

	assert.Equal(t, 6, repo.stock("p-1"))
	assert.Len(t, eventsOfType[events.StockReservedEvent](repo.published()), 1)
}

func TestReserve_SameOrderConcurrentMessagesReserveOnce(t *testing.T) {
	repo := newMemRepo(t, map[string]int{"p-1": 10})
	svc := newService(repo)
	line := Line{ProductID: "p-1", Quantity: 4}

	waiting := make(chan string, 1)
	second := make(chan ReservationOutcome, 1)
	repo.beforeSave = func(r *memRepo) {
		r.mu.Lock()
		r.onLockWait = func(orderID string) { waiting <- orderID }
		r.mu.Unlock()
		go func() {
			out, err := svc.Reserve(context.Background(), reserveCmd("m-2", "o-1", line))
			assert.NoError(t, err)
			second <- out
		}()
		assert.Equal(t, "o-1", <-waiting, "second message waits on the order lock")
	}

	first, err := svc.Reserve(context.Background(), reserveCmd("m-1", "o-1", line))
	require.NoError(t, err)
	assert.True(t, first.Reserved)

	select {
	case out := <-second:
		assert.True(t, out.Duplicate)
		assert.False(t, out.Reserved)
	case <-time.After(5 * time.Second):
		t.Fatal("second reservation never finished")
	}
	assert.Equal(t, 6, repo.stock("p-1"))
	assert.Len(t, eventsOfType[events.StockReservedEvent](repo.published()), 1)
}

func TestRelease_SerializedWithReservationOfSameOrder(t *testing.T) {
	repo := newMemRepo(t, map[string]int{"p-1": 10})
	svc := newService(repo)
	line := Line{ProductID: "p-1", Quantity: 4}

	waiting := make(chan string, 1)
	released := make(chan error, 1)
	repo.beforeSave = func(r *memRepo) {
		r.mu.Lock()
		r.onLockWait = func(orderID string) { waiting <- orderID }
		r.mu.Unlock()
		go func() {
			_, err := svc.Release(context.Background(), releaseCmd("m-2", "o-1", line))
			released <- err
		}()
		<-waiting
	}

	_, err := svc.Reserve(context.Background(), reserveCmd("m-1", "o-1", line))
	require.NoError(t, err)

	select {
	case err := <-released:
		require.NoError(t, err, "release sees the committed reservation instead of a pending one")
	case <-time.After(5 * time.Second):
		t.Fatal("release never finished")
	}
	assert.Equal(t, 10, repo.stock("p-1"))
	res, ok := repo.reservation("o-1")
	require.True(t, ok)
	assert.Equal(t, domain.ReservationReleased, res.Status)
}

func TestReserve_RetriesAfterStockConflict(t *testing.T) {
	repo := newMemRepo(t, map[string]int{"p-1": 10})
	repo.beforeSave = func(r *memRepo) {
		r.mu.Lock()
		defer r.mu.Unlock()
		p := r.products["p-1"]
		p.StockQuantity = 2
		r.products["p-1"] = p
	}

	out, err := newService(repo).Reserve(context.Background(), reserveCmd("m-1", "o-1", Line{ProductID: "p-1", Quantity: 5}))
	require.NoError(t, err)
	assert.False(t, out.Reserved)
	assert.Equal(t, "Insufficient stock for product p-1", out.Reason)
	assert.Equal(t, 2, repo.stock("p-1"))
	assert.Equal(t, 2, repo.withinCalls, "conflict rolled back and retried once")
}

func TestReserve_NoOversellUnderConcurrency(t *testing.T) {
	const stock, orders, perOrder = 50, 40, 3
	repo := newMemRepo(t, map[string]int{"p-1": stock})
	svc := newService(repo)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved int
	)
	for i := 0; i < orders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("o-%d", i)
			out, err := svc.Reserve(context.Background(), reserveCmd("m-"+id, id, Line{ProductID: "p-1", Quantity: perOrder}))
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrStockConflict)
				return
			}
			if out.Reserved {
				mu.Lock()
				reserved += perOrder
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, reserved, stock)
	assert.Equal(t, stock-reserved, repo.stock("p-1"))
}

func TestRelease_ReplayDoesNotDoubleCredit(t *testing.T) {
	repo := newMemRepo(t, map[string]int{"p-1": 50})
	svc := newService(repo)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, reserveCmd("m-1", "o-1", Line{ProductID: "p-1", Quantity: 10}))
	require.NoError(t, err)

	cmd := releaseCmd("m-2", "o-1", Line{ProductID: "p-1", Quantity: 10})
	first, err := svc.Release(ctx, cmd)
	require.NoError(t, err)
	second, err := svc.Release(ctx, cmd)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Released)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 50, repo.stock("p-1"))

	cmd.MessageID = "m-3"
	third, err := svc.Release(ctx, cmd)
	require.NoError(t, err)
	assert.Zero(t, third.Released, "ledger already released")
	assert.Equal(t, 50, repo.stock("p-1"))
}

func TestRelease_BeforeReservationIsRetryable(t *testing.T) {
	repo := newMemRepo(t, map[string]int{"p-1": 20})
	svc := newService(repo)
	ctx := context.Background()
	cmd := releaseCmd("m-2", "o-1", Line{ProductID: "p-1", Quantity: 5})

	_, err := svc.Release(ctx, cmd)
	require.ErrorIs(t, err, domain.ErrReservationPending)
	assert.NotErrorIs(t, err, domain.ErrProductNotFound)

	_, err = svc.Reserve(ctx, reserveCmd("m-1", "o-1", Line{ProductID: "p-1", Quantity: 5}))
	require.NoError(t, err)
	assert.Equal(t, 15, repo.stock("p-1"))

	out, err := svc.Release(ctx, cmd)
	require.NoError(t, err, "the inbox record rolled back with the failed attempt")
	assert.Equal(t, 1, out.Released)
	assert.Equal(t, 20, repo.stock("p-1"))
}

func TestRelease_SkipsUnknownProducts(t *testing.T) {
	repo := newMemRepo(t, map[string]int{"p-1": 10, "p-2": 10})
	svc := newService(repo)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, reserveCmd("m-1", "o-1",
		Line{ProductID: "p-1", Quantity: 2},
		Line{ProductID: "p-2", Quantity: 3},
	))
	require.NoError(t, err)

	repo.mu.Lock()
	delete(repo.products, "p-2")
	repo.mu.Unlock()

	out, err := svc.Release(ctx, releaseCmd("m-2", "o-1",
		Line{ProductID: "p-1", Quantity: 2},
		Line{ProductID: "p-2", Quantity: 3},
	))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Released)
	assert.Equal(t, 10, repo.stock("p-1"))
}

func TestRelease_AfterFailedReservationReleasesNothing(t *testing.T) {
	repo := newMemRepo(t, map[string]int{"p-1": 1})
	svc := newService(repo)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, reserveCmd("m-1", "o-1", Line{ProductID: "p-1", Quantity: 5}))
	require.NoError(t, err)

	out, err := svc.Release(ctx, releaseCmd("m-2", "o-1", Line{ProductID: "p-1", Quantity: 5}))
	require.NoError(t, err)
	assert.Zero(t, out.Released)
	assert.Equal(t, 1, repo.stock("p-1"))
}

func TestRelease_RejectsNonPositiveQuantity(t *testing.T) {
	repo := newMemRepo(t, map[string]int{"p-1": 10})
	_, err := newService(repo).Release(context.Background(), releaseCmd("m-1", "o-1", Line{ProductID: "p-1", Quantity: 0}))
	require.ErrorIs(t, err, domain.ErrNonPositiveQuantity)
	assert.Equal(t, 10, repo.stock("p-1"))
	assert.Zero(t, repo.withinCalls)
}

func TestReserve_PublishesCorrelation(t *testing.T) {
	repo := newMemRepo(t, map[string]int{"p-1": 10})
	_, err := newService(repo).Reserve(context.Background(), reserveCmd("m-1", "o-9", Line{ProductID: "p-1", Quantity: 1}))
	require.NoError(t, err)
	for _, p := range repo.published() {
		assert.Equal(t, "corr-o-9", p.correlationID)
	}
	assert.Equal(t, 9, repo.stock("p-1"))
}
