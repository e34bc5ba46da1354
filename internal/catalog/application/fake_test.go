package application

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/order-fulfillment-saga/internal/catalog/domain"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/events"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/primitives"
)

type published struct {
	event         events.Event
	correlationID string
}

// memRepo mimics the Postgres repository closely enough for the saga
// properties: conditional stock updates, per-order locks and row locks held
// until commit, and rollback of everything on error.
type memRepo struct {
	mu           sync.Mutex
	rowLocks     sync.Mutex
	orderLocks   map[string]*sync.Mutex
	products     map[string]domain.Product
	reservations map[string]domain.Reservation
	inbox        map[string]bool
	outbox       []published
	withinCalls  int

	// beforeSave runs once, at the first SaveProducts, before row locks are taken.
	beforeSave func(r *memRepo)
	// onLockWait, when set, is called with the order id before blocking on its lock.
	onLockWait func(orderID string)
}

func newMemRepo(t *testing.T, stock map[string]int) *memRepo {
	t.Helper()
	r := &memRepo{
		products:     map[string]domain.Product{},
		reservations: map[string]domain.Reservation{},
		inbox:        map[string]bool{},
		orderLocks:   map[string]*sync.Mutex{},
	}
	for id, qty := range stock {
		p, err := domain.NewProduct(id, "Product "+id, primitives.MustMoney("5.00", "USD"), primitives.Quantity(qty), "SKU-"+id, "cat")
		require.NoError(t, err)
		r.products[id] = *p
	}
	return r
}

func (r *memRepo) stock(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.products[id].StockQuantity)
}

func (r *memRepo) published() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.outbox...)
}

func (r *memRepo) reservation(orderID string) (domain.Reservation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[orderID]
	return res, ok
}

func (r *memRepo) Within(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error {
	r.mu.Lock()
	r.withinCalls++
	r.mu.Unlock()

	uow := &memUoW{repo: r, writes: map[string]int{}}
	err := fn(ctx, uow)
	for _, l := range uow.held {
		defer l.Unlock()
	}
	if uow.locked {
		defer r.rowLocks.Unlock()
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range uow.inbox {
		if r.inbox[key] {
			return errors.New("duplicate key value violates unique constraint")
		}
	}
	for id, d := range uow.writes {
		p := r.products[id]
		p.StockQuantity += primitives.Quantity(d)
		p.Version++
		r.products[id] = p
	}
	for _, res := range uow.reservations {
		r.reservations[res.OrderID] = res
	}
	for _, key := range uow.inbox {
		r.inbox[key] = true
	}
	r.outbox = append(r.outbox, uow.outbox...)
	return nil
}

type memUoW struct {
	repo         *memRepo
	locked       bool
	held         []*sync.Mutex
	writes       map[string]int
	reservations []domain.Reservation
	inbox        []string
	outbox       []published
}

func (u *memUoW) LockOrder(_ context.Context, orderID string) error {
	u.repo.mu.Lock()
	l, ok := u.repo.orderLocks[orderID]
	if !ok {
		l = &sync.Mutex{}
		u.repo.orderLocks[orderID] = l
	}
	wait := u.repo.onLockWait
	u.repo.mu.Unlock()

	if wait != nil {
		wait(orderID)
	}
	l.Lock()
	u.held = append(u.held, l)
	return nil
}

func (u *memUoW) LoadProduct(_ context.Context, id string) (*domain.Product, error) {
	u.repo.mu.Lock()
	defer u.repo.mu.Unlock()
	p, ok := u.repo.products[id]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	p.StockQuantity += primitives.Quantity(u.writes[id])
	return &p, nil
}

func (u *memUoW) SaveProducts(_ context.Context, products []*domain.Product) error {
	u.repo.mu.Lock()
	hook := u.repo.beforeSave
	u.repo.beforeSave = nil
	u.repo.mu.Unlock()
	if hook != nil {
		hook(u.repo)
	}

	if !u.locked {
		u.repo.rowLocks.Lock()
		u.locked = true
	}
	u.repo.mu.Lock()
	defer u.repo.mu.Unlock()
	for _, p := range products {
		committed, ok := u.repo.products[p.ID]
		if !ok {
			return domain.ErrProductNotFound
		}
		d := p.PendingDelta()
		if int(committed.StockQuantity)+u.writes[p.ID]+d < 0 {
			return domain.ErrStockConflict
		}
		u.writes[p.ID] += d
	}
	return nil
}

func (u *memUoW) Reservation(_ context.Context, orderID string) (*domain.Reservation, error) {
	for i := len(u.reservations) - 1; i >= 0; i-- {
		if u.reservations[i].OrderID == orderID {
			res := u.reservations[i]
			return &res, nil
		}
	}
	u.repo.mu.Lock()
	defer u.repo.mu.Unlock()
	res, ok := u.repo.reservations[orderID]
	if !ok {
		return nil, nil
	}
	return &res, nil
}

func (u *memUoW) SaveReservation(_ context.Context, r domain.Reservation) error {
	u.reservations = append(u.reservations, r)
	return nil
}

func (u *memUoW) Publish(_ context.Context, ev events.Event, correlationID string) error {
	u.outbox = append(u.outbox, published{event: ev, correlationID: correlationID})
	return nil
}

func (u *memUoW) MarkProcessed(_ context.Context, messageID, consumer string) (bool, error) {
	key := consumer + "/" + messageID
	u.repo.mu.Lock()
	defer u.repo.mu.Unlock()
	if u.repo.inbox[key] {
		return false, nil
	}
	u.inbox = append(u.inbox, key)
	return true, nil
}
