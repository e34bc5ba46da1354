package application

import (
	"context"
	"sync"

	"github.com/dmehra2102/order-fulfillment-saga/internal/order/domain"
)

type memRepo struct {
	mu     sync.Mutex
	orders map[string]domain.Snapshot
	inbox  map[string]bool
	outbox []domain.PendingEvent
}

func newMemRepo() *memRepo {
	return &memRepo{orders: map[string]domain.Snapshot{}, inbox: map[string]bool{}}
}

func (r *memRepo) Within(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	uow := &memUoW{repo: r, orders: map[string]domain.Snapshot{}}
	if err := fn(ctx, uow); err != nil {
		return err
	}
	for id, snap := range uow.orders {
		r.orders[id] = snap
	}
	for _, key := range uow.inbox {
		r.inbox[key] = true
	}
	r.outbox = append(r.outbox, uow.outbox...)
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return domain.Restore(snap)
}

func (r *memRepo) events() []domain.PendingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.PendingEvent(nil), r.outbox...)
}

// memUoW runs under the repo lock held by Within.
type memUoW struct {
	repo   *memRepo
	orders map[string]domain.Snapshot
	inbox  []string
	outbox []domain.PendingEvent
}

func (u *memUoW) LoadOrder(_ context.Context, id string) (*domain.Order, error) {
	snap, ok := u.orders[id]
	if !ok {
		snap, ok = u.repo.orders[id]
	}
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return domain.Restore(snap)
}

func (u *memUoW) SaveOrder(_ context.Context, o *domain.Order) error {
	current, exists := u.orders[o.ID]
	if !exists {
		current, exists = u.repo.orders[o.ID]
	}
	if exists && current.Version != o.Version {
		return domain.ErrVersionConflict
	}
	if !exists && o.Version != 0 {
		return domain.ErrVersionConflict
	}
	o.Version++
	u.orders[o.ID] = o.Snapshot()
	u.outbox = append(u.outbox, o.PullEvents()...)
	return nil
}

func (u *memUoW) MarkProcessed(_ context.Context, messageID, consumer string) (bool, error) {
	key := consumer + "/" + messageID
	if u.repo.inbox[key] {
		return false, nil
	}
	for _, k := range u.inbox {
		if k == key {
			return false, nil
		}
	}
	u.inbox = append(u.inbox, key)
	return true, nil
}
