package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmehra2102/order-fulfillment-saga/pkg/events"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/primitives"
)

// Product is the catalog aggregate owning StockQuantity. Mutations are staged
// in memory; the repository persists the net delta with a conditional update.
type Product struct {
	ID            string
	Name          string
	Price         primitives.Money
	StockQuantity primitives.Quantity
	SKU           string
	CategoryID    string
	Version       int64

	reserved primitives.Quantity
	delta    int
	changes  []events.StockChangedEvent
}

func NewProduct(id, name string, price primitives.Money, stock primitives.Quantity, sku, categoryID string) (*Product, error) {
	if id == "" {
		return nil, errors.New("product id is required")
	}
	if stock < 0 {
		return nil, ErrNegativeStock
	}
	return &Product{
		ID:            id,
		Name:          name,
		Price:         price,
		StockQuantity: stock,
		SKU:           sku,
		CategoryID:    categoryID,
	}, nil
}

// ReserveStock takes q units. It returns false without mutating when q is not
// positive or stock is insufficient.
func (p *Product) ReserveStock(q primitives.Quantity, now time.Time) bool {
	if !q.Positive() || p.StockQuantity < q {
		return false
	}
	p.apply(-int(q), now)
	p.reserved += q
	return true
}

// ReleaseStock gives back units taken by ReserveStock in the same unit of
// work. It returns false when q is not positive or exceeds what was reserved.
func (p *Product) ReleaseStock(q primitives.Quantity, now time.Time) bool {
	if !q.Positive() || q > p.reserved {
		return false
	}
	p.apply(int(q), now)
	p.reserved -= q
	return true
}

// RestoreStock adds back previously reserved units on compensation.
func (p *Product) RestoreStock(q primitives.Quantity, now time.Time) error {
	if !q.Positive() {
		return fmt.Errorf("%w: restore %d of product %s", ErrNonPositiveQuantity, q, p.ID)
	}
	p.apply(int(q), now)
	return nil
}

// PendingDelta is the net stock change staged since load or the last PullChanges.
func (p *Product) PendingDelta() int { return p.delta }

// PullChanges drains the staged inventory-changed events and resets the
// pending delta. The commit path calls it once per unit of work.
func (p *Product) PullChanges() []events.StockChangedEvent {
	out := p.changes
	p.changes = nil
	p.delta = 0
	p.reserved = 0
	return out
}

func (p *Product) apply(delta int, now time.Time) {
	next := int(p.StockQuantity) + delta
	if next < 0 {
		// unreachable through the public methods
		panic(fmt.Sprintf("product %s: stock would become %d", p.ID, next))
	}
	p.StockQuantity = primitives.Quantity(next)
	p.delta += delta
	p.changes = append(p.changes, events.StockChangedEvent{
		ProductID:     p.ID,
		Delta:         delta,
		StockQuantity: next,
		OccurredAt:    now,
	})
}
