package domain

import (
	"errors"
	"fmt"
)

var (
	ErrIllegalTransition = errors.New("illegal order transition")
	ErrOrderNotFound     = errors.New("order not found")
	ErrEmptyOrder        = errors.New("order has no items")
	ErrOrderSubmitted    = errors.New("order already submitted")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrItemNotFound      = errors.New("order item not found")
	ErrCurrencyMismatch  = errors.New("item currency differs from order currency")
	ErrVersionConflict   = errors.New("order was modified concurrently")
)

// TransitionError is returned when an action is not legal from the current status.
type TransitionError struct {
	OrderID string
	From    OrderStatus
	Action  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot %s from status %s", e.OrderID, e.Action, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }
