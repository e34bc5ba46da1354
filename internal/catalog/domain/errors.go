package domain

import "errors"

var (
	ErrProductNotFound     = errors.New("product not found")
	ErrNonPositiveQuantity = errors.New("quantity must be positive")
	ErrNegativeStock       = errors.New("stock quantity must not be negative")
	// ErrStockConflict means a conditional stock update matched no row: a
	// concurrent command consumed the stock after it was loaded.
	ErrStockConflict = errors.New("stock changed concurrently")
	// ErrReservationPending means a release arrived before its reservation
	// committed. It is retryable and distinct from ErrProductNotFound.
	ErrReservationPending = errors.New("reservation not yet recorded")
)
