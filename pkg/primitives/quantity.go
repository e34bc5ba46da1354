package primitives

import (
	"errors"
	"fmt"
)

var ErrNegativeQuantity = errors.New("quantity must not be negative")

// Quantity counts units of stock or order lines. The zero value is valid.
type Quantity int

func NewQuantity(n int) (Quantity, error) {
	if n < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativeQuantity, n)
	}
	return Quantity(n), nil
}

func (q Quantity) Positive() bool { return q > 0 }
func (q Quantity) Int() int       { return int(q) }
