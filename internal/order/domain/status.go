package domain

type OrderStatus string

const (
	StatusPending                OrderStatus = "pending"
	StatusStockReserved          OrderStatus = "stock_reserved"
	StatusStockReservationFailed OrderStatus = "stock_reservation_failed"
	StatusConfirmed              OrderStatus = "confirmed"
	StatusProcessing             OrderStatus = "processing"
	StatusShipped                OrderStatus = "shipped"
	StatusDelivered              OrderStatus = "delivered"
	StatusCancelled              OrderStatus = "cancelled"
)

var transitions = map[OrderStatus][]OrderStatus{
	StatusPending:                {StatusStockReserved, StatusStockReservationFailed, StatusCancelled},
	StatusStockReserved:          {StatusConfirmed, StatusCancelled},
	StatusStockReservationFailed: {StatusCancelled},
	StatusConfirmed:              {StatusProcessing, StatusCancelled},
	StatusProcessing:             {StatusShipped, StatusCancelled},
	StatusShipped:                {StatusDelivered, StatusCancelled},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// HoldsStock reports whether inventory is held for an order in this status.
func (s OrderStatus) HoldsStock() bool {
	return s == StatusStockReserved || s == StatusConfirmed
}

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusStockReserved, StatusStockReservationFailed, StatusConfirmed,
		StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}
