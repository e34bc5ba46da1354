package domain

import "time"

type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "reserved"
	ReservationFailed   ReservationStatus = "failed"
	ReservationReleased ReservationStatus = "released"
)

type ReservationLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Reservation is the catalog's ledger entry for one order. The release path
// reads it to tell "not reserved yet" apart from "nothing to release".
type Reservation struct {
	OrderID       string
	CorrelationID string
	Status        ReservationStatus
	Reason        string
	Lines         []ReservationLine
	UpdatedAt     time.Time
}
