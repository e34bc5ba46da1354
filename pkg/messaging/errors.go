package messaging

import (
	"errors"
	"fmt"

	"github.com/dmehra2102/order-fulfillment-saga/pkg/events"
)

// ErrPermanent marks an error that redelivery cannot fix. The message is
// logged and committed instead of retried.
var ErrPermanent = errors.New("permanent")

// ErrClaimedElsewhere is returned while another instance holds the in-flight
// claim for a delivery. It is retried.
var ErrClaimedElsewhere = errors.New("delivery claimed by another consumer")

type Class string

const (
	ClassValidation     Class = "validation"
	ClassBusinessRule   Class = "business_rule"
	ClassInfrastructure Class = "infrastructure"
)

type classifiedError struct {
	class Class
	err   error
}

func (e *classifiedError) Error() string { return fmt.Sprintf("%s: %v", e.class, e.err) }
func (e *classifiedError) Unwrap() error { return e.err }

func (e *classifiedError) Is(target error) bool {
	return target == ErrPermanent && e.class != ClassInfrastructure
}

// Permanent tags err with a non-retryable class.
func Permanent(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: class, err: err}
}

// Classify returns the class of err and whether it is permanent. Untagged
// errors are infrastructure failures and retried.
func Classify(err error) (Class, bool) {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class, ce.class != ClassInfrastructure
	}
	switch {
	case errors.Is(err, events.ErrMalformedEnvelope):
		return ClassValidation, true
	case errors.Is(err, ErrPermanent):
		return ClassValidation, true
	}
	return ClassInfrastructure, false
}
