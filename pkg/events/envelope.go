package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope wraps every event on the wire.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	Type          string          `json:"type"`
	SagaStep      SagaStep        `json:"saga_step"`
	CorrelationID string          `json:"correlation_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

// Wrap marshals ev into a new envelope with a fresh message id.
func Wrap(ev Event, correlationID string, at time.Time) (Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", ev.EventType(), err)
	}
	return Envelope{
		MessageID:     uuid.NewString(),
		Type:          ev.EventType(),
		SagaStep:      ev.Step(),
		CorrelationID: correlationID,
		OccurredAt:    at.UTC(),
		Payload:       payload,
	}, nil
}

func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.MessageID == "" || env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing message_id or type", ErrMalformedEnvelope)
	}
	return env, nil
}

// Into unmarshals the payload into dst.
func (e Envelope) Into(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}
