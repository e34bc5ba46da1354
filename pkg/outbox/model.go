package outbox

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Event is one outbox row. Payload holds the JSON envelope published as the
// Kafka message value.
type Event struct {
	ID            int64
	MessageID     string
	Topic         string
	AggregateType string
	AggregateID   string
	Type          string
	CorrelationID string
	Payload       []byte
	Headers       map[string]string
	Traceparent   string
	CreatedAt     time.Time
	Status        Status
	RelayID       string
	RetryCount    int
	LastError     *string
}
