package model

import "time"

// OutboxRecord is a row of the outbox table. A nil ProcessedAt means the
// record is still pending relay.
type OutboxRecord struct {
	ID          string     `db:"id"`           // event ULID
	AggregateID string     `db:"aggregate_id"` // e.g. ticket id
	Type        string     `db:"type"`         // event type tag, also the routing key
	Payload     []byte     `db:"payload"`
	CreatedAt   time.Time  `db:"created_at"`
	ProcessedAt *time.Time `db:"processed_at"`
	RetryCount  int        `db:"retry_count"`
	Error       *string    `db:"error"`
}

func (r OutboxRecord) Pending(maxRetries int) bool {
	return r.ProcessedAt == nil && r.RetryCount < maxRetries
}

// EventLogEntry is an archived event in ClickHouse.
type EventLogEntry struct {
	EventID     string    `db:"event_id" json:"eventId"`
	Type        string    `db:"type" json:"type"`
	AggregateID string    `db:"aggregate_id" json:"aggregateId"`
	Payload     string    `db:"payload" json:"payload"`
	OccurredAt  time.Time `db:"occurred_at" json:"occurredAt"`
	ReceivedAt  time.Time `db:"received_at" json:"receivedAt"`
}
