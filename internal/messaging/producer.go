// Package messaging publishes record-events to the durable bus consumed by
// the downstream indexers. Delivery is at-least-once; consumers dedupe by
// (eventType, record key, externalRevisionId).
package messaging

import (
	"context"

	"kortex-backend/internal/domain"
)

// EventType enumerates record-events message types.
type EventType string

const (
	EventNewRecord    EventType = "newRecord"
	EventUpdateRecord EventType = "updateRecord"
	EventDeleteRecord EventType = "deleteRecord"
)

// Topic is the single logical topic the pipeline produces to.
const Topic = "record-events"

// Message is one record-events entry. Key is the record's internal key, which
// gives consumers per-record FIFO.
type Message struct {
	EventType EventType          `json:"eventType"`
	Timestamp int64              `json:"timestamp"`
	Payload   domain.KafkaRecord `json:"payload"`
	Key       string             `json:"key"`
}

// Producer publishes record-events messages.
type Producer interface {
	Publish(ctx context.Context, msg Message) error
	PublishBatch(ctx context.Context, msgs []Message) error
}

// NewMessage assembles a message for the record at the given timestamp.
func NewMessage(eventType EventType, record *domain.Record, timestampMillis int64) Message {
	return Message{
		EventType: eventType,
		Timestamp: timestampMillis,
		Payload:   record.ToKafkaRecord(),
		Key:       record.Key,
	}
}
