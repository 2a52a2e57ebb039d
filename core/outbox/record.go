// Package outbox stages domain events for reliable relay to consumers
// outside the event log. Records are staged in the same logical unit of work
// as the aggregate save and drained asynchronously with retry, so a crash
// between save and publish never loses an event, it only delays or
// duplicates it. Delivery is at-least-once; claiming is exactly-once.
package outbox

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an outbox record.
type Status string

const (
	// StatusPending means staged and waiting to be claimed.
	StatusPending Status = "pending"
	// StatusProcessing means claimed by a worker, publish in flight.
	StatusProcessing Status = "processing"
	// StatusPublished means delivered; retained for the cleanup window.
	StatusPublished Status = "published"
	// StatusFailed means publish failed, scheduled for retry.
	StatusFailed Status = "failed"
	// StatusDead means retries are exhausted; operator intervention required.
	StatusDead Status = "dead"
)

// Record is one staged event. Its identifier lives in exactly one of the
// status collections (pending, processing, retry schedule, dead letters) at
// any instant; that single location is what makes concurrent claiming and
// crash recovery safe.
type Record struct {
	// ID is the storage identifier of the record.
	ID string `json:"id"`
	// EventID is the domain event id, the producer-side dedupe key.
	EventID string `json:"event_id"`
	// Type is the event type name, used for publish routing.
	Type string `json:"type"`
	// Payload is the serialized event.
	Payload []byte `json:"payload"`
	// Metadata carries routing context (tenant, correlation id, subject).
	Metadata map[string]string `json:"metadata,omitempty"`

	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// LastError is the message of the most recent publish failure.
	LastError string `json:"last_error,omitempty"`
	// NextRetryAt is when a failed record becomes due again.
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
}

// NewRecord builds a pending record for the given domain event.
func NewRecord(eventID, eventType string, payload []byte) *Record {
	return &Record{
		ID:      uuid.NewString(),
		EventID: eventID,
		Type:    eventType,
		Payload: payload,
		Status:  StatusPending,
	}
}

// WithMetadata attaches routing metadata and returns the record.
func (r *Record) WithMetadata(meta map[string]string) *Record {
	r.Metadata = meta
	return r
}

func (r *Record) SlogAttr() slog.Attr {
	return slog.Group(
		"record",
		slog.String("id", r.ID),
		slog.String("event_id", r.EventID),
		slog.String("type", r.Type),
		slog.String("status", string(r.Status)),
		slog.Int("attempts", r.Attempts),
	)
}
