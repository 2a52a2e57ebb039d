package es

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Metadata carries routing and tracing context alongside an event.
type Metadata struct {
	// CorrelationID links all events caused by the same external trigger.
	CorrelationID string `json:"correlation_id,omitempty"`
	// CausationID is the id of the event or command that caused this event.
	CausationID string `json:"causation_id,omitempty"`
	// CommandID is the idempotency key of the originating command.
	CommandID string `json:"command_id,omitempty"`
	// Tenant scopes the event in multi-tenant deployments.
	Tenant string `json:"tenant,omitempty"`
	// Source names the producing service.
	Source string `json:"source,omitempty"`
}

// Envelope wraps an event with metadata for persistence and routing.
// It is the unit of storage in the EventLog and contains all information
// needed to reconstruct and route events during replay or consumption.
type Envelope struct {
	// ID is the globally unique identifier of this event, used for
	// downstream dedupe.
	ID string `json:"id"`
	// Type is the event type name for deserialization routing.
	Type string `json:"type"`
	// SchemaVersion is the schema generation of the payload.
	SchemaVersion int `json:"schema_version"`
	// StreamID identifies the stream this event belongs to.
	StreamID string `json:"stream_id"`
	// EntityID identifies the aggregate instance.
	EntityID string `json:"entity_id"`
	// Version is the per-stream revision (1, 2, 3, ...), strictly
	// increasing with no gaps. Used for optimistic concurrency control.
	Version Revision `json:"version"`
	// Position is the global order assigned by the store.
	Position Position `json:"position"`
	// OccurredAt is when the event was created.
	OccurredAt time.Time `json:"occurred_at"`
	// Data contains the JSON-encoded event payload.
	Data json.RawMessage `json:"data"`
	// Metadata carries correlation and tenancy context.
	Metadata Metadata `json:"metadata"`
}

func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope id is empty")
	}
	if e.Type == "" {
		return fmt.Errorf("envelope type is empty")
	}
	if e.StreamID == "" {
		return fmt.Errorf("envelope stream id is empty")
	}
	if e.EntityID == "" {
		return fmt.Errorf("envelope entity id is empty")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("envelope occurred at is zero")
	}
	return nil
}

func (e Envelope) SlogAttr() slog.Attr {
	return slog.Group(
		"event",
		slog.String("id", e.ID),
		slog.String("type", e.Type),
		slog.String("stream", e.StreamID),
		e.Version.SlogAttr(),
		e.Position.SlogAttr(),
		slog.String("correlation_id", e.Metadata.CorrelationID),
	)
}

type Decoder interface{ Decode(e Envelope) (any, error) }
