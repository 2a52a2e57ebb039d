package es

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// StreamKey identifies an aggregate stream. It is stable for the lifetime of
// the aggregate; bumping SchemaVersion opens a new key namespace with no
// implicit migration of the old stream.
type StreamKey struct {
	// Context is the bounded context the aggregate belongs to.
	Context string
	// AggregateType is the aggregate type name.
	AggregateType string
	// SchemaVersion is the event schema generation, starting at 1.
	SchemaVersion int
	// Tenant scopes the stream in multi-tenant deployments.
	Tenant string
	// EntityID identifies the aggregate instance.
	EntityID string
}

func (k StreamKey) Validate() error {
	if k.Context == "" {
		return errors.New("stream key context is empty")
	}
	if k.AggregateType == "" {
		return errors.New("stream key aggregate type is empty")
	}
	if k.SchemaVersion < 1 {
		return fmt.Errorf("stream key schema version must be >= 1, got %d", k.SchemaVersion)
	}
	if k.Tenant == "" {
		return errors.New("stream key tenant is empty")
	}
	if k.EntityID == "" {
		return errors.New("stream key entity id is empty")
	}
	// "." separates the stream id segments (and subject tokens on the wire)
	for _, part := range []string{k.Context, k.AggregateType, k.Tenant, k.EntityID} {
		if strings.Contains(part, ".") {
			return fmt.Errorf("stream key segment %q must not contain '.'", part)
		}
	}
	return nil
}

// StreamID renders the event-log stream identifier, e.g.
// "orders.order.v1.acme.ord-123".
func (k StreamKey) StreamID() string {
	return fmt.Sprintf("%s.%s.v%d.%s.%s", k.Context, k.AggregateType, k.SchemaVersion, k.Tenant, k.EntityID)
}

// SnapshotStreamID renders the identifier of the dedicated snapshot
// sub-stream for this aggregate.
func (k StreamKey) SnapshotStreamID() string {
	return "snap." + k.StreamID()
}

func (k StreamKey) SlogAttr() slog.Attr {
	return slog.Group(
		"agg",
		slog.String("context", k.Context),
		slog.String("type", k.AggregateType),
		slog.Int("schema", k.SchemaVersion),
		slog.String("tenant", k.Tenant),
		slog.String("id", k.EntityID),
	)
}
