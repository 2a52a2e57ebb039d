package es

import (
	"context"
	"strings"
	"time"
)

// AppendResult reports the outcome of a successful append.
type AppendResult struct {
	// NextRevision is the revision of the last appended event.
	NextRevision Revision
	// LastPosition is the global position of the last appended event.
	LastPosition Position
}

// GroupSettings configures a persistent consumer group on creation.
type GroupSettings struct {
	// StartPosition is where a newly created group begins. Zero means the
	// beginning of the stream.
	StartPosition Position
	// MaxRetries bounds server-side redeliveries of a single message before
	// it is parked. Zero uses the log service's default.
	MaxRetries int
	// AckWait is how long the server waits for an ack before redelivering.
	AckWait time.Duration
	// FilterPrefixes restricts delivery to events whose type matches one of
	// the prefixes. Empty delivers everything.
	FilterPrefixes []string
}

// NackAction tells the log service what to do with a rejected message.
type NackAction string

const (
	// NackRetry requests redelivery.
	NackRetry NackAction = "retry"
	// NackPark removes the message from delivery for operator inspection.
	NackPark NackAction = "park"
	// NackSkip acknowledges the message without processing it.
	NackSkip NackAction = "skip"
)

// AckableEvent is a persistently delivered event awaiting an explicit
// acknowledgement decision.
type AckableEvent interface {
	Envelope() Envelope
	Ack() error
	Nack(action NackAction) error
}

type Subscription interface {
	Chan() <-chan Envelope
	Cancel()
}

type PersistentSubscription interface {
	Chan() <-chan AckableEvent
	Cancel()
}

// === subscribe options ===

type (
	// SubscribeAllOpts is the resolved option set of a SubscribeAll call.
	// Store implementations build it with NewSubscribeAllOpts.
	SubscribeAllOpts struct {
		from     Position
		prefixes []string
		buffer   int
	}

	subscribeAllOptsReceiver interface {
		SetFromPosition(Position)
		SetTypePrefixes([]string)
		SetBuffer(int)
	}

	SubscribeAllOption interface {
		applyToSubscribeAll(subscribeAllOptsReceiver)
	}

	FromPositionOption valueOption[Position]
	TypePrefixOption   valueOption[[]string]
	BufferOption       valueOption[int]
)

func (o *SubscribeAllOpts) SetFromPosition(p Position)   { o.from = p }
func (o *SubscribeAllOpts) SetTypePrefixes(pfx []string) { o.prefixes = pfx }
func (o *SubscribeAllOpts) SetBuffer(n int)              { o.buffer = n }

// From is the exclusive resume position.
func (o SubscribeAllOpts) From() Position { return o.from }

// TypePrefixes is the event type filter; empty delivers everything.
func (o SubscribeAllOpts) TypePrefixes() []string { return o.prefixes }

// Buffer is the subscription channel buffer size.
func (o SubscribeAllOpts) Buffer() int { return o.buffer }

func (o FromPositionOption) applyToSubscribeAll(r subscribeAllOptsReceiver) { r.SetFromPosition(o.v) }
func (o TypePrefixOption) applyToSubscribeAll(r subscribeAllOptsReceiver)   { r.SetTypePrefixes(o.v) }
func (o BufferOption) applyToSubscribeAll(r subscribeAllOptsReceiver)       { r.SetBuffer(o.v) }

// WithFromPosition resumes delivery after the given global position
// (exclusive). Zero delivers from the beginning of the log.
func WithFromPosition(p Position) FromPositionOption { return FromPositionOption{p} }

// WithTypePrefixes filters the feed to events whose type starts with one of
// the given prefixes.
func WithTypePrefixes(prefixes ...string) TypePrefixOption { return TypePrefixOption{prefixes} }

// WithBuffer sets the subscription channel buffer.
func WithBuffer(n int) BufferOption { return BufferOption{n} }

// NewSubscribeAllOpts resolves subscribe options against the defaults.
func NewSubscribeAllOpts(opts ...SubscribeAllOption) SubscribeAllOpts {
	options := SubscribeAllOpts{buffer: 64}
	for _, opt := range opts {
		opt.applyToSubscribeAll(&options)
	}
	return options
}

// === read options ===

type (
	// ReadOpts is the resolved option set of a ReadForward call.
	// Store implementations build it with NewReadOpts.
	ReadOpts struct {
		after Position
	}

	readOptsReceiver interface {
		SetAfterPosition(Position)
	}

	ReadOption interface {
		applyToRead(readOptsReceiver)
	}

	AfterPositionOption valueOption[Position]
)

func (o *ReadOpts) SetAfterPosition(p Position) { o.after = p }

// AfterPosition is a global position the caller already holds state for;
// zero means no hint.
func (o ReadOpts) AfterPosition() Position { return o.after }

func (o AfterPositionOption) applyToRead(r readOptsReceiver) { r.SetAfterPosition(o.v) }

// WithAfterPosition tells the store that events at or before the given
// global position are not needed, so the scan can start past them instead of
// at the beginning of the stream. The revision filter still applies.
func WithAfterPosition(p Position) AfterPositionOption { return AfterPositionOption{p} }

// NewReadOpts resolves read options.
func NewReadOpts(opts ...ReadOption) ReadOpts {
	var options ReadOpts
	for _, opt := range opts {
		opt.applyToRead(&options)
	}
	return options
}

// MatchTypePrefixes reports whether eventType passes the prefix filter.
// An empty filter matches everything.
func MatchTypePrefixes(eventType string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}

// EventLog is the append-only log collaborator: optimistic-concurrency
// appends, range reads, a position-ordered catch-up feed and server-tracked
// persistent consumer groups.
type EventLog interface {
	// Append appends events to the stream if its current revision matches
	// expected. NoStream demands an absent stream, RevisionAny skips the
	// check. A mismatch yields ErrVersionConflict. Revisions and positions
	// are assigned by the store.
	Append(ctx context.Context, streamID string, events []Envelope, expected Revision) (*AppendResult, error)
	// ReadForward returns the stream's events with revision >= from, in
	// order. ErrStreamNotFound when the stream does not exist.
	// WithAfterPosition lets callers that resume from a snapshot skip the
	// scan of everything the snapshot already covers.
	ReadForward(ctx context.Context, streamID string, from Revision, opts ...ReadOption) ([]Envelope, error)
	// ReadBackward returns up to maxCount of the stream's most recent
	// events, newest first. ErrStreamNotFound when the stream does not exist.
	ReadBackward(ctx context.Context, streamID string, maxCount int) ([]Envelope, error)
	// SubscribeAll opens a position-ordered feed across all streams.
	SubscribeAll(ctx context.Context, opts ...SubscribeAllOption) (Subscription, error)
	// EnsureGroup idempotently creates a persistent consumer group.
	// An already existing group is success.
	EnsureGroup(ctx context.Context, streamID, group string, settings GroupSettings) error
	// SubscribePersistent joins a persistent consumer group. The group
	// cursor lives in the log service, advanced by Ack/Nack.
	SubscribePersistent(ctx context.Context, streamID, group string) (PersistentSubscription, error)
}
