package es

import (
	"fmt"
	"time"

	"github.com/evertide/evertide-go/internal/reflector"
)

// Reducer folds events into aggregate state.
type Reducer[T any] interface {
	// Initial returns the zero state of a fresh aggregate.
	Initial() T
	// Apply folds one event into the state. A returned error aborts the
	// load: it signals a corrupt stream or a reducer/schema mismatch and
	// is never retried.
	Apply(state T, event any, env Envelope) (T, error)
}

// ApplyFunc is a per-event-type reduction step.
type ApplyFunc[T any] func(state T, event any, env Envelope) (T, error)

// MapReducer dispatches on the event type name via a function map resolved
// once at startup. Use ValidateAgainst to verify the map covers the full
// registered event set before serving traffic.
type MapReducer[T any] struct {
	initial  func() T
	appliers map[string]ApplyFunc[T]
}

func NewMapReducer[T any](initial func() T) *MapReducer[T] {
	return &MapReducer[T]{
		initial:  initial,
		appliers: map[string]ApplyFunc[T]{},
	}
}

// On registers an applier for the given event type name.
func (r *MapReducer[T]) On(eventType string, fn ApplyFunc[T]) *MapReducer[T] {
	r.appliers[eventType] = fn
	return r
}

// HandleEvent registers a typed applier for event type E on r.
func HandleEvent[T, E any](r *MapReducer[T], fn func(state T, event *E, env Envelope) (T, error)) *MapReducer[T] {
	name := reflector.TypeInfoFor[E]().Name
	return r.On(name, func(state T, event any, env Envelope) (T, error) {
		ev, ok := event.(*E)
		if !ok {
			return state, fmt.Errorf("event %s: expected %T, got %T", name, new(E), event)
		}
		return fn(state, ev, env)
	})
}

func (r *MapReducer[T]) Initial() T { return r.initial() }

func (r *MapReducer[T]) Apply(state T, event any, env Envelope) (T, error) {
	fn, ok := r.appliers[env.Type]
	if !ok {
		return state, fmt.Errorf("%w: no applier for %s", ErrUnknownEventType, env.Type)
	}
	return fn(state, event, env)
}

// ValidateAgainst verifies that every event type in the registry has an
// applier. Call it once at startup.
func (r *MapReducer[T]) ValidateAgainst(reg *EventRegistry) error {
	var missing []string
	for _, t := range reg.Types() {
		if _, ok := r.appliers[t]; !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("reducer incomplete, missing appliers: %v", missing)
	}
	return nil
}

var _ Reducer[any] = (*MapReducer[any])(nil)

// Aggregate is an immutable event-sourced value: state, the revision of the
// last persisted event, and the events raised but not yet persisted. Command
// methods return a new value from Raise; Repository.Save returns the
// committed value with the pending buffer cleared. Nothing mutates in place,
// so a value handed to a caller is never shared across concurrent saves.
type Aggregate[T any] struct {
	// Key identifies the stream. Stable for the aggregate's lifetime.
	Key StreamKey
	// State is the reducer-produced state.
	State T
	// Version is the revision of the last persisted event, NoStream if none.
	Version Revision
	// Position is the global position of the last persisted event.
	Position Position

	pending []any

	// snapshot bookkeeping populated by the repository on load/save
	snapVersion Revision
	snapAt      time.Time
}

// snapshotLag returns how many events were persisted since the last snapshot
// and how long ago that snapshot was taken. With no snapshot, the lag counts
// every persisted event and the age stays zero.
func (a Aggregate[T]) snapshotLag(now time.Time) (events int, age time.Duration) {
	base := a.snapVersion
	if base < 0 {
		base = 0
	}
	if a.Version > base {
		events = int(a.Version - base)
	}
	if !a.snapAt.IsZero() {
		age = now.Sub(a.snapAt)
	}
	return events, age
}

// NewAggregate returns an empty aggregate for key.
func NewAggregate[T any](key StreamKey, reducer Reducer[T]) Aggregate[T] {
	return Aggregate[T]{
		Key:         key,
		State:       reducer.Initial(),
		Version:     NoStream,
		snapVersion: NoStream,
	}
}

// Exists reports whether the aggregate has any persisted events.
func (a Aggregate[T]) Exists() bool { return a.Version >= 0 }

// Pending returns a copy of the events raised but not yet persisted.
func (a Aggregate[T]) Pending() []any {
	out := make([]any, len(a.pending))
	copy(out, a.pending)
	return out
}

// HasPending reports whether there are unpersisted events.
func (a Aggregate[T]) HasPending() bool { return len(a.pending) > 0 }

// NextRevision is the revision the next raised event will receive.
func (a Aggregate[T]) NextRevision() Revision {
	base := a.Version
	if base < 0 {
		base = 0
	}
	return base + Revision(len(a.pending)) + 1
}

// Raise applies the events to the state and buffers them for the next save.
// It returns a new aggregate value; the receiver is unchanged.
func (a Aggregate[T]) Raise(reducer Reducer[T], events ...any) (Aggregate[T], error) {
	next := a
	next.pending = make([]any, len(a.pending), len(a.pending)+len(events))
	copy(next.pending, a.pending)

	for _, ev := range events {
		if v, ok := ev.(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return a, NewDomainError(KindValidation, "invalid event %T: %v", ev, err)
			}
		}

		env := Envelope{
			Type:     getEventTypeOf(ev),
			StreamID: next.Key.StreamID(),
			EntityID: next.Key.EntityID,
			Version:  next.NextRevision(),
		}
		state, err := reducer.Apply(next.State, ev, env)
		if err != nil {
			return a, fmt.Errorf("apply %s: %w", env.Type, err)
		}
		next.State = state
		next.pending = append(next.pending, ev)
	}
	return next, nil
}

// committed returns the aggregate as persisted at the given revision and
// position, with the pending buffer cleared.
func (a Aggregate[T]) committed(version Revision, position Position) Aggregate[T] {
	out := a
	out.Version = version
	out.Position = position
	out.pending = nil
	return out
}
