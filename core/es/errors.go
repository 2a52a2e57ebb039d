package es

import (
	"errors"
	"fmt"
)

var (
	// ErrStreamNotFound is returned by reads against a stream that does not exist.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrVersionConflict signals an optimistic concurrency failure: the
	// stream's current revision does not match the caller's expectation.
	// The caller must reload and reapply, not blindly retry the same write.
	ErrVersionConflict = errors.New("version conflict")
	// ErrUnknownEventType signals an event type with no registered constructor.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrPoisonData signals a payload that fails to deserialize. Never
	// retried; routed straight to the dead-letter path.
	ErrPoisonData = errors.New("poison data")
	// ErrNoEvents is returned on an append with an empty event slice.
	ErrNoEvents = errors.New("no events to append")
	// ErrSnapshotNotFound is returned when no snapshot exists for a stream.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrSnapshotsUnconfigured is returned by snapshot operations on a
	// repository built without a snapshot store.
	ErrSnapshotsUnconfigured = errors.New("no snapshot store configured")
	// ErrCheckpointNotFound is returned when no checkpoint exists for a group.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrGroupAlreadyRunning is returned when a runner group is started twice.
	ErrGroupAlreadyRunning = errors.New("group already running")
	// ErrGroupRunning is returned by operations that require a stopped group.
	ErrGroupRunning = errors.New("group is running")
)

// DomainKind categorizes deterministic business failures.
type DomainKind string

const (
	KindValidation   DomainKind = "validation"
	KindNotFound     DomainKind = "not_found"
	KindConflict     DomainKind = "conflict"
	KindUnauthorized DomainKind = "unauthorized"
)

// DomainError is a deterministic business failure. Retrying it will not
// change the outcome, so runners never retry it: it is surfaced to the
// caller or dead-lettered.
type DomainError struct {
	Kind DomainKind
	Msg  string
	Err  error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *DomainError) Unwrap() error { return e.Err }

func NewDomainError(kind DomainKind, format string, args ...any) *DomainError {
	return &DomainError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapDomain wraps err as a domain error of the given kind.
func WrapDomain(kind DomainKind, err error, msg string) *DomainError {
	return &DomainError{Kind: kind, Msg: msg, Err: err}
}
