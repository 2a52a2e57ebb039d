package es

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrorClass drives retry behavior in the runners.
type ErrorClass int

const (
	// ClassInfrastructure errors are transient (timeout, connection,
	// unavailable) and retried with jittered exponential backoff.
	ClassInfrastructure ErrorClass = iota
	// ClassDomain errors are deterministic and never retried.
	ClassDomain
	// ClassPoison marks payloads that fail to deserialize. Never retried.
	ClassPoison
	// ClassVersionConflict requires the caller to reload and reapply.
	ClassVersionConflict
)

func (c ErrorClass) String() string {
	switch c {
	case ClassDomain:
		return "domain"
	case ClassPoison:
		return "poison"
	case ClassVersionConflict:
		return "version_conflict"
	default:
		return "infrastructure"
	}
}

// domainKeywords is the message-matching fallback for errors produced by
// layers that do not use the typed taxonomy. Typed errors always win.
var domainKeywords = []string{
	"validation",
	"invalid",
	"not found",
	"conflict",
	"unauthorized",
	"forbidden",
	"already exists",
}

// Classify maps err to an ErrorClass. Typed errors are checked first; the
// keyword fallback catches errors from layers without the typed taxonomy.
// Unrecognized errors default to infrastructure so they stay retryable.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassInfrastructure
	}

	if errors.Is(err, ErrVersionConflict) {
		return ClassVersionConflict
	}
	if errors.Is(err, ErrPoisonData) {
		return ClassPoison
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return ClassPoison
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return ClassDomain
	}
	if errors.Is(err, ErrUnknownEventType) || errors.Is(err, ErrStreamNotFound) {
		return ClassDomain
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range domainKeywords {
		if strings.Contains(msg, kw) {
			return ClassDomain
		}
	}
	return ClassInfrastructure
}

// IsRetryable reports whether the runners may retry err in place.
func IsRetryable(err error) bool {
	return Classify(err) == ClassInfrastructure
}
