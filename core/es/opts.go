package es

import (
	"log/slog"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type (
	valueOption[T any] struct{ v T }
	MultiOption[T any] struct{ opts []T }

	LogOption struct{ l *slog.Logger }
)

func WithLog(l *slog.Logger) LogOption { return LogOption{l: l} }

// IDGenerator is a function that generates unique IDs for events.
type IDGenerator func() string

// DefaultIDGenerator returns the default ID generator using nanoid.
func DefaultIDGenerator() IDGenerator {
	return func() string { return gonanoid.Must() }
}
