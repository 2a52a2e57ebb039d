package es

import "log/slog"

// Revision is the per-stream revision of an event (1, 2, 3, ...).
// It is used for optimistic concurrency control: when saving changes,
// the expected revision must match the stream's current revision.
type Revision int64

const (
	// NoStream is the expected revision for the first save of an aggregate:
	// the append only succeeds when the stream does not exist yet. It is
	// also the version of an aggregate that has no persisted events.
	NoStream Revision = -1
	// RevisionAny disables the concurrency check on append.
	RevisionAny Revision = -2
)

func (r Revision) Int64() int64 { return int64(r) }

// Next returns the revision following r, treating NoStream as an empty stream.
func (r Revision) Next() Revision {
	if r < 0 {
		return 1
	}
	return r + 1
}

func (r Revision) SlogAttr() slog.Attr                  { return slog.Int64("version", int64(r)) }
func (r Revision) SlogAttrWithKey(key string) slog.Attr { return slog.Int64(key, int64(r)) }

// Position is the global, store-assigned order of an event across all streams.
type Position uint64

func (p Position) Uint64() uint64                       { return uint64(p) }
func (p Position) SlogAttr() slog.Attr                  { return slog.Uint64("position", uint64(p)) }
func (p Position) SlogAttrWithKey(key string) slog.Attr { return slog.Uint64(key, uint64(p)) }
