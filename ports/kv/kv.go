// Package kv defines the cache/queue port used by the snapshot store, the
// checkpoint store and the outbox. Implementations must provide plain
// key-value access plus the list and sorted-set primitives the outbox
// repository builds its queues on.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrExists is returned by Put with IfNotExists when the key is already set.
	ErrExists = errors.New("already exists")
)

type Entry struct {
	Data []byte
	Meta map[string]any
}

type PutOptions struct {
	TTL time.Duration
	// IfNotExists makes Put conditional: the write only happens when the key
	// is absent, otherwise ErrExists is returned. This is the dedupe
	// primitive (SETNX in Redis terms).
	IfNotExists bool
}

type Store interface {
	Put(ctx context.Context, key string, entry Entry, opts PutOptions) error
	Get(ctx context.Context, key string) (entry Entry, err error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Keys returns all keys matching the glob pattern (e.g. "checkpoint:*").
	Keys(ctx context.Context, pattern string) ([]string, error)
	// GetMany returns entries for the given keys. Missing keys are omitted
	// from the result, not an error.
	GetMany(ctx context.Context, keys []string) (map[string]Entry, error)
	PutMany(ctx context.Context, entries map[string]Entry, opts PutOptions) error

	// ListPush pushes values onto the head of the list at key.
	ListPush(ctx context.Context, key string, values ...string) error
	// ListMove atomically moves one element from the tail of src to the head
	// of dst and returns it. ErrNotFound when src is empty. This is the
	// exclusive claim primitive: an element moved by one caller is never
	// seen by another.
	ListMove(ctx context.Context, src, dst string) (string, error)
	// ListRemove removes all occurrences of value from the list at key and
	// returns the number removed.
	ListRemove(ctx context.Context, key, value string) (int64, error)
	// ListRange returns list elements between start and stop inclusive.
	// Negative indices count from the tail (-1 is the last element).
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ListLen(ctx context.Context, key string) (int64, error)

	// SortedSetAdd adds member with the given score, updating the score if
	// the member is already present.
	SortedSetAdd(ctx context.Context, key string, score float64, member string) error
	// SortedSetRangeByScore returns members with score <= max in ascending
	// score order, at most limit (0 means no limit).
	SortedSetRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error)
	// SortedSetRemove removes the given members and returns how many were
	// actually removed. A return of 1 for a single member is an exclusive
	// claim: only one concurrent caller can win the removal.
	SortedSetRemove(ctx context.Context, key string, members ...string) (int64, error)
}

func Put[T any](ctx context.Context, store Store, key string, v T, opts PutOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, Entry{Data: data}, opts)
}

func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return
	}
	err = json.Unmarshal(entry.Data, &out)
	if err != nil {
		return
	}
	return
}
