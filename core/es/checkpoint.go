package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/evertide/evertide-go/ports/kv"
)

// Checkpoint is the last successfully processed position of a consumer group.
type Checkpoint struct {
	Group     string    `json:"-"`
	Position  Position  `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckpointStore is a durable map group -> position. Last-write-wins per
// group; no cross-group ordering is required.
type CheckpointStore interface {
	Get(ctx context.Context, group string) (Checkpoint, error)
	Set(ctx context.Context, group string, pos Position) error
	Delete(ctx context.Context, group string) error
	Exists(ctx context.Context, group string) (bool, error)
	// GetAll returns the checkpoints of all groups matching the glob
	// pattern. Operational tooling.
	GetAll(ctx context.Context, pattern string) ([]Checkpoint, error)
	// SetMany writes several checkpoints in one call.
	SetMany(ctx context.Context, positions map[string]Position) error
	// Clear deletes all checkpoints matching the glob pattern and returns
	// how many were removed.
	Clear(ctx context.Context, pattern string) (int, error)
}

const checkpointKeyPrefix = "checkpoint:"

// KVCheckpointStore keeps checkpoints in a kv.Store under
// "checkpoint:{group}" as JSON {position, updated_at}.
type KVCheckpointStore struct {
	store kv.Store
}

func NewKVCheckpointStore(store kv.Store) *KVCheckpointStore {
	return &KVCheckpointStore{store: store}
}

func checkpointKey(group string) string { return checkpointKeyPrefix + group }

func (s *KVCheckpointStore) Get(ctx context.Context, group string) (Checkpoint, error) {
	cp, err := kv.Get[Checkpoint](ctx, s.store, checkpointKey(group))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Checkpoint{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, group)
		}
		return Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", group, err)
	}
	cp.Group = group
	return cp, nil
}

func (s *KVCheckpointStore) Set(ctx context.Context, group string, pos Position) error {
	cp := Checkpoint{Position: pos, UpdatedAt: time.Now()}
	if err := kv.Put(ctx, s.store, checkpointKey(group), cp, kv.PutOptions{}); err != nil {
		return fmt.Errorf("set checkpoint %s: %w", group, err)
	}
	return nil
}

func (s *KVCheckpointStore) Delete(ctx context.Context, group string) error {
	return s.store.Delete(ctx, checkpointKey(group))
}

func (s *KVCheckpointStore) Exists(ctx context.Context, group string) (bool, error) {
	return s.store.Exists(ctx, checkpointKey(group))
}

func (s *KVCheckpointStore) GetAll(ctx context.Context, pattern string) ([]Checkpoint, error) {
	keys, err := s.store.Keys(ctx, checkpointKeyPrefix+pattern)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints %s: %w", pattern, err)
	}
	entries, err := s.store.GetMany(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("get checkpoints %s: %w", pattern, err)
	}

	out := make([]Checkpoint, 0, len(entries))
	for _, key := range keys {
		entry, ok := entries[key]
		if !ok {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(entry.Data, &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", key, err)
		}
		cp.Group = strings.TrimPrefix(key, checkpointKeyPrefix)
		out = append(out, cp)
	}
	return out, nil
}

func (s *KVCheckpointStore) SetMany(ctx context.Context, positions map[string]Position) error {
	now := time.Now()
	entries := make(map[string]kv.Entry, len(positions))
	for group, pos := range positions {
		data, err := json.Marshal(Checkpoint{Position: pos, UpdatedAt: now})
		if err != nil {
			return fmt.Errorf("encode checkpoint %s: %w", group, err)
		}
		entries[checkpointKey(group)] = kv.Entry{Data: data}
	}
	if err := s.store.PutMany(ctx, entries, kv.PutOptions{}); err != nil {
		return fmt.Errorf("set checkpoints: %w", err)
	}
	return nil
}

func (s *KVCheckpointStore) Clear(ctx context.Context, pattern string) (int, error) {
	keys, err := s.store.Keys(ctx, checkpointKeyPrefix+pattern)
	if err != nil {
		return 0, fmt.Errorf("list checkpoints %s: %w", pattern, err)
	}
	removed := 0
	for _, key := range keys {
		if err := s.store.Delete(ctx, key); err != nil {
			return removed, fmt.Errorf("delete checkpoint %s: %w", key, err)
		}
		removed++
	}
	return removed, nil
}

var _ CheckpointStore = (*KVCheckpointStore)(nil)
