package es

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/evertide/evertide-go/core/sf"
	"github.com/evertide/evertide-go/ports/kv"
)

// Snapshot is a point-in-time capture of aggregate state. It is never
// authoritative: loads always replay events after Version, and a corrupt or
// stale snapshot degrades to full replay, never to data loss.
type Snapshot struct {
	// ID is the unique id of this snapshot.
	ID string `json:"id"`
	// StreamID is the aggregate stream the snapshot belongs to.
	StreamID string `json:"stream_id"`
	// Version is the revision of the last event folded into State.
	Version Revision `json:"version"`
	// Position is the global position of that event.
	Position Position `json:"position"`
	// TakenAt is when the snapshot was created.
	TakenAt time.Time `json:"taken_at"`
	// Encoding names the State encoding, currently "json".
	Encoding string `json:"encoding"`
	// State is the encoded aggregate state.
	State json.RawMessage `json:"state"`
}

func (s *Snapshot) SlogAttr() slog.Attr {
	return slog.Group(
		"snapshot",
		slog.String("id", s.ID),
		slog.String("stream", s.StreamID),
		s.Version.SlogAttr(),
		s.Position.SlogAttr(),
		slog.Time("taken_at", s.TakenAt),
		slog.Int("size", len(s.State)),
	)
}

// SnapshotStore persists and retrieves aggregate snapshots.
type SnapshotStore interface {
	// LoadLatest returns the most recent snapshot for the key and whether
	// it came from the cache. ErrSnapshotNotFound when none exists.
	LoadLatest(ctx context.Context, key StreamKey) (snap *Snapshot, cacheHit bool, err error)
	// Save appends the snapshot to its sub-stream and refreshes the cache.
	Save(ctx context.Context, key StreamKey, snap *Snapshot, opts ...SnapshotSaveOption) error
	// Delete evicts the cache entry and tombstones the snapshot sub-stream.
	// The aggregate's event stream is untouched.
	Delete(ctx context.Context, key StreamKey) error
}

// envelope types on the snapshot sub-stream
const (
	snapshotTakenType   = "snapshot.taken"
	snapshotDeletedType = "snapshot.deleted"
)

const snapshotCacheKeyPrefix = "snapshot:"

// zstd frame magic, used to tell compressed entries from legacy plain JSON.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// === options ===

type (
	snapshotStoreOpts struct {
		ttl     time.Duration
		log     *slog.Logger
		metrics ESMetrics
		idGen   IDGenerator
	}

	SnapshotStoreOption interface{ applyToSnapshotStore(*snapshotStoreOpts) }

	SnapshotTTLOption valueOption[time.Duration]
)

// WithSnapshotTTL bounds the cache entry lifetime. A cache-only loss is
// safe, it only forces a longer replay.
func WithSnapshotTTL(ttl time.Duration) SnapshotTTLOption { return SnapshotTTLOption{ttl} }

func (o SnapshotTTLOption) applyToSnapshotStore(opts *snapshotStoreOpts) { opts.ttl = o.v }
func (o LogOption) applyToSnapshotStore(opts *snapshotStoreOpts)        { opts.log = o.l }
func (o ESMetricsOption) applyToSnapshotStore(opts *snapshotStoreOpts)  { opts.metrics = o.m }

type (
	snapshotSaveOpts struct{ expected Revision }

	SnapshotSaveOption interface{ applyToSnapshotSave(*snapshotSaveOpts) }

	SnapshotExpectedRevisionOption valueOption[Revision]
)

// WithSnapshotExpectedRevision guards the sub-stream append against
// concurrent snapshot writers. Default is RevisionAny (no guard).
func WithSnapshotExpectedRevision(rev Revision) SnapshotExpectedRevisionOption {
	return SnapshotExpectedRevisionOption{rev}
}

func (o SnapshotExpectedRevisionOption) applyToSnapshotSave(opts *snapshotSaveOpts) {
	opts.expected = o.v
}

// === cached store ===

// CachedSnapshotStore keeps the latest snapshot per stream in a kv cache in
// front of the log's snapshot sub-stream. Cache entries are zstd compressed;
// legacy plain-JSON entries still decode, and irrecoverable entries are
// evicted and treated as a miss. Concurrent cold loads of the same stream
// collapse into one backing read.
type CachedSnapshotStore struct {
	log     *slog.Logger
	store   EventLog
	kv      kv.Store
	ttl     time.Duration
	metrics ESMetrics
	idGen   IDGenerator
	flight  sf.Singleflight[Snapshot]
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

func NewCachedSnapshotStore(store EventLog, kvs kv.Store, opts ...SnapshotStoreOption) *CachedSnapshotStore {
	options := snapshotStoreOpts{
		ttl:     time.Hour,
		log:     slog.Default(),
		metrics: NopESMetrics(),
		idGen:   DefaultIDGenerator(),
	}
	for _, opt := range opts {
		opt.applyToSnapshotStore(&options)
	}

	// enc == nil degrades to storing uncompressed
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		options.log.Warn("zstd encoder unavailable, storing snapshots uncompressed", slog.Any("error", err))
		enc = nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		options.log.Warn("zstd decoder unavailable", slog.Any("error", err))
		dec = nil
	}

	return &CachedSnapshotStore{
		log:     options.log.With(slog.String("snapshots", "cached")),
		store:   store,
		kv:      kvs,
		ttl:     options.ttl,
		metrics: options.metrics,
		idGen:   options.idGen,
		enc:     enc,
		dec:     dec,
	}
}

func snapshotCacheKey(streamID string) string { return snapshotCacheKeyPrefix + streamID }

func (c *CachedSnapshotStore) LoadLatest(ctx context.Context, key StreamKey) (*Snapshot, bool, error) {
	streamID := key.StreamID()
	cacheKey := snapshotCacheKey(streamID)

	entry, err := c.kv.Get(ctx, cacheKey)
	if err == nil {
		snap, decErr := c.decodeEntry(entry.Data)
		if decErr == nil {
			c.metrics.SnapshotHit(key.AggregateType)
			return snap, true, nil
		}
		// corrupt entry: evict and fall through to the sub-stream
		c.log.Warn("evicting corrupt snapshot cache entry",
			slog.String("stream", streamID),
			slog.Any("error", decErr),
		)
		if evictErr := c.kv.Delete(ctx, cacheKey); evictErr != nil {
			c.log.Warn("failed to evict corrupt snapshot entry", slog.Any("error", evictErr))
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		return nil, false, fmt.Errorf("snapshot cache get %s: %w", streamID, err)
	}

	c.metrics.SnapshotMiss(key.AggregateType)

	snap, err := c.flight.Do(streamID, func() (*Snapshot, error) {
		return c.loadFromLog(ctx, key)
	})
	if err != nil {
		return nil, false, err
	}
	return snap, false, nil
}

func (c *CachedSnapshotStore) loadFromLog(ctx context.Context, key StreamKey) (*Snapshot, error) {
	snapStream := key.SnapshotStreamID()

	envs, err := c.store.ReadBackward(ctx, snapStream, 1)
	if err != nil {
		if errors.Is(err, ErrStreamNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, key.StreamID())
		}
		return nil, fmt.Errorf("read snapshot stream %s: %w", snapStream, err)
	}
	if len(envs) == 0 || envs[0].Type == snapshotDeletedType {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, key.StreamID())
	}

	var snap Snapshot
	if err := json.Unmarshal(envs[0].Data, &snap); err != nil {
		return nil, fmt.Errorf("%w: snapshot %s: %v", ErrPoisonData, snapStream, err)
	}

	c.refreshCache(ctx, key, &snap)
	return &snap, nil
}

func (c *CachedSnapshotStore) Save(ctx context.Context, key StreamKey, snap *Snapshot, opts ...SnapshotSaveOption) error {
	options := snapshotSaveOpts{expected: RevisionAny}
	for _, opt := range opts {
		opt.applyToSnapshotSave(&options)
	}

	defer c.metrics.SnapshotSaveDuration(key.AggregateType).ObserveDuration()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	env := Envelope{
		ID:         c.idGen(),
		Type:       snapshotTakenType,
		StreamID:   key.SnapshotStreamID(),
		EntityID:   key.EntityID,
		OccurredAt: time.Now(),
		Data:       data,
		Metadata:   Metadata{Tenant: key.Tenant},
	}
	if _, err := c.store.Append(ctx, key.SnapshotStreamID(), []Envelope{env}, options.expected); err != nil {
		return fmt.Errorf("append snapshot %s: %w", key.StreamID(), err)
	}

	c.refreshCache(ctx, key, snap)
	c.log.Debug("snapshot saved", snap.SlogAttr())
	return nil
}

func (c *CachedSnapshotStore) Delete(ctx context.Context, key StreamKey) error {
	if err := c.kv.Delete(ctx, snapshotCacheKey(key.StreamID())); err != nil {
		return fmt.Errorf("evict snapshot cache %s: %w", key.StreamID(), err)
	}

	env := Envelope{
		ID:         c.idGen(),
		Type:       snapshotDeletedType,
		StreamID:   key.SnapshotStreamID(),
		EntityID:   key.EntityID,
		OccurredAt: time.Now(),
		Metadata:   Metadata{Tenant: key.Tenant},
	}
	if _, err := c.store.Append(ctx, key.SnapshotStreamID(), []Envelope{env}, RevisionAny); err != nil {
		return fmt.Errorf("tombstone snapshot stream %s: %w", key.SnapshotStreamID(), err)
	}
	return nil
}

// refreshCache is best effort: the sub-stream append is the durable copy.
func (c *CachedSnapshotStore) refreshCache(ctx context.Context, key StreamKey, snap *Snapshot) {
	data, err := c.encodeEntry(snap)
	if err != nil {
		c.log.Warn("failed to encode snapshot cache entry", slog.Any("error", err))
		return
	}
	err = c.kv.Put(ctx, snapshotCacheKey(key.StreamID()), kv.Entry{Data: data}, kv.PutOptions{TTL: c.ttl})
	if err != nil {
		c.log.Warn("failed to refresh snapshot cache", slog.String("stream", key.StreamID()), slog.Any("error", err))
	}
}

func (c *CachedSnapshotStore) encodeEntry(snap *Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	if c.enc == nil {
		return data, nil
	}
	return c.enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func (c *CachedSnapshotStore) decodeEntry(data []byte) (*Snapshot, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		if c.dec == nil {
			return nil, errors.New("compressed entry but no zstd decoder")
		}
		plain, err := c.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		data = plain
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot entry: %w", err)
	}
	return &snap, nil
}

var _ SnapshotStore = (*CachedSnapshotStore)(nil)
