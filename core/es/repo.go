package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SnapshotThresholds is the opportunistic snapshot policy: a snapshot is
// taken when either threshold is reached on its own.
type SnapshotThresholds struct {
	// EventCount triggers a snapshot after this many events since the last
	// one. Zero disables the count trigger.
	EventCount int
	// Interval triggers a snapshot after this much time since the last one.
	// Zero disables the time trigger.
	Interval time.Duration
}

func DefaultSnapshotThresholds() SnapshotThresholds {
	return SnapshotThresholds{EventCount: 200, Interval: 5 * time.Minute}
}

// ShouldTakeSnapshot is the pure snapshot policy.
func ShouldTakeSnapshot(eventsSinceSnapshot int, sinceLastSnapshot time.Duration, t SnapshotThresholds) bool {
	if t.EventCount > 0 && eventsSinceSnapshot >= t.EventCount {
		return true
	}
	if t.Interval > 0 && sinceLastSnapshot >= t.Interval {
		return true
	}
	return false
}

// === options ===

type (
	repoOpts struct {
		snapshots   SnapshotStore
		thresholds  SnapshotThresholds
		idGenerator IDGenerator
		metrics     ESMetrics
		log         *slog.Logger
		source      string
	}

	RepositoryOption interface{ applyToRepository(*repoOpts) }

	SnapshotsOption       valueOption[SnapshotStore]
	ThresholdsOption      valueOption[SnapshotThresholds]
	RepoIDGeneratorOption valueOption[IDGenerator]
	SourceOption          valueOption[string]
)

// WithSnapshots enables snapshot acceleration through the given store.
func WithSnapshots(s SnapshotStore) SnapshotsOption { return SnapshotsOption{s} }

// WithSnapshotThresholds overrides the default snapshot policy.
func WithSnapshotThresholds(t SnapshotThresholds) ThresholdsOption { return ThresholdsOption{t} }

// WithIDGenerator sets a custom ID generator for event envelope IDs.
func WithIDGenerator(gen IDGenerator) RepoIDGeneratorOption { return RepoIDGeneratorOption{gen} }

// WithSource stamps every saved envelope's metadata with the producing
// service name.
func WithSource(source string) SourceOption { return SourceOption{source} }

func (o SnapshotsOption) applyToRepository(opts *repoOpts)       { opts.snapshots = o.v }
func (o ThresholdsOption) applyToRepository(opts *repoOpts)      { opts.thresholds = o.v }
func (o RepoIDGeneratorOption) applyToRepository(opts *repoOpts) { opts.idGenerator = o.v }
func (o SourceOption) applyToRepository(opts *repoOpts)          { opts.source = o.v }
func (o LogOption) applyToRepository(opts *repoOpts)             { opts.log = o.l }
func (o ESMetricsOption) applyToRepository(opts *repoOpts)       { opts.metrics = o.m }

type (
	repoSaveOpts struct {
		meta          Metadata
		forceSnapshot bool
		skipSnapshot  bool
	}

	SaveOption interface{ applyToSaveOptions(*repoSaveOpts) }

	MetadataOption      valueOption[Metadata]
	ForceSnapshotOption struct{}
	SkipSnapshotOption  struct{}
)

// WithMetadata stamps the saved envelopes with correlation/causation context.
func WithMetadata(m Metadata) MetadataOption { return MetadataOption{m} }

// WithSnapshotNow forces a snapshot after the save regardless of thresholds.
func WithSnapshotNow() ForceSnapshotOption { return ForceSnapshotOption{} }

// WithoutSnapshot suppresses the snapshot policy for this save.
func WithoutSnapshot() SkipSnapshotOption { return SkipSnapshotOption{} }

func (o MetadataOption) applyToSaveOptions(opts *repoSaveOpts)      { opts.meta = o.v }
func (o ForceSnapshotOption) applyToSaveOptions(opts *repoSaveOpts) { opts.forceSnapshot = true }
func (o SkipSnapshotOption) applyToSaveOptions(opts *repoSaveOpts)  { opts.skipSnapshot = true }

func newSaveOpts(opts ...SaveOption) repoSaveOpts {
	options := repoSaveOpts{}
	for _, opt := range opts {
		opt.applyToSaveOptions(&options)
	}
	return options
}

// Repository rehydrates aggregates and persists new events with optimistic
// concurrency. It never retries internally: version conflicts and
// infrastructure failures are returned to the caller, who owns the
// reload-and-reapply policy.
type Repository[T any] struct {
	log        *slog.Logger
	store      EventLog
	registry   *EventRegistry
	reducer    Reducer[T]
	snapshots  SnapshotStore
	thresholds SnapshotThresholds
	idGen      IDGenerator
	metrics    ESMetrics
	source     string
}

func NewRepository[T any](store EventLog, registry *EventRegistry, reducer Reducer[T], opts ...RepositoryOption) *Repository[T] {
	options := repoOpts{
		thresholds:  DefaultSnapshotThresholds(),
		idGenerator: DefaultIDGenerator(),
		metrics:     NopESMetrics(),
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}

	return &Repository[T]{
		log:        options.log.With(slog.String("repo", fmt.Sprintf("%T", store))),
		store:      store,
		registry:   registry,
		reducer:    reducer,
		snapshots:  options.snapshots,
		thresholds: options.thresholds,
		idGen:      options.idGenerator,
		metrics:    options.metrics,
		source:     options.source,
	}
}

// New returns an empty aggregate for key, ready to raise events.
func (r *Repository[T]) New(key StreamKey) Aggregate[T] {
	return NewAggregate(key, r.reducer)
}

// Load rehydrates the aggregate: latest snapshot (if any) plus a forward
// replay of every event after it. A missing stream yields an empty aggregate
// with Version == NoStream, not an error. A reducer failure aborts the load
// and propagates, it signals a corrupt stream or a reducer/schema mismatch.
func (r *Repository[T]) Load(ctx context.Context, key StreamKey) (Aggregate[T], error) {
	agg := NewAggregate(key, r.reducer)
	if err := key.Validate(); err != nil {
		return agg, err
	}
	defer r.metrics.RepoLoadDuration(key.AggregateType).ObserveDuration()

	log := r.log.With(key.SlogAttr())

	if r.snapshots != nil {
		snap, hit, err := r.snapshots.LoadLatest(ctx, key)
		switch {
		case err == nil:
			var state T
			if decErr := json.Unmarshal(snap.State, &state); decErr != nil {
				log.Warn("discarding undecodable snapshot, falling back to full replay", slog.Any("error", decErr))
			} else {
				agg.State = state
				agg.Version = snap.Version
				agg.Position = snap.Position
				agg.snapVersion = snap.Version
				agg.snapAt = snap.TakenAt
				log.Debug("snapshot applied", snap.SlogAttr(), slog.Bool("cache_hit", hit))
			}
		case errors.Is(err, ErrSnapshotNotFound), errors.Is(err, ErrPoisonData):
			// full replay
		default:
			return agg, fmt.Errorf("load snapshot: %w", err)
		}
	}

	events, err := r.store.ReadForward(ctx, key.StreamID(), agg.Version.Next(), WithAfterPosition(agg.Position))
	if err != nil {
		if errors.Is(err, ErrStreamNotFound) {
			return agg, nil
		}
		return agg, fmt.Errorf("read stream %s: %w", key.StreamID(), err)
	}

	for _, env := range events {
		if expect := agg.Version.Next(); env.Version != expect {
			return agg, fmt.Errorf("stream %s: expected revision %d, got %d", key.StreamID(), expect, env.Version)
		}
		evt, err := r.registry.Decode(env)
		if err != nil {
			return agg, fmt.Errorf("decode %s@%d: %w", key.StreamID(), env.Version, err)
		}
		state, err := r.reducer.Apply(agg.State, evt, env)
		if err != nil {
			return agg, fmt.Errorf("apply %s@%d: %w", env.Type, env.Version, err)
		}
		agg.State = state
		agg.Version = env.Version
		agg.Position = env.Position
	}

	log.Debug("loaded", agg.Version.SlogAttr(), slog.Int("replayed", len(events)))
	return agg, nil
}

// Save appends the aggregate's pending events with expectedRevision set to
// the loaded version (NoStream demands an absent stream on first save) and
// returns the committed value with the pending buffer cleared. On
// ErrVersionConflict the caller must reload and reapply the command.
//
// After a successful append the snapshot policy may take a snapshot. The
// events are committed at that point, so a snapshot failure is logged and
// returned together with the committed aggregate; callers that only care
// about the write can match on the error and continue.
func (r *Repository[T]) Save(ctx context.Context, agg Aggregate[T], opts ...SaveOption) (Aggregate[T], error) {
	if !agg.HasPending() {
		return agg, nil
	}
	if err := agg.Key.Validate(); err != nil {
		return agg, err
	}
	defer r.metrics.RepoSaveDuration(agg.Key.AggregateType).ObserveDuration()

	options := newSaveOpts(opts...)

	meta := options.meta
	if meta.Tenant == "" {
		meta.Tenant = agg.Key.Tenant
	}
	if meta.Source == "" {
		meta.Source = r.source
	}

	envs := make([]Envelope, 0, len(agg.pending))
	for _, ev := range agg.pending {
		data, err := json.Marshal(ev)
		if err != nil {
			return agg, fmt.Errorf("encode event %T: %w", ev, err)
		}
		envs = append(envs, Envelope{
			ID:            r.idGen(),
			Type:          getEventTypeOf(ev),
			SchemaVersion: agg.Key.SchemaVersion,
			StreamID:      agg.Key.StreamID(),
			EntityID:      agg.Key.EntityID,
			OccurredAt:    time.Now(),
			Data:          data,
			Metadata:      meta,
		})
	}

	res, err := r.store.Append(ctx, agg.Key.StreamID(), envs, agg.Version)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			r.metrics.VersionConflict(agg.Key.AggregateType)
		}
		return agg, fmt.Errorf("save %s: %w", agg.Key.StreamID(), err)
	}
	r.metrics.EventsAppended(agg.Key.AggregateType, len(envs))

	out := agg.committed(res.NextRevision, res.LastPosition)
	r.log.Debug(
		"saved",
		out.Key.SlogAttr(),
		out.Version.SlogAttr(),
		slog.Int("num_events", len(envs)),
	)

	if r.snapshots == nil || options.skipSnapshot {
		return out, nil
	}
	now := time.Now()
	eventsSince, age := out.snapshotLag(now)
	if options.forceSnapshot || ShouldTakeSnapshot(eventsSince, age, r.thresholds) {
		if _, err := r.SaveSnapshot(ctx, out); err != nil {
			r.log.Error("snapshot save failed", out.Key.SlogAttr(), slog.Any("error", err))
			return out, fmt.Errorf("save snapshot %s: %w", out.Key.StreamID(), err)
		}
		out.snapVersion = out.Version
		out.snapAt = now
	}

	return out, nil
}

// SaveSnapshot writes a snapshot of the aggregate's current persisted state.
func (r *Repository[T]) SaveSnapshot(ctx context.Context, agg Aggregate[T]) (*Snapshot, error) {
	if r.snapshots == nil {
		return nil, ErrSnapshotsUnconfigured
	}
	state, err := json.Marshal(agg.State)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	snap := &Snapshot{
		ID:       r.idGen(),
		StreamID: agg.Key.StreamID(),
		Version:  agg.Version,
		Position: agg.Position,
		TakenAt:  time.Now(),
		Encoding: "json",
		State:    state,
	}
	if err := r.snapshots.Save(ctx, agg.Key, snap); err != nil {
		return nil, err
	}
	return snap, nil
}
