// Package es is the event sourcing persistence and delivery core: it loads
// and saves versioned aggregates against an append-only event log with
// snapshot acceleration, and reliably redelivers committed events to
// downstream consumers despite crashes, duplicate delivery and partial
// failures.
//
// # Building blocks
//
//   - [EventLog]: the append-only log collaborator (optimistic-concurrency
//     append, range reads, position-ordered feed, persistent groups).
//     [MemoryLog] implements it for tests; adapters provide production
//     backends.
//   - [EventRegistry]: event type name -> constructor, resolved once at
//     startup and checked for completeness with
//     [EventRegistry.ValidateComplete].
//   - [Aggregate]: an immutable value of state, version and pending events.
//     Command methods call [Aggregate.Raise] and get a new value back.
//   - [Repository]: load (snapshot + forward replay) and save (optimistic
//     append) with an opportunistic snapshot policy.
//   - [SnapshotStore] / [CachedSnapshotStore]: compressed point-in-time
//     state, cache in front of a log sub-stream, never authoritative.
//   - [CheckpointStore]: durable group -> position map.
//   - [CatchUpRunner]: client-tracked, position-ordered replay with
//     retry/backoff, dead-lettering and batched checkpoints.
//   - [PersistentRunner]: server-tracked ack/nack competing-consumer
//     delivery.
//
// # Usage
//
//	reg := es.NewRegistry()
//	es.RegisterEventFor[OrderPlaced](reg)
//
//	reducer := es.NewMapReducer(func() Order { return Order{} })
//	es.HandleEvent(reducer, func(o Order, e *OrderPlaced, _ es.Envelope) (Order, error) {
//		o.Total = e.Total
//		return o, nil
//	})
//
//	repo := es.NewRepository(log, reg, reducer, es.WithSnapshots(snaps))
//
//	agg, err := repo.Load(ctx, key)
//	agg, err = agg.Raise(reducer, &OrderPlaced{Total: 42})
//	agg, err = repo.Save(ctx, agg)
//
// # Error handling
//
// Errors split into four classes (see [Classify]): domain errors are
// deterministic and never retried, infrastructure errors are retried with
// jittered exponential backoff, poison data goes straight to the dead-letter
// path, and [ErrVersionConflict] requires the caller to reload and reapply.
// The repository never retries internally; the runners retry per this
// classification with caps that always terminate in a dead-letter or
// logged-skip outcome.
package es
