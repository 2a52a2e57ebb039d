package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/evertide/evertide-go/ports/kv"
)

// ErrRecordNotFound is returned when a record id has no stored payload.
var ErrRecordNotFound = errors.New("outbox record not found")

// storage keys
const (
	recordKeyPrefix = "outbox:record:"
	dedupeKeyPrefix = "outbox:dedupe:"
	pendingKey      = "outbox:pending"
	processingKey   = "outbox:processing"
	retryKey        = "outbox:retry"
	deadKey         = "outbox:dead"
	publishedKey    = "outbox:published"
)

func recordKey(id string) string      { return recordKeyPrefix + id }
func dedupeKey(eventID string) string { return dedupeKeyPrefix + eventID }

// Option configures a Repository.
type Option func(*Repository)

// WithMaxAttempts bounds publish attempts before a record goes dead.
func WithMaxAttempts(n int) Option { return func(r *Repository) { r.maxAttempts = n } }

// WithRetryDelay sets the base and cap of the jittered exponential retry
// schedule.
func WithRetryDelay(base, limit time.Duration) Option {
	return func(r *Repository) {
		r.retryBase = base
		r.retryCap = limit
	}
}

// WithDedupeTTL bounds how long an event id blocks re-enqueueing.
func WithDedupeTTL(ttl time.Duration) Option { return func(r *Repository) { r.dedupeTTL = ttl } }

// WithRetention bounds how long published records are kept before their
// payload expires. Cleanup removes them from the published list.
func WithRetention(ttl time.Duration) Option { return func(r *Repository) { r.retention = ttl } }

// WithLog sets the logger.
func WithLog(log *slog.Logger) Option { return func(r *Repository) { r.log = log } }

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option { return func(r *Repository) { r.metrics = m } }

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option { return func(r *Repository) { r.now = now } }

// Repository stages, claims and retries outbox records on top of a kv store.
// It holds no in-process locks: all mutual exclusion is delegated to the
// store's atomic primitives (conditional put for dedupe, list move for
// claiming, sorted-set remove for retry claiming), so any number of workers
// can call it concurrently.
type Repository struct {
	log     *slog.Logger
	kv      kv.Store
	metrics Metrics

	maxAttempts int
	retryBase   time.Duration
	retryCap    time.Duration
	dedupeTTL   time.Duration
	retention   time.Duration
	now         func() time.Time
}

func NewRepository(store kv.Store, opts ...Option) *Repository {
	r := &Repository{
		log:         slog.Default().With(slog.String("component", "outbox")),
		kv:          store,
		metrics:     NopMetrics(),
		maxAttempts: 5,
		retryBase:   time.Second,
		retryCap:    5 * time.Minute,
		dedupeTTL:   24 * time.Hour,
		retention:   7 * 24 * time.Hour,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add stages the records. A record whose event id was already staged within
// the dedupe window is silently dropped; the caller does not need to care
// whether a retried command produced a duplicate. Returns how many records
// were actually staged.
func (r *Repository) Add(ctx context.Context, records ...*Record) (int, error) {
	now := r.now()
	added := 0

	for _, rec := range records {
		err := r.kv.Put(ctx, dedupeKey(rec.EventID), kv.Entry{Data: []byte(rec.ID)}, kv.PutOptions{
			TTL:         r.dedupeTTL,
			IfNotExists: true,
		})
		if errors.Is(err, kv.ErrExists) {
			r.metrics.Deduplicated(1)
			r.log.Debug("duplicate event dropped", rec.SlogAttr())
			continue
		}
		if err != nil {
			return added, fmt.Errorf("dedupe %s: %w", rec.EventID, err)
		}

		rec.Status = StatusPending
		rec.CreatedAt = now
		rec.UpdatedAt = now
		if err := r.putRecord(ctx, rec, 0); err != nil {
			return added, err
		}
		if err := r.kv.ListPush(ctx, pendingKey, rec.ID); err != nil {
			return added, fmt.Errorf("enqueue %s: %w", rec.ID, err)
		}
		added++
	}

	r.metrics.Added(added)
	return added, nil
}

// NextBatch claims up to limit pending records for this worker. Each claim
// is one atomic list move, so two concurrent callers never receive the same
// record. Records whose stored payload fails to parse are poison: they are
// dead-lettered immediately instead of blocking the batch.
func (r *Repository) NextBatch(ctx context.Context, limit int) ([]*Record, error) {
	ids := make([]string, 0, limit)
	for len(ids) < limit {
		id, err := r.kv.ListMove(ctx, pendingKey, processingKey)
		if errors.Is(err, kv.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("claim pending: %w", err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(id)
	}
	entries, err := r.kv.GetMany(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("fetch claimed records: %w", err)
	}

	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := decodeRecord(id, entries[recordKey(id)])
		if err != nil {
			if failErr := r.fail(ctx, id, err, 1); failErr != nil {
				return out, failErr
			}
			continue
		}
		rec.Status = StatusProcessing
		rec.UpdatedAt = r.now()
		if err := r.putRecord(ctx, rec, 0); err != nil {
			return out, err
		}
		out = append(out, rec)
	}

	r.metrics.Claimed(len(out))
	return out, nil
}

// MarkPublished flips the records to published, releases them from the
// processing list and starts their retention window.
func (r *Repository) MarkPublished(ctx context.Context, ids ...string) error {
	now := r.now()
	for _, id := range ids {
		if _, err := r.kv.ListRemove(ctx, processingKey, id); err != nil {
			return fmt.Errorf("release %s: %w", id, err)
		}
		rec, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		rec.Status = StatusPublished
		rec.UpdatedAt = now
		if err := r.putRecord(ctx, rec, r.retention); err != nil {
			return err
		}
		if err := r.kv.ListPush(ctx, publishedKey, id); err != nil {
			return fmt.Errorf("retain %s: %w", id, err)
		}
	}
	r.metrics.Published(len(ids))
	return nil
}

// MarkFailed records a publish failure. The record is scheduled for a
// retry with jittered exponential delay, or dead-lettered once attempts
// reach the configured maximum.
func (r *Repository) MarkFailed(ctx context.Context, id string, cause error) error {
	return r.fail(ctx, id, cause, r.maxAttempts)
}

func (r *Repository) fail(ctx context.Context, id string, cause error, maxAttempts int) error {
	if _, err := r.kv.ListRemove(ctx, processingKey, id); err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}

	now := r.now()
	rec, err := r.Get(ctx, id)
	if err != nil {
		// unreadable record: synthesize enough to dead-letter it
		rec = &Record{ID: id, CreatedAt: now}
		rec.Attempts = maxAttempts
	}
	rec.Attempts++
	rec.LastError = cause.Error()
	rec.UpdatedAt = now
	r.metrics.Failed(1)

	if rec.Attempts >= maxAttempts {
		rec.Status = StatusDead
		if err := r.putRecord(ctx, rec, 0); err != nil {
			return err
		}
		if err := r.kv.ListPush(ctx, deadKey, id); err != nil {
			return fmt.Errorf("dead-letter %s: %w", id, err)
		}
		r.metrics.DeadLettered(1)
		r.log.Warn("record dead-lettered", rec.SlogAttr(), slog.Any("error", cause))
		return nil
	}

	delay := r.retryDelay(rec.Attempts)
	rec.Status = StatusFailed
	rec.NextRetryAt = now.Add(delay)
	if err := r.putRecord(ctx, rec, 0); err != nil {
		return err
	}
	if err := r.kv.SortedSetAdd(ctx, retryKey, float64(rec.NextRetryAt.UnixMilli()), id); err != nil {
		return fmt.Errorf("schedule retry %s: %w", id, err)
	}
	r.log.Debug("retry scheduled", rec.SlogAttr(), slog.Duration("delay", delay))
	return nil
}

// retryDelay is base * 2^(attempts-1) plus up to one base of jitter,
// capped. Jitter spreads retries of records that failed together.
// A non-positive base means immediate retries.
func (r *Repository) retryDelay(attempts int) time.Duration {
	if r.retryBase <= 0 {
		return 0
	}
	delay := r.retryBase
	for i := 1; i < attempts && delay < r.retryCap; i++ {
		delay *= 2
	}
	delay += time.Duration(rand.Int64N(int64(r.retryBase)))
	if delay > r.retryCap {
		delay = r.retryCap
	}
	return delay
}

// RetryFailed moves due records from the retry schedule back to pending.
// The sorted-set removal is the claim: a member removed by this worker is
// invisible to every other. Returns how many records were re-enqueued.
func (r *Repository) RetryFailed(ctx context.Context, limit int) (int, error) {
	due, err := r.kv.SortedSetRangeByScore(ctx, retryKey, float64(r.now().UnixMilli()), int64(limit))
	if err != nil {
		return 0, fmt.Errorf("list due retries: %w", err)
	}

	requeued := 0
	for _, id := range due {
		removed, err := r.kv.SortedSetRemove(ctx, retryKey, id)
		if err != nil {
			return requeued, fmt.Errorf("claim retry %s: %w", id, err)
		}
		if removed == 0 {
			// another worker won this one
			continue
		}

		rec, err := r.Get(ctx, id)
		if err != nil {
			if failErr := r.fail(ctx, id, err, 1); failErr != nil {
				return requeued, failErr
			}
			continue
		}
		rec.Status = StatusPending
		rec.UpdatedAt = r.now()
		if err := r.putRecord(ctx, rec, 0); err != nil {
			return requeued, err
		}
		if err := r.kv.ListPush(ctx, pendingKey, id); err != nil {
			return requeued, fmt.Errorf("requeue %s: %w", id, err)
		}
		requeued++
	}

	r.metrics.Retried(requeued)
	return requeued, nil
}

// RecoverProcessing returns every record still claimed by a worker to the
// pending list. Call it once at startup: a worker that claimed records and
// died leaves them stuck in processing, and nothing else touches that list.
// Recovery can duplicate a delivery, never lose one.
func (r *Repository) RecoverProcessing(ctx context.Context) (int, error) {
	recovered := 0
	for {
		id, err := r.kv.ListMove(ctx, processingKey, pendingKey)
		if errors.Is(err, kv.ErrNotFound) {
			break
		}
		if err != nil {
			return recovered, fmt.Errorf("recover processing: %w", err)
		}
		if rec, getErr := r.Get(ctx, id); getErr == nil {
			rec.Status = StatusPending
			rec.UpdatedAt = r.now()
			if putErr := r.putRecord(ctx, rec, 0); putErr != nil {
				return recovered, putErr
			}
		}
		recovered++
	}
	if recovered > 0 {
		r.metrics.Recovered(recovered)
		r.log.Info("recovered stuck records", slog.Int("count", recovered))
	}
	return recovered, nil
}

// Cleanup deletes published records older than the cutoff. Best effort;
// returns how many were removed.
func (r *Repository) Cleanup(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := r.now().AddDate(0, 0, -olderThanDays)

	ids, err := r.kv.ListRange(ctx, publishedKey, 0, -1)
	if err != nil {
		return 0, fmt.Errorf("list published: %w", err)
	}

	removed := 0
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if err == nil && rec.UpdatedAt.After(cutoff) {
			continue
		}
		// expired payload or past the cutoff either way
		if err := r.kv.Delete(ctx, recordKey(id)); err != nil {
			return removed, fmt.Errorf("delete %s: %w", id, err)
		}
		if _, err := r.kv.ListRemove(ctx, publishedKey, id); err != nil {
			return removed, fmt.Errorf("unlist %s: %w", id, err)
		}
		removed++
	}

	if removed > 0 {
		r.metrics.Cleaned(removed)
		r.log.Debug("cleanup", slog.Int("removed", removed))
	}
	return removed, nil
}

// Get returns the stored record by id.
func (r *Repository) Get(ctx context.Context, id string) (*Record, error) {
	entry, err := r.kv.Get(ctx, recordKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return decodeRecord(id, entry)
}

// PendingCount returns the length of the pending list.
func (r *Repository) PendingCount(ctx context.Context) (int64, error) {
	return r.kv.ListLen(ctx, pendingKey)
}

// ProcessingCount returns the length of the processing list.
func (r *Repository) ProcessingCount(ctx context.Context) (int64, error) {
	return r.kv.ListLen(ctx, processingKey)
}

// DeadLetters returns the ids on the dead-letter list, oldest last.
func (r *Repository) DeadLetters(ctx context.Context) ([]string, error) {
	return r.kv.ListRange(ctx, deadKey, 0, -1)
}

func (r *Repository) putRecord(ctx context.Context, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	if err := r.kv.Put(ctx, recordKey(rec.ID), kv.Entry{Data: data}, kv.PutOptions{TTL: ttl}); err != nil {
		return fmt.Errorf("store record %s: %w", rec.ID, err)
	}
	return nil
}

func decodeRecord(id string, entry kv.Entry) (*Record, error) {
	if entry.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	var rec Record
	if err := json.Unmarshal(entry.Data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return &rec, nil
}
