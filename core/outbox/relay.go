package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Publisher delivers one record to its downstream transport.
type Publisher interface {
	Publish(ctx context.Context, rec *Record) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, rec *Record) error

func (f PublisherFunc) Publish(ctx context.Context, rec *Record) error { return f(ctx, rec) }

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithInterval sets the drain tick interval.
func WithInterval(d time.Duration) RelayOption { return func(r *Relay) { r.interval = d } }

// WithBatchSize sets how many records are claimed per tick.
func WithBatchSize(n int) RelayOption { return func(r *Relay) { r.batch = n } }

// WithCleanupEvery sets how often published records are swept.
func WithCleanupEvery(d time.Duration) RelayOption { return func(r *Relay) { r.cleanupEvery = d } }

// WithRetentionDays sets the published-record retention used by the sweep.
func WithRetentionDays(days int) RelayOption { return func(r *Relay) { r.retentionDays = days } }

// WithRelayLog sets the logger.
func WithRelayLog(log *slog.Logger) RelayOption { return func(r *Relay) { r.log = log } }

// Relay drains the outbox: it claims pending records, publishes them and
// reports the outcome back to the repository. Several relays may run
// concurrently; claiming keeps them from publishing the same record twice
// under normal operation.
type Relay struct {
	log  *slog.Logger
	repo *Repository
	pub  Publisher

	interval      time.Duration
	batch         int
	cleanupEvery  time.Duration
	retentionDays int
}

func NewRelay(repo *Repository, pub Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		log:           slog.Default().With(slog.String("component", "outbox-relay")),
		repo:          repo,
		pub:           pub,
		interval:      time.Second,
		batch:         100,
		cleanupEvery:  time.Hour,
		retentionDays: 7,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drains the outbox until ctx is cancelled. It recovers stuck records
// once at startup, then alternates retry re-enqueueing and batch publishing
// per tick, with a slower periodic sweep of published records.
func (r *Relay) Run(ctx context.Context) error {
	if n, err := r.repo.RecoverProcessing(ctx); err != nil {
		return fmt.Errorf("recover processing: %w", err)
	} else if n > 0 {
		r.log.Info("recovered records from a previous run", slog.Int("count", n))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.drainLoop(ctx) })
	g.Go(func() error { return r.cleanupLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Relay) drainLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.tick(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// store hiccups resolve on a later tick
				r.log.Error("drain tick failed", slog.Any("error", err))
			}
		}
	}
}

func (r *Relay) tick(ctx context.Context) error {
	if _, err := r.repo.RetryFailed(ctx, r.batch); err != nil {
		return err
	}

	for {
		batch, err := r.repo.NextBatch(ctx, r.batch)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, rec := range batch {
			if err := r.publishOne(ctx, rec); err != nil {
				return err
			}
		}
		if len(batch) < r.batch {
			return nil
		}
	}
}

func (r *Relay) publishOne(ctx context.Context, rec *Record) error {
	if err := r.pub.Publish(ctx, rec); err != nil {
		r.log.Warn("publish failed", rec.SlogAttr(), slog.Any("error", err))
		return r.repo.MarkFailed(ctx, rec.ID, err)
	}
	return r.repo.MarkPublished(ctx, rec.ID)
}

func (r *Relay) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed, err := r.repo.Cleanup(ctx, r.retentionDays)
			if err != nil {
				r.log.Error("cleanup failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				r.log.Info("swept published records", slog.Int("removed", removed))
			}
		}
	}
}
