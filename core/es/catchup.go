package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/evertide/evertide-go/core/ds"
)

// ProjectFunc handles one event. Invocations are awaited sequentially per
// subscription; parallelism comes from running more groups, not from
// concurrency within one.
type ProjectFunc func(ctx context.Context, env Envelope, event any) error

// DeadLetterFunc receives events whose processing terminally failed.
type DeadLetterFunc func(ctx context.Context, env Envelope, err error)

// GroupState is the lifecycle state of a runner group.
type GroupState string

const (
	GroupIdle    GroupState = "idle"
	GroupRunning GroupState = "running"
	GroupStopped GroupState = "stopped"
	GroupFailed  GroupState = "failed"
)

// DefaultCheckpointBatch is how many events are processed between checkpoint
// flushes unless overridden. Larger batches reduce write amplification at
// the cost of up to one batch of reprocessing after a crash.
const DefaultCheckpointBatch = 50

// === options ===

type (
	catchUpOpts struct {
		prefixes        []string
		maxRetries      int
		retryBase       time.Duration
		retryCap        time.Duration
		checkpointBatch int
		dlq             DeadLetterFunc
	}

	CatchUpOption interface{ applyToCatchUp(*catchUpOpts) }

	MaxRetriesOption      valueOption[int]
	CheckpointBatchOption valueOption[int]
	DeadLetterOption      valueOption[DeadLetterFunc]
	RetryDelayOption      struct{ base, cap time.Duration }
)

// WithMaxRetries bounds per-event delivery attempts for retryable errors.
func WithMaxRetries(n int) MaxRetriesOption { return MaxRetriesOption{n} }

// WithRetryDelay sets the base and cap of the jittered exponential backoff.
func WithRetryDelay(base, limit time.Duration) RetryDelayOption {
	return RetryDelayOption{base: base, cap: limit}
}

// WithCheckpointBatch sets how many events are processed between checkpoint
// flushes.
func WithCheckpointBatch(n int) CheckpointBatchOption { return CheckpointBatchOption{n} }

// WithDeadLetter routes terminally failed events to fn instead of the
// warn-and-skip default.
func WithDeadLetter(fn DeadLetterFunc) DeadLetterOption { return DeadLetterOption{fn} }

func (o MaxRetriesOption) applyToCatchUp(opts *catchUpOpts)      { opts.maxRetries = o.v }
func (o CheckpointBatchOption) applyToCatchUp(opts *catchUpOpts) { opts.checkpointBatch = o.v }
func (o DeadLetterOption) applyToCatchUp(opts *catchUpOpts)      { opts.dlq = o.v }
func (o TypePrefixOption) applyToCatchUp(opts *catchUpOpts)      { opts.prefixes = o.v }
func (o RetryDelayOption) applyToCatchUp(opts *catchUpOpts) {
	opts.retryBase = o.base
	opts.retryCap = o.cap
}

func newCatchUpOpts(opts ...CatchUpOption) catchUpOpts {
	options := catchUpOpts{
		maxRetries:      5,
		retryBase:       100 * time.Millisecond,
		retryCap:        30 * time.Second,
		checkpointBatch: DefaultCheckpointBatch,
	}
	for _, opt := range opts {
		opt.applyToCatchUp(&options)
	}
	return options
}

type (
	catchUpRunnerOpts struct {
		log     *slog.Logger
		metrics ESMetrics
		warn    *WarnThrottle
	}

	CatchUpRunnerOption interface{ applyToCatchUpRunner(*catchUpRunnerOpts) }

	WarnThrottleOption valueOption[*WarnThrottle]
)

// WithWarnThrottle sets the throttle used for skip warnings.
func WithWarnThrottle(w *WarnThrottle) WarnThrottleOption { return WarnThrottleOption{w} }

func (o WarnThrottleOption) applyToCatchUpRunner(opts *catchUpRunnerOpts) { opts.warn = o.v }
func (o LogOption) applyToCatchUpRunner(opts *catchUpRunnerOpts)          { opts.log = o.l }
func (o ESMetricsOption) applyToCatchUpRunner(opts *catchUpRunnerOpts)    { opts.metrics = o.m }

// === runner ===

// CatchUpRunner replays the position-ordered feed through projection
// functions, one long-lived task per group, resuming from the group's
// checkpoint. Checkpoint writes are batched, so projections fed by this
// runner must be idempotent: up to one batch may be reprocessed after a
// crash.
type CatchUpRunner struct {
	log         *slog.Logger
	store       EventLog
	checkpoints CheckpointStore
	decoder     Decoder
	warn        *WarnThrottle
	metrics     ESMetrics

	mu     sync.Mutex
	groups map[string]*catchUpGroup
	names  *ds.StringSet
}

type catchUpGroup struct {
	state  GroupState
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewCatchUpRunner(store EventLog, checkpoints CheckpointStore, decoder Decoder, opts ...CatchUpRunnerOption) *CatchUpRunner {
	options := catchUpRunnerOpts{
		log:     slog.Default(),
		metrics: NopESMetrics(),
	}
	for _, opt := range opts {
		opt.applyToCatchUpRunner(&options)
	}
	log := options.log.With(slog.String("runner", "catchup"))
	if options.warn == nil {
		options.warn = NewWarnThrottle(log, WarnThrottleOpts{})
	}

	return &CatchUpRunner{
		log:         log,
		store:       store,
		checkpoints: checkpoints,
		decoder:     decoder,
		warn:        options.warn,
		metrics:     options.metrics,
		groups:      map[string]*catchUpGroup{},
		names:       ds.NewStringSet(),
	}
}

// Run starts the group's replay task and returns once the subscription is
// established. A group that is already running is refused.
func (r *CatchUpRunner) Run(ctx context.Context, group string, project ProjectFunc, opts ...CatchUpOption) error {
	if group == "" {
		return errors.New("group is empty")
	}
	options := newCatchUpOpts(opts...)
	options.prefixes = ds.NewStringSet(options.prefixes...).Values()

	r.mu.Lock()
	if g, ok := r.groups[group]; ok && g.state == GroupRunning {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGroupAlreadyRunning, group)
	}
	// reserve the slot before releasing the lock so concurrent Run calls collide here
	g := &catchUpGroup{state: GroupRunning, done: make(chan struct{})}
	r.groups[group] = g
	r.names.Add(group)
	r.mu.Unlock()

	fail := func(err error) error {
		r.mu.Lock()
		g.state = GroupFailed
		g.err = err
		close(g.done)
		r.mu.Unlock()
		return err
	}

	var from Position
	cp, err := r.checkpoints.Get(ctx, group)
	switch {
	case err == nil:
		from = cp.Position
	case errors.Is(err, ErrCheckpointNotFound):
		from = 0
	default:
		return fail(fmt.Errorf("resolve checkpoint %s: %w", group, err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	subOpts := []SubscribeAllOption{WithFromPosition(from)}
	if len(options.prefixes) > 0 {
		subOpts = append(subOpts, WithTypePrefixes(options.prefixes...))
	}
	sub, err := r.store.SubscribeAll(runCtx, subOpts...)
	if err != nil {
		cancel()
		return fail(fmt.Errorf("subscribe %s: %w", group, err))
	}

	log := r.log.With(slog.String("group", group))
	log.Info("catch-up started",
		slog.Uint64("from", uint64(from)),
		slog.Any("prefixes", options.prefixes),
	)

	go r.runLoop(runCtx, group, g, sub, project, options, log)
	return nil
}

func (r *CatchUpRunner) runLoop(
	ctx context.Context,
	group string,
	g *catchUpGroup,
	sub Subscription,
	project ProjectFunc,
	o catchUpOpts,
	log *slog.Logger,
) {
	var (
		pendingCount int
		pendingPos   Position
		loopErr      error
	)

	flush := func() {
		if pendingCount == 0 {
			return
		}
		// the run context may already be cancelled during a graceful stop
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.checkpoints.Set(flushCtx, group, pendingPos); err != nil {
			log.Error("checkpoint flush failed", pendingPos.SlogAttr(), slog.Any("error", err))
			return
		}
		r.metrics.CheckpointFlush(group, pendingCount)
		pendingCount = 0
	}

	defer func() {
		flush()
		sub.Cancel()
		r.mu.Lock()
		if loopErr != nil {
			g.state = GroupFailed
			g.err = loopErr
		} else {
			g.state = GroupStopped
		}
		state := g.state
		close(g.done)
		r.mu.Unlock()
		log.Info("catch-up stopped", slog.String("state", string(state)))
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Chan():
			if !ok {
				return
			}
			if err := r.processEvent(ctx, group, project, env, o, log); err != nil {
				if ctx.Err() != nil {
					// stop requested mid-retry; do not checkpoint past this event
					return
				}
				if o.dlq != nil {
					o.dlq(ctx, env, err)
					r.metrics.RunnerDeadLettered(group)
					log.Debug("dead-lettered", env.SlogAttr(), slog.Any("error", err))
				} else {
					r.warn.Warn(group+"/"+env.Type, "skipping event after terminal failure",
						slog.String("group", group),
						env.SlogAttr(),
						slog.Any("error", err),
					)
				}
			}
			pendingCount++
			pendingPos = env.Position
			if pendingCount >= o.checkpointBatch {
				flush()
			}
		}
	}
}

func (r *CatchUpRunner) processEvent(
	ctx context.Context,
	group string,
	project ProjectFunc,
	env Envelope,
	o catchUpOpts,
	log *slog.Logger,
) error {
	defer r.metrics.RunnerEventDuration(group).ObserveDuration()

	var event any
	if r.decoder != nil {
		var err error
		event, err = r.decoder.Decode(env)
		if err != nil {
			// poison or unknown type: deterministic, never retried
			r.metrics.RunnerEventProcessed(group, false)
			return err
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.retryBase
	bo.MaxInterval = o.retryCap
	bo.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := project(ctx, env, event)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		if attempt >= o.maxRetries {
			return backoff.Permanent(err)
		}
		r.metrics.RunnerRetry(group)
		log.Debug("retrying event", env.SlogAttr(), slog.Int("attempt", attempt), slog.Any("error", err))
		return err
	}, backoff.WithContext(bo, ctx))

	r.metrics.RunnerEventProcessed(group, err == nil)
	return err
}

// Stop cancels the group's task and waits for its checkpoint flush.
func (r *CatchUpRunner) Stop(group string) error {
	r.mu.Lock()
	g, ok := r.groups[group]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, group)
	}
	if g.cancel != nil {
		g.cancel()
	}
	<-g.done
	return nil
}

// StopAll stops every known group.
func (r *CatchUpRunner) StopAll() {
	for _, group := range r.Groups() {
		_ = r.Stop(group)
	}
}

// State returns the group's lifecycle state.
func (r *CatchUpRunner) State(group string) GroupState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[group]; ok {
		return g.state
	}
	return GroupIdle
}

// Err returns the terminal error of a failed group.
func (r *CatchUpRunner) Err(group string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[group]; ok {
		return g.err
	}
	return nil
}

// Groups returns every group name this runner has seen, in registration order.
func (r *CatchUpRunner) Groups() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.names.Values()
}

// ResetCheckpoint deletes the group's stored position, forcing a full replay
// on the next Run. Refused while the group is running.
func (r *CatchUpRunner) ResetCheckpoint(ctx context.Context, group string) error {
	r.mu.Lock()
	if g, ok := r.groups[group]; ok && g.state == GroupRunning {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGroupRunning, group)
	}
	r.mu.Unlock()
	return r.checkpoints.Delete(ctx, group)
}
