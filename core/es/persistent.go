package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// NackPolicy maps a processing error to the acknowledgement action.
type NackPolicy func(error) NackAction

// DefaultNackPolicy parks every failed message. Parking is the safe default:
// the message is preserved for operator inspection instead of being retried
// blindly or silently dropped.
func DefaultNackPolicy(error) NackAction { return NackPark }

// ClassifyNackPolicy retries infrastructure errors and parks everything else.
func ClassifyNackPolicy(err error) NackAction {
	if IsRetryable(err) {
		return NackRetry
	}
	return NackPark
}

// PersistentSettings configures one EnsureAndRun.
type PersistentSettings struct {
	// Group is passed to EnsureGroup on creation.
	Group GroupSettings
	// Policy decides the nack action for failed messages.
	// Nil uses DefaultNackPolicy.
	Policy NackPolicy
	// ProgressEvery is how often a counter snapshot is logged. Default 30s.
	ProgressEvery time.Duration
}

// RunnerCounters is a snapshot of one run's delivery counters.
type RunnerCounters struct {
	Processed uint64
	Acked     uint64
	Nacked    uint64
	Errors    uint64
}

func (c RunnerCounters) SlogAttr() slog.Attr {
	return slog.Group(
		"counters",
		slog.Uint64("processed", c.Processed),
		slog.Uint64("acked", c.Acked),
		slog.Uint64("nacked", c.Nacked),
		slog.Uint64("errors", c.Errors),
	)
}

type persistentRun struct {
	state  GroupState
	err    error
	cancel context.CancelFunc
	done   chan struct{}

	processed atomic.Uint64
	acked     atomic.Uint64
	nacked    atomic.Uint64
	errs      atomic.Uint64
}

func (p *persistentRun) counters() RunnerCounters {
	return RunnerCounters{
		Processed: p.processed.Load(),
		Acked:     p.acked.Load(),
		Nacked:    p.nacked.Load(),
		Errors:    p.errs.Load(),
	}
}

type (
	persistentRunnerOpts struct {
		log     *slog.Logger
		metrics ESMetrics
	}

	PersistentRunnerOption interface{ applyToPersistentRunner(*persistentRunnerOpts) }
)

func (o LogOption) applyToPersistentRunner(opts *persistentRunnerOpts)       { opts.log = o.l }
func (o ESMetricsOption) applyToPersistentRunner(opts *persistentRunnerOpts) { opts.metrics = o.m }

// PersistentRunner consumes server-tracked, acknowledgement-based consumer
// groups: the group cursor lives in the log service and advances through
// Ack/Nack, so competing consumers share one cursor. Every message is acked
// or nacked before the loop honors a stop.
type PersistentRunner struct {
	log     *slog.Logger
	store   EventLog
	decoder Decoder
	metrics ESMetrics

	mu   sync.Mutex
	runs map[string]*persistentRun
}

func NewPersistentRunner(store EventLog, decoder Decoder, opts ...PersistentRunnerOption) *PersistentRunner {
	options := persistentRunnerOpts{
		log:     slog.Default(),
		metrics: NopESMetrics(),
	}
	for _, opt := range opts {
		opt.applyToPersistentRunner(&options)
	}
	return &PersistentRunner{
		log:     options.log.With(slog.String("runner", "persistent")),
		store:   store,
		decoder: decoder,
		metrics: options.metrics,
		runs:    map[string]*persistentRun{},
	}
}

// EnsureAndRun idempotently creates the consumer group (an existing group is
// success) and starts consuming. Returns once the subscription is
// established.
func (r *PersistentRunner) EnsureAndRun(ctx context.Context, streamID, group string, project ProjectFunc, settings PersistentSettings) error {
	key := groupKey(streamID, group)

	r.mu.Lock()
	if run, ok := r.runs[key]; ok && run.state == GroupRunning {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrGroupAlreadyRunning, streamID, group)
	}
	run := &persistentRun{state: GroupRunning, done: make(chan struct{})}
	r.runs[key] = run
	r.mu.Unlock()

	fail := func(err error) error {
		r.mu.Lock()
		run.state = GroupFailed
		run.err = err
		close(run.done)
		r.mu.Unlock()
		return err
	}

	if settings.Policy == nil {
		settings.Policy = DefaultNackPolicy
	}
	if settings.ProgressEvery <= 0 {
		settings.ProgressEvery = 30 * time.Second
	}

	if err := r.store.EnsureGroup(ctx, streamID, group, settings.Group); err != nil {
		return fail(fmt.Errorf("ensure group %s/%s: %w", streamID, group, err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	run.cancel = cancel

	sub, err := r.store.SubscribePersistent(runCtx, streamID, group)
	if err != nil {
		cancel()
		return fail(fmt.Errorf("subscribe %s/%s: %w", streamID, group, err))
	}

	log := r.log.With(slog.String("stream", streamID), slog.String("group", group))
	log.Info("persistent runner started")

	go r.consume(runCtx, run, sub, project, settings, group, log)
	return nil
}

func (r *PersistentRunner) consume(
	ctx context.Context,
	run *persistentRun,
	sub PersistentSubscription,
	project ProjectFunc,
	settings PersistentSettings,
	group string,
	log *slog.Logger,
) {
	ticker := time.NewTicker(settings.ProgressEvery)
	defer func() {
		ticker.Stop()
		sub.Cancel()
		r.mu.Lock()
		run.state = GroupStopped
		close(run.done)
		r.mu.Unlock()
		log.Info("persistent runner stopped", run.counters().SlogAttr())
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Info("progress", run.counters().SlogAttr())
		case ae, ok := <-sub.Chan():
			if !ok {
				return
			}
			r.handle(ctx, run, ae, project, settings, group, log)
		}
	}
}

// handle fully resolves the in-flight message: it is acked or nacked before
// the consume loop can observe a stop.
func (r *PersistentRunner) handle(
	ctx context.Context,
	run *persistentRun,
	ae AckableEvent,
	project ProjectFunc,
	settings PersistentSettings,
	group string,
	log *slog.Logger,
) {
	env := ae.Envelope()
	defer r.metrics.RunnerEventDuration(group).ObserveDuration()
	run.processed.Add(1)

	var (
		event any
		err   error
	)
	if r.decoder != nil {
		event, err = r.decoder.Decode(env)
	}
	if err == nil {
		err = project(ctx, env, event)
	}

	if err == nil {
		if ackErr := ae.Ack(); ackErr != nil {
			run.errs.Add(1)
			log.Error("ack failed", env.SlogAttr(), slog.Any("error", ackErr))
			return
		}
		run.acked.Add(1)
		r.metrics.RunnerEventProcessed(group, true)
		return
	}

	run.errs.Add(1)
	r.metrics.RunnerEventProcessed(group, false)

	action := settings.Policy(err)
	if ctx.Err() != nil {
		// a stop interrupted the handler; the error is the cancellation's
		// artifact, not a verdict on the message, so request redelivery
		// instead of letting the policy park it
		action = NackRetry
	}
	if action == NackPark {
		r.metrics.RunnerDeadLettered(group)
	}
	if nackErr := ae.Nack(action); nackErr != nil {
		log.Error("nack failed", env.SlogAttr(), slog.Any("error", nackErr))
		return
	}
	run.nacked.Add(1)
	log.Debug("nacked",
		env.SlogAttr(),
		slog.String("action", string(action)),
		slog.Any("error", err),
	)
}

// Stop cancels the run. The loop observes the signal between messages, so
// the in-flight message keeps its ack/nack decision.
func (r *PersistentRunner) Stop(streamID, group string) error {
	r.mu.Lock()
	run, ok := r.runs[groupKey(streamID, group)]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrGroupNotFound, streamID, group)
	}
	if run.cancel != nil {
		run.cancel()
	}
	<-run.done
	return nil
}

// Counters returns a snapshot of the run's delivery counters.
func (r *PersistentRunner) Counters(streamID, group string) (RunnerCounters, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[groupKey(streamID, group)]
	if !ok {
		return RunnerCounters{}, false
	}
	return run.counters(), true
}

// State returns the run's lifecycle state.
func (r *PersistentRunner) State(streamID, group string) GroupState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[groupKey(streamID, group)]; ok {
		return run.state
	}
	return GroupIdle
}
