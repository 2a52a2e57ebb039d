package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/evertide/evertide-go/core/es"
)

const defaultSubjectPrefix = "evertide.es"

type Config struct {
	// Connect is used to create the underlying NATS connection. If nil,
	// ConnectDefault() is used.
	Connect       Connector
	Log           *slog.Logger
	StreamName    string
	SubjectPrefix string
}

// EventLog implements es.EventLog on one JetStream stream. Every aggregate
// stream maps to a subject under the prefix, so the stream sequence is the
// global position and GetLastMsgForSubject resolves a stream's head in one
// round trip.
type EventLog struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	log           *slog.Logger
	subjectPrefix string
	streamName    string

	mu     sync.Mutex
	groups map[string]es.GroupSettings
}

func NewEventLog(cfg Config) (*EventLog, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNatsCon()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = "EVERTIDE_ES"
	}
	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	log = log.With(
		slog.String("store", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subjectPrefix", subjectPrefix),
	)

	ensureCtx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()
	stream, err := js.CreateOrUpdateStream(ensureCtx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
		FirstSeq: 1,
	})
	if err != nil {
		closeNatsCon()
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}
	log.Debug("stream ensured")

	return &EventLog{
		nc:            nc,
		closeNc:       closeNatsCon,
		js:            js,
		stream:        stream,
		log:           log,
		subjectPrefix: subjectPrefix,
		streamName:    streamName,
		groups:        map[string]es.GroupSettings{},
	}, nil
}

func (e *EventLog) Close() error {
	e.js.CleanupPublisher()
	e.closeNc()
	e.log.Debug("closed event log")
	return nil
}

func (e *EventLog) subjectFor(streamID string) string {
	return e.subjectPrefix + "." + streamID
}

// durableName turns a (stream, group) pair into a valid consumer name.
// JetStream forbids '.' in durable names.
var durableSanitizer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func (e *EventLog) durableName(streamID, group string) string {
	return durableSanitizer.Replace(streamID + "__" + group)
}

// === append ===

func (e *EventLog) Append(ctx context.Context, streamID string, events []es.Envelope, expected es.Revision) (*es.AppendResult, error) {
	if len(events) == 0 {
		return nil, es.ErrNoEvents
	}

	subject := e.subjectFor(streamID)
	last, lastSeq, err := e.lastEnvelope(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("resolve head of %s: %w", streamID, err)
	}

	cur := es.NoStream
	if last != nil {
		cur = last.Version
	}
	if expected != es.RevisionAny && expected != cur {
		return nil, fmt.Errorf("%w: stream %s is at %d, expected %d", es.ErrVersionConflict, streamID, cur, expected)
	}

	base := es.Revision(0)
	if cur > 0 {
		base = cur
	}

	var res es.AppendResult
	for i := range events {
		env := events[i]
		env.StreamID = streamID
		env.Version = base + es.Revision(i+1)
		if err := env.Validate(); err != nil {
			return nil, err
		}

		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("encode envelope %s: %w", env.ID, err)
		}
		msg := natsgo.NewMsg(subject)
		msg.Header.Set("x-event-type", env.Type)
		msg.Header.Set("x-entity-id", env.EntityID)
		msg.Data = data

		// the per-subject sequence guard closes the race between the head
		// read above and this publish
		ack, err := e.js.PublishMsg(
			ctx,
			msg,
			jetstream.WithMsgID(env.ID),
			jetstream.WithExpectLastSequencePerSubject(lastSeq),
		)
		if err != nil {
			if isWrongLastSequence(err) {
				return nil, fmt.Errorf("%w: concurrent append to %s", es.ErrVersionConflict, streamID)
			}
			return nil, fmt.Errorf("append to %s: %w", subject, err)
		}

		lastSeq = ack.Sequence
		res = es.AppendResult{NextRevision: env.Version, LastPosition: es.Position(ack.Sequence)}
	}

	e.log.Debug(
		"append",
		slog.String("stream", streamID),
		slog.Int("num_events", len(events)),
		res.NextRevision.SlogAttr(),
		res.LastPosition.SlogAttr(),
	)
	return &res, nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// === reads ===

func (e *EventLog) ReadForward(ctx context.Context, streamID string, from es.Revision, opts ...es.ReadOption) ([]es.Envelope, error) {
	options := es.NewReadOpts(opts...)

	subject := e.subjectFor(streamID)
	last, endSeq, err := e.lastEnvelope(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("resolve head of %s: %w", streamID, err)
	}
	if last == nil {
		return nil, fmt.Errorf("%w: %s", es.ErrStreamNotFound, streamID)
	}
	if uint64(options.AfterPosition()) >= endSeq {
		return nil, nil
	}

	consumerCfg := jetstream.ConsumerConfig{
		Name:              "loader-" + gonanoid.Must(),
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		AckPolicy:         jetstream.AckExplicitPolicy,
		FilterSubjects:    []string{subject},
		InactiveThreshold: time.Minute,
	}
	if options.AfterPosition() > 0 {
		// positions are stream sequences, so the hint seeds the consumer and
		// the scan skips everything a snapshot already covers
		consumerCfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerCfg.OptStartSeq = uint64(options.AfterPosition()) + 1
	}
	consumerName := consumerCfg.Name
	cc, err := e.stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("create loader consumer: %w", err)
	}
	defer func() {
		if errDelete := e.stream.DeleteConsumer(ctx, consumerName); errDelete != nil {
			e.log.Error("failed to delete loader consumer", slog.Any("error", errDelete))
		}
	}()

	var out []es.Envelope
	for {
		msg, err := cc.Next(jetstream.FetchMaxWait(5 * time.Second))
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) || errors.Is(err, natsgo.ErrTimeout) {
				break
			}
			return nil, fmt.Errorf("fetch message: %w", err)
		}
		if err := msg.Ack(); err != nil {
			return nil, fmt.Errorf("ack message: %w", err)
		}

		env, err := decodeMsg(msg)
		if err != nil {
			return nil, fmt.Errorf("decode message on %s: %w", subject, err)
		}
		if env.Version >= from {
			out = append(out, *env)
		}
		if uint64(env.Position) >= endSeq {
			break
		}
	}

	e.log.Debug("read forward", slog.String("stream", streamID), slog.Int("num_events", len(out)))
	return out, nil
}

func (e *EventLog) ReadBackward(ctx context.Context, streamID string, maxCount int) ([]es.Envelope, error) {
	if maxCount == 1 {
		// one round trip for the common latest-snapshot case
		last, _, err := e.lastEnvelope(ctx, e.subjectFor(streamID))
		if err != nil {
			return nil, fmt.Errorf("resolve head of %s: %w", streamID, err)
		}
		if last == nil {
			return nil, fmt.Errorf("%w: %s", es.ErrStreamNotFound, streamID)
		}
		return []es.Envelope{*last}, nil
	}

	all, err := e.ReadForward(ctx, streamID, 1)
	if err != nil {
		return nil, err
	}
	out := make([]es.Envelope, 0, maxCount)
	for i := len(all) - 1; i >= 0 && len(out) < maxCount; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (e *EventLog) lastEnvelope(ctx context.Context, subject string) (*es.Envelope, uint64, error) {
	lm, err := e.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	var env es.Envelope
	if err := json.Unmarshal(lm.Data, &env); err != nil {
		return nil, 0, fmt.Errorf("decode head of %q: %w", subject, err)
	}
	env.Position = es.Position(lm.Sequence)
	return &env, lm.Sequence, nil
}

func decodeMsg(msg jetstream.Msg) (*es.Envelope, error) {
	md, err := msg.Metadata()
	if err != nil {
		return nil, err
	}
	env := &es.Envelope{}
	if err := json.Unmarshal(msg.Data(), env); err != nil {
		return nil, err
	}
	env.Position = es.Position(md.Sequence.Stream)
	return env, nil
}

// === catch-up subscription ===

type jsSubscription struct {
	ch     chan es.Envelope
	cancel context.CancelFunc
}

func (s *jsSubscription) Chan() <-chan es.Envelope { return s.ch }
func (s *jsSubscription) Cancel()                  { s.cancel() }

func (e *EventLog) SubscribeAll(ctx context.Context, opts ...es.SubscribeAllOption) (es.Subscription, error) {
	options := es.NewSubscribeAllOpts(opts...)

	consumerCfg := jetstream.OrderedConsumerConfig{
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if options.From() > 0 {
		consumerCfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerCfg.OptStartSeq = uint64(options.From()) + 1
	}

	consumer, err := e.stream.OrderedConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("create ordered consumer: %w", err)
	}

	ch := make(chan es.Envelope, options.Buffer())
	ctx, cancel := context.WithCancel(ctx)

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		env, err := decodeMsg(msg)
		if err != nil {
			e.log.Error("failed to decode message", slog.Any("error", err))
			return
		}
		if !es.MatchTypePrefixes(env.Type, options.TypePrefixes()) {
			return
		}
		select {
		case ch <- *env:
		case <-ctx.Done():
		}
	})
	if err != nil {
		cancel()
		return nil, err
	}

	// cancel before draining so callbacks blocked on a full channel unblock
	// via ctx.Done. The channel is never closed here: a Consume callback may
	// still hold a send on it, so consumers observe Cancel through their
	// context instead.
	stopOnce := sync.Once{}
	stop := func() {
		stopOnce.Do(func() {
			cancel()
			cc.Drain()
		})
	}
	context.AfterFunc(ctx, stop)

	return &jsSubscription{ch: ch, cancel: stop}, nil
}

// === persistent groups ===

func (e *EventLog) EnsureGroup(ctx context.Context, streamID, group string, settings es.GroupSettings) error {
	cfg := jetstream.ConsumerConfig{
		Durable:        e.durableName(streamID, group),
		AckPolicy:      jetstream.AckExplicitPolicy,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{e.subjectFor(streamID)},
	}
	if settings.StartPosition > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = uint64(settings.StartPosition) + 1
	}
	if settings.MaxRetries > 0 {
		// first delivery plus the retries
		cfg.MaxDeliver = settings.MaxRetries + 1
	}
	if settings.AckWait > 0 {
		cfg.AckWait = settings.AckWait
	}

	if _, err := e.stream.CreateOrUpdateConsumer(ctx, cfg); err != nil {
		return fmt.Errorf("ensure group %s/%s: %w", streamID, group, err)
	}

	e.mu.Lock()
	e.groups[streamID+"/"+group] = settings
	e.mu.Unlock()

	e.log.Debug("group ensured", slog.String("stream", streamID), slog.String("group", group))
	return nil
}

type jsAckable struct {
	env es.Envelope
	msg jetstream.Msg
}

func (a *jsAckable) Envelope() es.Envelope { return a.env }
func (a *jsAckable) Ack() error            { return a.msg.Ack() }

func (a *jsAckable) Nack(action es.NackAction) error {
	switch action {
	case es.NackPark:
		return a.msg.Term()
	case es.NackSkip:
		return a.msg.Ack()
	default:
		return a.msg.Nak()
	}
}

type jsPersistentSub struct {
	ch     chan es.AckableEvent
	cancel context.CancelFunc
}

func (s *jsPersistentSub) Chan() <-chan es.AckableEvent { return s.ch }
func (s *jsPersistentSub) Cancel()                      { s.cancel() }

func (e *EventLog) SubscribePersistent(ctx context.Context, streamID, group string) (es.PersistentSubscription, error) {
	e.mu.Lock()
	settings := e.groups[streamID+"/"+group]
	e.mu.Unlock()

	consumer, err := e.stream.Consumer(ctx, e.durableName(streamID, group))
	if err != nil {
		if errors.Is(err, jetstream.ErrConsumerNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", es.ErrGroupNotFound, streamID, group)
		}
		return nil, fmt.Errorf("lookup group %s/%s: %w", streamID, group, err)
	}

	ch := make(chan es.AckableEvent, 64)
	ctx, cancel := context.WithCancel(ctx)

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		env, err := decodeMsg(msg)
		if err != nil {
			e.log.Error("terminating undecodable message", slog.Any("error", err))
			_ = msg.Term()
			return
		}
		if !es.MatchTypePrefixes(env.Type, settings.FilterPrefixes) {
			_ = msg.Ack()
			return
		}
		select {
		case ch <- &jsAckable{env: *env, msg: msg}:
		case <-ctx.Done():
		}
	})
	if err != nil {
		cancel()
		return nil, err
	}

	// as in SubscribeAll: cancel first, and leave the channel open so an
	// in-flight callback send cannot hit a closed channel
	stopOnce := sync.Once{}
	stop := func() {
		stopOnce.Do(func() {
			cancel()
			cc.Drain()
		})
	}
	context.AfterFunc(ctx, stop)

	return &jsPersistentSub{ch: ch, cancel: stop}, nil
}

var _ es.EventLog = (*EventLog)(nil)
