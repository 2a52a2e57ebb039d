package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrGroupNotFound is returned when subscribing to a group that was never ensured.
var ErrGroupNotFound = errors.New("consumer group not found")

// MemoryLog is a simple, correct (optimistic) event log for tests/dev.
// It implements the full EventLog contract including persistent groups.
// Persistent delivery is sequential: one in-flight message per group.
type MemoryLog struct {
	mu      sync.Mutex
	cond    *sync.Cond
	log     *slog.Logger
	pos     uint64
	streams map[string][]Envelope
	all     []Envelope
	groups  map[string]*memoryGroup
}

type memoryGroup struct {
	settings   GroupSettings
	cursor     int
	deliveries map[Revision]int
	parked     []Envelope
}

func NewMemoryLog() *MemoryLog {
	s := &MemoryLog{
		log:     slog.Default().With(slog.String("store", "memory")),
		streams: map[string][]Envelope{},
		groups:  map[string]*memoryGroup{},
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func groupKey(streamID, group string) string { return streamID + "/" + group }

func (s *MemoryLog) Append(_ context.Context, streamID string, events []Envelope, expected Revision) (*AppendResult, error) {
	if len(events) == 0 {
		return nil, ErrNoEvents
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[streamID]
	cur := Revision(len(stream))
	if len(stream) == 0 {
		cur = NoStream
	}
	if expected != RevisionAny && expected != cur {
		return nil, fmt.Errorf("%w: stream %s is at %d, expected %d", ErrVersionConflict, streamID, cur, expected)
	}

	appended := make([]Envelope, 0, len(events))
	for _, e := range events {
		e.StreamID = streamID
		if err := e.Validate(); err != nil {
			return nil, err
		}
		appended = append(appended, e)
	}

	base := Revision(len(stream))
	for i := range appended {
		s.pos++
		appended[i].Version = base + Revision(i+1)
		appended[i].Position = Position(s.pos)
	}

	s.streams[streamID] = append(stream, appended...)
	s.all = append(s.all, appended...)

	last := appended[len(appended)-1]
	s.log.Debug(
		"append",
		slog.String("stream", streamID),
		slog.Int("num_events", len(appended)),
		last.Version.SlogAttr(),
		last.Position.SlogAttr(),
	)

	s.cond.Broadcast()

	return &AppendResult{NextRevision: last.Version, LastPosition: last.Position}, nil
}

func (s *MemoryLog) ReadForward(_ context.Context, streamID string, from Revision, opts ...ReadOption) ([]Envelope, error) {
	options := NewReadOpts(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[streamID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}

	out := make([]Envelope, 0, len(stream))
	for _, e := range stream {
		if e.Version >= from && e.Position > options.AfterPosition() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryLog) ReadBackward(_ context.Context, streamID string, maxCount int) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[streamID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}

	out := make([]Envelope, 0, maxCount)
	for i := len(stream) - 1; i >= 0 && len(out) < maxCount; i-- {
		out = append(out, stream[i])
	}
	return out, nil
}

// === catch-up subscription ===

type memorySubscription struct {
	ch        chan Envelope
	done      chan struct{}
	once      sync.Once
	cancelled atomic.Bool
	wake      func()
}

func (m *memorySubscription) Chan() <-chan Envelope { return m.ch }

func (m *memorySubscription) Cancel() {
	m.once.Do(func() {
		m.cancelled.Store(true)
		close(m.done)
		m.wake()
	})
}

func (s *MemoryLog) wakeAll() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *MemoryLog) SubscribeAll(ctx context.Context, opts ...SubscribeAllOption) (Subscription, error) {
	options := NewSubscribeAllOpts(opts...)
	sub := &memorySubscription{
		ch:   make(chan Envelope, options.Buffer()),
		done: make(chan struct{}),
		wake: s.wakeAll,
	}
	context.AfterFunc(ctx, sub.Cancel)

	go s.serveAll(sub, options)
	return sub, nil
}

func (s *MemoryLog) serveAll(sub *memorySubscription, o SubscribeAllOpts) {
	defer close(sub.ch)

	s.mu.Lock()
	idx := 0
	for idx < len(s.all) && s.all[idx].Position <= o.From() {
		idx++
	}
	s.mu.Unlock()

	for {
		s.mu.Lock()
		for {
			if sub.cancelled.Load() {
				s.mu.Unlock()
				return
			}
			if idx < len(s.all) {
				break
			}
			s.cond.Wait()
		}
		batch := make([]Envelope, len(s.all)-idx)
		copy(batch, s.all[idx:])
		idx = len(s.all)
		s.mu.Unlock()

		for _, env := range batch {
			if !MatchTypePrefixes(env.Type, o.TypePrefixes()) {
				continue
			}
			select {
			case sub.ch <- env:
			case <-sub.done:
				return
			}
		}
	}
}

// === persistent groups ===

func (s *MemoryLog) EnsureGroup(_ context.Context, streamID, group string, settings GroupSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := groupKey(streamID, group)
	if _, ok := s.groups[key]; ok {
		return nil
	}

	cursor := 0
	for _, e := range s.streams[streamID] {
		if e.Position > settings.StartPosition {
			break
		}
		cursor++
	}

	s.groups[key] = &memoryGroup{
		settings:   settings,
		cursor:     cursor,
		deliveries: map[Revision]int{},
	}
	s.log.Debug("group created", slog.String("stream", streamID), slog.String("group", group))
	return nil
}

func (s *MemoryLog) SubscribePersistent(ctx context.Context, streamID, group string) (PersistentSubscription, error) {
	s.mu.Lock()
	g, ok := s.groups[groupKey(streamID, group)]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrGroupNotFound, streamID, group)
	}

	sub := &memoryPersistentSub{
		ch:   make(chan AckableEvent),
		done: make(chan struct{}),
		wake: s.wakeAll,
	}
	context.AfterFunc(ctx, sub.Cancel)

	go s.servePersistent(streamID, g, sub)
	return sub, nil
}

// Parked returns the events parked for a group. Test helper.
func (s *MemoryLog) Parked(streamID, group string) []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupKey(streamID, group)]
	if !ok {
		return nil
	}
	out := make([]Envelope, len(g.parked))
	copy(out, g.parked)
	return out
}

type memoryPersistentSub struct {
	ch        chan AckableEvent
	done      chan struct{}
	once      sync.Once
	cancelled atomic.Bool
	wake      func()
}

func (m *memoryPersistentSub) Chan() <-chan AckableEvent { return m.ch }

func (m *memoryPersistentSub) Cancel() {
	m.once.Do(func() {
		m.cancelled.Store(true)
		close(m.done)
		m.wake()
	})
}

type ackResolution struct {
	ack    bool
	action NackAction
}

type memoryAckable struct {
	env      Envelope
	resolved chan ackResolution
}

func (a *memoryAckable) Envelope() Envelope { return a.env }

func (a *memoryAckable) Ack() error {
	select {
	case a.resolved <- ackResolution{ack: true}:
	default:
	}
	return nil
}

func (a *memoryAckable) Nack(action NackAction) error {
	select {
	case a.resolved <- ackResolution{action: action}:
	default:
	}
	return nil
}

func (s *MemoryLog) servePersistent(streamID string, g *memoryGroup, sub *memoryPersistentSub) {
	defer close(sub.ch)

	for {
		s.mu.Lock()
		for {
			if sub.cancelled.Load() {
				s.mu.Unlock()
				return
			}
			if g.cursor < len(s.streams[streamID]) {
				break
			}
			s.cond.Wait()
		}
		env := s.streams[streamID][g.cursor]
		filtered := !MatchTypePrefixes(env.Type, g.settings.FilterPrefixes)
		if filtered {
			g.cursor++
		}
		s.mu.Unlock()
		if filtered {
			continue
		}

		ae := &memoryAckable{env: env, resolved: make(chan ackResolution, 1)}
		select {
		case sub.ch <- ae:
		case <-sub.done:
			return
		}

		var res ackResolution
		select {
		case res = <-ae.resolved:
		case <-sub.done:
			return
		}

		s.mu.Lock()
		switch {
		case res.ack || res.action == NackSkip:
			g.cursor++
			delete(g.deliveries, env.Version)
		case res.action == NackPark:
			g.parked = append(g.parked, env)
			g.cursor++
			delete(g.deliveries, env.Version)
		default: // retry
			g.deliveries[env.Version]++
			if g.settings.MaxRetries > 0 && g.deliveries[env.Version] >= g.settings.MaxRetries {
				g.parked = append(g.parked, env)
				g.cursor++
				delete(g.deliveries, env.Version)
			}
		}
		s.mu.Unlock()
	}
}

var _ EventLog = (*MemoryLog)(nil)
