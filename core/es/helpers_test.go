package es

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// shared fixtures: a small counter aggregate

type counterAdded struct {
	N int `json:"n"`
}

type counterReset struct{}

type counterState struct {
	Total  int `json:"total"`
	Events int `json:"events"`
}

func newCounterReducer() *MapReducer[counterState] {
	r := NewMapReducer(func() counterState { return counterState{} })
	HandleEvent(r, func(s counterState, e *counterAdded, _ Envelope) (counterState, error) {
		s.Total += e.N
		s.Events++
		return s, nil
	})
	HandleEvent(r, func(s counterState, _ *counterReset, _ Envelope) (counterState, error) {
		return counterState{Events: s.Events + 1}, nil
	})
	return r
}

func newCounterRegistry() *EventRegistry {
	reg := NewRegistry()
	RegisterEventFor[counterAdded](reg)
	RegisterEventFor[counterReset](reg)
	return reg
}

func testKey(entity string) StreamKey {
	return StreamKey{
		Context:       "test",
		AggregateType: "counter",
		SchemaVersion: 1,
		Tenant:        "t1",
		EntityID:      entity,
	}
}

// spyLog wraps an EventLog and records the from revision and position hint
// of forward reads.
type spyLog struct {
	EventLog

	mu           sync.Mutex
	readForwards []Revision
	readAfter    []Position
}

func (s *spyLog) ReadForward(ctx context.Context, streamID string, from Revision, opts ...ReadOption) ([]Envelope, error) {
	s.mu.Lock()
	s.readForwards = append(s.readForwards, from)
	s.readAfter = append(s.readAfter, NewReadOpts(opts...).AfterPosition())
	s.mu.Unlock()
	return s.EventLog.ReadForward(ctx, streamID, from, opts...)
}

func (s *spyLog) lastReadForward() (Revision, Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.readForwards) == 0 {
		return 0, 0, false
	}
	return s.readForwards[len(s.readForwards)-1], s.readAfter[len(s.readAfter)-1], true
}

// testEnv builds a valid envelope for direct appends. The store assigns
// StreamID, Version and Position.
func testEnv(id string, n int) Envelope {
	return Envelope{
		ID:         id,
		Type:       EventTypeFor[counterAdded](),
		EntityID:   "e-1",
		OccurredAt: time.Now(),
		Data:       json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)),
	}
}

func recvEnv(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Envelope{}
}

func recvAckable(t *testing.T, ch <-chan AckableEvent) AckableEvent {
	t.Helper()
	select {
	case ae, ok := <-ch:
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return ae
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}
