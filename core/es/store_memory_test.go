package es

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLog_AppendAssignsRevisionsAndPositions(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()

	res, err := log.Append(ctx, "s1", []Envelope{testEnv("a", 1), testEnv("b", 2)}, NoStream)
	require.NoError(t, err)
	assert.Equal(t, Revision(2), res.NextRevision)
	assert.Equal(t, Position(2), res.LastPosition)

	// positions are global across streams
	res, err = log.Append(ctx, "s2", []Envelope{testEnv("c", 3)}, NoStream)
	require.NoError(t, err)
	assert.Equal(t, Revision(1), res.NextRevision)
	assert.Equal(t, Position(3), res.LastPosition)

	events, err := log.ReadForward(ctx, "s1", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, Revision(1), events[0].Version)
	assert.Equal(t, Revision(2), events[1].Version)
	assert.Equal(t, "s1", events[0].StreamID)
}

func TestMemoryLog_AppendVersionConflict(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()

	_, err := log.Append(ctx, "s1", []Envelope{testEnv("a", 1)}, NoStream)
	require.NoError(t, err)

	// first-save guard against an existing stream
	_, err = log.Append(ctx, "s1", []Envelope{testEnv("b", 2)}, NoStream)
	assert.ErrorIs(t, err, ErrVersionConflict)

	// stale expectation
	_, err = log.Append(ctx, "s1", []Envelope{testEnv("c", 3)}, 5)
	assert.ErrorIs(t, err, ErrVersionConflict)

	// matching expectation
	_, err = log.Append(ctx, "s1", []Envelope{testEnv("d", 4)}, 1)
	require.NoError(t, err)

	// RevisionAny skips the check
	_, err = log.Append(ctx, "s1", []Envelope{testEnv("e", 5)}, RevisionAny)
	require.NoError(t, err)
}

func TestMemoryLog_AppendEmpty(t *testing.T) {
	log := NewMemoryLog()
	_, err := log.Append(context.Background(), "s1", nil, NoStream)
	assert.ErrorIs(t, err, ErrNoEvents)
}

func TestMemoryLog_ReadForwardFrom(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()

	envs := []Envelope{testEnv("a", 1), testEnv("b", 2), testEnv("c", 3)}
	_, err := log.Append(ctx, "s1", envs, NoStream)
	require.NoError(t, err)

	events, err := log.ReadForward(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "c", events[0].ID)

	_, err = log.ReadForward(ctx, "missing", 1)
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestMemoryLog_ReadForwardAfterPosition(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()

	_, err := log.Append(ctx, "s1", []Envelope{testEnv("a", 1), testEnv("b", 2), testEnv("c", 3)}, NoStream)
	require.NoError(t, err)

	events, err := log.ReadForward(ctx, "s1", 1, WithAfterPosition(2))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "c", events[0].ID)
}

func TestMemoryLog_ReadBackward(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()

	_, err := log.Append(ctx, "s1", []Envelope{testEnv("a", 1), testEnv("b", 2), testEnv("c", 3)}, NoStream)
	require.NoError(t, err)

	events, err := log.ReadBackward(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "c", events[0].ID)
	assert.Equal(t, "b", events[1].ID)

	_, err = log.ReadBackward(ctx, "missing", 1)
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestMemoryLog_SubscribeAll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := NewMemoryLog()

	_, err := log.Append(ctx, "s1", []Envelope{testEnv("a", 1), testEnv("b", 2)}, NoStream)
	require.NoError(t, err)

	sub, err := log.SubscribeAll(ctx)
	require.NoError(t, err)
	defer sub.Cancel()

	// replay of existing events
	assert.Equal(t, "a", recvEnv(t, sub.Chan()).ID)
	assert.Equal(t, "b", recvEnv(t, sub.Chan()).ID)

	// live delivery of a later append
	_, err = log.Append(ctx, "s2", []Envelope{testEnv("c", 3)}, NoStream)
	require.NoError(t, err)
	assert.Equal(t, "c", recvEnv(t, sub.Chan()).ID)
}

func TestMemoryLog_SubscribeAllFromPosition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := NewMemoryLog()

	res, err := log.Append(ctx, "s1", []Envelope{testEnv("a", 1), testEnv("b", 2)}, NoStream)
	require.NoError(t, err)

	// from is exclusive: resume after the first event
	sub, err := log.SubscribeAll(ctx, WithFromPosition(res.LastPosition-1))
	require.NoError(t, err)
	defer sub.Cancel()

	assert.Equal(t, "b", recvEnv(t, sub.Chan()).ID)
}

func TestMemoryLog_SubscribeAllTypePrefixes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := NewMemoryLog()

	other := testEnv("x", 9)
	other.Type = "billing.invoiceSent"
	_, err := log.Append(ctx, "s1", []Envelope{testEnv("a", 1), other, testEnv("b", 2)}, NoStream)
	require.NoError(t, err)

	sub, err := log.SubscribeAll(ctx, WithTypePrefixes("billing."))
	require.NoError(t, err)
	defer sub.Cancel()

	assert.Equal(t, "x", recvEnv(t, sub.Chan()).ID)
}

func TestMemoryLog_EnsureGroupIdempotent(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()

	require.NoError(t, log.EnsureGroup(ctx, "s1", "g1", GroupSettings{}))
	require.NoError(t, log.EnsureGroup(ctx, "s1", "g1", GroupSettings{}))
}

func TestMemoryLog_SubscribePersistentUnknownGroup(t *testing.T) {
	log := NewMemoryLog()
	_, err := log.SubscribePersistent(context.Background(), "s1", "nope")
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestMemoryLog_PersistentAckAdvances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := NewMemoryLog()

	_, err := log.Append(ctx, "s1", []Envelope{testEnv("a", 1), testEnv("b", 2)}, NoStream)
	require.NoError(t, err)

	require.NoError(t, log.EnsureGroup(ctx, "s1", "g1", GroupSettings{}))
	sub, err := log.SubscribePersistent(ctx, "s1", "g1")
	require.NoError(t, err)
	defer sub.Cancel()

	ae := recvAckable(t, sub.Chan())
	assert.Equal(t, "a", ae.Envelope().ID)
	require.NoError(t, ae.Ack())

	ae = recvAckable(t, sub.Chan())
	assert.Equal(t, "b", ae.Envelope().ID)
	require.NoError(t, ae.Ack())
}

func TestMemoryLog_PersistentNackRetryRedelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := NewMemoryLog()

	_, err := log.Append(ctx, "s1", []Envelope{testEnv("a", 1)}, NoStream)
	require.NoError(t, err)

	require.NoError(t, log.EnsureGroup(ctx, "s1", "g1", GroupSettings{MaxRetries: 3}))
	sub, err := log.SubscribePersistent(ctx, "s1", "g1")
	require.NoError(t, err)
	defer sub.Cancel()

	ae := recvAckable(t, sub.Chan())
	require.NoError(t, ae.Nack(NackRetry))

	// same event comes around again
	ae = recvAckable(t, sub.Chan())
	assert.Equal(t, "a", ae.Envelope().ID)
	require.NoError(t, ae.Ack())
	assert.Empty(t, log.Parked("s1", "g1"))
}

func TestMemoryLog_PersistentParksAfterMaxRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := NewMemoryLog()

	_, err := log.Append(ctx, "s1", []Envelope{testEnv("a", 1), testEnv("b", 2)}, NoStream)
	require.NoError(t, err)

	require.NoError(t, log.EnsureGroup(ctx, "s1", "g1", GroupSettings{MaxRetries: 2}))
	sub, err := log.SubscribePersistent(ctx, "s1", "g1")
	require.NoError(t, err)
	defer sub.Cancel()

	// two retries exhaust the budget and park the message
	require.NoError(t, recvAckable(t, sub.Chan()).Nack(NackRetry))
	require.NoError(t, recvAckable(t, sub.Chan()).Nack(NackRetry))

	// delivery moves on to the next event
	ae := recvAckable(t, sub.Chan())
	assert.Equal(t, "b", ae.Envelope().ID)
	require.NoError(t, ae.Ack())

	parked := log.Parked("s1", "g1")
	require.Len(t, parked, 1)
	assert.Equal(t, "a", parked[0].ID)
}

func TestMemoryLog_PersistentNackPark(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := NewMemoryLog()

	_, err := log.Append(ctx, "s1", []Envelope{testEnv("a", 1), testEnv("b", 2)}, NoStream)
	require.NoError(t, err)

	require.NoError(t, log.EnsureGroup(ctx, "s1", "g1", GroupSettings{}))
	sub, err := log.SubscribePersistent(ctx, "s1", "g1")
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, recvAckable(t, sub.Chan()).Nack(NackPark))

	ae := recvAckable(t, sub.Chan())
	assert.Equal(t, "b", ae.Envelope().ID)
	require.NoError(t, ae.Nack(NackSkip))

	parked := log.Parked("s1", "g1")
	require.Len(t, parked, 1)
	assert.Equal(t, "a", parked[0].ID)
}

func TestMemoryLog_EnsureGroupStartPosition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := NewMemoryLog()

	res, err := log.Append(ctx, "s1", []Envelope{testEnv("a", 1), testEnv("b", 2)}, NoStream)
	require.NoError(t, err)

	// start after the first event
	require.NoError(t, log.EnsureGroup(ctx, "s1", "g1", GroupSettings{StartPosition: res.LastPosition - 1}))
	sub, err := log.SubscribePersistent(ctx, "s1", "g1")
	require.NoError(t, err)
	defer sub.Cancel()

	ae := recvAckable(t, sub.Chan())
	assert.Equal(t, "b", ae.Envelope().ID)
	require.NoError(t, ae.Ack())
}

func TestMemoryLog_SubscriptionCancelClosesChannel(t *testing.T) {
	log := NewMemoryLog()

	sub, err := log.SubscribeAll(context.Background())
	require.NoError(t, err)
	sub.Cancel()

	select {
	case _, ok := <-sub.Chan():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
