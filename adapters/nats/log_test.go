package nats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/evertide/evertide-go/core/es"
)

func testEnv(eventType string) es.Envelope {
	return es.Envelope{
		ID:         gonanoid.Must(),
		Type:       eventType,
		EntityID:   "o-1",
		OccurredAt: time.Now(),
		Data:       json.RawMessage(`{}`),
	}
}

func recvEnv(t *testing.T, ch <-chan es.Envelope) es.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return es.Envelope{}
	}
}

func recvAckable(t *testing.T, ch <-chan es.AckableEvent) es.AckableEvent {
	t.Helper()
	select {
	case ae, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return ae
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ackable event")
		return nil
	}
}

func TestNats_EventLog(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelDebug)

	connectNatsC := NewTestContainer(t)
	log, err := NewEventLog(Config{
		Connect: connectNatsC,
		Log:     slog.Default(),
	})
	require.NoError(t, err)
	require.NotNil(t, log)
	t.Cleanup(func() { _ = log.Close() })

	t.Run("stream info", func(t *testing.T) {
		si, err := log.stream.Info(t.Context())
		require.NoError(t, err)
		require.NotNil(t, si)
		require.Equal(t, "EVERTIDE_ES", si.Config.Name)
		require.Equal(t, uint64(1), si.Config.FirstSeq)
		require.Equal(t, []string{fmt.Sprintf("%s.>", defaultSubjectPrefix)}, si.Config.Subjects)
	})

	streamID := "orders.order.v1.t1.o-1"

	t.Run("append and read", func(t *testing.T) {
		res, err := log.Append(t.Context(), streamID, []es.Envelope{
			testEnv("order.created"),
			testEnv("order.line_added"),
			testEnv("order.line_added"),
		}, es.NoStream)
		require.NoError(t, err)
		require.EqualValues(t, 3, res.NextRevision)
		require.EqualValues(t, 3, res.LastPosition)

		got, err := log.ReadForward(t.Context(), streamID, 1)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, env := range got {
			require.EqualValues(t, i+1, env.Version)
			require.EqualValues(t, i+1, env.Position)
			require.Equal(t, streamID, env.StreamID)
		}

		got, err = log.ReadForward(t.Context(), streamID, 3)
		require.NoError(t, err)
		require.Len(t, got, 1)

		last, err := log.ReadBackward(t.Context(), streamID, 1)
		require.NoError(t, err)
		require.Len(t, last, 1)
		require.EqualValues(t, 3, last[0].Version)

		// a position hint starts the scan past the covered prefix
		got, err = log.ReadForward(t.Context(), streamID, 1, es.WithAfterPosition(2))
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.EqualValues(t, 3, got[0].Version)

		got, err = log.ReadForward(t.Context(), streamID, 1, es.WithAfterPosition(3))
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("version conflicts", func(t *testing.T) {
		_, err := log.Append(t.Context(), streamID, []es.Envelope{testEnv("order.created")}, es.NoStream)
		require.ErrorIs(t, err, es.ErrVersionConflict)

		_, err = log.Append(t.Context(), streamID, []es.Envelope{testEnv("order.shipped")}, 2)
		require.ErrorIs(t, err, es.ErrVersionConflict)

		res, err := log.Append(t.Context(), streamID, []es.Envelope{testEnv("order.shipped")}, 3)
		require.NoError(t, err)
		require.EqualValues(t, 4, res.NextRevision)

		_, err = log.Append(t.Context(), streamID, []es.Envelope{testEnv("order.created")}, es.RevisionAny)
		require.NoError(t, err)
	})

	t.Run("missing stream", func(t *testing.T) {
		_, err := log.ReadForward(t.Context(), "orders.order.v1.t1.nope", 1)
		require.ErrorIs(t, err, es.ErrStreamNotFound)

		_, err = log.ReadBackward(t.Context(), "orders.order.v1.t1.nope", 1)
		require.ErrorIs(t, err, es.ErrStreamNotFound)
	})

	t.Run("subscribe all", func(t *testing.T) {
		sub, err := log.SubscribeAll(t.Context())
		require.NoError(t, err)
		defer sub.Cancel()

		// five appended so far, replayed in position order
		var prev es.Position
		for range 5 {
			env := recvEnv(t, sub.Chan())
			require.Greater(t, env.Position, prev)
			prev = env.Position
		}

		// live tail
		_, err = log.Append(t.Context(), streamID, []es.Envelope{testEnv("order.closed")}, es.RevisionAny)
		require.NoError(t, err)
		env := recvEnv(t, sub.Chan())
		require.Equal(t, "order.closed", env.Type)
	})

	t.Run("subscribe all from position", func(t *testing.T) {
		sub, err := log.SubscribeAll(t.Context(), es.WithFromPosition(4))
		require.NoError(t, err)
		defer sub.Cancel()

		env := recvEnv(t, sub.Chan())
		require.EqualValues(t, 5, env.Position)
	})

	t.Run("cancel with backed-up subscriber", func(t *testing.T) {
		// a one-slot buffer leaves replay deliveries blocked mid-send
		sub, err := log.SubscribeAll(t.Context(), es.WithBuffer(1))
		require.NoError(t, err)

		recvEnv(t, sub.Chan())
		sub.Cancel()

		// deliveries after cancel resolve via the context; none may trip
		// over a closed channel
		_, err = log.Append(t.Context(), streamID, []es.Envelope{testEnv("order.touched")}, es.RevisionAny)
		require.NoError(t, err)
		time.Sleep(200 * time.Millisecond)
	})

	t.Run("persistent group", func(t *testing.T) {
		groupStream := "orders.order.v1.t1.o-2"
		_, err := log.Append(t.Context(), groupStream, []es.Envelope{
			testEnv("order.created"),
			testEnv("order.line_added"),
		}, es.NoStream)
		require.NoError(t, err)

		require.NoError(t, log.EnsureGroup(t.Context(), groupStream, "billing", es.GroupSettings{
			MaxRetries: 2,
			AckWait:    2 * time.Second,
		}))
		// second ensure is a no-op
		require.NoError(t, log.EnsureGroup(t.Context(), groupStream, "billing", es.GroupSettings{
			MaxRetries: 2,
			AckWait:    2 * time.Second,
		}))

		sub, err := log.SubscribePersistent(t.Context(), groupStream, "billing")
		require.NoError(t, err)
		defer sub.Cancel()

		first := recvAckable(t, sub.Chan())
		require.EqualValues(t, 1, first.Envelope().Version)
		require.NoError(t, first.Ack())

		second := recvAckable(t, sub.Chan())
		require.EqualValues(t, 2, second.Envelope().Version)
		require.NoError(t, second.Nack(es.NackPark))

		// parked messages are never redelivered
		select {
		case ae := <-sub.Chan():
			t.Fatalf("unexpected redelivery of revision %d", ae.Envelope().Version)
		case <-time.After(3 * time.Second):
		}
	})

	t.Run("unknown group", func(t *testing.T) {
		_, err := log.SubscribePersistent(t.Context(), streamID, "nope")
		require.ErrorIs(t, err, es.ErrGroupNotFound)
	})
}
