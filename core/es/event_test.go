package es

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Decode(t *testing.T) {
	reg := newCounterRegistry()

	env := Envelope{
		ID:         "ev-1",
		Type:       EventTypeFor[counterAdded](),
		StreamID:   "test.counter.v1.t1.e-1",
		EntityID:   "e-1",
		OccurredAt: time.Now(),
		Data:       json.RawMessage(`{"n":3}`),
	}

	evt, err := reg.Decode(env)
	require.NoError(t, err)
	added, ok := evt.(*counterAdded)
	require.True(t, ok)
	assert.Equal(t, 3, added.N)
}

func TestRegistry_DecodeUnknownType(t *testing.T) {
	reg := newCounterRegistry()

	_, err := reg.Decode(Envelope{Type: "es.noSuchEvent"})
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestRegistry_DecodePoison(t *testing.T) {
	reg := newCounterRegistry()

	_, err := reg.Decode(Envelope{
		Type: EventTypeFor[counterAdded](),
		Data: json.RawMessage(`{not json`),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoisonData)
	assert.Equal(t, ClassPoison, Classify(err))
}

func TestRegistry_ValidateComplete(t *testing.T) {
	reg := newCounterRegistry()

	require.NoError(t, reg.ValidateComplete(EventTypeFor[counterAdded](), EventTypeFor[counterReset]()))

	err := reg.ValidateComplete("es.missingEvent")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestRegistry_Types(t *testing.T) {
	reg := newCounterRegistry()
	assert.Equal(t, []string{"es.counterAdded", "es.counterReset"}, reg.Types())
}
