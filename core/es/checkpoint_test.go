package es

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evertide/evertide-go/ports/kv"
)

func TestKVCheckpointStore_SetGet(t *testing.T) {
	ctx := context.Background()
	store := NewKVCheckpointStore(kv.NewMemStore())

	_, err := store.Get(ctx, "g1")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)

	require.NoError(t, store.Set(ctx, "g1", 42))

	cp, err := store.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "g1", cp.Group)
	assert.Equal(t, Position(42), cp.Position)
	assert.False(t, cp.UpdatedAt.IsZero())

	// last write wins
	require.NoError(t, store.Set(ctx, "g1", 99))
	cp, err = store.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, Position(99), cp.Position)
}

func TestKVCheckpointStore_DeleteExists(t *testing.T) {
	ctx := context.Background()
	store := NewKVCheckpointStore(kv.NewMemStore())

	require.NoError(t, store.Set(ctx, "g1", 1))

	ok, err := store.Exists(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, "g1"))

	ok, err = store.Exists(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = store.Get(ctx, "g1")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestKVCheckpointStore_SetManyGetAll(t *testing.T) {
	ctx := context.Background()
	store := NewKVCheckpointStore(kv.NewMemStore())

	require.NoError(t, store.SetMany(ctx, map[string]Position{
		"orders-proj":  10,
		"billing-proj": 20,
		"audit":        30,
	}))

	cps, err := store.GetAll(ctx, "*-proj")
	require.NoError(t, err)
	require.Len(t, cps, 2)

	byGroup := map[string]Position{}
	for _, cp := range cps {
		byGroup[cp.Group] = cp.Position
	}
	assert.Equal(t, Position(10), byGroup["orders-proj"])
	assert.Equal(t, Position(20), byGroup["billing-proj"])
}

func TestKVCheckpointStore_Clear(t *testing.T) {
	ctx := context.Background()
	store := NewKVCheckpointStore(kv.NewMemStore())

	require.NoError(t, store.SetMany(ctx, map[string]Position{
		"orders-proj":  10,
		"billing-proj": 20,
		"audit":        30,
	}))

	removed, err := store.Clear(ctx, "*-proj")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	cps, err := store.GetAll(ctx, "*")
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "audit", cps[0].Group)
}
