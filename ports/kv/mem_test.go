package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.Put(ctx, "a", Entry{Data: []byte("1")}, PutOptions{}))

	e, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), e.Data)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_IfNotExists(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	opts := PutOptions{IfNotExists: true}
	require.NoError(t, s.Put(ctx, "a", Entry{Data: []byte("1")}, opts))
	assert.ErrorIs(t, s.Put(ctx, "a", Entry{Data: []byte("2")}, opts), ErrExists)

	e, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), e.Data)
}

func TestMemStore_TTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	now := time.Now()
	s.SetNow(func() time.Time { return now })

	require.NoError(t, s.Put(ctx, "a", Entry{Data: []byte("1")}, PutOptions{TTL: time.Minute}))

	ok, err := s.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)

	ok, err = s.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	// expired key is writable again with IfNotExists
	require.NoError(t, s.Put(ctx, "a", Entry{Data: []byte("2")}, PutOptions{IfNotExists: true}))
}

func TestMemStore_KeysAndBulk(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.PutMany(ctx, map[string]Entry{
		"checkpoint:a": {Data: []byte("1")},
		"checkpoint:b": {Data: []byte("2")},
		"other:c":      {Data: []byte("3")},
	}, PutOptions{}))

	keys, err := s.Keys(ctx, "checkpoint:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"checkpoint:a", "checkpoint:b"}, keys)

	entries, err := s.GetMany(ctx, []string{"checkpoint:a", "missing", "other:c"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, []byte("1"), entries["checkpoint:a"].Data)
}

func TestMemStore_Lists(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.ListPush(ctx, "q", "a"))
	require.NoError(t, s.ListPush(ctx, "q", "b", "c"))

	n, err := s.ListLen(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// FIFO: first pushed comes out first
	v, err := s.ListMove(ctx, "q", "work")
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	got, err := s.ListRange(ctx, "work", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)

	removed, err := s.ListRemove(ctx, "work", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = s.ListMove(ctx, "empty", "work")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_SortedSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.SortedSetAdd(ctx, "z", 3, "c"))
	require.NoError(t, s.SortedSetAdd(ctx, "z", 1, "a"))
	require.NoError(t, s.SortedSetAdd(ctx, "z", 2, "b"))

	members, err := s.SortedSetRangeByScore(ctx, "z", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)

	members, err = s.SortedSetRangeByScore(ctx, "z", 10, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)

	removed, err := s.SortedSetRemove(ctx, "z", "a", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
