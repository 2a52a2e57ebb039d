package es

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evertide/evertide-go/ports/kv"
)

func testSnapshot(key StreamKey, version Revision) *Snapshot {
	return &Snapshot{
		ID:       "snap-1",
		StreamID: key.StreamID(),
		Version:  version,
		Position: Position(version),
		TakenAt:  time.Now(),
		Encoding: "json",
		State:    json.RawMessage(`{"total":42,"events":5}`),
	}
}

func TestCachedSnapshotStore_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	key := testKey("e-1")
	store := NewCachedSnapshotStore(NewMemoryLog(), kv.NewMemStore())

	require.NoError(t, store.Save(ctx, key, testSnapshot(key, 5)))

	snap, hit, err := store.LoadLatest(ctx, key)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, Revision(5), snap.Version)
	assert.JSONEq(t, `{"total":42,"events":5}`, string(snap.State))
}

func TestCachedSnapshotStore_NotFound(t *testing.T) {
	store := NewCachedSnapshotStore(NewMemoryLog(), kv.NewMemStore())

	_, _, err := store.LoadLatest(context.Background(), testKey("e-1"))
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestCachedSnapshotStore_ColdLoadFallsBackToLog(t *testing.T) {
	ctx := context.Background()
	key := testKey("e-1")
	kvs := kv.NewMemStore()
	store := NewCachedSnapshotStore(NewMemoryLog(), kvs)

	require.NoError(t, store.Save(ctx, key, testSnapshot(key, 5)))

	// simulate a cache wipe: the sub-stream copy is authoritative enough
	require.NoError(t, kvs.Delete(ctx, "snapshot:"+key.StreamID()))

	snap, hit, err := store.LoadLatest(ctx, key)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, Revision(5), snap.Version)

	// the cold load repopulated the cache
	_, hit, err = store.LoadLatest(ctx, key)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestCachedSnapshotStore_CacheEntryIsCompressed(t *testing.T) {
	ctx := context.Background()
	key := testKey("e-1")
	kvs := kv.NewMemStore()
	store := NewCachedSnapshotStore(NewMemoryLog(), kvs)

	require.NoError(t, store.Save(ctx, key, testSnapshot(key, 5)))

	entry, err := kvs.Get(ctx, "snapshot:"+key.StreamID())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(entry.Data, zstdMagic))
}

func TestCachedSnapshotStore_LegacyPlainEntry(t *testing.T) {
	ctx := context.Background()
	key := testKey("e-1")
	kvs := kv.NewMemStore()
	store := NewCachedSnapshotStore(NewMemoryLog(), kvs)

	// entries written before compression are plain JSON
	plain, err := json.Marshal(testSnapshot(key, 7))
	require.NoError(t, err)
	require.NoError(t, kvs.Put(ctx, "snapshot:"+key.StreamID(), kv.Entry{Data: plain}, kv.PutOptions{}))

	snap, hit, err := store.LoadLatest(ctx, key)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, Revision(7), snap.Version)
}

func TestCachedSnapshotStore_CorruptEntryEvictedAndRecovered(t *testing.T) {
	ctx := context.Background()
	key := testKey("e-1")
	kvs := kv.NewMemStore()
	store := NewCachedSnapshotStore(NewMemoryLog(), kvs)

	require.NoError(t, store.Save(ctx, key, testSnapshot(key, 5)))
	require.NoError(t, kvs.Put(ctx, "snapshot:"+key.StreamID(), kv.Entry{Data: []byte("{garbage")}, kv.PutOptions{}))

	snap, hit, err := store.LoadLatest(ctx, key)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, Revision(5), snap.Version)
}

func TestCachedSnapshotStore_DeleteTombstones(t *testing.T) {
	ctx := context.Background()
	key := testKey("e-1")
	store := NewCachedSnapshotStore(NewMemoryLog(), kv.NewMemStore())

	require.NoError(t, store.Save(ctx, key, testSnapshot(key, 5)))
	require.NoError(t, store.Delete(ctx, key))

	_, _, err := store.LoadLatest(ctx, key)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	// a later snapshot supersedes the tombstone
	require.NoError(t, store.Save(ctx, key, testSnapshot(key, 9)))
	snap, _, err := store.LoadLatest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Revision(9), snap.Version)
}

func TestCachedSnapshotStore_NewerSnapshotWins(t *testing.T) {
	ctx := context.Background()
	key := testKey("e-1")
	kvs := kv.NewMemStore()
	store := NewCachedSnapshotStore(NewMemoryLog(), kvs)

	require.NoError(t, store.Save(ctx, key, testSnapshot(key, 5)))
	require.NoError(t, store.Save(ctx, key, testSnapshot(key, 12)))

	snap, _, err := store.LoadLatest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Revision(12), snap.Version)

	// cold path agrees
	require.NoError(t, kvs.Delete(ctx, "snapshot:"+key.StreamID()))
	snap, _, err = store.LoadLatest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Revision(12), snap.Version)
}

func TestCachedSnapshotStore_ExpectedRevisionGuard(t *testing.T) {
	ctx := context.Background()
	key := testKey("e-1")
	store := NewCachedSnapshotStore(NewMemoryLog(), kv.NewMemStore())

	require.NoError(t, store.Save(ctx, key, testSnapshot(key, 5), WithSnapshotExpectedRevision(NoStream)))

	// a second writer expecting an absent sub-stream loses
	err := store.Save(ctx, key, testSnapshot(key, 6), WithSnapshotExpectedRevision(NoStream))
	assert.ErrorIs(t, err, ErrVersionConflict)
}
