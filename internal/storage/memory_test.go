package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strandkv/strand/internal/errs"
	"github.com/strandkv/strand/internal/hashring"
	"github.com/strandkv/strand/internal/model"
)

func TestMemoryEngine_SetGet(t *testing.T) {
	e := NewMemoryEngine(time.Hour, zap.NewNop())

	require.NoError(t, e.Set(model.Entry{
		Key:     []byte("user:1"),
		Value:   []byte("alice"),
		Version: model.Version{Writer: "node-a", Counter: 1},
	}))

	got, err := e.Get([]byte("user:1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("alice"), got.Value)
	assert.Equal(t, uint64(1), got.Version.Counter)
}

func TestMemoryEngine_GetMissing(t *testing.T) {
	e := NewMemoryEngine(time.Hour, zap.NewNop())
	_, err := e.Get([]byte("absent"))
	assert.ErrorIs(t, err, errs.ErrKeyNotFound)
}

func TestMemoryEngine_StaleWriteDropped(t *testing.T) {
	e := NewMemoryEngine(time.Hour, zap.NewNop())

	require.NoError(t, e.Set(model.Entry{
		Key: []byte("k"), Value: []byte("v2"),
		Version: model.Version{Writer: "node-a", Counter: 2},
	}))
	require.NoError(t, e.Set(model.Entry{
		Key: []byte("k"), Value: []byte("v1"),
		Version: model.Version{Writer: "node-a", Counter: 1},
	}))

	got, err := e.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Value, "older version must not overwrite newer")
}

func TestMemoryEngine_WriterIDBreaksCounterTie(t *testing.T) {
	e := NewMemoryEngine(time.Hour, zap.NewNop())

	require.NoError(t, e.Set(model.Entry{
		Key: []byte("k"), Value: []byte("from-b"),
		Version: model.Version{Writer: "node-b", Counter: 5},
	}))
	require.NoError(t, e.Set(model.Entry{
		Key: []byte("k"), Value: []byte("from-a"),
		Version: model.Version{Writer: "node-a", Counter: 5},
	}))

	got, err := e.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("from-b"), got.Value, "higher writer id wins equal counters")
}

func TestMemoryEngine_DeleteLeavesTombstone(t *testing.T) {
	e := NewMemoryEngine(time.Hour, zap.NewNop())

	require.NoError(t, e.Set(model.Entry{
		Key: []byte("k"), Value: []byte("v"),
		Version: model.Version{Writer: "node-a", Counter: 1},
	}))
	require.NoError(t, e.Delete([]byte("k"), model.Version{Writer: "node-a", Counter: 2}))

	_, err := e.Get([]byte("k"))
	assert.ErrorIs(t, err, errs.ErrKeyNotFound)

	entry, ok := e.GetVersioned([]byte("k"))
	require.True(t, ok)
	assert.True(t, entry.Tombstone)
	assert.Equal(t, uint64(2), entry.Version.Counter)

	// A write older than the tombstone must not resurrect the key.
	require.NoError(t, e.Set(model.Entry{
		Key: []byte("k"), Value: []byte("stale"),
		Version: model.Version{Writer: "node-a", Counter: 1},
	}))
	_, err = e.Get([]byte("k"))
	assert.ErrorIs(t, err, errs.ErrKeyNotFound)
}

func TestMemoryEngine_PurgeTombstonesHonorsGrace(t *testing.T) {
	e := NewMemoryEngine(time.Hour, zap.NewNop())
	require.NoError(t, e.Delete([]byte("k"), model.Version{Writer: "node-a", Counter: 1}))

	assert.Equal(t, 0, e.PurgeTombstones(), "fresh tombstone survives the grace period")
	assert.Equal(t, 1, e.Len())

	short := NewMemoryEngine(time.Nanosecond, zap.NewNop())
	require.NoError(t, short.Delete([]byte("k"), model.Version{Writer: "node-a", Counter: 1}))
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, short.PurgeTombstones())
	assert.Equal(t, 0, short.Len())
}

func TestMemoryEngine_ScanAndDeleteRange(t *testing.T) {
	e := NewMemoryEngine(time.Hour, zap.NewNop())

	keys := make([][]byte, 0, 200)
	for i := 0; i < 200; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		keys = append(keys, k)
		require.NoError(t, e.Set(model.Entry{
			Key: k, Value: []byte("v"),
			Version: model.Version{Writer: "node-a", Counter: 1},
		}))
	}

	// Split the hash space in half and check the partition is exact.
	half := model.TokenRange{Start: 0, End: ^uint64(0) / 2}
	inRange := 0
	for _, k := range keys {
		if half.Contains(hashring.HashKey(k)) {
			inRange++
		}
	}

	scanned := e.ScanRange(half)
	assert.Len(t, scanned, inRange)
	assert.Equal(t, inRange, e.CountRange(half))

	deleted := e.DeleteRange(half)
	assert.Equal(t, inRange, deleted)
	assert.Equal(t, 200-inRange, e.Len())
}
