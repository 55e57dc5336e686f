package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/litedocdb/litedocdb/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(id float64) types.Value {
	return types.Object(types.Field{Key: "id", Value: types.Float(id)})
}

func TestSetThenGet(t *testing.T) {
	m := New(Config{Mode: LRU, MaxSize: 10})
	m.Set("users", "all", payload(1), false)

	v, ok := m.Get("users", "all")
	require.True(t, ok)
	id, _ := v.Field("id")
	f, _ := id.AsFloat()
	assert.Equal(t, float64(1), f)
}

func TestGetMissingReturnsFalse(t *testing.T) {
	m := New(Config{Mode: LRU, MaxSize: 10})
	_, ok := m.Get("users", "all")
	assert.False(t, ok)
}

func TestExpiredEntryNotReturned(t *testing.T) {
	m := New(Config{Mode: LRU, MaxSize: 10, DefaultTTL: time.Millisecond})
	m.Set("users", "all", payload(1), false)
	time.Sleep(5 * time.Millisecond)

	_, ok := m.Get("users", "all")
	assert.False(t, ok)
}

func TestDirtyTrackingOnlyMarksEngineWrites(t *testing.T) {
	m := New(Config{Mode: LRU, MaxSize: 10})
	m.Set("users", "all", payload(1), false) // read-through population
	assert.Equal(t, 0, m.DirtyCount())

	m.Set("users", "1", payload(2), true) // engine write
	assert.Equal(t, 1, m.DirtyCount())

	dirty := m.DirtyData()
	assert.Len(t, dirty, 1)
}

func TestMarkCleanClearsDirtyBit(t *testing.T) {
	m := New(Config{Mode: LRU, MaxSize: 10})
	m.Set("users", "1", payload(1), true)
	dirty := m.DirtyData()
	require.Len(t, dirty, 1)
	for key := range dirty {
		m.MarkClean(key)
	}
	assert.Equal(t, 0, m.DirtyCount())
}

func TestInvalidateTableRemovesAllItsKeys(t *testing.T) {
	m := New(Config{Mode: LRU, MaxSize: 10})
	m.Set("users", "all", payload(1), false)
	m.Set("users", "page1", payload(2), false)
	m.Set("orders", "all", payload(3), false)

	m.InvalidateTable("users")

	_, ok1 := m.Get("users", "all")
	_, ok2 := m.Get("users", "page1")
	_, ok3 := m.Get("orders", "all")
	assert.False(t, ok1)
	assert.False(t, ok2)
	assert.True(t, ok3)
}

func TestLRUEvictsOldestOnOverflow(t *testing.T) {
	m := New(Config{Mode: LRU, MaxSize: 2})
	m.Set("t", "a", payload(1), false)
	m.Set("t", "b", payload(2), false)
	m.Set("t", "c", payload(3), false)

	_, okA := m.Get("t", "a")
	_, okC := m.Get("t", "c")
	assert.False(t, okA)
	assert.True(t, okC)
}

func TestLFUEvictsLeastFrequentlyUsed(t *testing.T) {
	m := New(Config{Mode: LFU, MaxSize: 2})
	m.Set("t", "a", payload(1), false)
	m.Set("t", "b", payload(2), false)
	m.Get("t", "a")
	m.Get("t", "a")

	m.Set("t", "c", payload(3), false)

	_, okB := m.Get("t", "b")
	_, okA := m.Get("t", "a")
	assert.False(t, okB)
	assert.True(t, okA)
}

func TestRemoveExpiredSweepsAndCloseStopsJanitor(t *testing.T) {
	m := New(Config{Mode: LRU, MaxSize: 10, DefaultTTL: time.Millisecond, CleanupInterval: time.Hour})
	m.Set("t", "a", payload(1), false)
	time.Sleep(5 * time.Millisecond)

	m.RemoveExpired()
	_, ok := m.Get("t", "a")
	assert.False(t, ok)

	m.Close()
	require.NotPanics(t, m.Close)
}

func TestGetSafeReusesLoadedValue(t *testing.T) {
	m := New(Config{Mode: LRU, MaxSize: 10})
	calls := 0
	loader := func() (types.Value, error) {
		calls++
		return payload(99), nil
	}

	v1, err1 := m.GetSafe("t", "k", loader)
	require.NoError(t, err1)
	v2, err2 := m.GetSafe("t", "k", loader)
	require.NoError(t, err2)

	assert.Equal(t, v1.Canonical(), v2.Canonical())
	assert.Equal(t, 1, calls)
}

func TestGetSafePropagatesLoaderError(t *testing.T) {
	m := New(Config{Mode: LRU, MaxSize: 10})
	wantErr := errors.New("boom")
	_, err := m.GetSafe("t", "k", func() (types.Value, error) { return types.Value{}, wantErr })
	assert.ErrorIs(t, err, wantErr)
}
