package catalog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/litedocdb/litedocdb/pkg/errors"
	"github.com/litedocdb/litedocdb/pkg/fsbackend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	backend := fsbackend.New()
	tick := int64(1000)
	clock := func() int64 { tick++; return tick }
	return New(backend, filepath.Join(dir, "meta.ldb"), time.Millisecond, clock)
}

func TestCreateThenGet(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Create("users", TableMeta{Mode: "single", Path: "users.ldb"}))

	meta, ok := m.Get("users")
	require.True(t, ok)
	assert.Equal(t, "users", meta.Name)
	assert.Equal(t, "single", meta.Mode)
	assert.NotZero(t, meta.CreatedAt)
}

func TestCreateDuplicateFails(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Create("users", TableMeta{Mode: "single"}))

	err := m.Create("users", TableMeta{Mode: "single"})
	require.Error(t, err)
	var exists *errors.TableAlreadyExistsError
	assert.ErrorAs(t, err, &exists)
}

func TestUpdateCreatesDefaultWhenAbsentAndRefreshesUpdatedAt(t *testing.T) {
	m := newTestManager(t)
	count := 5
	meta := m.Update("events", Patch{Count: &count})
	assert.Equal(t, 5, meta.Count)
	assert.NotZero(t, meta.UpdatedAt)
}

func TestDeleteRemovesEntry(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Create("users", TableMeta{Mode: "single"}))
	m.Delete("users")

	_, ok := m.Get("users")
	assert.False(t, ok)
}

func TestAllTablesSorted(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Create("zebra", TableMeta{Mode: "single"}))
	require.NoError(t, m.Create("alpha", TableMeta{Mode: "single"}))

	assert.Equal(t, []string{"alpha", "zebra"}, m.AllTables())
	assert.Equal(t, 2, m.Count())
}

func TestLoadRecoversFromCorruptFile(t *testing.T) {
	dir := t.TempDir()
	backend := fsbackend.New()
	path := filepath.Join(dir, "meta.ldb")
	require.NoError(t, backend.WriteStringAtomic(path, "not json"))

	m := New(backend, path, time.Millisecond, nil)
	assert.Equal(t, 0, m.Count())

	text, err := backend.ReadString(path)
	require.NoError(t, err)
	assert.Contains(t, text, `"version"`)
}

func TestSaveIsDebounced(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Create("users", TableMeta{Mode: "single"}))
	time.Sleep(10 * time.Millisecond)

	text, err := m.backend.ReadString(m.path)
	require.NoError(t, err)
	assert.Contains(t, text, "users")
}
