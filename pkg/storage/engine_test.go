package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litedocdb/litedocdb/pkg/catalog"
	"github.com/litedocdb/litedocdb/pkg/fsbackend"
	"github.com/litedocdb/litedocdb/pkg/query"
	"github.com/litedocdb/litedocdb/pkg/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.StorageFolder = filepath.Join(t.TempDir(), "store")
	cfg.Cache.AutoSync.Enabled = false
	e := New(fsbackend.New(), cfg, zerolog.Nop())
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func user(id float64, name string, age float64, active bool) types.Value {
	return types.Object(
		types.Field{Key: "id", Value: types.Float(id)},
		types.Field{Key: "name", Value: types.String(name)},
		types.Field{Key: "age", Value: types.Float(age)},
		types.Field{Key: "active", Value: types.Bool(active)},
	)
}

func seedUsers(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.CreateTable(context.Background(), "users", CreateTableOptions{Mode: "single"}))
	_, err := e.Write(context.Background(), "users", []types.Value{
		user(1, "A", 25, true),
		user(2, "B", 30, false),
		user(3, "C", 35, true),
	}, ModeAppend)
	require.NoError(t, err)
}

// S1: basic CRUD.
func TestBasicCRUD(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seedUsers(t, e)

	active, err := e.FindMany(ctx, "users", ReadOptions{Filter: types.Object(
		types.Field{Key: "active", Value: types.Bool(true)},
	)})
	require.NoError(t, err)
	require.Len(t, active, 2)

	removed, err := e.Delete(ctx, "users", types.Object(types.Field{Key: "id", Value: types.Float(2)}))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	count, err := e.Count(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

// S2: operator DSL.
func TestOperatorDSL(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seedUsers(t, e)

	got, err := e.FindMany(ctx, "users", ReadOptions{Filter: types.Object(
		types.Field{Key: "$and", Value: types.Array(
			types.Object(types.Field{Key: "active", Value: types.Bool(true)}),
			types.Object(types.Field{Key: "age", Value: types.Object(types.Field{Key: "$gt", Value: types.Float(25)})}),
		)},
	)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	idField, _ := got[0].Field("id")
	f, _ := idField.AsFloat()
	assert.Equal(t, float64(3), f)

	got, err = e.FindMany(ctx, "users", ReadOptions{Filter: types.Object(
		types.Field{Key: "id", Value: types.Object(types.Field{Key: "$in", Value: types.Array(types.Float(1), types.Float(3))})},
	)})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = e.FindMany(ctx, "users", ReadOptions{Filter: types.Object(
		types.Field{Key: "name", Value: types.Object(types.Field{Key: "$like", Value: types.String("%A%")})},
	)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	nameField, _ := got[0].Field("name")
	s, _ := nameField.AsString()
	assert.Equal(t, "A", s)
}

// S3: sort + paginate.
func TestSortAndPaginate(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seedUsers(t, e)

	got, err := e.FindMany(ctx, "users", ReadOptions{
		SortBy:    []string{"age"},
		SortOrder: []query.Order{query.Asc},
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	var ages []float64
	for _, r := range got {
		ageField, _ := r.Field("age")
		f, _ := ageField.AsFloat()
		ages = append(ages, f)
	}
	assert.Equal(t, []float64{25, 30, 35}, ages)

	got, err = e.FindMany(ctx, "users", ReadOptions{Skip: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	idField, _ := got[0].Field("id")
	f, _ := idField.AsFloat()
	assert.Equal(t, float64(2), f)
}

// S4: transaction rollback.
func TestTransactionRollback(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seedUsers(t, e)

	require.NoError(t, e.BeginTransaction())

	_, err := e.Delete(ctx, "users", types.Object(types.Field{Key: "id", Value: types.Float(2)}))
	require.NoError(t, err)

	_, err = e.BulkWrite(ctx, "users", []BulkOp{
		{Kind: BulkUpdate, Data: types.Object(
			types.Field{Key: "id", Value: types.Float(1)},
			types.Field{Key: "age", Value: types.Float(99)},
		)},
	})
	require.NoError(t, err)

	require.NoError(t, e.Rollback(ctx))

	got, err := e.FindMany(ctx, "users", ReadOptions{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, r := range got {
		idField, _ := r.Field("id")
		idF, _ := idField.AsFloat()
		if idF == 1 {
			ageField, _ := r.Field("age")
			ageF, _ := ageField.AsFloat()
			assert.Equal(t, float64(25), ageF)
		}
	}
}

func TestTransactionCommitReplaysOps(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seedUsers(t, e)

	require.NoError(t, e.BeginTransaction())
	_, err := e.Delete(ctx, "users", types.Object(types.Field{Key: "id", Value: types.Float(2)}))
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx))

	count, err := e.Count(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestBulkWriteInsertUpdateDelete(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seedUsers(t, e)

	result, err := e.BulkWrite(ctx, "users", []BulkOp{
		{Kind: BulkInsert, Data: user(4, "D", 40, true)},
		{Kind: BulkUpdate, Data: types.Object(
			types.Field{Key: "id", Value: types.Float(1)},
			types.Field{Key: "age", Value: types.Float(26)},
		)},
		{Kind: BulkDelete, Data: types.Object(types.Field{Key: "id", Value: types.Float(2)})},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Written)
	assert.Equal(t, 3, result.TotalAfterWrite)

	got, err := e.FindMany(ctx, "users", ReadOptions{})
	require.NoError(t, err)
	require.Len(t, got, 3)

	one, found, err := e.FindOne(ctx, "users", types.Object(types.Field{Key: "id", Value: types.Float(1)}))
	require.NoError(t, err)
	require.True(t, found)
	ageField, _ := one.Field("age")
	ageF, _ := ageField.AsFloat()
	assert.Equal(t, float64(26), ageF)
}

func TestBulkWriteDeleteOfAbsentIDDoesNotCount(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seedUsers(t, e)

	result, err := e.BulkWrite(ctx, "users", []BulkOp{
		{Kind: BulkDelete, Data: types.Object(types.Field{Key: "id", Value: types.Float(999)})},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Written)
	assert.Equal(t, 3, result.TotalAfterWrite)
}

func TestReadOnMissingTableReturnsEmpty(t *testing.T) {
	e := newTestEngine(t)
	got, err := e.Read(context.Background(), "ghost", ReadOptions{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWriteAutoCreatesTable(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	n, err := e.Write(ctx, "fresh", []types.Value{user(1, "A", 25, true)}, ModeAppend)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, e.HasTable("fresh"))

	got, err := e.Read(ctx, "fresh", ReadOptions{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCreateTableIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.CreateTable(ctx, "widgets", CreateTableOptions{Mode: "single"}))
	require.NoError(t, e.CreateTable(ctx, "widgets", CreateTableOptions{Mode: "single"}))
	assert.True(t, e.HasTable("widgets"))
}

func TestCreateTableRejectsBadColumnType(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	err := e.CreateTable(ctx, "widgets", CreateTableOptions{
		Columns: map[string]catalog.ColumnSchema{"name": {Type: "varchar"}},
	})
	require.Error(t, err)
}

func TestDeleteTableIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.CreateTable(ctx, "widgets", CreateTableOptions{Mode: "single"}))
	require.NoError(t, e.DeleteTable("widgets"))
	require.NoError(t, e.DeleteTable("widgets"))
	assert.False(t, e.HasTable("widgets"))
}

func TestVerifyCountRepairsCatalog(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seedUsers(t, e)

	wrong := 99
	e.catalogMgr.Update("users", catalog.Patch{Count: &wrong})

	actual, err := e.VerifyCount(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, 3, actual)

	meta, ok := e.catalogMgr.Get("users")
	require.True(t, ok)
	assert.Equal(t, 3, meta.Count)
}

// S6: migration.
func TestMigrateToChunked(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.CreateTable(ctx, "m", CreateTableOptions{Mode: "single"}))

	records := make([]types.Value, 200)
	blob := string(make([]byte, 40_000))
	for i := range records {
		records[i] = types.Object(
			types.Field{Key: "id", Value: types.Float(float64(i))},
			types.Field{Key: "blob", Value: types.String(blob)},
		)
	}
	_, err := e.Write(ctx, "m", records, ModeOverwrite)
	require.NoError(t, err)

	e.cfg.ChunkSize = 1 * 1024 * 1024
	require.NoError(t, e.MigrateToChunked(ctx, "m"))

	got, err := e.Read(ctx, "m", ReadOptions{})
	require.NoError(t, err)
	assert.Len(t, got, len(records))

	meta, ok := e.catalogMgr.Get("m")
	require.True(t, ok)
	assert.Equal(t, "chunked", meta.Mode)
	assert.GreaterOrEqual(t, meta.Chunks, 2)

	entries, err := os.ReadDir(e.cfg.StorageFolder)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), "_temp_")
	}
}

// S5: chunked round-trip; corruption shrinks reads and leaves the catalog
// count stale until an explicit VerifyCount repairs it.
func TestChunkedCorruptionShrinksReadUntilVerifyCountRepairs(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.CreateTable(ctx, "t", CreateTableOptions{Mode: "chunked"}))

	e.cfg.ChunkSize = 1 * 1024 * 1024
	blob := strings.Repeat("x", 10_000)
	records := make([]types.Value, 300)
	for i := range records {
		records[i] = types.Object(
			types.Field{Key: "id", Value: types.Float(float64(i))},
			types.Field{Key: "blob", Value: types.String(blob)},
		)
	}
	_, err := e.Write(ctx, "t", records, ModeAppend)
	require.NoError(t, err)

	got, err := e.Read(ctx, "t", ReadOptions{BypassCache: true})
	require.NoError(t, err)
	require.Len(t, got, len(records))

	dir := filepath.Join(e.cfg.StorageFolder, "t")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 2)

	victim := filepath.Join(dir, entries[0].Name())
	data, err := os.ReadFile(victim)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(victim, data, 0o644))

	got, err = e.Read(ctx, "t", ReadOptions{BypassCache: true})
	require.NoError(t, err)
	require.Less(t, len(got), len(records))

	meta, ok := e.catalogMgr.Get("t")
	require.True(t, ok)
	assert.Equal(t, len(records), meta.Count) // stale until repaired

	actual, err := e.VerifyCount(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, len(got), actual)

	meta, _ = e.catalogMgr.Get("t")
	assert.Equal(t, actual, meta.Count)
}

func TestHighRiskTableBypassesCache(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seedUsers(t, e)
	e.catalogMgr.Update("users", catalog.Patch{IsHighRisk: boolPtr(true)})

	dirtyBefore := e.cacheMgr.DirtyCount()
	_, err := e.Read(ctx, "users", ReadOptions{})
	require.NoError(t, err)

	// reads never dirty entries and high-risk results are never cached
	assert.Equal(t, dirtyBefore, e.cacheMgr.DirtyCount())
	_, cached := e.cacheMgr.Get("users", readOptionsCacheKey(ReadOptions{}))
	assert.False(t, cached)
}

func TestWriteMarksDirtyAndSyncNowFlushesThroughStorage(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seedUsers(t, e)

	require.Greater(t, e.cacheMgr.DirtyCount(), 0)

	// Lose the on-disk file behind the engine's back; the flush must
	// rewrite it from the dirty write-back state.
	require.NoError(t, os.Remove(filepath.Join(e.cfg.StorageFolder, "users.ldb")))

	e.SyncNow(ctx)

	assert.Equal(t, 0, e.cacheMgr.DirtyCount())
	stats := e.SyncStats()
	assert.Equal(t, 1, stats.SyncCount)
	assert.Greater(t, stats.TotalItemsSynced, 0)

	got, err := e.Read(ctx, "users", ReadOptions{BypassCache: true})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func boolPtr(b bool) *bool { return &b }

func TestRecordMissingIndexedFieldIsSkippedNotViolated(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.CreateTable(ctx, "people", CreateTableOptions{Mode: "single"}))
	e.catalogMgr.Update("people", catalog.Patch{Indexes: map[string]string{"email_unique": "unique"}})

	_, err := e.Write(ctx, "people", []types.Value{
		types.Object(types.Field{Key: "id", Value: types.Float(1)}),
		types.Object(types.Field{Key: "id", Value: types.Float(2)}),
	}, ModeOverwrite)
	require.NoError(t, err)

	got, err := e.FindMany(ctx, "people", ReadOptions{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
