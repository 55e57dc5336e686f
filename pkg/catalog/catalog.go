// Package catalog persists table metadata (layout, size, schema, index
// declarations, timestamps) to meta.ldb. Saves are debounced and written
// atomically; a missing or unparsable catalog is reset to empty and
// rewritten rather than surfaced as a failure.
package catalog

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	litedocerrors "github.com/litedocdb/litedocdb/pkg/errors"
	"github.com/litedocdb/litedocdb/pkg/fsbackend"
)

const catalogVersion = "1.0.0"

// ColumnSchema describes one declared column/field of a table.
type ColumnSchema struct {
	Type       string `json:"type"`
	IsHighRisk bool   `json:"isHighRisk,omitempty"`
}

// TableMeta is the persisted metadata for a single table.
type TableMeta struct {
	Name           string                  `json:"name"`
	Mode           string                  `json:"mode"` // "single" | "chunked"
	Path           string                  `json:"path"`
	Count          int                     `json:"count"`
	Size           int64                   `json:"size,omitempty"`
	Chunks         int                     `json:"chunks,omitempty"`
	CreatedAt      int64                   `json:"createdAt"`
	UpdatedAt      int64                   `json:"updatedAt"`
	Columns        map[string]ColumnSchema `json:"columns,omitempty"`
	Indexes        map[string]string       `json:"indexes,omitempty"` // name -> "unique" | "normal"
	IsHighRisk     bool                    `json:"isHighRisk,omitempty"`
	HighRiskFields []string                `json:"highRiskFields,omitempty"`
}

// DatabaseMeta is the full on-disk catalog document.
type DatabaseMeta struct {
	Version     string               `json:"version"`
	GeneratedAt int64                `json:"generatedAt"`
	Tables      map[string]TableMeta `json:"tables"`
}

// Patch is a partial TableMeta update applied by Update; nil fields are
// left untouched.
type Patch struct {
	Mode           *string
	Path           *string
	Count          *int
	Size           *int64
	Chunks         *int
	Columns        map[string]ColumnSchema
	Indexes        map[string]string
	IsHighRisk     *bool
	HighRiskFields []string
}

// Clock abstracts "now" so saves are deterministic in tests.
type Clock func() int64

// Manager owns the in-memory DatabaseMeta cache and its debounced
// persistence to meta.ldb.
type Manager struct {
	backend fsbackend.Backend
	path    string
	clock   Clock

	mu      sync.Mutex
	cache   DatabaseMeta
	writing bool

	debounce    time.Duration
	timer       *time.Timer
	saveErrHook func(error) // test/observability hook, nil in production
}

// New constructs a Manager rooted at metaPath (typically "<db>/meta.ldb")
// and immediately attempts to load it; a missing or corrupt file
// re-initializes the cache to empty and persists it right away.
func New(backend fsbackend.Backend, metaPath string, debounce time.Duration, clock Clock) *Manager {
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}
	m := &Manager{
		backend:  backend,
		path:     metaPath,
		clock:    clock,
		debounce: debounce,
	}
	m.load()
	return m
}

func (m *Manager) load() {
	text, err := m.backend.ReadString(m.path)
	if err != nil {
		m.resetAndSave()
		return
	}
	var dbMeta DatabaseMeta
	if jsonErr := json.Unmarshal([]byte(text), &dbMeta); jsonErr != nil || dbMeta.Tables == nil {
		m.resetAndSave()
		return
	}
	m.mu.Lock()
	m.cache = dbMeta
	m.mu.Unlock()
}

func (m *Manager) resetAndSave() {
	m.mu.Lock()
	m.cache = DatabaseMeta{Version: catalogVersion, GeneratedAt: m.clock(), Tables: map[string]TableMeta{}}
	m.mu.Unlock()
	_ = m.Save()
}

// TriggerSave schedules a debounced Save; repeated calls within the
// debounce window collapse into a single write.
func (m *Manager) TriggerSave() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.debounce <= 0 {
		go func() { _ = m.Save() }()
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, func() {
		if err := m.Save(); err != nil && m.saveErrHook != nil {
			m.saveErrHook(err)
		}
	})
}

// Save persists the current cache to meta.ldb via an atomic write,
// short-circuiting if another Save is already in flight.
func (m *Manager) Save() error {
	m.mu.Lock()
	if m.writing {
		m.mu.Unlock()
		return nil
	}
	m.writing = true
	snapshot := m.cache
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.writing = false
		m.mu.Unlock()
	}()

	snapshot.GeneratedAt = m.clock()
	text, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := m.backend.WriteStringAtomic(m.path, string(text)); err != nil {
		return err
	}
	return nil
}

// Get returns a copy of a table's metadata.
func (m *Manager) Get(name string) (TableMeta, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.cache.Tables[name]
	return meta, ok
}

// Count returns the number of catalogued tables.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache.Tables)
}

// AllTables returns a sorted snapshot of table names.
func (m *Manager) AllTables() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.cache.Tables))
	for name := range m.cache.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create inserts a brand-new table entry, returning TableAlreadyExistsError
// if one is already catalogued.
func (m *Manager) Create(name string, meta TableMeta) error {
	m.mu.Lock()
	if _, exists := m.cache.Tables[name]; exists {
		m.mu.Unlock()
		return &litedocerrors.TableAlreadyExistsError{Name: name}
	}
	now := m.clock()
	meta.Name = name
	meta.CreatedAt = now
	meta.UpdatedAt = now
	m.cache.Tables[name] = meta
	m.mu.Unlock()
	m.TriggerSave()
	return nil
}

// Update merges patch over an existing entry, creating a default one if
// absent, and always refreshes updatedAt.
func (m *Manager) Update(name string, patch Patch) TableMeta {
	m.mu.Lock()
	meta, ok := m.cache.Tables[name]
	if !ok {
		meta = TableMeta{Name: name, Mode: "single", CreatedAt: m.clock()}
	}
	applyPatch(&meta, patch)
	meta.UpdatedAt = m.clock()
	m.cache.Tables[name] = meta
	m.mu.Unlock()
	m.TriggerSave()
	return meta
}

func applyPatch(meta *TableMeta, patch Patch) {
	if patch.Mode != nil {
		meta.Mode = *patch.Mode
	}
	if patch.Path != nil {
		meta.Path = *patch.Path
	}
	if patch.Count != nil {
		meta.Count = *patch.Count
	}
	if patch.Size != nil {
		meta.Size = *patch.Size
	}
	if patch.Chunks != nil {
		meta.Chunks = *patch.Chunks
	}
	if patch.Columns != nil {
		meta.Columns = patch.Columns
	}
	if patch.Indexes != nil {
		meta.Indexes = patch.Indexes
	}
	if patch.IsHighRisk != nil {
		meta.IsHighRisk = *patch.IsHighRisk
	}
	if patch.HighRiskFields != nil {
		meta.HighRiskFields = patch.HighRiskFields
	}
}

// Delete removes a table's entry. Deleting an absent table is a no-op,
// matching "removes the entry only after on-disk removal succeeds (or is
// idempotently absent)" — the on-disk removal itself is the caller's
// (StorageEngine's) responsibility, ordered before this call.
func (m *Manager) Delete(name string) {
	m.mu.Lock()
	delete(m.cache.Tables, name)
	m.mu.Unlock()
	m.TriggerSave()
}

// SetSaveErrHook installs an observability callback invoked when a
// debounced Save fails; primarily for tests.
func (m *Manager) SetSaveErrHook(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErrHook = fn
}
