// Package index implements per-table composite secondary indexes. Lookups
// are point lookups on a composite key, never a range scan, so each Index
// is backed by a plain Go map keyed by the canonical tuple of the indexed
// field values.
package index

import (
	"strings"

	litedocerrors "github.com/litedocdb/litedocdb/pkg/errors"
	"github.com/litedocdb/litedocdb/pkg/types"
)

// Kind distinguishes a unique composite index (collisions rejected) from a
// normal one (collisions accumulate in the bucket).
type Kind string

const (
	Unique Kind = "unique"
	Normal Kind = "normal"
)

type entry struct {
	id     string
	record types.Value
}

// Index is one composite secondary index over a fixed ordered list of
// fields.
type Index struct {
	Name   string
	Fields []string
	Kind   Kind

	buckets map[string][]entry
}

func newIndex(name string, fields []string, kind Kind) *Index {
	return &Index{Name: name, Fields: fields, Kind: kind, buckets: map[string][]entry{}}
}

// Name builds the canonical index name "<field1>_<field2>_..._<kind>".
func Name(fields []string, kind Kind) string {
	return strings.Join(fields, "_") + "_" + string(kind)
}

func compositeKey(fields []string, record types.Value) (string, bool) {
	values := make([]types.Value, len(fields))
	for i, f := range fields {
		v, ok := record.Field(f)
		if !ok {
			return "", false
		}
		values[i] = v
	}
	return types.CanonicalTuple(values), true
}

// Manager owns every table's indexes, keyed by table name then index name.
type Manager struct {
	tables map[string]map[string]*Index
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{tables: map[string]map[string]*Index{}}
}

// CreateIndex registers a new composite index for a table. Re-creating an
// existing index (same name) replaces it with an empty one.
func (m *Manager) CreateIndex(table string, fields []string, kind Kind) *Index {
	idx := newIndex(Name(fields, kind), fields, kind)
	if m.tables[table] == nil {
		m.tables[table] = map[string]*Index{}
	}
	m.tables[table][idx.Name] = idx
	return idx
}

// GetIndex returns a table's named index.
func (m *Manager) GetIndex(table, name string) (*Index, error) {
	idxs, ok := m.tables[table]
	if !ok {
		return nil, &litedocerrors.IndexNotFoundError{Name: name}
	}
	idx, ok := idxs[name]
	if !ok {
		return nil, &litedocerrors.IndexNotFoundError{Name: name}
	}
	return idx, nil
}

// Indexes returns every index registered for a table.
func (m *Manager) Indexes(table string) []*Index {
	idxs := m.tables[table]
	out := make([]*Index, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, idx)
	}
	return out
}

// AddToIndex inserts record (identified by id) into every one of the
// table's indexes. A record missing any field an index is built over is
// silently skipped for that index; a unique collision raises
// ConflictError and no index is left partially updated.
func (m *Manager) AddToIndex(table, id string, record types.Value) error {
	idxs := m.tables[table]
	touched := make([]*Index, 0, len(idxs))
	for _, idx := range idxs {
		key, ok := compositeKey(idx.Fields, record)
		if !ok {
			continue
		}
		if idx.Kind == Unique {
			if existing := idx.buckets[key]; len(existing) > 0 && existing[0].id != id {
				m.rollback(touched, record, id)
				return &litedocerrors.ConflictError{Reason: "unique index \"" + idx.Name + "\" violated for key " + key}
			}
		}
		idx.buckets[key] = append(idx.buckets[key], entry{id: id, record: record})
		touched = append(touched, idx)
	}
	return nil
}

func (m *Manager) rollback(touched []*Index, record types.Value, id string) {
	for _, idx := range touched {
		key, ok := compositeKey(idx.Fields, record)
		if !ok {
			continue
		}
		idx.buckets[key] = removeByID(idx.buckets[key], id)
	}
}

// RemoveFromIndex removes the entry for id, located within the bucket
// derived from record's current field values, from every index on table.
func (m *Manager) RemoveFromIndex(table, id string, record types.Value) {
	for _, idx := range m.tables[table] {
		key, ok := compositeKey(idx.Fields, record)
		if !ok {
			continue
		}
		idx.buckets[key] = removeByID(idx.buckets[key], id)
	}
}

func removeByID(bucket []entry, id string) []entry {
	out := bucket[:0]
	for _, e := range bucket {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

// UpdateIndex replaces oldRecord's entry with newRecord's, across every
// index: a remove against the old field values followed by an add against
// the new ones.
func (m *Manager) UpdateIndex(table, id string, oldRecord, newRecord types.Value) error {
	m.RemoveFromIndex(table, id, oldRecord)
	return m.AddToIndex(table, id, newRecord)
}

// QueryIndex returns the ids whose composite key exactly matches values,
// in insertion order.
func (m *Manager) QueryIndex(table, indexName string, values []types.Value) ([]string, error) {
	idx, err := m.GetIndex(table, indexName)
	if err != nil {
		return nil, err
	}
	key := types.CanonicalTuple(values)
	bucket := idx.buckets[key]
	ids := make([]string, len(bucket))
	for i, e := range bucket {
		ids[i] = e.id
	}
	return ids, nil
}

// ClearTableIndexes drops every index registered for table.
func (m *Manager) ClearTableIndexes(table string) {
	delete(m.tables, table)
}
