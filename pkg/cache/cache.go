// Package cache implements the storage engine's write-back read cache:
// LRU or LFU eviction, TTL with avalanche-protection jitter, dirty-bit
// tracking restricted to engine-marked writes, and a single-flight load
// guard. LRU recency order is tracked by hashicorp/golang-lru; LFU mode,
// which that library does not provide, scans for the coldest entry under
// the same mutex.
package cache

import (
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/s2"

	"github.com/litedocdb/litedocdb/pkg/types"
)

// Mode selects the eviction policy.
type Mode string

const (
	LRU Mode = "lru"
	LFU Mode = "lfu"
)

const (
	defaultMemoryThreshold = 0.7
	maxJitter              = 5 * time.Minute
	compressionFloor       = 4096 // payloads smaller than this are never compressed
)

// Entry is one cached payload with its bookkeeping.
type Entry struct {
	Payload      types.Value
	ExpiresAt    time.Time
	AccessCount  int
	LastAccess   time.Time
	Dirty        bool
	Compressed   bool
	OriginalSize int
	size         int
}

// Config configures a Manager.
type Config struct {
	Mode                Mode
	MaxSize             int // max entry count
	MaxMemoryUsage      int64
	MemoryThreshold     float64 // fraction of MaxMemoryUsage that triggers cleanup
	DefaultTTL          time.Duration
	AvalancheProtection bool
	EnableCompression   bool
	CleanupInterval     time.Duration // > 0 starts a background expired-entry sweep
}

// Manager is the engine's cache. All mutation paths are guarded by mu;
// GetSafe additionally serializes concurrent loaders for the same key
// through a per-key rendezvous channel.
type Manager struct {
	cfg Config

	mu          sync.Mutex
	entries     map[string]*Entry
	tableKeys   map[string]map[string]struct{} // table -> live cache keys
	totalMemory int64

	lruBacking *lru.Cache[string, struct{}] // tracks recency order in LRU mode only

	inflight map[string]chan struct{}

	janitorStop chan struct{}
}

// New constructs a Manager. A zero-value MaxSize/MaxMemoryUsage means
// "unbounded" for that dimension.
func New(cfg Config) *Manager {
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = defaultMemoryThreshold
	}
	m := &Manager{
		cfg:       cfg,
		entries:   map[string]*Entry{},
		tableKeys: map[string]map[string]struct{}{},
		inflight:  map[string]chan struct{}{},
	}
	if cfg.Mode == LRU && cfg.MaxSize > 0 {
		// Recency tracking only: eviction is driven by evictIfNeeded, so the
		// backing cache must never evict on its own (its capacity is far
		// above any reachable entry count).
		backing, _ := lru.New[string, struct{}](lruTrackingCapacity)
		m.lruBacking = backing
	}
	if cfg.CleanupInterval > 0 {
		m.janitorStop = make(chan struct{})
		go m.janitor()
	}
	return m
}

func (m *Manager) janitor() {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.janitorStop:
			return
		case <-ticker.C:
			m.RemoveExpired()
		}
	}
}

// RemoveExpired drops every entry past its expiry. Dirty entries are
// exempt: their payload has not been flushed yet, and dropping them would
// lose the write-back data.
func (m *Manager) RemoveExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for key, entry := range m.entries {
		if entry.Dirty {
			continue
		}
		if !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
			m.removeLocked(tableOf(key), key)
		}
	}
}

// Close stops the background cleanup sweep, if one was started.
func (m *Manager) Close() {
	if m.janitorStop != nil {
		close(m.janitorStop)
		m.janitorStop = nil
	}
}

const lruTrackingCapacity = 1 << 20

func cacheKey(table, serializedOptions string) string {
	return table + "_" + serializedOptions
}

// Set inserts or overwrites an entry, optionally compressing large
// payloads and marking it dirty. Only engine write paths may pass
// dirty=true; read-through population must pass false so the auto-sync
// loop never flushes data that came from disk in the first place.
func (m *Manager) Set(table, cacheSuffix string, payload types.Value, dirty bool) {
	key := cacheKey(table, cacheSuffix)
	canonical := payload.Canonical()
	originalSize := len(canonical)

	entry := &Entry{
		Payload:      payload,
		LastAccess:   time.Now(),
		Dirty:        dirty,
		OriginalSize: originalSize,
		size:         originalSize,
	}
	if m.cfg.EnableCompression && originalSize > compressionFloor {
		entry.Compressed = true
		entry.size = len(s2.Encode(nil, []byte(canonical)))
	}
	if m.cfg.DefaultTTL > 0 {
		jitter := time.Duration(0)
		if m.cfg.AvalancheProtection && m.cfg.DefaultTTL > time.Second {
			jitter = time.Duration(rand.Int63n(int64(maxJitter)))
		}
		entry.ExpiresAt = time.Now().Add(m.cfg.DefaultTTL + jitter)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entries[key]; ok {
		m.totalMemory -= int64(old.size)
	}
	m.entries[key] = entry
	m.totalMemory += int64(entry.size)
	if m.tableKeys[table] == nil {
		m.tableKeys[table] = map[string]struct{}{}
	}
	m.tableKeys[table][key] = struct{}{}

	if m.lruBacking != nil {
		m.lruBacking.Add(key, struct{}{})
	}
	m.evictIfNeeded()
}

// Get returns the cached payload for (table, cacheSuffix), or ok=false if
// missing or expired. An expired entry found during Get is removed
// opportunistically.
func (m *Manager) Get(table, cacheSuffix string) (types.Value, bool) {
	key := cacheKey(table, cacheSuffix)

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return types.Value{}, false
	}
	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		m.removeLocked(table, key)
		return types.Value{}, false
	}
	entry.AccessCount++
	entry.LastAccess = time.Now()
	if m.lruBacking != nil {
		m.lruBacking.Get(key)
	}
	return entry.Payload, true
}

// Delete removes a single entry.
func (m *Manager) Delete(table, cacheSuffix string) {
	key := cacheKey(table, cacheSuffix)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(table, key)
}

// InvalidateTable drops every cached key for table. Live keys are tracked
// per table in tableKeys rather than as a second cache entry, since a Go
// map already gives O(1) membership.
func (m *Manager) InvalidateTable(table string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.tableKeys[table] {
		m.removeLocked(table, key)
	}
}

func (m *Manager) removeLocked(table, key string) {
	if entry, ok := m.entries[key]; ok {
		m.totalMemory -= int64(entry.size)
		delete(m.entries, key)
	}
	delete(m.tableKeys[table], key)
	if m.lruBacking != nil {
		m.lruBacking.Remove(key)
	}
}

// evictIfNeeded runs while mu is held, evicting entries until both the
// entry-count cap and the memory cap (scaled by MemoryThreshold) are
// satisfied.
func (m *Manager) evictIfNeeded() {
	memCap := int64(0)
	if m.cfg.MaxMemoryUsage > 0 {
		memCap = int64(float64(m.cfg.MaxMemoryUsage) * m.cfg.MemoryThreshold)
	}
	for {
		overSize := m.cfg.MaxSize > 0 && len(m.entries) > m.cfg.MaxSize
		overMemory := memCap > 0 && m.totalMemory > memCap
		if !overSize && !overMemory {
			return
		}
		victim, table, ok := m.selectVictim()
		if !ok {
			return
		}
		m.removeLocked(table, victim)
	}
}

// selectVictim picks an eviction candidate: in LRU mode, the backing
// lru.Cache's least-recent key; in LFU mode, the entry with the lowest
// AccessCount (ties broken by oldest LastAccess). Dirty entries are never
// chosen — they hold unflushed write-back data.
func (m *Manager) selectVictim() (key, table string, ok bool) {
	if m.cfg.Mode == LRU && m.lruBacking != nil {
		for _, k := range m.lruBacking.Keys() { // oldest first
			if e, exists := m.entries[k]; exists && !e.Dirty {
				return k, tableOf(k), true
			}
		}
		return "", "", false
	}
	var coldestKey string
	var coldestEntry *Entry
	for k, e := range m.entries {
		if e.Dirty {
			continue
		}
		if coldestEntry == nil || e.AccessCount < coldestEntry.AccessCount ||
			(e.AccessCount == coldestEntry.AccessCount && e.LastAccess.Before(coldestEntry.LastAccess)) {
			coldestKey, coldestEntry = k, e
		}
	}
	if coldestEntry == nil {
		return "", "", false
	}
	return coldestKey, tableOf(coldestKey), true
}

func tableOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '_' {
			return key[:i]
		}
	}
	return key
}

// DirtyData returns a copy of every dirty entry's payload, keyed by cache
// key, for the AutoSyncService to flush.
func (m *Manager) DirtyData() map[string]types.Value {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.Value, len(m.entries))
	for key, entry := range m.entries {
		if entry.Dirty {
			out[key] = entry.Payload
		}
	}
	return out
}

// MarkClean clears the dirty bit on a single cache key.
func (m *Manager) MarkClean(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[key]; ok {
		entry.Dirty = false
	}
}

// DirtyCount returns how many entries currently carry the dirty bit.
func (m *Manager) DirtyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, entry := range m.entries {
		if entry.Dirty {
			n++
		}
	}
	return n
}

// GetSafe folds concurrent loaders for the same key into one: the first
// caller runs loader and populates the cache; concurrent callers for the
// same key block on a rendezvous channel and then re-read the cache.
func (m *Manager) GetSafe(table, cacheSuffix string, loader func() (types.Value, error)) (types.Value, error) {
	key := cacheKey(table, cacheSuffix)

	m.mu.Lock()
	if v, ok := m.entries[key]; ok && (v.ExpiresAt.IsZero() || time.Now().Before(v.ExpiresAt)) {
		m.mu.Unlock()
		return v.Payload, nil
	}
	if ch, loading := m.inflight[key]; loading {
		m.mu.Unlock()
		<-ch
		if v, ok := m.Get(table, cacheSuffix); ok {
			return v, nil
		}
		return loader()
	}
	ch := make(chan struct{})
	m.inflight[key] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inflight, key)
		m.mu.Unlock()
		close(ch)
	}()

	value, err := loader()
	if err != nil {
		return types.Value{}, err
	}
	m.Set(table, cacheSuffix, value, false)
	return value, nil
}
