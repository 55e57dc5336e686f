// Package autosync implements the cancellable periodic task that flushes
// dirty cache entries back through the storage layer in batches. The loop
// is ticker-driven and guarded by a re-entrancy flag; an engine shutdown
// cancels it deterministically.
package autosync

import (
	"context"
	"sync"
	"time"

	"github.com/litedocdb/litedocdb/pkg/types"
)

const (
	defaultInterval      = 5 * time.Second
	defaultMinDirtyItems = 1
	defaultBatchSize     = 100
)

// Flusher is the callback the service invokes for each dirty entry's
// table with its batch of (cacheKey, payload) pairs; it returns the keys
// that were durably written and should be marked clean.
type Flusher func(ctx context.Context, table string, batch map[string]types.Value) (synced []string, err error)

// Source supplies the dirty entries to flush and the call to clear them.
type Source interface {
	DirtyData() map[string]types.Value
	MarkClean(key string)
}

// Stats tracks sync activity; AvgSyncTime is an exponential moving
// average.
type Stats struct {
	SyncCount        int
	TotalItemsSynced int
	LastSyncTime     time.Time
	AvgSyncTime      time.Duration
}

// Config configures a Service.
type Config struct {
	Interval      time.Duration
	MinDirtyItems int
	BatchSize     int
}

// Service is the background auto-sync loop. It is started with Start and
// stopped deterministically with Stop; Stop blocks until the loop
// goroutine has exited.
type Service struct {
	cfg     Config
	source  Source
	flusher Flusher

	mu        sync.Mutex
	isSyncing bool
	stats     Stats
	cancel    context.CancelFunc
	done      chan struct{}
}

// New constructs a Service. Zero-value Config fields fall back to
// defaults (5 s interval, 1 dirty item, batches of 100).
func New(cfg Config, source Source, flusher Flusher) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MinDirtyItems <= 0 {
		cfg.MinDirtyItems = defaultMinDirtyItems
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Service{cfg: cfg, source: source, flusher: flusher}
}

// Start launches the periodic loop. Calling Start on an already-running
// Service is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(runCtx)
}

// Stop cancels the loop and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	s.mu.Lock()
	if s.isSyncing {
		s.mu.Unlock()
		return
	}
	s.isSyncing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.isSyncing = false
		s.mu.Unlock()
	}()

	dirty := s.source.DirtyData()
	if len(dirty) < s.cfg.MinDirtyItems {
		return
	}

	start := time.Now()
	synced := s.flushBatches(ctx, dirty)
	elapsed := time.Since(start)

	s.mu.Lock()
	s.stats.SyncCount++
	s.stats.TotalItemsSynced += synced
	s.stats.LastSyncTime = start
	if s.stats.AvgSyncTime == 0 {
		s.stats.AvgSyncTime = elapsed
	} else {
		// Exponential smoothing, alpha = 0.2.
		s.stats.AvgSyncTime = time.Duration(0.8*float64(s.stats.AvgSyncTime) + 0.2*float64(elapsed))
	}
	s.mu.Unlock()
}

func (s *Service) flushBatches(ctx context.Context, dirty map[string]types.Value) int {
	byTable := map[string]map[string]types.Value{}
	for key, payload := range dirty {
		table := tableOf(key)
		if byTable[table] == nil {
			byTable[table] = map[string]types.Value{}
		}
		byTable[table][key] = payload
	}

	synced := 0
	for table, entries := range byTable {
		for _, batch := range chunkMap(entries, s.cfg.BatchSize) {
			ok, err := s.flusher(ctx, table, batch)
			if err != nil {
				continue
			}
			for _, key := range ok {
				s.source.MarkClean(key)
				synced++
			}
		}
	}
	return synced
}

func tableOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '_' {
			return key[:i]
		}
	}
	return key
}

func chunkMap(entries map[string]types.Value, size int) []map[string]types.Value {
	var batches []map[string]types.Value
	current := map[string]types.Value{}
	for key, val := range entries {
		current[key] = val
		if len(current) == size {
			batches = append(batches, current)
			current = map[string]types.Value{}
		}
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// RunOnce performs a single synchronous sync pass, identical to a timer
// tick (including the re-entrancy guard and statistics update).
func (s *Service) RunOnce(ctx context.Context) { s.tick(ctx) }

// Snapshot returns a copy of the current statistics.
func (s *Service) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
