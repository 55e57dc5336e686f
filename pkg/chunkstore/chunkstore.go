// Package chunkstore implements the chunked on-disk table layout: a table
// directory holding lexically-ordered "NNNNNN.ldb" files, each an
// independently integrity-checked JSON envelope. Chunk writes fan out with
// bounded parallelism and retry transient "locked/busy" rename failures;
// reads go through a small per-handler LRU chunk cache.
package chunkstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/litedocdb/litedocdb/pkg/codec"
	litedocerrors "github.com/litedocdb/litedocdb/pkg/errors"
	"github.com/litedocdb/litedocdb/pkg/fsbackend"
	"github.com/litedocdb/litedocdb/pkg/types"
)

const (
	defaultTargetChunkSize = 5 * 1024 * 1024 // 5 MiB
	minTargetChunkSize     = 1 * 1024 * 1024 // 1 MiB
	fillRatioFlush         = 0.9

	writeParallelism = 4
	readParallelism  = 6
	probeFallbackN   = 20

	chunkCacheSize = 16

	writeRetries    = 3
	writeRetryDelay = 100 * time.Millisecond
)

// Handler is a transient, per-call value object over one table's chunked
// directory: the engine constructs a fresh Handler from its backend +
// that table's current chunk count before every chunked-mode operation.
type Handler struct {
	backend   fsbackend.Backend
	integrity *codec.IntegrityCodec
	encrypt   *codec.EncryptionCodec // nil or disabled means "no encryption"
	dir       string
	logger    zerolog.Logger

	targetChunkSize int

	cacheMu sync.Mutex
	cache   *lru.Cache[int, []types.Value]
}

// New constructs a Handler rooted at dir (the table's chunk directory).
// targetChunkSize <= 0 selects the 5 MiB default; anything below the
// 1 MiB floor is clamped up to it.
func New(backend fsbackend.Backend, encrypt *codec.EncryptionCodec, dir string, targetChunkSize int, logger zerolog.Logger) *Handler {
	if targetChunkSize <= 0 {
		targetChunkSize = defaultTargetChunkSize
	}
	if targetChunkSize < minTargetChunkSize {
		targetChunkSize = minTargetChunkSize
	}
	cache, _ := lru.New[int, []types.Value](chunkCacheSize)
	return &Handler{
		backend:         backend,
		integrity:       codec.NewIntegrityCodec(),
		encrypt:         encrypt,
		dir:             dir,
		logger:          logger,
		targetChunkSize: targetChunkSize,
		cache:           cache,
	}
}

func (h *Handler) chunkPath(seq int) string {
	return h.dir + "/" + fsbackend.ChunkFileName(seq)
}

// Write replaces the table's entire chunked contents: Clear then Append.
func (h *Handler) Write(ctx context.Context, records []types.Value) (chunks, count int, err error) {
	if err := h.Clear(); err != nil {
		return 0, 0, err
	}
	return h.Append(ctx, records, 0)
}

// Append partitions records into size-bounded chunks and writes them
// starting at startIndex (the table's existing chunk count), returning
// the new total chunk count and the number of records appended.
func (h *Handler) Append(ctx context.Context, records []types.Value, startIndex int) (chunks, appended int, err error) {
	valid := make([]types.Value, 0, len(records))
	for _, r := range records {
		if r.Kind() != types.KindObject {
			h.logger.Warn().Str("dir", h.dir).Msg("skipping malformed non-object record")
			continue
		}
		valid = append(valid, r)
	}

	batches := h.partition(valid)
	if len(batches) == 0 {
		return startIndex, 0, nil
	}

	if err := h.writeBatchesParallel(ctx, batches, startIndex); err != nil {
		return startIndex, 0, err
	}
	return startIndex + len(batches), len(valid), nil
}

// partition groups records into chunks no larger than
// min(targetChunkSize, max(avg*100, 0.8*targetChunkSize)), flushing early
// once a chunk's fill ratio exceeds 0.9, and giving an oversized single
// record its own chunk.
func (h *Handler) partition(records []types.Value) [][]types.Value {
	if len(records) == 0 {
		return nil
	}

	sizes := make([]int, len(records))
	total := 0
	for i, r := range records {
		sizes[i] = len(r.Canonical())
		total += sizes[i]
	}
	avg := total / len(records)

	limit := h.targetChunkSize
	alt := avg * 100
	eightyPercent := int(0.8 * float64(h.targetChunkSize))
	if alt < eightyPercent {
		alt = eightyPercent
	}
	if alt > 0 && alt < limit {
		limit = alt
	}
	if limit <= 0 {
		limit = h.targetChunkSize
	}

	var batches [][]types.Value
	var current []types.Value
	currentSize := 0

	flush := func() {
		if len(current) > 0 {
			batches = append(batches, current)
			current = nil
			currentSize = 0
		}
	}

	for i, r := range records {
		size := sizes[i]
		if size > limit {
			flush()
			batches = append(batches, []types.Value{r})
			continue
		}
		if currentSize+size > limit {
			flush()
		}
		current = append(current, r)
		currentSize += size
		if float64(currentSize) > fillRatioFlush*float64(limit) {
			flush()
		}
	}
	flush()
	return batches
}

func (h *Handler) writeBatchesParallel(ctx context.Context, batches [][]types.Value, startIndex int) error {
	sem := make(chan struct{}, writeParallelism)
	var wg sync.WaitGroup
	errs := make([]error, len(batches))

	for i, batch := range batches {
		i, batch := i, batch
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = h.writeChunkWithRetry(ctx, startIndex+i, batch)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) writeChunkWithRetry(ctx context.Context, seq int, records []types.Value) error {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(writeRetryDelay), writeRetries)
	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(&litedocerrors.TimeoutError{Op: "writeChunk", Timeout: err.Error()})
		}
		err := h.writeChunk(seq, records)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (h *Handler) writeChunk(seq int, records []types.Value) error {
	data := types.Array(records...)
	text, err := h.integrity.Encode(data)
	if err != nil {
		return err
	}
	if h.encrypt != nil && h.encrypt.Enabled() {
		text, err = h.encrypt.Encrypt(text)
		if err != nil {
			return err
		}
	}
	if err := h.backend.WriteStringAtomic(h.chunkPath(seq), text); err != nil {
		return err
	}
	h.cacheMu.Lock()
	h.cache.Add(seq, records)
	h.cacheMu.Unlock()
	return nil
}

// isTransient reports whether err looks like a transient "locked/busy"
// filesystem condition worth retrying, as opposed to a permanent failure.
func isTransient(err error) bool {
	ioErr, ok := err.(*litedocerrors.IOError)
	if !ok {
		return false
	}
	msg := strings.ToLower(ioErr.Error())
	return strings.Contains(msg, "lock") || strings.Contains(msg, "busy") || strings.Contains(msg, "temporarily")
}

// ReadAll enumerates and reads every chunk, in ascending order.
func (h *Handler) ReadAll(ctx context.Context) ([]types.Value, error) {
	indices, err := h.listChunkIndices()
	if err != nil {
		return nil, err
	}
	return h.readIndices(ctx, indices)
}

// ReadRange restricts ReadAll to chunk indices in [lo, hi].
func (h *Handler) ReadRange(ctx context.Context, lo, hi int) ([]types.Value, error) {
	indices, err := h.listChunkIndices()
	if err != nil {
		return nil, err
	}
	var filtered []int
	for _, idx := range indices {
		if idx >= lo && idx <= hi {
			filtered = append(filtered, idx)
		}
	}
	return h.readIndices(ctx, filtered)
}

// listChunkIndices lists the chunk directory; on listing failure, it
// falls back to probing existence of indices 0..probeFallbackN-1.
func (h *Handler) listChunkIndices() ([]int, error) {
	names, err := h.backend.ListDir(h.dir)
	if err == nil {
		indices := make([]int, 0, len(names))
		for _, name := range names {
			if idx, ok := parseChunkIndex(name); ok {
				indices = append(indices, idx)
			}
		}
		sort.Ints(indices)
		return indices, nil
	}

	var indices []int
	for i := 0; i < probeFallbackN; i++ {
		exists, statErr := h.backend.Exists(h.chunkPath(i))
		if statErr != nil {
			continue
		}
		if exists {
			indices = append(indices, i)
		}
	}
	return indices, nil
}

func parseChunkIndex(name string) (int, bool) {
	trimmed := strings.TrimSuffix(name, ".ldb")
	if trimmed == name {
		return 0, false
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (h *Handler) readIndices(ctx context.Context, indices []int) ([]types.Value, error) {
	sort.Ints(indices)
	results := make([][]types.Value, len(indices))
	errs := make([]error, len(indices))
	sem := make(chan struct{}, readParallelism)
	var wg sync.WaitGroup

	for pos, idx := range indices {
		pos, idx := pos, idx
		if cached, ok := h.cacheGet(idx); ok {
			results[pos] = cached
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if ctx.Err() != nil {
				return
			}
			records, err := h.readChunk(idx)
			if err != nil {
				// I/O failures fail the read; corrupt or vanished chunks are skipped.
				if _, isIO := err.(*litedocerrors.IOError); isIO {
					errs[pos] = err
					return
				}
				h.logger.Warn().Str("dir", h.dir).Int("chunk", idx).Err(err).Msg("skipping unreadable chunk")
				return
			}
			results[pos] = records
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, &litedocerrors.TimeoutError{Op: "readChunks", Timeout: err.Error()}
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	var out []types.Value
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

func (h *Handler) cacheGet(idx int) ([]types.Value, bool) {
	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()
	return h.cache.Get(idx)
}

func (h *Handler) readChunk(seq int) ([]types.Value, error) {
	path := h.chunkPath(seq)
	text, err := h.backend.ReadString(path)
	if err != nil {
		return nil, err
	}
	if h.encrypt != nil && h.encrypt.Enabled() {
		text, err = h.encrypt.Decrypt(path, text)
		if err != nil {
			return nil, err
		}
	}
	data, err := h.integrity.Decode(path, text)
	if err != nil {
		return nil, err
	}
	items, ok := data.AsArray()
	if !ok {
		return nil, &litedocerrors.CorruptError{Path: path, Reason: "chunk data is not an array"}
	}
	h.cacheMu.Lock()
	h.cache.Add(seq, items)
	h.cacheMu.Unlock()
	return items, nil
}

// Clear deletes the chunk directory's files (idempotent) and recreates
// the directory empty, dropping the chunk cache along with it.
func (h *Handler) Clear() error {
	indices, err := h.listChunkIndices()
	if err == nil {
		for _, idx := range indices {
			_ = h.backend.Delete(h.chunkPath(idx))
		}
	}
	if err := h.backend.MakeDir(h.dir); err != nil {
		return err
	}
	h.cacheMu.Lock()
	h.cache.Purge()
	h.cacheMu.Unlock()
	return nil
}

// Remove deletes every chunk file and then the directory itself,
// idempotently.
func (h *Handler) Remove() error {
	indices, err := h.listChunkIndices()
	if err == nil {
		for _, idx := range indices {
			_ = h.backend.Delete(h.chunkPath(idx))
		}
	}
	h.cacheMu.Lock()
	h.cache.Purge()
	h.cacheMu.Unlock()
	return h.backend.Delete(h.dir)
}

// ChunkCount reports how many chunk files currently exist.
func (h *Handler) ChunkCount() (int, error) {
	indices, err := h.listChunkIndices()
	if err != nil {
		return 0, err
	}
	return len(indices), nil
}
