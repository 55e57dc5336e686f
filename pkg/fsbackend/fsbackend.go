// Package fsbackend provides the filesystem abstraction table files and
// chunks are read from and written through: a thin, mockable interface
// over os.* calls, with atomic writes delegated to natefinch/atomic.
package fsbackend

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/natefinch/atomic"

	litedocerrors "github.com/litedocdb/litedocdb/pkg/errors"
)

// Backend is the storage engine's view of a filesystem: read/write table
// and chunk files, list chunk directories, and create table directories.
// A mock implementation can substitute for tests that need to simulate
// partial writes or I/O failures.
type Backend interface {
	ReadString(path string) (string, error)
	WriteStringAtomic(path, content string) error
	Delete(path string) error
	ListDir(path string) ([]string, error)
	MakeDir(path string) error
	Exists(path string) (bool, error)
}

// OSBackend is the default Backend: a passthrough to the os package,
// substituting atomic.WriteFile for os.WriteFile on the write path.
type OSBackend struct{}

// New constructs the OS-backed default Backend.
func New() *OSBackend { return &OSBackend{} }

func (b *OSBackend) ReadString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", err
		}
		return "", &litedocerrors.IOError{Op: "read", Path: path, Err: err}
	}
	return string(data), nil
}

func (b *OSBackend) WriteStringAtomic(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &litedocerrors.IOError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}
	if err := atomic.WriteFile(path, bytes.NewReader([]byte(content))); err != nil {
		return &litedocerrors.IOError{Op: "write", Path: path, Err: err}
	}
	return nil
}

func (b *OSBackend) Delete(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &litedocerrors.IOError{Op: "delete", Path: path, Err: err}
	}
	return nil
}

// ListDir returns the base names of regular files directly inside path, in
// lexical order (chunk files are named NNNNNN.ldb so this also yields
// chunk-sequence order).
func (b *OSBackend) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, &litedocerrors.IOError{Op: "readdir", Path: path, Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (b *OSBackend) MakeDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return &litedocerrors.IOError{Op: "mkdir", Path: path, Err: err}
	}
	return nil
}

func (b *OSBackend) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, &litedocerrors.IOError{Op: "stat", Path: path, Err: err}
}

var _ Backend = (*OSBackend)(nil)

// chunkFileName renders a chunk's sequence number as the fixed-width
// NNNNNN.ldb name, so directory-listing order equals chunk order.
func chunkFileName(seq int) string {
	return fmt.Sprintf("%06d.ldb", seq)
}

// ChunkFileName exposes chunkFileName for callers outside this package
// (chunkstore) that need the same naming convention.
func ChunkFileName(seq int) string { return chunkFileName(seq) }
