package storage

import (
	"github.com/litedocdb/litedocdb/pkg/codec"
	litedocerrors "github.com/litedocdb/litedocdb/pkg/errors"
	"github.com/litedocdb/litedocdb/pkg/fsbackend"
	"github.com/litedocdb/litedocdb/pkg/types"
)

// singleFileHandler is the whole-table read/write/delete handler: a
// transient per-call value object, mirroring chunkstore.Handler's shape
// for the single-file layout (no partitioning, no chunk cache — the whole
// table is always rewritten in full).
type singleFileHandler struct {
	backend   fsbackend.Backend
	integrity *codec.IntegrityCodec
	encrypt   *codec.EncryptionCodec
	path      string
}

func newSingleFileHandler(backend fsbackend.Backend, encrypt *codec.EncryptionCodec, path string) *singleFileHandler {
	return &singleFileHandler{
		backend:   backend,
		integrity: codec.NewIntegrityCodec(),
		encrypt:   encrypt,
		path:      path,
	}
}

// Read returns the table's records, or an empty slice if the file is
// absent. An envelope that fails to verify yields an empty slice together
// with its CorruptError (the caller logs and absorbs it); other I/O
// failures are returned as errors.
func (h *singleFileHandler) Read() ([]types.Value, error) {
	text, err := h.backend.ReadString(h.path)
	if err != nil {
		if _, isIO := err.(*litedocerrors.IOError); isIO {
			return nil, err
		}
		return []types.Value{}, nil
	}
	if h.encrypt != nil && h.encrypt.Enabled() {
		text, err = h.encrypt.Decrypt(h.path, text)
		if err != nil {
			return []types.Value{}, err
		}
	}
	data, err := h.integrity.Decode(h.path, text)
	if err != nil {
		return []types.Value{}, err
	}
	items, ok := data.AsArray()
	if !ok {
		return []types.Value{}, nil
	}
	return items, nil
}

// Write atomically rewrites the table's whole contents.
func (h *singleFileHandler) Write(records []types.Value) error {
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
	return h.backend.WriteStringAtomic(h.path, text)
}

// Delete removes the table file; idempotent.
func (h *singleFileHandler) Delete() error {
	return h.backend.Delete(h.path)
}
