// integrity.go implements the on-disk integrity envelope: every table file
// and chunk is a JSON object {"data": ..., "hash": "<sha256 hex>"} where
// hash is computed over the canonical serialization of data.
package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	litedocerrors "github.com/litedocdb/litedocdb/pkg/errors"
	"github.com/litedocdb/litedocdb/pkg/types"
)

// IntegrityCodec wraps/unwraps the data+hash envelope. It has no state and
// is safe for concurrent use.
type IntegrityCodec struct{}

// NewIntegrityCodec constructs an IntegrityCodec.
func NewIntegrityCodec() *IntegrityCodec { return &IntegrityCodec{} }

// Encode produces the envelope's on-disk JSON text for the given payload.
func (c *IntegrityCodec) Encode(data types.Value) (string, error) {
	hash, err := hashOf(data)
	if err != nil {
		return "", err
	}
	envelope := types.Object(
		types.Field{Key: "data", Value: data},
		types.Field{Key: "hash", Value: types.String(hash)},
	)
	return MarshalCanonicalJSON(envelope)
}

// Decode parses the envelope's JSON text, recomputes the hash over "data",
// and returns a CorruptError if it does not match the stored "hash".
func (c *IntegrityCodec) Decode(path, text string) (types.Value, error) {
	envelope, err := ParseJSON(text)
	if err != nil {
		return types.Value{}, &litedocerrors.CorruptError{Path: path, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if envelope.Kind() != types.KindObject {
		return types.Value{}, &litedocerrors.CorruptError{Path: path, Reason: "envelope is not a JSON object"}
	}
	data, ok := envelope.Field("data")
	if !ok {
		return types.Value{}, &litedocerrors.CorruptError{Path: path, Reason: "missing \"data\" field"}
	}
	hashField, ok := envelope.Field("hash")
	if !ok || hashField.Kind() != types.KindString {
		return types.Value{}, &litedocerrors.CorruptError{Path: path, Reason: "missing or non-string \"hash\" field"}
	}
	storedHash, _ := hashField.AsString()

	computed, err := hashOf(data)
	if err != nil {
		return types.Value{}, &litedocerrors.CorruptError{Path: path, Reason: fmt.Sprintf("cannot recompute hash: %v", err)}
	}
	if computed != storedHash {
		return types.Value{}, &litedocerrors.CorruptError{Path: path, Reason: fmt.Sprintf("hash mismatch: stored %s, computed %s", storedHash, computed)}
	}
	return data, nil
}

func hashOf(data types.Value) (string, error) {
	canonical, err := MarshalCanonicalJSON(data)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}
