// encryption.go implements the optional at-rest encryption envelope:
// AES-CTR for confidentiality plus an independent HMAC-SHA256 for
// integrity (encrypt-then-MAC), with both keys derived from the caller's
// passphrase via PBKDF2-HMAC-SHA256. This sits in front of IntegrityCodec
// in the write path: plaintext is the integrity envelope's JSON text, and
// the encryption envelope becomes the bytes actually written to disk.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	litedocerrors "github.com/litedocdb/litedocdb/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100_000
	saltSize         = 16
	aesKeySize       = 32 // AES-256
	hmacKeySize      = 32
)

// encryptionEnvelope is the JSON shape inside the base64 blob written for
// an encrypted table file or chunk.
type encryptionEnvelope struct {
	Salt       string `json:"salt"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"hmac"`
}

// EncryptionCodec derives AES-CTR and HMAC-SHA256 keys from a passphrase
// via PBKDF2 and produces/consumes the encrypt-then-MAC envelope.
type EncryptionCodec struct {
	passphrase string
}

// NewEncryptionCodec builds a codec bound to the given passphrase. An
// empty passphrase means "encryption disabled"; callers should check
// Enabled() before invoking Encrypt/Decrypt.
func NewEncryptionCodec(passphrase string) *EncryptionCodec {
	return &EncryptionCodec{passphrase: passphrase}
}

// Enabled reports whether this codec was configured with a passphrase.
func (c *EncryptionCodec) Enabled() bool { return c.passphrase != "" }

// deriveKeys runs PBKDF2 once for the combined key length
// (aesKeySize+hmacKeySize) and splits the result into an AES key and an HMAC key, so a single KDF pass
// serves both algorithms.
func (c *EncryptionCodec) deriveKeys(salt []byte) (aesKey, hmacKey []byte) {
	combined := pbkdf2.Key([]byte(c.passphrase), salt, pbkdf2Iterations, aesKeySize+hmacKeySize, sha256.New)
	return combined[:aesKeySize], combined[aesKeySize:]
}

// Encrypt wraps plaintext (the integrity envelope's JSON text) into the
// base64/JSON encryption envelope.
func (c *EncryptionCodec) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	aesKey, hmacKey := c.deriveKeys(salt)

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", fmt.Errorf("constructing AES cipher: %w", err)
	}
	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}

	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, []byte(plaintext))

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	env := encryptionEnvelope{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		MAC:        base64.StdEncoding.EncodeToString(tag),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshaling encryption envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt verifies the MAC and decrypts the ciphertext back to the
// plaintext integrity-envelope JSON text. A MAC mismatch or malformed
// envelope is reported as CorruptError: either the passphrase is wrong or
// the file has been tampered with, and this layer cannot tell which.
func (c *EncryptionCodec) Decrypt(path, text string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return "", &litedocerrors.CorruptError{Path: path, Reason: "invalid base64 wrapper"}
	}
	var env encryptionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", &litedocerrors.CorruptError{Path: path, Reason: fmt.Sprintf("invalid encryption envelope JSON: %v", err)}
	}

	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return "", &litedocerrors.CorruptError{Path: path, Reason: "invalid salt encoding"}
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return "", &litedocerrors.CorruptError{Path: path, Reason: "invalid iv encoding"}
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", &litedocerrors.CorruptError{Path: path, Reason: "invalid ciphertext encoding"}
	}
	wantTag, err := base64.StdEncoding.DecodeString(env.MAC)
	if err != nil {
		return "", &litedocerrors.CorruptError{Path: path, Reason: "invalid mac encoding"}
	}

	aesKey, hmacKey := c.deriveKeys(salt)

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	gotTag := mac.Sum(nil)
	if subtle.ConstantTimeCompare(gotTag, wantTag) != 1 {
		return "", &litedocerrors.CorruptError{Path: path, Reason: "MAC verification failed (wrong passphrase or tampered data)"}
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", fmt.Errorf("constructing AES cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return string(plaintext), nil
}
