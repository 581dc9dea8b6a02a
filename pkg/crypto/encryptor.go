// Package crypto provides the authenticated symmetric encryption used for
// session cookies and cached token records.
//
// Ciphertexts are AES-256-GCM with a random nonce, carrying an embedded
// creation timestamp so stale blobs are rejected even if they were copied
// out of their original storage. Per-use keys are derived from the
// deployment's session secret with HKDF-SHA256 so that a cookie ciphertext
// can never be replayed as a cache record or vice versa.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
)

// Key derivation contexts. Each consumer of the session secret gets its
// own derived key.
const (
	// ContextCookie derives the key sealing browser session cookies.
	ContextCookie = "gafaelfawr-session-cookie"

	// ContextCache derives the key sealing cached token records.
	ContextCache = "gafaelfawr-token-cache"
)

// timestampLen is the size of the big-endian Unix timestamp prefixed to
// every plaintext.
const timestampLen = 8

// maxClockSkew is how far in the future a ciphertext timestamp may be
// before it is rejected, allowing for modest clock drift between workers.
const maxClockSkew = time.Minute

// Encryptor seals and opens authenticated, timestamped blobs.
type Encryptor struct {
	aead cipher.AEAD

	// now is the time source, replaceable in tests.
	now func() time.Time
}

// NewEncryptor builds an Encryptor from the session secret, deriving a
// 256-bit key for the given context string.
func NewEncryptor(secret []byte, context string) (*Encryptor, error) {
	if len(secret) < 16 {
		return nil, errors.NewConfigError("session secret must be at least 16 bytes", nil)
	}
	if context == "" {
		return nil, errors.NewConfigError("key derivation context is required", nil)
	}

	key, err := deriveKey(secret, []byte(context), 32)
	if err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM cipher: %w", err)
	}

	return &Encryptor{aead: aead, now: time.Now}, nil
}

// deriveKey derives a key using HKDF-SHA256.
func deriveKey(secret, context []byte, keyLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, context)
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals the plaintext with the current time and returns a
// base64url blob of nonce followed by ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	msg := make([]byte, timestampLen+len(plaintext))
	binary.BigEndian.PutUint64(msg, uint64(e.now().Unix()))
	copy(msg[timestampLen:], plaintext)

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, msg, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. Blobs older than maxAge, or
// timestamped further than a minute into the future, are rejected.
func (e *Encryptor) Decrypt(blob string, maxAge time.Duration) ([]byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil {
		return nil, errors.NewInvalidCredentialsError("ciphertext is not valid base64", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize+timestampLen+e.aead.Overhead() {
		return nil, errors.NewInvalidCredentialsError("ciphertext too short", nil)
	}

	msg, err := e.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, errors.NewInvalidCredentialsError("decryption failed", err)
	}

	issued := time.Unix(int64(binary.BigEndian.Uint64(msg[:timestampLen])), 0)
	now := e.now()
	if issued.After(now.Add(maxClockSkew)) {
		return nil, errors.NewInvalidCredentialsError("ciphertext timestamp is in the future", nil)
	}
	if maxAge > 0 && now.Sub(issued) > maxAge {
		return nil, errors.NewInvalidCredentialsError("ciphertext has expired", nil)
	}

	return msg[timestampLen:], nil
}

// GenerateSecret returns a new random 256-bit session secret.
func GenerateSecret() []byte {
	secret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		panic(err)
	}
	return secret
}
