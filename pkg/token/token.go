// Package token defines the opaque token type and the records Gafaelfawr
// keeps about issued tokens.
//
// A token's wire form is gt-<key>.<secret>: two independent 128-bit random
// values, base64url-encoded without padding. Only the SHA-256 hash of the
// secret is ever stored; possession of the secret is proven by hashing it
// and comparing in constant time.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
)

// Prefix starts every token wire form.
const Prefix = "gt-"

// randomBytes is the entropy in each token half (128 bits).
const randomBytes = 16

// Token is an opaque token as presented by callers. The secret half exists
// only in memory and on the wire, never in storage.
type Token struct {
	Key    string
	Secret string
}

// Generate creates a new token with random key and secret.
// It panics on crypto/rand read failure, which is not recoverable.
func Generate() Token {
	return Token{
		Key:    randomString(),
		Secret: randomString(),
	}
}

func randomString() string {
	b := make([]byte, randomBytes)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Parse converts a wire-form token back into a Token. Any deviation from
// the gt-<key>.<secret> shape is a malformed token error.
func Parse(wire string) (Token, error) {
	if !strings.HasPrefix(wire, Prefix) {
		return Token{}, errors.NewMalformedTokenError("token does not start with "+Prefix, nil)
	}
	trimmed := strings.TrimPrefix(wire, Prefix)
	key, secret, found := strings.Cut(trimmed, ".")
	if !found || key == "" || secret == "" {
		return Token{}, errors.NewMalformedTokenError("token is not <key>.<secret>", nil)
	}
	if !isBase64URL(key) || !isBase64URL(secret) {
		return Token{}, errors.NewMalformedTokenError("token contains invalid characters", nil)
	}
	return Token{Key: key, Secret: secret}, nil
}

func isBase64URL(s string) bool {
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

// String renders the wire form. The result contains the secret; do not log
// it.
func (t Token) String() string {
	return Prefix + t.Key + "." + t.Secret
}

// Hash returns the base64url-encoded SHA-256 hash of the secret, the value
// stored in place of the secret itself.
func (t Token) Hash() string {
	return HashSecret(t.Secret)
}

// HashSecret hashes a token secret for storage.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyHash reports whether the token's secret matches a stored hash,
// comparing in constant time.
func VerifyHash(t Token, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(t.Hash()), []byte(storedHash)) == 1
}
