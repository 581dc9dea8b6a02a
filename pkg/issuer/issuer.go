// Package issuer signs RS256 JWTs that assert the identity and scopes of
// a delegated token, and publishes the verification key as a JWKS
// document for /.well-known/jwks.json. Issued JWTs are never persisted;
// services verify them offline against the JWKS.
package issuer

import (
	"bytes"
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

const (
	// minimumKeyBits is the smallest acceptable RSA modulus. Keys below
	// this size are rejected at load time rather than producing JWTs
	// that downstream services should not trust.
	minimumKeyBits = 2048

	// defaultMaxLifetime caps issued JWTs when issuer.exp_minutes is
	// unset. Delegated tokens live at most fifteen minutes, so this cap
	// only binds for long-lived session tokens passed in directly.
	defaultMaxLifetime = 24 * time.Hour
)

// Issuer signs JWTs with a single RS256 key. The key is loaded once at
// construction time; rotating it requires a restart.
type Issuer struct {
	iss         string
	audInternal string
	keyID       string
	maxLifetime time.Duration
	key         *rsa.PrivateKey
	jwksJSON    []byte

	now func() time.Time
}

// New creates an Issuer from the issuer configuration. The signing key
// is read from cfg.KeyFile when set. Otherwise an ephemeral 2048-bit key
// is generated, which is only suitable for development since every JWT
// becomes unverifiable on restart.
func New(cfg *config.IssuerConfig) (*Issuer, error) {
	if cfg.Iss == "" {
		return nil, errors.NewConfigError("issuer.iss is required", nil)
	}
	if cfg.AudInternal == "" {
		return nil, errors.NewConfigError("issuer.aud_internal is required", nil)
	}

	var (
		key       *rsa.PrivateKey
		err       error
		generated bool
	)
	if cfg.KeyFile != "" {
		key, err = loadSigningKey(cfg.KeyFile)
	} else {
		key, err = rsa.GenerateKey(rand.Reader, minimumKeyBits)
		if err != nil {
			err = errors.NewInternalError("failed to generate signing key", err)
		}
		generated = true
	}
	if err != nil {
		return nil, err
	}

	jwkKey, err := jwk.Import(&key.PublicKey)
	if err != nil {
		return nil, errors.NewInternalError("failed to import signing key into JWKS", err)
	}

	keyID := cfg.KeyID
	if keyID == "" {
		keyID, err = deriveKeyID(jwkKey)
		if err != nil {
			return nil, err
		}
	}

	if generated {
		logger.Warnw("generated ephemeral signing key, issued JWTs will not verify after restart",
			"key_id", keyID,
		)
	}

	jwksJSON, err := buildJWKS(jwkKey, keyID)
	if err != nil {
		return nil, err
	}

	maxLifetime := time.Duration(cfg.ExpMinutes) * time.Minute
	if maxLifetime <= 0 {
		maxLifetime = defaultMaxLifetime
	}

	return &Issuer{
		iss:         cfg.Iss,
		audInternal: cfg.AudInternal,
		keyID:       keyID,
		maxLifetime: maxLifetime,
		key:         key,
		jwksJSON:    jwksJSON,
		now:         time.Now,
	}, nil
}

// Issue signs an RS256 JWT for the given token. The claims carry the
// token's username as the subject, its scopes as a space-separated scope
// claim, and its key as the jti, so a service holding only the JWT can
// still be correlated with the token's change history. The JWT expires
// when the token does, capped by the configured maximum lifetime.
func (i *Issuer) Issue(data *token.Data) (string, error) {
	if data == nil || data.Username == "" {
		return "", errors.NewValidationError("cannot issue a JWT without a username", nil)
	}

	now := i.now().UTC()
	exp := now.Add(i.maxLifetime)
	if data.Expires != nil && data.Expires.Before(exp) {
		exp = data.Expires.UTC()
	}
	if !exp.After(now) {
		return "", errors.NewTokenExpiredError(
			fmt.Sprintf("token %s has already expired", data.Key), nil)
	}

	claims := jwt.MapClaims{
		"iss":   i.iss,
		"aud":   i.audInternal,
		"sub":   data.Username,
		"scope": strings.Join(data.Scopes, " "),
		"jti":   data.Key,
		"iat":   now.Unix(),
		"exp":   exp.Unix(),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = i.keyID

	signed, err := tok.SignedString(i.key)
	if err != nil {
		return "", errors.NewInternalError("failed to sign JWT", err)
	}
	return signed, nil
}

// KeyID returns the kid set on issued JWTs and the JWKS entry.
func (i *Issuer) KeyID() string {
	return i.keyID
}

// JWKS returns the serialized JSON Web Key Set for the signing key,
// ready to be written as the /.well-known/jwks.json response body.
func (i *Issuer) JWKS() []byte {
	return bytes.Clone(i.jwksJSON)
}

// loadSigningKey reads an RSA private key from a PEM file. Both PKCS#1
// (RSA PRIVATE KEY) and PKCS#8 (PRIVATE KEY) encodings are accepted.
func loadSigningKey(path string) (*rsa.PrivateKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigError("failed to read signing key", err)
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.NewConfigError(
			fmt.Sprintf("failed to decode PEM block in %s", path), nil)
	}

	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.NewConfigError("failed to parse signing key", err)
		}
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.NewConfigError("failed to parse signing key", err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.NewConfigError(
				fmt.Sprintf("signing key is %T, not an RSA key", parsed), nil)
		}
		key = rsaKey
	default:
		return nil, errors.NewConfigError(
			fmt.Sprintf("unsupported PEM block type %q in signing key", block.Type), nil)
	}

	if bits := key.N.BitLen(); bits < minimumKeyBits {
		return nil, errors.NewConfigError(
			fmt.Sprintf("signing key is %d bits, below minimum required %d bits",
				bits, minimumKeyBits), nil)
	}
	return key, nil
}

// deriveKeyID computes an RFC 7638 thumbprint for keys without a
// configured key ID.
func deriveKeyID(key jwk.Key) (string, error) {
	thumb, err := key.Thumbprint(stdcrypto.SHA256)
	if err != nil {
		return "", errors.NewInternalError("failed to derive key ID", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}

// buildJWKS serializes the public half of the signing key as a JWKS
// document with the kid, alg, and use parameters verifiers expect.
func buildJWKS(key jwk.Key, keyID string) ([]byte, error) {
	if err := key.Set(jwk.KeyIDKey, keyID); err != nil {
		return nil, errors.NewInternalError("failed to set JWKS key ID", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256()); err != nil {
		return nil, errors.NewInternalError("failed to set JWKS algorithm", err)
	}
	if err := key.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
		return nil, errors.NewInternalError("failed to set JWKS key use", err)
	}

	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, errors.NewInternalError("failed to assemble JWKS", err)
	}

	data, err := json.Marshal(set)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode JWKS", err)
	}
	return data, nil
}
