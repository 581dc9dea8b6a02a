// Package session manages the encrypted browser session cookie. The
// cookie carries the wire form of the user's session token once login
// completes, and the CSRF state plus return URL while a login is in
// flight. Anything the server cannot decrypt is treated as no session at
// all, so a stale or tampered cookie degrades to unauthenticated instead
// of failing hard.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lsst-sqre/gafaelfawr/pkg/crypto"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// CookieName is the name of the browser session cookie.
const CookieName = "gafaelfawr"

// stateLen is the byte length of a freshly generated login state value,
// 128 bits as base64url.
const stateLen = 16

// State is the decrypted payload of the session cookie.
type State struct {
	// Token is the wire form of the session token, set once a login has
	// completed.
	Token string `json:"token,omitempty"`

	// State is the CSRF value for an in-progress login, compared against
	// the state query parameter on the provider callback.
	State string `json:"state,omitempty"`

	// CSRF protects mutating API calls made with cookie credentials. It
	// is issued by the API login route and echoed in X-CSRF-Token.
	CSRF string `json:"csrf,omitempty"`

	// ReturnURL is where to send the browser once login completes.
	ReturnURL string `json:"return_url,omitempty"`
}

// Manager encodes and decodes the session cookie.
type Manager struct {
	encryptor *crypto.Encryptor
}

// NewManager creates a session cookie manager. The encryptor must be
// derived with crypto.ContextCookie so cookie ciphertext is never
// interchangeable with cache ciphertext.
func NewManager(encryptor *crypto.Encryptor) *Manager {
	return &Manager{encryptor: encryptor}
}

// Read returns the session state carried by the request. A missing,
// malformed, expired, or undecryptable cookie yields an empty state.
func (m *Manager) Read(r *http.Request) *State {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return &State{}
	}

	plaintext, err := m.encryptor.Decrypt(cookie.Value, token.SessionLifetime)
	if err != nil {
		logger.Debugw("discarding undecryptable session cookie", "error", err)
		return &State{}
	}
	var state State
	if err := json.Unmarshal(plaintext, &state); err != nil {
		logger.Debugw("discarding unparseable session cookie", "error", err)
		return &State{}
	}
	return &state
}

// Write seals the state into the session cookie on the response.
func (m *Manager) Write(w http.ResponseWriter, state *State) error {
	plaintext, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}
	blob, err := m.encryptor.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt session state: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    blob,
		Path:     "/",
		MaxAge:   int(token.SessionLifetime.Seconds()),
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear expires the session cookie.
func (m *Manager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// GenerateState returns a fresh random login state value.
func GenerateState() string {
	buf := make([]byte, stateLen)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
