package v1

import (
	"net/http"

	"github.com/lsst-sqre/gafaelfawr/pkg/auth"
	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/session"
	"github.com/lsst-sqre/gafaelfawr/pkg/tokens"
)

// InfoRoutes serves the caller's own identity, token record, and the
// CSRF bootstrap for browser sessions.
type InfoRoutes struct {
	manager  *tokens.Manager
	sessions *session.Manager
}

// userInfo returns the identity attached to the caller's token.
func (s *InfoRoutes) userInfo(w http.ResponseWriter, r *http.Request) {
	data, ok := caller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, data.UserInfo)
}

// tokenInfo returns the public record of the caller's own token.
func (s *InfoRoutes) tokenInfo(w http.ResponseWriter, r *http.Request) {
	data, ok := caller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, data.Info())
}

type loginResponse struct {
	// CSRF must be echoed in X-CSRF-Token on mutating requests made
	// with cookie credentials.
	CSRF     string   `json:"csrf"`
	Username string   `json:"username"`
	Scopes   []string `json:"scopes"`
}

// login bootstraps a browser session for the token UI: it stores a
// fresh CSRF value in the session cookie and describes the caller.
func (s *InfoRoutes) login(w http.ResponseWriter, r *http.Request) {
	data, ok := caller(w, r)
	if !ok {
		return
	}

	state := s.sessions.Read(r)
	state.CSRF = session.GenerateState()
	if err := s.sessions.Write(w, state); err != nil {
		auth.WriteError(w, errors.NewInternalError("failed to write session cookie", err))
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		CSRF:     state.CSRF,
		Username: data.Username,
		Scopes:   data.Scopes,
	})
}
