// Package v1 implements the token management API mounted at
// /auth/api/v1. Every route runs behind the authentication middleware,
// which places the caller's token record in the request context.
package v1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lsst-sqre/gafaelfawr/pkg/admins"
	"github.com/lsst-sqre/gafaelfawr/pkg/auth"
	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/scopes"
	"github.com/lsst-sqre/gafaelfawr/pkg/session"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
	"github.com/lsst-sqre/gafaelfawr/pkg/tokens"
)

// Router assembles the v1 API routes behind the auth middleware.
func Router(manager *tokens.Manager, adminMgr *admins.Manager, sessions *session.Manager, authn *auth.Authenticator) http.Handler {
	info := &InfoRoutes{manager: manager, sessions: sessions}

	r := chi.NewRouter()
	r.Use(authn.Middleware)
	r.Mount("/tokens", TokensRouter(manager))
	r.Mount("/admins", AdminsRouter(adminMgr))
	r.Get("/user-info", info.userInfo)
	r.Get("/token-info", info.tokenInfo)
	r.Get("/login", info.login)
	return r
}

// caller returns the authenticated token record placed in the context
// by the auth middleware.
func caller(w http.ResponseWriter, r *http.Request) (*token.Data, bool) {
	data, ok := auth.TokenDataFromContext(r.Context())
	if !ok {
		auth.WriteError(w, errors.NewInternalError("request reached handler without authentication", nil))
		return nil, false
	}
	return data, true
}

// requireAdmin returns the caller if it holds the admin scope, and
// writes the 403 itself otherwise.
func requireAdmin(w http.ResponseWriter, r *http.Request) (*token.Data, bool) {
	data, ok := caller(w, r)
	if !ok {
		return nil, false
	}
	if !scopes.Has(data.Scopes, scopes.AdminToken) {
		auth.WriteError(w, errors.NewForbiddenError("admin:token scope is required", nil))
		return nil, false
	}
	return data, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warnw("failed to write response", "error", err.Error())
	}
}
