package v1

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lsst-sqre/gafaelfawr/pkg/auth"
	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/scopes"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
	"github.com/lsst-sqre/gafaelfawr/pkg/tokens"
)

// TokensRoutes serves token listing, creation, inspection,
// modification, revocation, and change history.
type TokensRoutes struct {
	manager *tokens.Manager
}

// TokensRouter creates the /tokens subrouter.
func TokensRouter(manager *tokens.Manager) http.Handler {
	routes := &TokensRoutes{manager: manager}

	r := chi.NewRouter()
	r.Get("/", routes.list)
	r.Post("/", routes.create)
	r.Get("/{key}", routes.get)
	r.Patch("/{key}", routes.modify)
	r.Delete("/{key}", routes.revoke)
	r.Get("/{key}/change-history", routes.history)
	return r
}

// list returns the tokens visible to the caller, optionally filtered by
// owner. Admins may omit the filter to list everything.
func (s *TokensRoutes) list(w http.ResponseWriter, r *http.Request) {
	data, ok := caller(w, r)
	if !ok {
		return
	}
	infos, err := s.manager.List(r.Context(), data, r.URL.Query().Get("username"))
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

type createTokenRequest struct {
	// Username is the owner of the new token.
	Username string `json:"username"`

	// TokenType is user or service.
	TokenType token.Kind `json:"token_type"`

	// TokenName is required for user tokens and rejected for service
	// tokens.
	TokenName string `json:"token_name,omitempty"`

	Scopes  []string   `json:"scopes,omitempty"`
	Expires *time.Time `json:"expires,omitempty"`

	// Identity fields, honored only for admin creation.
	Name   string        `json:"name,omitempty"`
	Email  string        `json:"email,omitempty"`
	UID    int64         `json:"uid,omitempty"`
	Groups []token.Group `json:"groups,omitempty"`
}

type createTokenResponse struct {
	// Token is the wire form, shown exactly once.
	Token string `json:"token"`
}

// create makes a new user or service token. Non-admins may create only
// their own user tokens; admins may create tokens for anyone and are
// not bound by their own scopes.
func (s *TokensRoutes) create(w http.ResponseWriter, r *http.Request) {
	data, ok := caller(w, r)
	if !ok {
		return
	}
	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		auth.WriteDetail(w, http.StatusUnprocessableEntity, auth.Detail{
			Msg:  "request body is not valid JSON",
			Type: errors.ErrValidation,
			Loc:  []string{"body"},
		})
		return
	}

	ctx := r.Context()
	ip := auth.ClientIPFromContext(ctx)
	var tok token.Token
	var err error
	if req.TokenType == token.KindUser && req.Username == data.Username &&
		!scopes.Has(data.Scopes, scopes.AdminToken) {
		tok, err = s.manager.CreateUser(ctx, data, req.Username, req.TokenName, req.Scopes, req.Expires, ip)
	} else {
		tok, err = s.manager.CreateAdmin(ctx, data, &tokens.AdminCreateRequest{
			Username:  req.Username,
			Kind:      req.TokenType,
			TokenName: req.TokenName,
			Scopes:    req.Scopes,
			Expires:   req.Expires,
			Name:      req.Name,
			Email:     req.Email,
			UID:       req.UID,
			Groups:    req.Groups,
		}, ip)
	}
	if err != nil {
		auth.WriteError(w, err)
		return
	}

	w.Header().Set("Location", "/auth/api/v1/tokens/"+tok.Key)
	writeJSON(w, http.StatusCreated, createTokenResponse{Token: tok.String()})
}

// get returns the public record of one token.
func (s *TokensRoutes) get(w http.ResponseWriter, r *http.Request) {
	data, ok := caller(w, r)
	if !ok {
		return
	}
	info, err := s.manager.GetInfo(r.Context(), data, chi.URLParam(r, "key"), "")
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type modifyTokenRequest struct {
	TokenName *string  `json:"token_name"`
	Scopes    []string `json:"scopes"`

	// Expires distinguishes absent (unchanged) from null (clear the
	// expiration) from a timestamp.
	Expires json.RawMessage `json:"expires"`
}

var jsonNull = []byte("null")

// modify updates the mutable fields of a user token. Absent fields are
// left unchanged; a null expires clears the expiration.
func (s *TokensRoutes) modify(w http.ResponseWriter, r *http.Request) {
	data, ok := caller(w, r)
	if !ok {
		return
	}

	var req modifyTokenRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		auth.WriteDetail(w, http.StatusUnprocessableEntity, auth.Detail{
			Msg:  "request body contains invalid or immutable fields",
			Type: errors.ErrValidation,
			Loc:  []string{"body"},
		})
		return
	}

	mod := &tokens.ModifyRequest{Scopes: req.Scopes}
	if req.TokenName != nil {
		if *req.TokenName == "" {
			auth.WriteDetail(w, http.StatusUnprocessableEntity, auth.Detail{
				Msg:  "token_name must not be empty",
				Type: errors.ErrValidation,
				Loc:  []string{"body", "token_name"},
			})
			return
		}
		mod.TokenName = *req.TokenName
	}
	if len(req.Expires) > 0 {
		if bytes.Equal(bytes.TrimSpace(req.Expires), jsonNull) {
			mod.NoExpire = true
		} else {
			var expires time.Time
			if err := json.Unmarshal(req.Expires, &expires); err != nil {
				auth.WriteDetail(w, http.StatusUnprocessableEntity, auth.Detail{
					Msg:  "expires must be an RFC 3339 timestamp or null",
					Type: errors.ErrValidation,
					Loc:  []string{"body", "expires"},
				})
				return
			}
			mod.Expires = &expires
		}
	}

	key := chi.URLParam(r, "key")
	info, err := s.manager.Modify(r.Context(), data, key, "", mod, auth.ClientIPFromContext(r.Context()))
	if err != nil {
		// A name collision on modification is a validation failure, not
		// a conflict: the resource itself was addressed by key.
		if errors.IsDuplicateTokenName(err) {
			auth.WriteErrorStatus(w, http.StatusUnprocessableEntity, err)
			return
		}
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// revoke deletes a token and everything minted from it.
func (s *TokensRoutes) revoke(w http.ResponseWriter, r *http.Request) {
	data, ok := caller(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	existed, err := s.manager.Revoke(r.Context(), data, key, "", auth.ClientIPFromContext(r.Context()))
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	if !existed {
		auth.WriteError(w, errors.NewNotFoundError(fmt.Sprintf("token %s not found", key), nil))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// history returns the change history of one token, which survives the
// token's own revocation.
func (s *TokensRoutes) history(w http.ResponseWriter, r *http.Request) {
	data, ok := caller(w, r)
	if !ok {
		return
	}
	entries, err := s.manager.History(r.Context(), data, chi.URLParam(r, "key"), "")
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
