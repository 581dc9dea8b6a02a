package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/auth"
	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/issuer"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/scopes"
	"github.com/lsst-sqre/gafaelfawr/pkg/session"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
	"github.com/lsst-sqre/gafaelfawr/pkg/tokens"
)

// AuthRoutes serves the NGINX auth subrequest endpoint and the token
// analysis endpoint.
type AuthRoutes struct {
	cfg      *config.Config
	tokens   *tokens.Manager
	sessions *session.Manager
	issuer   *issuer.Issuer
}

// delegateTypes for the delegate_type parameter.
const (
	delegateTypeToken = "token"
	delegateTypeJWT   = "jwt"
)

type authParams struct {
	scopes          []string
	satisfy         scopes.Satisfy
	authType        auth.AuthType
	notebook        bool
	delegateTo      string
	delegateScopes  []string
	delegateJWT     bool
	minimumLifetime time.Duration
}

// parseAuthParams validates the subrequest's query parameters. A non-nil
// detail means 422.
func parseAuthParams(r *http.Request) (*authParams, *auth.Detail) {
	query := r.URL.Query()
	params := &authParams{
		scopes:         scopes.Normalize(query["scope"]),
		delegateTo:     query.Get("delegate_to"),
		delegateScopes: scopes.Normalize(query["delegate_scope"]),
	}

	invalid := func(msg, param string) *auth.Detail {
		return &auth.Detail{Msg: msg, Type: errors.ErrValidation, Loc: []string{"query", param}}
	}

	if len(params.scopes) == 0 {
		return nil, invalid("at least one scope parameter is required", "scope")
	}

	satisfy, err := scopes.ParseSatisfy(query.Get("satisfy"))
	if err != nil {
		return nil, invalid(auth.ErrorDetail(err).Msg, "satisfy")
	}
	params.satisfy = satisfy

	authType, err := auth.ParseAuthType(query.Get("auth_type"))
	if err != nil {
		return nil, invalid(auth.ErrorDetail(err).Msg, "auth_type")
	}
	params.authType = authType

	if raw := query.Get("notebook"); raw != "" {
		notebook, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, invalid("notebook must be a boolean", "notebook")
		}
		params.notebook = notebook
	}
	if params.notebook && params.delegateTo != "" {
		return nil, invalid("notebook and delegate_to are mutually exclusive", "delegate_to")
	}
	if len(params.delegateScopes) > 0 && params.delegateTo == "" {
		return nil, invalid("delegate_scope requires delegate_to", "delegate_scope")
	}

	switch query.Get("delegate_type") {
	case "", delegateTypeToken:
	case delegateTypeJWT:
		if params.delegateTo == "" {
			return nil, invalid("delegate_type requires delegate_to", "delegate_type")
		}
		params.delegateJWT = true
	default:
		return nil, invalid(
			fmt.Sprintf("delegate_type must be token or jwt, not %q", query.Get("delegate_type")),
			"delegate_type")
	}

	if raw := query.Get("minimum_lifetime"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			return nil, invalid("minimum_lifetime must be a non-negative number of seconds", "minimum_lifetime")
		}
		params.minimumLifetime = time.Duration(seconds) * time.Second
	}

	return params, nil
}

// decide answers an NGINX auth subrequest: 200 with identity headers
// when the presented credential satisfies the required scopes, 401 or
// 403 otherwise. Delegation mints a child token and returns it in
// X-Auth-Request-Token.
func (s *AuthRoutes) decide(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params, detail := parseAuthParams(r)
	if detail != nil {
		auth.WriteDetail(w, http.StatusUnprocessableEntity, *detail)
		return
	}

	creds, err := auth.FromRequest(r, s.sessions)
	if err != nil {
		s.unauthorized(w, params.authType, err, errors.IsMalformedToken(err))
		return
	}
	data, err := s.tokens.Get(ctx, creds.Token)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	if data == nil {
		s.unauthorized(w, params.authType,
			errors.NewInvalidCredentialsError("token is invalid or expired", nil), true)
		return
	}

	if !scopes.Satisfies(params.scopes, data.Scopes, params.satisfy) {
		var msg string
		if params.satisfy == scopes.SatisfyAny {
			msg = fmt.Sprintf("token holds none of the required scopes: %s",
				strings.Join(params.scopes, ", "))
		} else {
			msg = fmt.Sprintf("token missing required scopes: %s",
				strings.Join(scopes.Missing(params.scopes, data.Scopes), ", "))
		}
		s.deny(w, http.StatusForbidden, errors.NewInsufficientScopeError(msg, nil))
		return
	}

	if err := checkMinimumLifetime(params, data); err != nil {
		s.deny(w, http.StatusForbidden, err)
		return
	}

	responseToken := creds.Token.String()
	ip := auth.ClientIPFromContext(ctx)
	switch {
	case params.notebook:
		child, err := s.tokens.MintNotebook(ctx, data, ip)
		if err != nil {
			s.denyMint(w, params.authType, err)
			return
		}
		responseToken = child.String()
	case params.delegateTo != "":
		child, err := s.tokens.MintInternal(ctx, data, params.delegateTo, params.delegateScopes, ip)
		if err != nil {
			s.denyMint(w, params.authType, err)
			return
		}
		responseToken = child.String()
		if params.delegateJWT {
			responseToken, err = s.issueJWT(ctx, child)
			if err != nil {
				auth.WriteError(w, err)
				return
			}
		}
	}

	w.Header().Set("X-Auth-Request-User", data.Username)
	if data.Email != "" {
		w.Header().Set("X-Auth-Request-Email", data.Email)
	}
	if data.UID != 0 {
		w.Header().Set("X-Auth-Request-Uid", strconv.FormatInt(data.UID, 10))
	}
	if len(data.Groups) > 0 {
		w.Header().Set("X-Auth-Request-Groups", strings.Join(data.GroupNames(), ","))
	}
	w.Header().Set("X-Auth-Request-Token", responseToken)
	w.Header().Set("X-Auth-Request-Token-Scopes", strings.Join(data.Scopes, ","))
	w.Header().Set("X-Auth-Request-Scopes-Accepted", strings.Join(params.scopes, ","))
	w.Header().Set("X-Auth-Request-Scopes-Satisfy", string(params.satisfy))
	if ip != "" {
		w.Header().Set("X-Auth-Request-Client-Ip", ip)
	}
	w.WriteHeader(http.StatusOK)
}

// checkMinimumLifetime rejects tokens that cannot satisfy the caller's
// minimum_lifetime. With delegation the promise applies to the child
// token, whose lifetime is capped by both the child lifetime and the
// parent's remaining headroom.
func checkMinimumLifetime(params *authParams, data *token.Data) error {
	if params.minimumLifetime <= 0 {
		return nil
	}
	now := time.Now().UTC()

	if params.notebook || params.delegateTo != "" {
		achievable := token.ChildLifetime
		if remaining, ok := data.RemainingLifetime(now); ok {
			if headroom := remaining - token.MinimumLifetime; headroom < achievable {
				achievable = headroom
			}
		}
		if achievable < params.minimumLifetime {
			return errors.NewForbiddenError(
				"delegated token cannot satisfy the requested minimum lifetime", nil)
		}
		return nil
	}

	if remaining, ok := data.RemainingLifetime(now); ok && remaining < params.minimumLifetime {
		return errors.NewForbiddenError(
			"token does not satisfy the requested minimum lifetime", nil)
	}
	return nil
}

// issueJWT wraps a freshly minted internal token in a signed JWT.
func (s *AuthRoutes) issueJWT(ctx context.Context, child token.Token) (string, error) {
	data, err := s.tokens.Get(ctx, child)
	if err != nil {
		return "", err
	}
	if data == nil {
		return "", errors.NewInternalError("minted token is not readable", nil)
	}
	return s.issuer.Issue(data)
}

// unauthorized rejects a subrequest with a challenge and the NGINX hint
// headers.
func (s *AuthRoutes) unauthorized(w http.ResponseWriter, authType auth.AuthType, err error, includeError bool) {
	w.Header().Set("WWW-Authenticate",
		auth.Challenge(authType, s.cfg.Realm, includeError, auth.ErrorDetail(err).Msg))
	s.deny(w, http.StatusUnauthorized, err)
}

// deny writes a rejection with the out-of-band hints NGINX uses to
// build the client-facing error response.
func (s *AuthRoutes) deny(w http.ResponseWriter, status int, err error) {
	w.Header().Set("X-Error-Status", strconv.Itoa(status))
	w.Header().Set("X-Error-Body", auth.DetailJSON(err))
	w.Header().Set("Cache-Control", "no-store")
	auth.WriteErrorStatus(w, status, err)
}

// denyMint maps a failed delegation mint to the right rejection: an
// expired parent is a credential problem, anything else keeps its
// taxonomy status.
func (s *AuthRoutes) denyMint(w http.ResponseWriter, authType auth.AuthType, err error) {
	status := auth.Status(err)
	if status == http.StatusUnauthorized {
		s.unauthorized(w, authType, err, true)
		return
	}
	s.deny(w, status, err)
}

type analyzedToken struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

type analyzeResponse struct {
	Token  *analyzedToken `json:"token,omitempty"`
	Data   *token.Data    `json:"data,omitempty"`
	Valid  bool           `json:"valid"`
	Errors []string       `json:"errors,omitempty"`
}

// analyze dissects a wire token from the request form: its components,
// its stored record if any, and whether it would authenticate.
func (s *AuthRoutes) analyze(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		auth.WriteDetail(w, http.StatusUnprocessableEntity, auth.Detail{
			Msg:  "request body is not a valid form",
			Type: errors.ErrValidation,
			Loc:  []string{"body"},
		})
		return
	}
	wire := r.PostFormValue("token")
	if wire == "" {
		auth.WriteDetail(w, http.StatusUnprocessableEntity, auth.Detail{
			Msg:  "token form field is required",
			Type: errors.ErrValidation,
			Loc:  []string{"body", "token"},
		})
		return
	}

	resp := analyzeResponse{}
	tok, err := token.Parse(wire)
	if err != nil {
		resp.Errors = []string{auth.ErrorDetail(err).Msg}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Token = &analyzedToken{Key: tok.Key, Secret: tok.Secret}

	data, err := s.tokens.Get(r.Context(), tok)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	if data == nil {
		resp.Errors = []string{"token is expired or not known"}
	} else {
		resp.Data = data
		resp.Valid = true
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warnw("failed to write response", "error", err.Error())
	}
}
