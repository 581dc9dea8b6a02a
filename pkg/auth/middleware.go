package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/scopes"
	"github.com/lsst-sqre/gafaelfawr/pkg/session"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
	"github.com/lsst-sqre/gafaelfawr/pkg/tokens"
)

// BootstrapUsername is the synthetic username recorded for actions
// performed with the bootstrap token. The angle brackets keep it
// outside the space of valid usernames.
const BootstrapUsername = "<bootstrap>"

// bootstrapPrefixes are the route prefixes the bootstrap token may
// administer. Everything else is denied even though the token carries
// the admin scope.
var bootstrapPrefixes = []string{
	"/auth/api/v1/tokens",
	"/auth/api/v1/admins",
}

// Authenticator resolves request credentials to token data and guards
// the token API routes.
type Authenticator struct {
	tokens    *tokens.Manager
	cookies   *session.Manager
	realm     string
	bootstrap string
}

// NewAuthenticator returns an Authenticator backed by the given token
// manager and cookie manager. The bootstrap token may be empty, which
// disables bootstrap authentication.
func NewAuthenticator(manager *tokens.Manager, cookies *session.Manager, realm, bootstrap string) *Authenticator {
	return &Authenticator{
		tokens:    manager,
		cookies:   cookies,
		realm:     realm,
		bootstrap: bootstrap,
	}
}

// Middleware authenticates every request before it reaches the token
// API. Requests without valid credentials receive a 401 with a bearer
// challenge. Mutating requests authenticated by session cookie must
// echo the session's CSRF value in X-CSRF-Token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds, err := FromRequest(r, a.cookies)
		if err != nil {
			a.challenge(w, err, errors.IsMalformedToken(err))
			return
		}

		data, bootstrapped := a.checkBootstrap(creds.Token)
		if bootstrapped {
			if !bootstrapAllowed(r.URL.Path) {
				WriteError(w, errors.NewForbiddenError("bootstrap token only administers tokens and admins", nil))
				return
			}
		} else {
			data, err = a.tokens.Get(r.Context(), creds.Token)
			if err != nil {
				WriteError(w, err)
				return
			}
			if data == nil {
				a.challenge(w, errors.NewInvalidCredentialsError("token is invalid or expired", nil), true)
				return
			}
		}

		if creds.Source == SourceCookie && mutating(r.Method) {
			if !a.csrfMatches(r) {
				logger.Warnw("rejected cookie request with bad CSRF token",
					"path", r.URL.Path,
					"username", data.Username,
				)
				WriteError(w, errors.NewForbiddenError("CSRF token mismatch", nil))
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(WithTokenData(r.Context(), data)))
	})
}

// challenge rejects a request with 401 and a WWW-Authenticate header.
// Rejected credentials get error attributes in the challenge; absent
// credentials get the bare realm.
func (a *Authenticator) challenge(w http.ResponseWriter, err error, includeError bool) {
	w.Header().Set("WWW-Authenticate", Challenge(AuthTypeBearer, a.realm, includeError, ErrorDetail(err).Msg))
	WriteErrorStatus(w, http.StatusUnauthorized, err)
}

// checkBootstrap reports whether the presented token is the configured
// bootstrap token and, if so, returns its synthetic token data. The
// comparison is constant time so the bootstrap secret cannot be probed
// byte by byte.
func (a *Authenticator) checkBootstrap(tok token.Token) (*token.Data, bool) {
	if a.bootstrap == "" {
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(tok.String()), []byte(a.bootstrap)) != 1 {
		return nil, false
	}
	return &token.Data{
		UserInfo: token.UserInfo{
			Username: BootstrapUsername,
		},
		Key:        tok.Key,
		SecretHash: tok.Hash(),
		Kind:       token.KindService,
		Scopes:     []string{scopes.AdminToken},
	}, true
}

// csrfMatches reports whether the request's X-CSRF-Token header matches
// the CSRF value stored in the session cookie. A session that never
// received a CSRF value matches nothing.
func (a *Authenticator) csrfMatches(r *http.Request) bool {
	state := a.cookies.Read(r)
	if state.CSRF == "" {
		return false
	}
	header := r.Header.Get("X-CSRF-Token")
	return subtle.ConstantTimeCompare([]byte(state.CSRF), []byte(header)) == 1
}

func bootstrapAllowed(path string) bool {
	for _, prefix := range bootstrapPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
