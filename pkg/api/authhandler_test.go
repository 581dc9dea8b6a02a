package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/gafaelfawr/pkg/session"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

type errorDetail struct {
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
	Loc  []string `json:"loc"`
}

type errorResponse struct {
	Detail []errorDetail `json:"detail"`
}

func decodeError(t *testing.T, raw string) errorDetail {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &body))
	require.Len(t, body.Detail, 1)
	return body.Detail[0]
}

func authRequest(target string, tok token.Token) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Authorization", "Bearer "+tok.String())
	return req
}

func TestAuthParamValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	tests := []struct {
		name   string
		target string
		loc    []string
	}{
		{
			name:   "missing scope",
			target: "/auth",
			loc:    []string{"query", "scope"},
		},
		{
			name:   "bad satisfy",
			target: "/auth?scope=read:all&satisfy=some",
			loc:    []string{"query", "satisfy"},
		},
		{
			name:   "bad auth_type",
			target: "/auth?scope=read:all&auth_type=digest",
			loc:    []string{"query", "auth_type"},
		},
		{
			name:   "bad notebook flag",
			target: "/auth?scope=read:all&notebook=maybe",
			loc:    []string{"query", "notebook"},
		},
		{
			name:   "notebook with delegate_to",
			target: "/auth?scope=read:all&notebook=true&delegate_to=tap",
			loc:    []string{"query", "delegate_to"},
		},
		{
			name:   "delegate_scope without delegate_to",
			target: "/auth?scope=read:all&delegate_scope=read:tap",
			loc:    []string{"query", "delegate_scope"},
		},
		{
			name:   "jwt without delegate_to",
			target: "/auth?scope=read:all&delegate_type=jwt",
			loc:    []string{"query", "delegate_type"},
		},
		{
			name:   "unknown delegate_type",
			target: "/auth?scope=read:all&delegate_to=tap&delegate_type=saml",
			loc:    []string{"query", "delegate_type"},
		},
		{
			name:   "negative minimum_lifetime",
			target: "/auth?scope=read:all&minimum_lifetime=-30",
			loc:    []string{"query", "minimum_lifetime"},
		},
		{
			name:   "non-numeric minimum_lifetime",
			target: "/auth?scope=read:all&minimum_lifetime=soon",
			loc:    []string{"query", "minimum_lifetime"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(httptest.NewRequest(http.MethodGet, tt.target, nil))
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			detail := decodeError(t, rec.Body.String())
			assert.Equal(t, "validation", detail.Type)
			assert.Equal(t, tt.loc, detail.Loc)
		})
	}
}

func TestAuthUnauthenticated(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/auth?scope=read:all", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer realm="example.org"`, rec.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "401", rec.Header().Get("X-Error-Status"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	detail := decodeError(t, rec.Header().Get("X-Error-Body"))
	assert.Equal(t, "invalid_credentials", detail.Type)
	assert.Equal(t, detail, decodeError(t, rec.Body.String()))
}

func TestAuthBasicChallenge(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/auth?scope=read:all&auth_type=basic", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Basic realm="example.org"`, rec.Header().Get("WWW-Authenticate"))
}

func TestAuthMalformedCredentials(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/auth?scope=read:all", nil)
	req.Header.Set("Authorization", "Bearer notatoken")
	rec := ts.do(req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	challenge := rec.Header().Get("WWW-Authenticate")
	assert.Contains(t, challenge, `error="invalid_token"`)
	assert.Contains(t, challenge, "error_description=")
	assert.Equal(t, "malformed_token", decodeError(t, rec.Body.String()).Type)
}

func TestAuthUnknownToken(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(authRequest("/auth?scope=read:all", token.Generate()))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)

	detail := decodeError(t, rec.Body.String())
	assert.Equal(t, "invalid_credentials", detail.Type)
	assert.Equal(t, "token is invalid or expired", detail.Msg)
}

func TestAuthSuccess(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	tok := ts.newSession(t, "rra", []string{"read:all", "exec:notebook"})

	rec := ts.do(authRequest("/auth?scope=read:all", tok))
	require.Equal(t, http.StatusOK, rec.Code)

	h := rec.Header()
	assert.Equal(t, "rra", h.Get("X-Auth-Request-User"))
	assert.Equal(t, "rra@example.com", h.Get("X-Auth-Request-Email"))
	assert.Equal(t, "4510", h.Get("X-Auth-Request-Uid"))
	assert.Equal(t, "admin,lsst-sqre", h.Get("X-Auth-Request-Groups"))
	assert.Equal(t, tok.String(), h.Get("X-Auth-Request-Token"))
	assert.Equal(t, "exec:notebook,read:all", h.Get("X-Auth-Request-Token-Scopes"))
	assert.Equal(t, "read:all", h.Get("X-Auth-Request-Scopes-Accepted"))
	assert.Equal(t, "all", h.Get("X-Auth-Request-Scopes-Satisfy"))
	assert.Equal(t, "192.0.2.1", h.Get("X-Auth-Request-Client-Ip"))
}

func TestAuthCookieCredentials(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	tok := ts.newSession(t, "rra", []string{"read:all"})

	req := httptest.NewRequest(http.MethodGet, "/auth?scope=read:all", nil)
	ts.addCookie(t, req, &session.State{Token: tok.String()})
	rec := ts.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rra", rec.Header().Get("X-Auth-Request-User"))
}

func TestAuthSatisfyAny(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	tok := ts.newSession(t, "rra", []string{"read:tap"})

	rec := ts.do(authRequest("/auth?scope=read:all&scope=read:tap&satisfy=any", tok))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "read:all,read:tap", rec.Header().Get("X-Auth-Request-Scopes-Accepted"))
	assert.Equal(t, "any", rec.Header().Get("X-Auth-Request-Scopes-Satisfy"))

	rec = ts.do(authRequest("/auth?scope=read:all&scope=read:tap", tok))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthInsufficientScope(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	tok := ts.newSession(t, "rra", []string{"read:tap"})

	rec := ts.do(authRequest("/auth?scope=read:all&scope=read:tap", tok))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "403", rec.Header().Get("X-Error-Status"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	detail := decodeError(t, rec.Header().Get("X-Error-Body"))
	assert.Equal(t, "insufficient_scope", detail.Type)
	assert.Contains(t, detail.Msg, "token missing required scopes: read:all")

	rec = ts.do(authRequest("/auth?scope=read:all&satisfy=any", tok))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	detail = decodeError(t, rec.Body.String())
	assert.Contains(t, detail.Msg, "token holds none of the required scopes: read:all")
}

func TestAuthNotebookDelegation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	tok := ts.newSession(t, "rra", []string{"exec:notebook", "read:all"})

	rec := ts.do(authRequest("/auth?scope=exec:notebook&notebook=true", tok))
	require.Equal(t, http.StatusOK, rec.Code)

	wire := rec.Header().Get("X-Auth-Request-Token")
	require.NotEqual(t, tok.String(), wire)
	child, err := token.Parse(wire)
	require.NoError(t, err)

	data, err := ts.deps.Tokens.Get(t.Context(), child)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, token.KindNotebook, data.Kind)
	assert.Equal(t, "rra", data.Username)
	assert.Equal(t, tok.Key, data.Parent)
	assert.Equal(t, []string{"exec:notebook", "read:all"}, data.Scopes)

	// A second subrequest reuses the cached child instead of minting.
	rec = ts.do(authRequest("/auth?scope=exec:notebook&notebook=true", tok))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, wire, rec.Header().Get("X-Auth-Request-Token"))
}

func TestAuthInternalDelegation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	tok := ts.newSession(t, "rra", []string{"read:all", "read:tap"})

	rec := ts.do(authRequest(
		"/auth?scope=read:tap&delegate_to=tap&delegate_scope=read:tap", tok))
	require.Equal(t, http.StatusOK, rec.Code)

	child, err := token.Parse(rec.Header().Get("X-Auth-Request-Token"))
	require.NoError(t, err)
	data, err := ts.deps.Tokens.Get(t.Context(), child)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, token.KindInternal, data.Kind)
	assert.Equal(t, "tap", data.Service)
	assert.Equal(t, tok.Key, data.Parent)
	assert.Equal(t, []string{"read:tap"}, data.Scopes)
}

func TestAuthDelegationExceedsParentScopes(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	tok := ts.newSession(t, "rra", []string{"read:tap"})

	rec := ts.do(authRequest(
		"/auth?scope=read:tap&delegate_to=tap&delegate_scope=read:all", tok))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "403", rec.Header().Get("X-Error-Status"))
	assert.Equal(t, "insufficient_scope", decodeError(t, rec.Body.String()).Type)
}

func TestAuthDelegateJWT(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	tok := ts.newSession(t, "rra", []string{"read:all", "read:tap", "user:token"})

	rec := ts.do(authRequest(
		"/auth?scope=read:tap&delegate_to=portal&delegate_scope=read:tap&delegate_type=jwt", tok))
	require.Equal(t, http.StatusOK, rec.Code)

	wire := rec.Header().Get("X-Auth-Request-Token")
	require.Equal(t, 3, strings.Count(wire, ".")+1, "expected a three-part JWT")

	claims := jwt.MapClaims{}
	parsed, _, err := jwt.NewParser().ParseUnverified(wire, claims)
	require.NoError(t, err)
	assert.Equal(t, "test-key", parsed.Header["kid"])
	assert.Equal(t, "https://example.org", claims["iss"])
	assert.Equal(t, "https://example.org/api", claims["aud"])
	assert.Equal(t, "rra", claims["sub"])
	assert.Equal(t, "read:tap", claims["scope"])

	// The jti names the minted internal token, which stays resolvable.
	key, ok := claims["jti"].(string)
	require.True(t, ok)
	infos, err := ts.deps.Tokens.List(t.Context(), mustGet(t, ts, tok), "rra")
	require.NoError(t, err)
	found := false
	for _, info := range infos {
		if info.Token == key {
			found = true
			assert.Equal(t, token.KindInternal, info.Kind)
		}
	}
	assert.True(t, found, "jti does not match any stored token")
}

func mustGet(t *testing.T, ts *testServer, tok token.Token) *token.Data {
	t.Helper()
	data, err := ts.deps.Tokens.Get(t.Context(), tok)
	require.NoError(t, err)
	require.NotNil(t, data)
	return data
}

func TestAuthMinimumLifetime(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	tok := ts.newSession(t, "rra", []string{"read:all"})

	// A fresh session token has thirty days of life.
	rec := ts.do(authRequest("/auth?scope=read:all&minimum_lifetime=3600", tok))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(authRequest("/auth?scope=read:all&minimum_lifetime=3000000", tok))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	detail := decodeError(t, rec.Body.String())
	assert.Contains(t, detail.Msg, "does not satisfy the requested minimum lifetime")

	// With delegation the promise is about the child, which lives at
	// most fifteen minutes.
	rec = ts.do(authRequest("/auth?scope=read:all&notebook=true&minimum_lifetime=1200", tok))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	detail = decodeError(t, rec.Body.String())
	assert.Contains(t, detail.Msg, "delegated token cannot satisfy")

	rec = ts.do(authRequest("/auth?scope=read:all&notebook=true&minimum_lifetime=300", tok))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func analyzeRequest(wire string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/auth/analyze",
		strings.NewReader("token="+wire))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestAnalyzeValidToken(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	tok := ts.newSession(t, "rra", []string{"read:all"})

	rec := ts.do(analyzeRequest(tok.String()))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token *struct {
			Key    string `json:"key"`
			Secret string `json:"secret"`
		} `json:"token"`
		Data   *token.Data `json:"data"`
		Valid  bool        `json:"valid"`
		Errors []string    `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Token)
	assert.Equal(t, tok.Key, resp.Token.Key)
	assert.Equal(t, tok.Secret, resp.Token.Secret)
	require.NotNil(t, resp.Data)
	assert.Equal(t, "rra", resp.Data.Username)
	assert.True(t, resp.Valid)
	assert.Empty(t, resp.Errors)
}

func TestAnalyzeMalformedToken(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(analyzeRequest("not-a-token"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp analyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Token)
	assert.Nil(t, resp.Data)
	assert.False(t, resp.Valid)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "token does not start with")
}

func TestAnalyzeUnknownToken(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	tok := token.Generate()

	rec := ts.do(analyzeRequest(tok.String()))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp analyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Token)
	assert.Equal(t, tok.Key, resp.Token.Key)
	assert.False(t, resp.Valid)
	assert.Equal(t, []string{"token is expired or not known"}, resp.Errors)
}

func TestAnalyzeMissingToken(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/analyze", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := ts.do(req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	detail := decodeError(t, rec.Body.String())
	assert.Equal(t, []string{"body", "token"}, detail.Loc)
}
