package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/oauth2"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// OIDC authenticates users against a generic OpenID Connect provider.
// The authorize and token endpoints come from configuration; the signing
// keys come from the issuer's JWKS, located via the standard well-known
// discovery document and cached with automatic refresh.
type OIDC struct {
	cfg       *config.OIDCConfig
	client    *http.Client
	oauth     *oauth2.Config
	audience  string
	jwksURL   string
	jwksCache *jwk.Cache

	jwksMu         sync.Mutex
	jwksRegistered bool
}

// NewOIDC creates an OIDC provider. It fetches the issuer's discovery
// document once to locate the JWKS endpoint.
func NewOIDC(ctx context.Context, cfg *config.OIDCConfig) (*OIDC, error) {
	client := &http.Client{Timeout: requestTimeout}

	discovered, err := oidc.NewProvider(oidc.ClientContext(ctx, client), cfg.Issuer)
	if err != nil {
		return nil, errors.NewProviderError("failed to discover OIDC endpoints", err)
	}
	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := discovered.Claims(&doc); err != nil {
		return nil, errors.NewProviderError("failed to extract discovery document claims", err)
	}
	if doc.JWKSURI == "" {
		return nil, errors.NewProviderError("OIDC discovery document missing jwks_uri", nil)
	}

	jwksCache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(client)))
	if err != nil {
		return nil, errors.NewInternalError("failed to create JWKS cache", err)
	}

	audience := cfg.Audience
	if audience == "" {
		audience = cfg.ClientID
	}

	logger.Debugw("discovered OIDC issuer", "issuer", cfg.Issuer, "jwks_uri", doc.JWKSURI)

	return &OIDC{
		cfg:    cfg,
		client: client,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.LoginURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		audience:  audience,
		jwksURL:   doc.JWKSURI,
		jwksCache: jwksCache,
	}, nil
}

// Name returns the provider name.
func (*OIDC) Name() string {
	return "oidc"
}

// AuthorizationURL builds the authorize redirect from the configured
// login URL plus any extra login parameters.
func (o *OIDC) AuthorizationURL(state string) string {
	opts := make([]oauth2.AuthCodeOption, 0, len(o.cfg.LoginParams))
	for name, value := range o.cfg.LoginParams {
		opts = append(opts, oauth2.SetAuthURLParam(name, value))
	}
	return o.oauth.AuthCodeURL(state, opts...)
}

// Authenticate exchanges the callback code for an ID token, verifies it
// against the issuer's JWKS, and assembles the user's identity from its
// claims.
func (o *OIDC) Authenticate(ctx context.Context, code, _ string) (*token.UserInfo, error) {
	rawIDToken, err := o.exchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	claims, err := o.verifyIDToken(ctx, rawIDToken)
	if err != nil {
		return nil, err
	}
	return identityFromClaims(claims)
}

// exchangeCode trades the authorization code for an ID token.
func (o *OIDC) exchangeCode(ctx context.Context, code string) (string, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {o.cfg.ClientID},
		"client_secret": {o.cfg.ClientSecret},
		"code":          {code},
		"redirect_uri":  {o.cfg.RedirectURL},
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, o.cfg.TokenURL, strings.NewReader(form.Encode()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", errors.NewProviderError("OIDC token request failed", err)
	}
	defer closeBody(resp)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", errors.NewProviderError("failed to read OIDC token response", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("OIDC token endpoint returned status %d", resp.StatusCode)
		return "", errors.NewProviderError(msg, nil)
	}

	var result struct {
		IDToken string `json:"id_token"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", errors.NewProviderError("failed to decode OIDC token response", err)
	}
	if result.IDToken == "" {
		return "", errors.NewProviderError("OIDC token response missing id_token", nil)
	}
	return result.IDToken, nil
}

// verifyIDToken checks the ID token's signature against the issuer JWKS
// and validates the issuer, audience, and time claims.
func (o *OIDC) verifyIDToken(ctx context.Context, rawIDToken string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(
		rawIDToken,
		claims,
		func(t *jwt.Token) (any, error) { return o.signingKey(ctx, t) },
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(o.cfg.Issuer),
		jwt.WithAudience(o.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, errors.NewProviderError("ID token verification failed", err)
	}
	return claims, nil
}

// signingKey resolves the RSA public key named by the token's kid header
// from the cached JWKS.
func (o *OIDC) signingKey(ctx context.Context, t *jwt.Token) (any, error) {
	if err := o.ensureJWKSRegistered(ctx); err != nil {
		return nil, err
	}

	if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
	}
	kid, ok := t.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := o.jwksCache.Lookup(ctx, o.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to look up JWKS: %w", err)
	}
	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export signing key: %w", err)
	}
	return rawKey, nil
}

// ensureJWKSRegistered registers the JWKS URL with the cache on first
// use, so startup never blocks on the identity provider. Registration is
// retried on later calls if it failed.
func (o *OIDC) ensureJWKSRegistered(ctx context.Context) error {
	o.jwksMu.Lock()
	defer o.jwksMu.Unlock()
	if o.jwksRegistered {
		return nil
	}

	regCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := o.jwksCache.Register(regCtx, o.jwksURL); err != nil {
		return fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	o.jwksRegistered = true
	return nil
}

// identityFromClaims maps verified ID token claims onto a UserInfo.
// The username comes from preferred_username with sub as fallback.
func identityFromClaims(claims jwt.MapClaims) (*token.UserInfo, error) {
	username := stringClaim(claims, "preferred_username")
	if username == "" {
		username = stringClaim(claims, "sub")
	}
	if username == "" {
		return nil, errors.NewProviderError("ID token carries no usable username claim", nil)
	}

	return &token.UserInfo{
		Username: username,
		Name:     stringClaim(claims, "name"),
		Email:    stringClaim(claims, "email"),
		UID:      intClaim(claims, "uid_number", "uidNumber"),
		Groups:   groupsClaim(claims),
	}, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	if v, ok := claims[name].(string); ok {
		return v
	}
	return ""
}

// intClaim returns the first of the named claims as an int64. Providers
// disagree about whether numeric identifiers are JSON numbers or strings,
// so both are accepted.
func intClaim(claims jwt.MapClaims, names ...string) int64 {
	for _, name := range names {
		switch v := claims[name].(type) {
		case float64:
			return int64(v)
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return n
			}
		}
	}
	return 0
}

// groupsClaim parses the isMemberOf claim, a list of {name, id} objects.
// Entries without a name are dropped; a missing id is allowed.
func groupsClaim(claims jwt.MapClaims) []token.Group {
	raw, ok := claims["isMemberOf"].([]any)
	if !ok {
		return nil
	}
	groups := make([]token.Group, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}
		group := token.Group{Name: name}
		switch id := m["id"].(type) {
		case float64:
			group.ID = int64(id)
		case string:
			if n, err := strconv.ParseInt(id, 10, 64); err == nil {
				group.ID = n
			}
		}
		groups = append(groups, group)
	}
	return groups
}
