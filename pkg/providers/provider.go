// Package providers implements the upstream identity providers that back
// the login flow. A provider turns an OAuth 2.0 authorization code into
// the user's identity: username, display name, email, numeric UID, and
// group memberships. Exactly one provider is active per deployment,
// either GitHub or a generic OpenID Connect issuer.
package providers

import (
	"context"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// requestTimeout bounds every HTTP call to an upstream provider.
const requestTimeout = 10 * time.Second

// maxResponseSize caps how much of an upstream response body is read.
const maxResponseSize = 64 * 1024

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks -source=provider.go Provider

// Provider is an upstream identity provider.
type Provider interface {
	// Name identifies the provider in logs and error messages.
	Name() string

	// AuthorizationURL builds the URL the browser is redirected to when a
	// login starts. The CSRF state is carried through the round trip and
	// checked on the callback.
	AuthorizationURL(state string) string

	// Authenticate exchanges a callback authorization code for the user's
	// identity.
	Authenticate(ctx context.Context, code, state string) (*token.UserInfo, error)
}

// New builds the provider selected by the configuration.
func New(ctx context.Context, cfg *config.Config) (Provider, error) {
	switch {
	case cfg.GitHub != nil:
		return NewGitHub(cfg.GitHub), nil
	case cfg.OIDC != nil:
		return NewOIDC(ctx, cfg.OIDC)
	default:
		return nil, errors.NewConfigError("no upstream identity provider configured", nil)
	}
}
