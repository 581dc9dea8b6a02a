// Package auth handles request authentication: extracting token
// credentials from headers and cookies, issuing WWW-Authenticate
// challenges, resolving the real client IP behind trusted proxies, and
// the middleware that guards the token API.
package auth

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/session"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// Source identifies where a request's token credential came from. The
// API layer uses it to decide whether CSRF protection applies, which
// only cookie credentials need.
type Source int

const (
	// SourceBearer is an Authorization header with the Bearer scheme.
	SourceBearer Source = iota

	// SourceBasic is an Authorization header with the Basic scheme and
	// the token in either slot per the x-oauth-basic convention.
	SourceBasic

	// SourceCookie is the encrypted session cookie.
	SourceCookie
)

// Credentials is a parsed token credential and its origin.
type Credentials struct {
	Token  token.Token
	Source Source
}

// basicPlaceholder fills the unused slot of Basic credentials that carry
// a token instead of a password.
const basicPlaceholder = "x-oauth-basic"

// FromRequest extracts the token credential from a request. The
// Authorization header wins over the session cookie. A present but
// unusable header is a malformed-token error; an undecryptable or
// absent cookie is treated as no credentials at all, so stale browser
// state degrades to unauthenticated.
func FromRequest(r *http.Request, cookies *session.Manager) (*Credentials, error) {
	header := r.Header.Get("Authorization")
	if header != "" {
		return fromAuthorization(header)
	}

	state := cookies.Read(r)
	if state.Token != "" {
		if tok, err := token.Parse(state.Token); err == nil {
			return &Credentials{Token: tok, Source: SourceCookie}, nil
		}
	}
	return nil, errors.NewInvalidCredentialsError("no authentication credentials provided", nil)
}

func fromAuthorization(header string) (*Credentials, error) {
	scheme, rest, found := strings.Cut(header, " ")
	if !found {
		return nil, errors.NewMalformedTokenError("malformed Authorization header", nil)
	}
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(scheme) {
	case "bearer":
		tok, err := token.Parse(rest)
		if err != nil {
			return nil, errors.NewMalformedTokenError("bearer token is malformed", err)
		}
		return &Credentials{Token: tok, Source: SourceBearer}, nil

	case "basic":
		decoded, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return nil, errors.NewMalformedTokenError("basic credentials are not valid base64", err)
		}
		username, password, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return nil, errors.NewMalformedTokenError("basic credentials are missing a password", nil)
		}

		// The token may ride in either slot with x-oauth-basic in the
		// other; when neither slot is the placeholder the username is
		// assumed to be the token.
		candidate := username
		if password != basicPlaceholder && username == basicPlaceholder {
			candidate = password
		}
		tok, err := token.Parse(candidate)
		if err != nil {
			return nil, errors.NewMalformedTokenError("basic credentials do not contain a token", err)
		}
		return &Credentials{Token: tok, Source: SourceBasic}, nil

	default:
		return nil, errors.NewMalformedTokenError("unsupported Authorization scheme "+scheme, nil)
	}
}
