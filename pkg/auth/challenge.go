package auth

import (
	"fmt"
	"strings"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
)

// AuthType selects the WWW-Authenticate scheme for challenges, chosen
// per protected route via the auth_type parameter.
type AuthType string

const (
	// AuthTypeBearer challenges with the Bearer scheme (RFC 6750).
	AuthTypeBearer AuthType = "bearer"

	// AuthTypeBasic challenges with the Basic scheme, for clients that
	// only speak HTTP Basic such as WebDAV agents.
	AuthTypeBasic AuthType = "basic"
)

// ParseAuthType validates an auth_type parameter. Empty defaults to
// bearer.
func ParseAuthType(value string) (AuthType, error) {
	switch value {
	case "", string(AuthTypeBearer):
		return AuthTypeBearer, nil
	case string(AuthTypeBasic):
		return AuthTypeBasic, nil
	default:
		return "", errors.NewValidationError(
			fmt.Sprintf("auth_type must be bearer or basic, not %q", value), nil)
	}
}

// Challenge builds a WWW-Authenticate value. Bearer challenges carry
// error="invalid_token" and a description when a credential was
// presented and rejected (RFC 6750 section 3); Basic has no error
// syntax, so basic challenges are always bare.
func Challenge(authType AuthType, realm string, includeError bool, errDescription string) string {
	if authType == AuthTypeBasic {
		return fmt.Sprintf(`Basic realm="%s"`, escapeQuotes(realm))
	}

	parts := []string{fmt.Sprintf(`realm="%s"`, escapeQuotes(realm))}
	if includeError {
		parts = append(parts, `error="invalid_token"`)
		if errDescription != "" {
			parts = append(parts, fmt.Sprintf(`error_description="%s"`, escapeQuotes(errDescription)))
		}
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// escapeQuotes escapes backslashes and double quotes for use inside a
// quoted-string header parameter.
func escapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
