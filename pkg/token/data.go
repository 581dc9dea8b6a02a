package token

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Lifetime rules shared across the token lifecycle.
const (
	// SessionLifetime caps session tokens created by a completed login.
	SessionLifetime = 30 * 24 * time.Hour

	// ChildLifetime is the nominal lifetime of internal and notebook
	// tokens, further capped by the parent's remaining lifetime.
	ChildLifetime = 15 * time.Minute

	// MinimumLifetime is the least remaining lifetime a cached child
	// token may have and still be reused, and the margin kept between a
	// child's expiry and its parent's.
	MinimumLifetime = 5 * time.Minute
)

// Kind classifies how a token was issued and what lifecycle rules apply.
type Kind string

// Token kinds.
const (
	// KindSession is the root token created by a completed upstream login,
	// referenced by the browser cookie.
	KindSession Kind = "session"

	// KindUser is a named, user-created token for programmatic access.
	KindUser Kind = "user"

	// KindNotebook is a child token carrying the parent's full scopes, for
	// interactive computing environments.
	KindNotebook Kind = "notebook"

	// KindInternal is a short-lived child token minted for a downstream
	// service.
	KindInternal Kind = "internal"

	// KindService is an admin-created token for a standalone service.
	KindService Kind = "service"
)

// Valid reports whether k is one of the known token kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindSession, KindUser, KindNotebook, KindInternal, KindService:
		return true
	default:
		return false
	}
}

// Group is a named group membership attached to an identity.
type Group struct {
	Name string `json:"name"`
	ID   int64  `json:"id,omitempty"`
}

// UserInfo is the identity information assembled from the upstream
// provider during login. It is carried on the cached token record only;
// the SQL row stores just the username.
type UserInfo struct {
	Username string  `json:"username"`
	Name     string  `json:"name,omitempty"`
	Email    string  `json:"email,omitempty"`
	UID      int64   `json:"uid,omitempty"`
	Groups   []Group `json:"groups,omitempty"`
}

// GroupNames returns the names of the user's groups.
func (u *UserInfo) GroupNames() []string {
	names := make([]string, 0, len(u.Groups))
	for _, g := range u.Groups {
		names = append(names, g.Name)
	}
	return names
}

// Data is the full stored record of a token. The secret is represented
// only by its hash.
type Data struct {
	UserInfo

	Key        string     `json:"key"`
	SecretHash string     `json:"secret_hash"`
	Kind       Kind       `json:"token_type"`
	Scopes     []string   `json:"scopes"`
	Created    time.Time  `json:"created"`
	Expires    *time.Time `json:"expires,omitempty"`

	// TokenName is set only for user tokens and is unique per owner among
	// live tokens.
	TokenName string `json:"token_name,omitempty"`

	// Service is set only for internal tokens: the downstream service the
	// token was delegated to.
	Service string `json:"service,omitempty"`

	// Parent is the key of the parent token for notebook and internal
	// tokens.
	Parent string `json:"parent,omitempty"`
}

// Expired reports whether the token is past its expiration at the given
// time. Tokens without an expiration never expire.
func (d *Data) Expired(now time.Time) bool {
	return d.Expires != nil && !now.Before(*d.Expires)
}

// RemainingLifetime returns how long the token stays valid after now, and
// whether it expires at all.
func (d *Data) RemainingLifetime(now time.Time) (time.Duration, bool) {
	if d.Expires == nil {
		return 0, false
	}
	return d.Expires.Sub(now), true
}

// Info returns the public projection of the record.
func (d *Data) Info() *Info {
	return &Info{
		Token:     d.Key,
		Username:  d.Username,
		Kind:      d.Kind,
		TokenName: d.TokenName,
		Scopes:    slices.Clone(d.Scopes),
		Created:   d.Created,
		Expires:   d.Expires,
		Service:   d.Service,
		Parent:    d.Parent,
	}
}

// Info is the public projection of a token record: everything except the
// secret hash and the cached user info.
type Info struct {
	Token     string     `json:"token"`
	Username  string     `json:"username"`
	Kind      Kind       `json:"token_type"`
	TokenName string     `json:"token_name,omitempty"`
	Scopes    []string   `json:"scopes"`
	Created   time.Time  `json:"created"`
	Expires   *time.Time `json:"expires,omitempty"`
	Service   string     `json:"service,omitempty"`
	Parent    string     `json:"parent,omitempty"`
}

// Fingerprint identifies a (parent, service, scopes) mint request for
// deduplication. Scopes are sorted so that permutations collapse to the
// same fingerprint.
func Fingerprint(parentKey, service string, scopes []string) string {
	sorted := slices.Clone(scopes)
	slices.Sort(sorted)
	h := sha256.New()
	h.Write([]byte(parentKey))
	h.Write([]byte{0})
	h.Write([]byte(service))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

const maxNameLength = 64

var (
	usernameRegexp  = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9]|-[a-z0-9])*$`)
	scopeRegexp     = regexp.MustCompile(`^[a-zA-Z0-9:._-]+$`)
	groupNameRegexp = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)
)

// ValidUsername reports whether a username satisfies the deployment's
// username rules: lowercase alphanumerics with single interior hyphens, at
// most 64 characters.
func ValidUsername(username string) bool {
	if username == "" || len(username) > maxNameLength {
		return false
	}
	return usernameRegexp.MatchString(username)
}

// ValidScopeName reports whether a scope label is syntactically valid.
func ValidScopeName(scope string) bool {
	return scope != "" && scopeRegexp.MatchString(scope)
}

// ValidGroupName reports whether a group name is syntactically valid.
func ValidGroupName(group string) bool {
	return group != "" && groupNameRegexp.MatchString(group)
}

// ValidTokenName reports whether a user token name is acceptable:
// printable ASCII, 1 to 64 characters.
func ValidTokenName(name string) bool {
	if name == "" || len(name) > maxNameLength {
		return false
	}
	for _, c := range name {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
