// Package scopes implements scope derivation and matching.
//
// Scopes are granted to a session by intersecting the user's group
// memberships with the configured group mapping. The functions here are
// pure so that policy decisions are trivially testable.
package scopes

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// Scopes granted outside the group mapping.
const (
	// UserToken allows a user to manage their own tokens.
	UserToken = "user:token"

	// AdminToken allows management of any user's tokens and the admin
	// list itself.
	AdminToken = "admin:token"
)

// maxGroupNameLength is the longest group name propagated to scopes and
// headers. GitHub org/team combinations longer than this are compacted.
const maxGroupNameLength = 32

// Satisfy selects how a set of required scopes is matched.
type Satisfy string

const (
	// SatisfyAll requires every listed scope.
	SatisfyAll Satisfy = "all"

	// SatisfyAny requires at least one listed scope.
	SatisfyAny Satisfy = "any"
)

// ParseSatisfy converts a query parameter into a Satisfy policy. The empty
// string defaults to SatisfyAll.
func ParseSatisfy(s string) (Satisfy, error) {
	switch s {
	case "", string(SatisfyAll):
		return SatisfyAll, nil
	case string(SatisfyAny):
		return SatisfyAny, nil
	default:
		return "", fmt.Errorf("invalid satisfy policy %q", s)
	}
}

// FromGroups returns the sorted, deduplicated set of scopes granted to a
// member of the given groups. The mapping is scope name to the groups that
// confer it.
func FromGroups(mapping map[string][]string, groups []string) []string {
	member := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		member[g] = struct{}{}
	}

	var granted []string
	for scope, grps := range mapping {
		for _, g := range grps {
			if _, ok := member[g]; ok {
				granted = append(granted, scope)
				break
			}
		}
	}
	return Normalize(granted)
}

// ForSession assembles the scope set for a new session token: the scopes
// derived from group membership, user:token for self-service, and
// admin:token when the user is a token administrator.
func ForSession(mapping map[string][]string, groups []string, admin bool) []string {
	granted := FromGroups(mapping, groups)
	granted = append(granted, UserToken)
	if admin {
		granted = append(granted, AdminToken)
	}
	return Normalize(granted)
}

// GitHubTeamGroup synthesizes a group name from a GitHub organization and
// team slug. Names longer than 32 characters are compacted to the first 24
// characters plus "--" plus a 6-character base64url digest of the full
// name, keeping distinct teams distinct while fitting group-name limits.
func GitHubTeamGroup(org, slug string) string {
	name := strings.ToLower(org) + "-" + slug
	if len(name) <= maxGroupNameLength {
		return name
	}
	digest := sha256.Sum256([]byte(name))
	suffix := base64.RawURLEncoding.EncodeToString(digest[:4])
	return name[:24] + "--" + suffix
}

// Normalize sorts and deduplicates a scope list. The input is not
// modified.
func Normalize(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Has reports whether the scope list contains the given scope.
func Has(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// IsSubset reports whether every scope in sub is present in super. An
// empty sub is a subset of anything.
func IsSubset(sub, super []string) bool {
	have := make(map[string]struct{}, len(super))
	for _, s := range super {
		have[s] = struct{}{}
	}
	for _, s := range sub {
		if _, ok := have[s]; !ok {
			return false
		}
	}
	return true
}

// Satisfies reports whether have meets the required scopes under the
// given policy.
func Satisfies(required, have []string, satisfy Satisfy) bool {
	if satisfy == SatisfyAny {
		for _, r := range required {
			if Has(have, r) {
				return true
			}
		}
		return false
	}
	return IsSubset(required, have)
}

// Missing returns the required scopes absent from have, for error
// details.
func Missing(required, have []string) []string {
	var missing []string
	for _, r := range required {
		if !Has(have, r) {
			missing = append(missing, r)
		}
	}
	return Normalize(missing)
}
