// Package tokens implements the token lifecycle: creation, two-layer
// authentication lookups, modification with child-expiry cascades,
// cascading revocation, child-token minting, and the drift audit.
//
// The SQL store is the source of truth for enumeration, ownership, and
// history. The cache is the authoritative fast path for authentication
// and is invalidated before any mutation is acknowledged.
package tokens

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/scopes"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// Manager coordinates the SQL store, the token cache, and the mint cache.
type Manager struct {
	cfg   *config.Config
	store storage.TokenStore
	cache storage.TokenCache
	mints storage.MintCache

	// mintGroup collapses concurrent in-process mints for the same
	// fingerprint into one store write.
	mintGroup singleflight.Group

	now func() time.Time
}

// NewManager creates a Manager over the given stores.
func NewManager(cfg *config.Config, store storage.TokenStore, cache storage.TokenCache, mints storage.MintCache) *Manager {
	return &Manager{
		cfg:   cfg,
		store: store,
		cache: cache,
		mints: mints,
		now:   time.Now,
	}
}

// currentTime returns the manager clock truncated to seconds, matching
// the resolution of the SQL store so cached and stored records agree.
func (m *Manager) currentTime() time.Time {
	return m.now().UTC().Truncate(time.Second)
}

// CreateSession creates a session token for a user who completed an
// upstream login. The scopes are the derived scope set for the user and
// the expiration is fixed at the session lifetime.
func (m *Manager) CreateSession(ctx context.Context, user *token.UserInfo, scopeList []string, ip string) (token.Token, error) {
	if !token.ValidUsername(user.Username) {
		return token.Token{}, errors.NewForbiddenError(
			fmt.Sprintf("invalid username %q", user.Username), nil)
	}

	tok := token.Generate()
	created := m.currentTime()
	expires := created.Add(token.SessionLifetime)
	data := &token.Data{
		UserInfo:   *user,
		Key:        tok.Key,
		SecretHash: tok.Hash(),
		Kind:       token.KindSession,
		Scopes:     scopes.Normalize(scopeList),
		Created:    created,
		Expires:    &expires,
	}
	entry := &token.HistoryEntry{
		TokenKey:  tok.Key,
		Username:  user.Username,
		Action:    token.ActionCreate,
		Actor:     user.Username,
		IP:        ip,
		EventTime: created,
		New:       token.ChangeFrom(data),
	}

	if err := storage.RetryNoValue(ctx, func() error { return m.store.Create(ctx, data, entry) }); err != nil {
		return token.Token{}, errors.NewStorageUnavailableError("failed to store session token", err)
	}
	m.cacheData(ctx, data)

	logger.Infow("created session token",
		"key", tok.Key,
		"username", user.Username,
		"token_scope", strings.Join(data.Scopes, ","),
	)
	return tok, nil
}

// CreateUser creates a named user token. Only the user themselves may
// call this, because the new token copies the caller's identity
// information; admins create tokens for other users with CreateAdmin.
func (m *Manager) CreateUser(ctx context.Context, auth *token.Data, username, tokenName string, scopeList []string, expires *time.Time, ip string) (token.Token, error) {
	if err := m.checkAccess(auth, username, true); err != nil {
		return token.Token{}, err
	}
	if !token.ValidUsername(username) {
		return token.Token{}, errors.NewForbiddenError(
			fmt.Sprintf("invalid username %q", username), nil)
	}
	if !token.ValidTokenName(tokenName) {
		return token.Token{}, errors.NewValidationError(
			fmt.Sprintf("invalid token name %q", tokenName), nil)
	}
	if err := m.validateExpires(expires); err != nil {
		return token.Token{}, err
	}
	if err := m.validateScopes(scopeList, auth); err != nil {
		return token.Token{}, err
	}

	tok := token.Generate()
	created := m.currentTime()
	data := &token.Data{
		UserInfo: token.UserInfo{
			Username: username,
			Name:     auth.Name,
			Email:    auth.Email,
			UID:      auth.UID,
			Groups:   slices.Clone(auth.Groups),
		},
		Key:        tok.Key,
		SecretHash: tok.Hash(),
		Kind:       token.KindUser,
		Scopes:     scopes.Normalize(scopeList),
		Created:    created,
		Expires:    copyTime(expires),
		TokenName:  tokenName,
	}
	entry := &token.HistoryEntry{
		TokenKey:  tok.Key,
		Username:  username,
		Action:    token.ActionCreate,
		Actor:     auth.Username,
		IP:        ip,
		EventTime: created,
		New:       token.ChangeFrom(data),
	}

	err := storage.RetryNoValue(ctx, func() error { return m.store.Create(ctx, data, entry) })
	if err != nil {
		if stderrors.Is(err, storage.ErrAlreadyExists) {
			return token.Token{}, errors.NewDuplicateTokenNameError(
				fmt.Sprintf("token name %q is already used", tokenName), nil)
		}
		return token.Token{}, errors.NewStorageUnavailableError("failed to store user token", err)
	}
	m.cacheData(ctx, data)

	logger.Infow("created user token",
		"key", tok.Key,
		"username", username,
		"token_name", tokenName,
		"token_scope", strings.Join(data.Scopes, ","),
	)
	return tok, nil
}

// AdminCreateRequest is an admin's request to create a token on behalf
// of any user, carrying the identity information explicitly since it
// cannot be copied from the admin's own token.
type AdminCreateRequest struct {
	Username  string
	Kind      token.Kind
	TokenName string
	Scopes    []string
	Expires   *time.Time
	Name      string
	Email     string
	UID       int64
	Groups    []token.Group
}

// CreateAdmin creates a user or service token from an admin request.
func (m *Manager) CreateAdmin(ctx context.Context, auth *token.Data, req *AdminCreateRequest, ip string) (token.Token, error) {
	if !scopes.Has(auth.Scopes, scopes.AdminToken) {
		return token.Token{}, m.denied(auth, "missing required admin:token scope")
	}
	if !token.ValidUsername(req.Username) {
		return token.Token{}, errors.NewForbiddenError(
			fmt.Sprintf("invalid username %q", req.Username), nil)
	}

	switch req.Kind {
	case token.KindUser:
		if !token.ValidTokenName(req.TokenName) {
			return token.Token{}, errors.NewValidationError(
				fmt.Sprintf("invalid token name %q", req.TokenName), nil)
		}
	case token.KindService:
		if req.TokenName != "" {
			return token.Token{}, errors.NewValidationError(
				"service tokens do not take a token name", nil)
		}
	default:
		return token.Token{}, errors.NewValidationError(
			fmt.Sprintf("cannot create tokens of type %q", req.Kind), nil)
	}
	if err := m.validateExpires(req.Expires); err != nil {
		return token.Token{}, err
	}
	// Admins are not bound by their own scope set, only by known scopes.
	if err := m.validateScopes(req.Scopes, nil); err != nil {
		return token.Token{}, err
	}

	tok := token.Generate()
	created := m.currentTime()
	data := &token.Data{
		UserInfo: token.UserInfo{
			Username: req.Username,
			Name:     req.Name,
			Email:    req.Email,
			UID:      req.UID,
			Groups:   slices.Clone(req.Groups),
		},
		Key:        tok.Key,
		SecretHash: tok.Hash(),
		Kind:       req.Kind,
		Scopes:     scopes.Normalize(req.Scopes),
		Created:    created,
		Expires:    copyTime(req.Expires),
		TokenName:  req.TokenName,
	}
	entry := &token.HistoryEntry{
		TokenKey:  tok.Key,
		Username:  req.Username,
		Action:    token.ActionCreate,
		Actor:     auth.Username,
		IP:        ip,
		EventTime: created,
		New:       token.ChangeFrom(data),
	}

	err := storage.RetryNoValue(ctx, func() error { return m.store.Create(ctx, data, entry) })
	if err != nil {
		if stderrors.Is(err, storage.ErrAlreadyExists) {
			return token.Token{}, errors.NewDuplicateTokenNameError(
				fmt.Sprintf("token name %q is already used", req.TokenName), nil)
		}
		return token.Token{}, errors.NewStorageUnavailableError("failed to store token", err)
	}
	m.cacheData(ctx, data)

	logger.Infow("created token for user",
		"key", tok.Key,
		"username", req.Username,
		"token_type", string(req.Kind),
		"token_scope", strings.Join(data.Scopes, ","),
		"actor", auth.Username,
	)
	return tok, nil
}

// Get authenticates a token and returns its record. The cache is
// consulted first; on a miss the SQL row is used and the cache is
// re-populated for the token's remaining lifetime. Returns nil without
// an error when the token is unknown, expired, or its secret does not
// match.
func (m *Manager) Get(ctx context.Context, tok token.Token) (*token.Data, error) {
	now := m.currentTime()

	data, err := m.cache.Get(ctx, tok.Key)
	switch {
	case err == nil:
		if !token.VerifyHash(tok, data.SecretHash) {
			return nil, nil
		}
		if data.Expired(now) {
			// The TTL will reap the entry shortly; evicting now keeps
			// the cache from answering for a dead token in the interim.
			_ = m.cache.Delete(ctx, tok.Key)
			return nil, nil
		}
		return data, nil
	case stderrors.Is(err, storage.ErrNotFound):
		// Fall through to the SQL row.
	default:
		return nil, errors.NewStorageUnavailableError("token cache lookup failed", err)
	}

	data, err = storage.Retry(ctx, func() (*token.Data, error) { return m.store.Get(ctx, tok.Key) })
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, errors.NewStorageUnavailableError("token lookup failed", err)
	}
	if !token.VerifyHash(tok, data.SecretHash) {
		return nil, nil
	}
	if data.Expired(now) {
		return nil, nil
	}

	m.cacheData(ctx, data)
	return data, nil
}

// GetUserInfo returns the identity information for a token, or nil when
// the token is not valid.
func (m *Manager) GetUserInfo(ctx context.Context, tok token.Token) (*token.UserInfo, error) {
	data, err := m.Get(ctx, tok)
	if err != nil || data == nil {
		return nil, err
	}
	return &data.UserInfo, nil
}

// GetInfo returns the public projection of a token. When username is
// non-empty the result is constrained to that user's tokens, and a token
// owned by someone else is reported as not found rather than forbidden.
func (m *Manager) GetInfo(ctx context.Context, auth *token.Data, key, username string) (*token.Info, error) {
	info, err := m.getInfoUnchecked(ctx, key, username)
	if err != nil {
		return nil, err
	}
	if err := m.checkAccess(auth, info.Username, false); err != nil {
		return nil, err
	}
	return info, nil
}

// List returns token info for one user, or for all users when username
// is empty. Listing all users requires token admin rights.
func (m *Manager) List(ctx context.Context, auth *token.Data, username string) ([]*token.Info, error) {
	if err := m.checkAccess(auth, username, false); err != nil {
		return nil, err
	}
	infos, err := storage.Retry(ctx, func() ([]*token.Info, error) { return m.store.List(ctx, username) })
	if err != nil {
		return nil, errors.NewStorageUnavailableError("failed to list tokens", err)
	}
	return infos, nil
}

// History returns the change history for a token, oldest first. The
// history outlives the token itself, so revoked tokens remain
// inspectable. Ownership is checked against the history rows, and a
// username mismatch reports not found rather than forbidden.
func (m *Manager) History(ctx context.Context, auth *token.Data, key, username string) ([]*token.HistoryEntry, error) {
	entries, err := storage.Retry(ctx, func() ([]*token.HistoryEntry, error) { return m.store.History(ctx, key) })
	if err != nil {
		return nil, errors.NewStorageUnavailableError("failed to read token history", err)
	}
	if len(entries) == 0 {
		return nil, errors.NewNotFoundError(fmt.Sprintf("token %s not found", key), nil)
	}
	owner := entries[0].Username
	if username != "" && owner != username {
		return nil, errors.NewNotFoundError(fmt.Sprintf("token %s not found", key), nil)
	}
	if err := m.checkAccess(auth, owner, false); err != nil {
		return nil, err
	}
	return entries, nil
}

// ModifyRequest selects the mutable fields to change on a user token.
// Nil or zero fields are left unchanged; NoExpire clears the expiration,
// which cannot be expressed with the Expires field alone.
type ModifyRequest struct {
	TokenName string
	Scopes    []string
	Expires   *time.Time
	NoExpire  bool
}

// Modify updates the mutable fields of a user token. Shrinking the
// expiration cascades a matching cap to all live descendants so that no
// child outlives its parent.
func (m *Manager) Modify(ctx context.Context, auth *token.Data, key, username string, req *ModifyRequest, ip string) (*token.Info, error) {
	info, err := m.getInfoUnchecked(ctx, key, username)
	if err != nil {
		return nil, err
	}
	if err := m.checkAccess(auth, info.Username, false); err != nil {
		return nil, err
	}
	if info.Kind != token.KindUser {
		return nil, errors.NewValidationError(
			fmt.Sprintf("%s tokens cannot be modified", info.Kind), nil)
	}
	if req.TokenName != "" && !token.ValidTokenName(req.TokenName) {
		return nil, errors.NewValidationError(
			fmt.Sprintf("invalid token name %q", req.TokenName), nil)
	}
	if req.Scopes != nil {
		if err := m.validateScopes(req.Scopes, auth); err != nil {
			return nil, err
		}
	}
	if err := m.validateExpires(req.Expires); err != nil {
		return nil, err
	}

	data, err := storage.Retry(ctx, func() (*token.Data, error) { return m.store.Get(ctx, key) })
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewNotFoundError(fmt.Sprintf("token %s not found", key), nil)
		}
		return nil, errors.NewStorageUnavailableError("token lookup failed", err)
	}

	old := token.ChangeFrom(data)
	if req.TokenName != "" {
		data.TokenName = req.TokenName
	}
	if req.Scopes != nil {
		data.Scopes = scopes.Normalize(req.Scopes)
	}
	switch {
	case req.NoExpire:
		data.Expires = nil
	case req.Expires != nil:
		data.Expires = copyTime(req.Expires)
	}

	now := m.currentTime()
	entry := &token.HistoryEntry{
		TokenKey:  key,
		Username:  data.Username,
		Action:    token.ActionEdit,
		Actor:     auth.Username,
		IP:        ip,
		EventTime: now,
		Old:       old,
		New:       token.ChangeFrom(data),
	}

	err = storage.RetryNoValue(ctx, func() error { return m.store.Update(ctx, data, entry) })
	if err != nil {
		if stderrors.Is(err, storage.ErrAlreadyExists) {
			return nil, errors.NewDuplicateTokenNameError(
				fmt.Sprintf("token name %q is already used", req.TokenName), nil)
		}
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewNotFoundError(fmt.Sprintf("token %s not found", key), nil)
		}
		return nil, errors.NewStorageUnavailableError("failed to update token", err)
	}

	// The cache must not answer with the old record once the update is
	// acknowledged.
	if err := m.evictData(ctx, key); err != nil {
		return nil, err
	}

	// A shortened expiration caps every live descendant so no child
	// outlives its parent.
	if data.Expires != nil && req.Expires != nil && (old.Expires == nil || !req.Expires.After(*old.Expires)) {
		if err := m.cascadeExpiry(ctx, auth, key, *data.Expires, ip); err != nil {
			return nil, err
		}
	}

	logger.Infow("modified token",
		"key", key,
		"username", data.Username,
		"token_name", data.TokenName,
		"token_scope", strings.Join(data.Scopes, ","),
		"actor", auth.Username,
	)
	return data.Info(), nil
}

// Revoke deletes a token and all of its descendants. Descendants are
// removed deepest first, and every node's cache entries are evicted
// before its row is deleted, so no live cache entry outlives its row.
// Reports whether the named token existed.
func (m *Manager) Revoke(ctx context.Context, auth *token.Data, key, username, ip string) (bool, error) {
	info, err := m.getInfoUnchecked(ctx, key, username)
	if err != nil {
		if errors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if err := m.checkAccess(auth, info.Username, false); err != nil {
		return false, err
	}

	descendants, err := m.collectDescendants(ctx, key)
	if err != nil {
		return false, err
	}
	for i := len(descendants) - 1; i >= 0; i-- {
		if _, err := m.revokeOne(ctx, auth, descendants[i], ip); err != nil {
			return false, err
		}
	}
	return m.revokeOne(ctx, auth, key, ip)
}

// revokeOne removes a single token: cache and mint eviction first, then
// the history row and delete in one transaction. Missing rows are
// reported as false, which keeps cascades resilient to races.
func (m *Manager) revokeOne(ctx context.Context, auth *token.Data, key, ip string) (bool, error) {
	data, err := storage.Retry(ctx, func() (*token.Data, error) { return m.store.Get(ctx, key) })
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, errors.NewStorageUnavailableError("token lookup failed", err)
	}

	if err := m.evictData(ctx, key); err != nil {
		return false, err
	}
	if err := m.evictMint(ctx, data); err != nil {
		return false, err
	}

	entry := &token.HistoryEntry{
		TokenKey:  key,
		Username:  data.Username,
		Action:    token.ActionRevoke,
		Actor:     auth.Username,
		IP:        ip,
		EventTime: m.currentTime(),
		Old:       token.ChangeFrom(data),
	}
	existed, err := storage.Retry(ctx, func() (bool, error) { return m.store.Delete(ctx, key, entry) })
	if err != nil {
		return false, errors.NewStorageUnavailableError("failed to delete token", err)
	}
	if existed {
		logger.Infow("revoked token",
			"key", key,
			"username", data.Username,
			"actor", auth.Username,
		)
	}
	return existed, nil
}

// cascadeExpiry caps the expiration of every live descendant of key at
// the parent's new expiration minus the safety margin, writing an edit
// history row for each shortened token.
func (m *Manager) cascadeExpiry(ctx context.Context, auth *token.Data, key string, expires time.Time, ip string) error {
	limit := expires.Add(-token.MinimumLifetime)
	descendants, err := m.collectDescendants(ctx, key)
	if err != nil {
		return err
	}
	for _, childKey := range descendants {
		data, err := storage.Retry(ctx, func() (*token.Data, error) { return m.store.Get(ctx, childKey) })
		if err != nil {
			if stderrors.Is(err, storage.ErrNotFound) {
				continue
			}
			return errors.NewStorageUnavailableError("token lookup failed", err)
		}
		if data.Expires != nil && !data.Expires.After(limit) {
			continue
		}

		old := token.ChangeFrom(data)
		capped := limit
		data.Expires = &capped
		entry := &token.HistoryEntry{
			TokenKey:  childKey,
			Username:  data.Username,
			Action:    token.ActionEdit,
			Actor:     auth.Username,
			IP:        ip,
			EventTime: m.currentTime(),
			Old:       old,
			New:       token.ChangeFrom(data),
		}
		err = storage.RetryNoValue(ctx, func() error { return m.store.Update(ctx, data, entry) })
		if err != nil {
			if stderrors.Is(err, storage.ErrNotFound) {
				continue
			}
			return errors.NewStorageUnavailableError("failed to cap child token expiry", err)
		}
		if err := m.evictData(ctx, childKey); err != nil {
			return err
		}
	}
	return nil
}

// collectDescendants returns the keys of all descendants of key in
// breadth-first order, nearest generation first.
func (m *Manager) collectDescendants(ctx context.Context, key string) ([]string, error) {
	var all []string
	queue := []string{key}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		children, err := storage.Retry(ctx, func() ([]string, error) { return m.store.Children(ctx, parent) })
		if err != nil {
			return nil, errors.NewStorageUnavailableError("failed to collect child tokens", err)
		}
		all = append(all, children...)
		queue = append(queue, children...)
	}
	return all, nil
}

// getInfoUnchecked fetches token info without an authorization check,
// constraining the result to username when given. A mismatch reports
// not found so callers cannot probe for other users' token keys.
func (m *Manager) getInfoUnchecked(ctx context.Context, key, username string) (*token.Info, error) {
	info, err := storage.Retry(ctx, func() (*token.Info, error) { return m.store.GetInfo(ctx, key) })
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewNotFoundError(fmt.Sprintf("token %s not found", key), nil)
		}
		return nil, errors.NewStorageUnavailableError("token lookup failed", err)
	}
	if username != "" && info.Username != username {
		return nil, errors.NewNotFoundError(fmt.Sprintf("token %s not found", key), nil)
	}
	return info, nil
}

// cacheData writes a token record to the cache for its remaining
// lifetime. Cache write failures are logged and ignored: the next
// lookup falls through to SQL and re-populates.
func (m *Manager) cacheData(ctx context.Context, data *token.Data) {
	var ttl time.Duration
	if remaining, ok := data.RemainingLifetime(m.currentTime()); ok {
		if remaining <= 0 {
			return
		}
		ttl = remaining
	}
	if err := m.cache.Store(ctx, data, ttl); err != nil {
		logger.Warnw("failed to cache token record",
			"key", data.Key,
			"error", err.Error(),
		)
	}
}

// evictData removes a token record from the cache. Unlike cache writes,
// eviction failures are fatal to the calling mutation: a stale cache
// entry would keep authenticating a token whose row has changed.
func (m *Manager) evictData(ctx context.Context, key string) error {
	err := storage.RetryNoValue(ctx, func() error { return m.cache.Delete(ctx, key) })
	if err != nil {
		return errors.NewStorageUnavailableError("failed to evict cached token record", err)
	}
	return nil
}

// evictMint removes the mint-cache entry that maps to this token, if it
// is a child token.
func (m *Manager) evictMint(ctx context.Context, data *token.Data) error {
	var err error
	switch data.Kind {
	case token.KindInternal:
		fp := token.Fingerprint(data.Parent, data.Service, data.Scopes)
		err = storage.RetryNoValue(ctx, func() error { return m.mints.DeleteInternal(ctx, fp) })
	case token.KindNotebook:
		err = storage.RetryNoValue(ctx, func() error { return m.mints.DeleteNotebook(ctx, data.Parent) })
	default:
		return nil
	}
	if err != nil {
		return errors.NewStorageUnavailableError("failed to evict mint cache entry", err)
	}
	return nil
}

// checkAccess verifies that the caller may act on the given user's
// tokens. An empty username means acting across all users, which
// requires token admin rights. With sameUserOnly even admins are
// rejected when acting on another user.
func (m *Manager) checkAccess(auth *token.Data, username string, sameUserOnly bool) error {
	isAdmin := scopes.Has(auth.Scopes, scopes.AdminToken)
	if username == "" && !isAdmin {
		return m.denied(auth, "missing required admin:token scope")
	}
	if username != "" && username != auth.Username {
		if sameUserOnly || !isAdmin {
			return m.denied(auth, fmt.Sprintf("cannot act on tokens for user %s", username))
		}
	}
	if !isAdmin && !scopes.Has(auth.Scopes, scopes.UserToken) {
		return m.denied(auth, "missing required user:token scope")
	}
	return nil
}

func (m *Manager) denied(auth *token.Data, msg string) error {
	logger.Warnw("permission denied",
		"error", msg,
		"username", auth.Username,
	)
	return errors.NewForbiddenError(msg, nil)
}

// validateScopes checks that the requested scopes are known to the
// deployment and, when auth is given and lacks admin rights, that they
// do not exceed the caller's own scopes.
func (m *Manager) validateScopes(scopeList []string, auth *token.Data) error {
	if len(scopeList) == 0 {
		return nil
	}
	if auth != nil && !scopes.Has(auth.Scopes, scopes.AdminToken) {
		if !scopes.IsSubset(scopeList, auth.Scopes) {
			return errors.NewInsufficientScopeError(
				"requested scopes are broader than your current scopes", nil)
		}
	}
	for _, scope := range scopeList {
		if _, ok := m.cfg.KnownScopes[scope]; !ok {
			return errors.NewValidationError(
				fmt.Sprintf("unknown scope %q requested", scope), nil)
		}
	}
	return nil
}

// validateExpires rejects expirations closer than the minimum token
// lifetime. A nil expiration is always acceptable.
func (m *Manager) validateExpires(expires *time.Time) error {
	if expires == nil {
		return nil
	}
	if expires.Before(m.currentTime().Add(token.MinimumLifetime)) {
		return errors.NewValidationError(
			"token must be valid for at least five minutes", nil)
	}
	return nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := t.UTC().Truncate(time.Second)
	return &c
}
