package tokens

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/scopes"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

const (
	// mintLockTTL bounds the cross-worker mint lock so a crashed winner
	// releases it by expiry.
	mintLockTTL = 5 * time.Second

	// mintPollInterval and mintPollAttempts govern how long a lock loser
	// waits for the winner's result before minting itself.
	mintPollInterval = 250 * time.Millisecond
	mintPollAttempts = 20
)

// mintRequest carries one child-token mint through the cache, the
// cross-worker lock, and the store write.
type mintRequest struct {
	parent *token.Data
	kind   token.Kind
	// service is the delegation target, set only for internal tokens.
	service string
	scopes  []string
	// cacheKey is the mint-cache key: the fingerprint for internal
	// tokens, the parent token key for notebook tokens.
	cacheKey string
	ip       string
}

// MintInternal returns an internal token delegating a subset of the
// parent's scopes to a service. Repeated requests for the same parent,
// service, and scope set reuse one cached child until it nears expiry.
func (m *Manager) MintInternal(ctx context.Context, parent *token.Data, service string, scopeList []string, ip string) (token.Token, error) {
	if !token.ValidUsername(parent.Username) {
		return token.Token{}, errors.NewForbiddenError(
			fmt.Sprintf("invalid username %q", parent.Username), nil)
	}
	if service == "" {
		return token.Token{}, errors.NewValidationError(
			"delegation requires a target service", nil)
	}
	want := scopes.Normalize(scopeList)
	if !scopes.IsSubset(want, parent.Scopes) {
		return token.Token{}, errors.NewInsufficientScopeError(
			"delegated scopes exceed the presented token's scopes", nil)
	}
	for _, scope := range want {
		if _, ok := m.cfg.KnownScopes[scope]; !ok {
			return token.Token{}, errors.NewValidationError(
				fmt.Sprintf("unknown scope %q requested", scope), nil)
		}
	}

	req := &mintRequest{
		parent:   parent,
		kind:     token.KindInternal,
		service:  service,
		scopes:   want,
		cacheKey: token.Fingerprint(parent.Key, service, want),
		ip:       ip,
	}
	return m.mint(ctx, req)
}

// MintNotebook returns a notebook token carrying all of the parent's
// scopes. At most one live notebook token exists per parent.
func (m *Manager) MintNotebook(ctx context.Context, parent *token.Data, ip string) (token.Token, error) {
	if !token.ValidUsername(parent.Username) {
		return token.Token{}, errors.NewForbiddenError(
			fmt.Sprintf("invalid username %q", parent.Username), nil)
	}

	req := &mintRequest{
		parent:   parent,
		kind:     token.KindNotebook,
		scopes:   scopes.Normalize(parent.Scopes),
		cacheKey: parent.Key,
		ip:       ip,
	}
	return m.mint(ctx, req)
}

// mint resolves a request through the fast path, then the in-process
// flight group, then the cross-worker lock.
func (m *Manager) mint(ctx context.Context, req *mintRequest) (token.Token, error) {
	if tok, ok := m.cachedMint(ctx, req); ok {
		return tok, nil
	}

	result, err, _ := m.mintGroup.Do(req.cacheKey, func() (interface{}, error) {
		return m.mintLocked(ctx, req)
	})
	if err != nil {
		return token.Token{}, err
	}
	return result.(token.Token), nil
}

// mintLocked runs inside the flight group: one caller per cache key per
// process. It takes the cross-worker lock before minting; losers poll
// for the winner's cached result and take over the lock if it frees
// without one.
func (m *Manager) mintLocked(ctx context.Context, req *mintRequest) (token.Token, error) {
	// Another flight may have finished while this one queued.
	if tok, ok := m.cachedMint(ctx, req); ok {
		return tok, nil
	}

	won, err := m.mints.Lock(ctx, req.cacheKey, mintLockTTL)
	if err != nil {
		return token.Token{}, errors.NewStorageUnavailableError("failed to take mint lock", err)
	}
	for attempt := 0; !won && attempt < mintPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return token.Token{}, errors.NewInternalError("interrupted while waiting for mint", ctx.Err())
		case <-time.After(mintPollInterval):
		}
		if tok, ok := m.cachedMint(ctx, req); ok {
			return tok, nil
		}
		won, err = m.mints.Lock(ctx, req.cacheKey, mintLockTTL)
		if err != nil {
			return token.Token{}, errors.NewStorageUnavailableError("failed to take mint lock", err)
		}
	}
	if won {
		defer func() {
			if err := m.mints.Unlock(ctx, req.cacheKey); err != nil {
				logger.Warnw("failed to release mint lock",
					"name", req.cacheKey,
					"error", err.Error(),
				)
			}
		}()
		// The winner's result may have landed between the last poll and
		// taking over its expired lock.
		if tok, ok := m.cachedMint(ctx, req); ok {
			return tok, nil
		}
	} else {
		// The lock never freed and no result appeared. Mint anyway
		// rather than fail the request; the worst case is a redundant
		// child row.
		logger.Warnw("mint lock did not resolve, minting without it",
			"name", req.cacheKey,
			"username", req.parent.Username,
		)
	}

	return m.mintChild(ctx, req)
}

// cachedMint returns the cached child for a request if it still
// authenticates and keeps the minimum lifetime. Entries failing either
// test are evicted so the caller mints a replacement.
func (m *Manager) cachedMint(ctx context.Context, req *mintRequest) (token.Token, bool) {
	wire, err := m.mintCacheGet(ctx, req)
	if err != nil {
		if !stderrors.Is(err, storage.ErrNotFound) {
			logger.Warnw("mint cache lookup failed",
				"name", req.cacheKey,
				"error", err.Error(),
			)
		}
		return token.Token{}, false
	}

	tok, err := token.Parse(wire)
	if err != nil {
		m.mintCacheDelete(ctx, req)
		return token.Token{}, false
	}
	data, err := m.Get(ctx, tok)
	if err != nil || data == nil {
		m.mintCacheDelete(ctx, req)
		return token.Token{}, false
	}
	if remaining, ok := data.RemainingLifetime(m.currentTime()); ok && remaining < token.MinimumLifetime {
		m.mintCacheDelete(ctx, req)
		return token.Token{}, false
	}
	// A notebook token must track the parent's current scope set; the
	// internal fingerprint already encodes the requested scopes.
	if req.kind == token.KindNotebook && !slices.Equal(data.Scopes, req.scopes) {
		m.mintCacheDelete(ctx, req)
		return token.Token{}, false
	}
	return tok, true
}

// mintChild creates and stores the child token, caches its record, and
// publishes the wire form for other waiters.
func (m *Manager) mintChild(ctx context.Context, req *mintRequest) (token.Token, error) {
	now := m.currentTime()

	// A live matching child row here means an earlier mint's cache entry
	// was lost. Its secret cannot be recovered from the hash, so mint a
	// successor and let the old child age out.
	prior, err := m.store.FindChild(ctx, req.parent.Key, req.kind, req.service, req.scopes, now)
	if err == nil {
		logger.Infow("minting successor for child token with lost cache entry",
			"key", prior.Key,
			"parent", req.parent.Key,
			"username", req.parent.Username,
		)
	}

	lifetime := token.ChildLifetime
	if req.parent.Expires != nil {
		headroom := req.parent.Expires.Sub(now) - token.MinimumLifetime
		if headroom < lifetime {
			lifetime = headroom
		}
	}
	if lifetime <= 0 {
		return token.Token{}, errors.NewTokenExpiredError(
			fmt.Sprintf("token %s expires too soon to delegate", req.parent.Key), nil)
	}
	expires := now.Add(lifetime)

	tok := token.Generate()
	userInfo := req.parent.UserInfo
	userInfo.Groups = slices.Clone(userInfo.Groups)
	data := &token.Data{
		UserInfo:   userInfo,
		Key:        tok.Key,
		SecretHash: tok.Hash(),
		Kind:       req.kind,
		Scopes:     req.scopes,
		Created:    now,
		Expires:    &expires,
		Service:    req.service,
		Parent:     req.parent.Key,
	}
	entry := &token.HistoryEntry{
		TokenKey:  tok.Key,
		Username:  data.Username,
		Action:    token.ActionCreate,
		Actor:     req.parent.Username,
		IP:        req.ip,
		EventTime: now,
		New:       token.ChangeFrom(data),
	}

	if err := storage.RetryNoValue(ctx, func() error { return m.store.Create(ctx, data, entry) }); err != nil {
		return token.Token{}, errors.NewStorageUnavailableError("failed to store child token", err)
	}
	m.cacheData(ctx, data)
	m.publishMint(ctx, req, tok, now)

	logger.Infow("minted child token",
		"key", tok.Key,
		"parent", req.parent.Key,
		"username", data.Username,
		"token_type", string(req.kind),
		"service", req.service,
		"token_scope", strings.Join(req.scopes, ","),
	)
	return tok, nil
}

// publishMint caches the wire form of a fresh child for other waiters.
// The TTL leaves the minimum lifetime unserved so no consumer receives
// a nearly dead token; children too short to share are not published.
func (m *Manager) publishMint(ctx context.Context, req *mintRequest, tok token.Token, now time.Time) {
	ttl := token.ChildLifetime
	if req.parent.Expires != nil {
		if remaining := req.parent.Expires.Sub(now); remaining < ttl {
			ttl = remaining
		}
	}
	ttl -= token.MinimumLifetime
	if ttl <= 0 {
		return
	}

	var err error
	switch req.kind {
	case token.KindInternal:
		err = m.mints.StoreInternal(ctx, req.cacheKey, tok.String(), ttl)
	case token.KindNotebook:
		err = m.mints.StoreNotebook(ctx, req.cacheKey, tok.String(), ttl)
	}
	if err != nil {
		logger.Warnw("failed to cache minted token",
			"name", req.cacheKey,
			"error", err.Error(),
		)
	}
}

func (m *Manager) mintCacheGet(ctx context.Context, req *mintRequest) (string, error) {
	if req.kind == token.KindInternal {
		return m.mints.GetInternal(ctx, req.cacheKey)
	}
	return m.mints.GetNotebook(ctx, req.cacheKey)
}

func (m *Manager) mintCacheDelete(ctx context.Context, req *mintRequest) {
	var err error
	if req.kind == token.KindInternal {
		err = m.mints.DeleteInternal(ctx, req.cacheKey)
	} else {
		err = m.mints.DeleteNotebook(ctx, req.cacheKey)
	}
	if err != nil {
		logger.Warnw("failed to evict mint cache entry",
			"name", req.cacheKey,
			"error", err.Error(),
		)
	}
}
