package api

import (
	"context"

	"github.com/lsst-sqre/gafaelfawr/pkg/admins"
	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/crypto"
	"github.com/lsst-sqre/gafaelfawr/pkg/issuer"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/providers"
	"github.com/lsst-sqre/gafaelfawr/pkg/session"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/rediscache"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/sqlite"
	"github.com/lsst-sqre/gafaelfawr/pkg/tokens"
)

// keyPrefix namespaces every Redis key written by this deployment.
const keyPrefix = "gafaelfawr:"

// BuildStores assembles the storage half of the dependency graph: the
// SQL store with migrations applied, the Redis caches, the cookie
// manager, and the token and admin managers on top of them. Offline
// commands use this directly so they never touch the upstream identity
// provider. The returned cleanup function closes the storage handles.
func BuildStores(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	db, err := sqlite.Open(ctx, cfg.DatabaseDSN())
	if err != nil {
		return nil, nil, err
	}

	client, err := rediscache.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Warnw("failed to close redis client", "error", err.Error())
		}
		if err := db.Close(); err != nil {
			logger.Warnw("failed to close database", "error", err.Error())
		}
	}

	cacheEnc, err := crypto.NewEncryptor(cfg.SessionSecret, crypto.ContextCache)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	cookieEnc, err := crypto.NewEncryptor(cfg.SessionSecret, crypto.ContextCookie)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	adminMgr := admins.NewManager(sqlite.NewAdminStore(db))
	if err := adminMgr.Seed(ctx, cfg.InitialAdmins); err != nil {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Config: cfg,
		Tokens: tokens.NewManager(cfg,
			sqlite.NewTokenStore(db),
			rediscache.NewTokenCacheWithClient(client, keyPrefix, cacheEnc),
			rediscache.NewMintCacheWithClient(client, keyPrefix, cacheEnc),
		),
		Admins:   adminMgr,
		Sessions: session.NewManager(cookieEnc),
	}
	return deps, cleanup, nil
}

// Build completes the dependency graph for serving: the stores plus the
// upstream identity provider and the JWT issuer.
func Build(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps, cleanup, err := BuildStores(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	provider, err := providers.New(ctx, cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	iss, err := issuer.New(&cfg.Issuer)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	deps.Provider = provider
	deps.Issuer = iss
	return deps, cleanup, nil
}
