// Package api implements the HTTP surface: the NGINX auth subrequest
// endpoint, the browser login flow, the token API, and the JWKS
// document for delegated JWT verification.
package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lsst-sqre/gafaelfawr/pkg/admins"
	v1 "github.com/lsst-sqre/gafaelfawr/pkg/api/v1"
	"github.com/lsst-sqre/gafaelfawr/pkg/auth"
	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/issuer"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/providers"
	"github.com/lsst-sqre/gafaelfawr/pkg/session"
	"github.com/lsst-sqre/gafaelfawr/pkg/tokens"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// Dependencies carries the constructed services the handlers share.
type Dependencies struct {
	Config   *config.Config
	Tokens   *tokens.Manager
	Admins   *admins.Manager
	Sessions *session.Manager
	Provider providers.Provider
	Issuer   *issuer.Issuer
}

// Handler builds the complete route tree.
func Handler(deps *Dependencies) http.Handler {
	authn := auth.NewAuthenticator(deps.Tokens, deps.Sessions, deps.Config.Realm, deps.Config.BootstrapToken)
	engine := &AuthRoutes{
		cfg:      deps.Config,
		tokens:   deps.Tokens,
		sessions: deps.Sessions,
		issuer:   deps.Issuer,
	}
	login := &LoginRoutes{
		cfg:      deps.Config,
		tokens:   deps.Tokens,
		admins:   deps.Admins,
		sessions: deps.Sessions,
		provider: deps.Provider,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(auth.ClientIPMiddleware(deps.Config.ProxyNetworks()))
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(middlewareTimeout))

	r.Get("/health", handleHealth)
	r.Get("/.well-known/jwks.json", jwksHandler(deps.Issuer))
	r.Get("/auth", engine.decide)
	r.Post("/auth/analyze", engine.analyze)
	r.Get("/login", login.login)
	r.Get("/oauth2/callback", login.login)
	r.Get("/logout", login.logout)
	r.Mount("/auth/api/v1", v1.Router(deps.Tokens, deps.Admins, deps.Sessions, authn))

	return r
}

// Serve runs the API server until the context is canceled, then drains
// in-flight requests. The caller is responsible for signal handling.
func Serve(ctx context.Context, address string, handler http.Handler) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("starting server", "address", address)
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Infow("server stopped")
	return nil
}

// requestLogger emits one structured line per request. The auth
// subrequest runs on every proxied request, so it logs at debug.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", auth.ClientIPFromContext(r.Context()),
			"request_id", middleware.GetReqID(r.Context()),
		}
		if r.URL.Path == "/auth" {
			logger.Debugw("handled request", fields...)
		} else {
			logger.Infow("handled request", fields...)
		}
	})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// jwksHandler serves the public signing keys so services can verify
// delegated JWTs. The document only changes on key rotation, so clients
// may cache it.
func jwksHandler(iss *issuer.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		if _, err := w.Write(iss.JWKS()); err != nil {
			logger.Warnw("failed to write JWKS response", "error", err.Error())
		}
	}
}
