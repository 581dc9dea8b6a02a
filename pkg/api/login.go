package api

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/lsst-sqre/gafaelfawr/pkg/admins"
	"github.com/lsst-sqre/gafaelfawr/pkg/auth"
	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/providers"
	"github.com/lsst-sqre/gafaelfawr/pkg/scopes"
	"github.com/lsst-sqre/gafaelfawr/pkg/session"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
	"github.com/lsst-sqre/gafaelfawr/pkg/tokens"
)

// LoginRoutes serves the browser login and logout flow.
type LoginRoutes struct {
	cfg      *config.Config
	tokens   *tokens.Manager
	admins   *admins.Manager
	sessions *session.Manager
	provider providers.Provider
}

// login handles both halves of the OAuth round trip. Requests carrying
// a code or provider error are the upstream's redirect back; everything
// else starts a fresh login.
func (s *LoginRoutes) login(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("code") != "" || query.Get("error") != "" {
		s.callback(w, r)
		return
	}
	s.initiate(w, r)
}

// initiate sends the browser to the upstream provider with a one-time
// state value, recording the state and return URL in the session
// cookie. An already authenticated session skips the round trip.
func (s *LoginRoutes) initiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rd := r.URL.Query().Get("rd")
	if rd == "" {
		rd = r.Header.Get("X-Auth-Request-Redirect")
	}
	if rd == "" {
		auth.WriteDetail(w, http.StatusBadRequest, auth.Detail{
			Msg:  "return URL is required, in the rd parameter or X-Auth-Request-Redirect header",
			Type: errors.ErrValidation,
			Loc:  []string{"query", "rd"},
		})
		return
	}
	if !sameHost(rd, r.Host) {
		auth.WriteDetail(w, http.StatusBadRequest, auth.Detail{
			Msg:  fmt.Sprintf("return URL %q does not match this host", rd),
			Type: errors.ErrValidation,
			Loc:  []string{"query", "rd"},
		})
		return
	}

	state := s.sessions.Read(r)
	if state.Token != "" {
		if tok, err := token.Parse(state.Token); err == nil {
			if data, getErr := s.tokens.Get(ctx, tok); getErr == nil && data != nil {
				http.Redirect(w, r, rd, http.StatusSeeOther)
				return
			}
		}
	}

	loginState := session.GenerateState()
	if err := s.sessions.Write(w, &session.State{State: loginState, ReturnURL: rd}); err != nil {
		auth.WriteError(w, errors.NewInternalError("failed to write session cookie", err))
		return
	}
	http.Redirect(w, r, s.provider.AuthorizationURL(loginState), http.StatusSeeOther)
}

// callback finishes the login: state check, code exchange, scope
// derivation, session creation, and the redirect to where the user was
// originally headed.
func (s *LoginRoutes) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()
	state := s.sessions.Read(r)

	// The state must match the value this flow stored before the
	// redirect, or the code belongs to someone else's login.
	returned := query.Get("state")
	if state.State == "" ||
		subtle.ConstantTimeCompare([]byte(state.State), []byte(returned)) != 1 {
		auth.WriteError(w, errors.NewForbiddenError("login state mismatch", nil))
		return
	}
	if state.ReturnURL == "" {
		auth.WriteDetail(w, http.StatusBadRequest, auth.Detail{
			Msg:  "session does not record where to return to",
			Type: errors.ErrValidation,
		})
		return
	}

	if providerErr := query.Get("error"); providerErr != "" {
		s.clearLoginState(w, state)
		msg := providerErr
		if desc := query.Get("error_description"); desc != "" {
			msg = fmt.Sprintf("%s: %s", providerErr, desc)
		}
		auth.WriteErrorStatus(w, http.StatusForbidden, errors.NewProviderError(
			fmt.Sprintf("%s rejected the login: %s", s.provider.Name(), msg), nil))
		return
	}

	user, err := s.provider.Authenticate(ctx, query.Get("code"), state.State)
	if err != nil {
		id := uuid.NewString()
		logger.Errorw("upstream login failed",
			"provider", s.provider.Name(),
			"correlation_id", id,
			"error", err.Error(),
		)
		s.clearLoginState(w, state)
		auth.WriteErrorStatus(w, http.StatusForbidden, errors.NewProviderError(
			fmt.Sprintf("login failed; correlation ID %s", id), nil))
		return
	}

	if !token.ValidUsername(user.Username) {
		s.clearLoginState(w, state)
		auth.WriteError(w, errors.NewForbiddenError(
			fmt.Sprintf("username %q from %s is not usable", user.Username, s.provider.Name()), nil))
		return
	}

	isAdmin, err := s.admins.IsAdmin(ctx, user.Username)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	scopeList := scopes.ForSession(s.cfg.GroupMapping, user.GroupNames(), isAdmin)

	tok, err := s.tokens.CreateSession(ctx, user, scopeList, auth.ClientIPFromContext(ctx))
	if err != nil {
		auth.WriteError(w, err)
		return
	}

	if err := s.sessions.Write(w, &session.State{Token: tok.String()}); err != nil {
		auth.WriteError(w, errors.NewInternalError("failed to write session cookie", err))
		return
	}
	http.Redirect(w, r, state.ReturnURL, http.StatusSeeOther)
}

// logout revokes the session token if one exists, clears the cookie,
// and sends the browser on its way.
func (s *LoginRoutes) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state := s.sessions.Read(r)
	if state.Token != "" {
		if tok, err := token.Parse(state.Token); err == nil {
			if data, getErr := s.tokens.Get(ctx, tok); getErr == nil && data != nil {
				ip := auth.ClientIPFromContext(ctx)
				if _, err := s.tokens.Revoke(ctx, data, data.Key, data.Username, ip); err != nil {
					logger.Warnw("failed to revoke session token on logout",
						"key", data.Key, "error", err.Error())
				}
			}
		}
	}
	s.sessions.Clear(w)

	rd := r.URL.Query().Get("rd")
	switch {
	case rd == "":
		rd = s.cfg.AfterLogoutURL
		if rd == "" {
			rd = "/"
		}
	case !sameHost(rd, r.Host):
		auth.WriteDetail(w, http.StatusBadRequest, auth.Detail{
			Msg:  fmt.Sprintf("return URL %q does not match this host", rd),
			Type: errors.ErrValidation,
			Loc:  []string{"query", "rd"},
		})
		return
	}
	http.Redirect(w, r, rd, http.StatusSeeOther)
}

// clearLoginState drops the one-time state value so the browser can
// retry the login from scratch.
func (s *LoginRoutes) clearLoginState(w http.ResponseWriter, state *session.State) {
	state.State = ""
	if err := s.sessions.Write(w, state); err != nil {
		logger.Warnw("failed to clear login state", "error", err.Error())
	}
}

// sameHost reports whether the return URL points back at this
// deployment, which keeps the login flow from becoming an open
// redirect.
func sameHost(raw, requestHost string) bool {
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return false
	}
	want := requestHost
	if host, _, splitErr := net.SplitHostPort(requestHost); splitErr == nil {
		want = host
	}
	return strings.EqualFold(parsed.Hostname(), want)
}
