package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/scopes"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

const (
	githubAuthorizeURL = "https://github.com/login/oauth/authorize"
	githubTokenURL     = "https://github.com/login/oauth/access_token"
	githubAPIURL       = "https://api.github.com"

	// githubOAuthScopes are the GitHub OAuth scopes needed to read the
	// user's profile, verified emails, and team memberships.
	githubOAuthScopes = "read:org user:email"

	// teamsPerPage is the page size for the paginated teams listing.
	teamsPerPage = 100
)

// GitHub authenticates users against GitHub.com's OAuth 2.0 flow and
// synthesizes groups from their team memberships.
//
// This provider targets GitHub.com only, not GitHub Enterprise Server.
type GitHub struct {
	clientID     string
	clientSecret string
	client       *http.Client
	tokenURL     string
	apiURL       string
	limiter      *rate.Limiter
}

// NewGitHub creates a GitHub provider from its configuration.
func NewGitHub(cfg *config.GitHubConfig) *GitHub {
	return newGitHubWithURLs(cfg, githubTokenURL, githubAPIURL)
}

// newGitHubWithURLs lets tests point the provider at a local server.
func newGitHubWithURLs(cfg *config.GitHubConfig, tokenURL, apiURL string) *GitHub {
	return &GitHub{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		client:       &http.Client{Timeout: requestTimeout},
		tokenURL:     tokenURL,
		apiURL:       apiURL,
		// GitHub allows 5,000 API requests per hour.
		limiter: rate.NewLimiter(10, 20),
	}
}

// Name returns the provider name.
func (*GitHub) Name() string {
	return "github"
}

// AuthorizationURL builds the GitHub authorize redirect. GitHub sends the
// browser back to the OAuth App's registered callback, so no redirect_uri
// is carried.
func (g *GitHub) AuthorizationURL(state string) string {
	query := url.Values{
		"client_id": {g.clientID},
		"scope":     {githubOAuthScopes},
		"state":     {state},
	}
	return githubAuthorizeURL + "?" + query.Encode()
}

// Authenticate exchanges the callback code for an access token and
// assembles the user's identity from the GitHub API. GitHub usernames are
// case-insensitive and are normalized to lowercase.
func (g *GitHub) Authenticate(ctx context.Context, code, state string) (*token.UserInfo, error) {
	accessToken, err := g.exchangeCode(ctx, code, state)
	if err != nil {
		return nil, err
	}

	user, err := g.fetchUser(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	email, err := g.fetchPrimaryEmail(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	groups, err := g.fetchTeamGroups(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	return &token.UserInfo{
		Username: strings.ToLower(user.Login),
		Name:     user.Name,
		Email:    email,
		UID:      user.ID,
		Groups:   groups,
	}, nil
}

// exchangeCode trades the authorization code for an access token.
func (g *GitHub) exchangeCode(ctx context.Context, code, state string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait failed: %w", err)
	}

	form := url.Values{
		"client_id":     {g.clientID},
		"client_secret": {g.clientSecret},
		"code":          {code},
		"state":         {state},
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, g.tokenURL, strings.NewReader(form.Encode()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", errors.NewProviderError("GitHub token request failed", err)
	}
	defer closeBody(resp)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", errors.NewProviderError("failed to read GitHub token response", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("GitHub token endpoint returned status %d", resp.StatusCode)
		return "", errors.NewProviderError(msg, nil)
	}

	// GitHub reports OAuth errors in a 200 response body.
	var result struct {
		AccessToken      string `json:"access_token"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", errors.NewProviderError("failed to decode GitHub token response", err)
	}
	if result.Error != "" {
		msg := fmt.Sprintf("GitHub code exchange failed: %s: %s", result.Error, result.ErrorDescription)
		return "", errors.NewProviderError(msg, nil)
	}
	if result.AccessToken == "" {
		return "", errors.NewProviderError("GitHub token response missing access_token", nil)
	}
	return result.AccessToken, nil
}

type githubUser struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
	Name  string `json:"name"`
}

func (g *GitHub) fetchUser(ctx context.Context, accessToken string) (*githubUser, error) {
	body, err := g.apiGet(ctx, "/user", accessToken)
	if err != nil {
		return nil, err
	}
	var user githubUser
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, errors.NewProviderError("failed to decode GitHub user response", err)
	}
	if user.Login == "" || user.ID == 0 {
		return nil, errors.NewProviderError("GitHub user response missing login or id", nil)
	}
	return &user, nil
}

func (g *GitHub) fetchPrimaryEmail(ctx context.Context, accessToken string) (string, error) {
	body, err := g.apiGet(ctx, "/user/emails", accessToken)
	if err != nil {
		return "", err
	}
	var emails []struct {
		Email   string `json:"email"`
		Primary bool   `json:"primary"`
	}
	if err := json.Unmarshal(body, &emails); err != nil {
		return "", errors.NewProviderError("failed to decode GitHub emails response", err)
	}
	for _, e := range emails {
		if e.Primary {
			return e.Email, nil
		}
	}
	return "", errors.NewProviderError("GitHub account has no primary email address", nil)
}

type githubTeam struct {
	ID           int64  `json:"id"`
	Slug         string `json:"slug"`
	Organization struct {
		Login string `json:"login"`
	} `json:"organization"`
}

// fetchTeamGroups walks the paginated teams listing and synthesizes a
// group per team.
func (g *GitHub) fetchTeamGroups(ctx context.Context, accessToken string) ([]token.Group, error) {
	groups := make([]token.Group, 0)
	for page := 1; ; page++ {
		path := fmt.Sprintf("/user/teams?per_page=%d&page=%d", teamsPerPage, page)
		body, err := g.apiGet(ctx, path, accessToken)
		if err != nil {
			return nil, err
		}
		var teams []githubTeam
		if err := json.Unmarshal(body, &teams); err != nil {
			return nil, errors.NewProviderError("failed to decode GitHub teams response", err)
		}
		for _, team := range teams {
			groups = append(groups, token.Group{
				Name: scopes.GitHubTeamGroup(team.Organization.Login, team.Slug),
				ID:   team.ID,
			})
		}
		if len(teams) < teamsPerPage {
			return groups, nil
		}
	}
}

// apiGet performs an authenticated GitHub API GET. Transport failures and
// server errors are retried; client errors are not.
func (g *GitHub) apiGet(ctx context.Context, path, accessToken string) ([]byte, error) {
	op := func() ([]byte, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("rate limit wait failed: %w", err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiURL+path, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create GitHub request: %w", err))
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("Authorization", "token "+accessToken)

		resp, err := g.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("github request failed: %w", err)
		}
		defer closeBody(resp)

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return nil, fmt.Errorf("failed to read github response: %w", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			logger.Warnf("GitHub rate limit exceeded - Retry-After: %s", resp.Header.Get("Retry-After"))
			return nil, fmt.Errorf("github rate limit exceeded for %s", path)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("github returned status %d for %s", resp.StatusCode, path)
		}
		if resp.StatusCode != http.StatusOK {
			msg := fmt.Sprintf("GitHub returned status %d for %s", resp.StatusCode, path)
			return nil, backoff.Permanent(errors.NewProviderError(msg, nil))
		}
		return body, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 250 * time.Millisecond
	expBackoff.MaxInterval = 2 * time.Second

	body, err := backoff.Retry(ctx, op, backoff.WithBackOff(expBackoff), backoff.WithMaxTries(3))
	if err != nil {
		if errors.IsProvider(err) {
			return nil, err
		}
		return nil, errors.NewProviderError("GitHub API request failed", err)
	}
	return body, nil
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		logger.Debugf("Failed to close response body: %v", err)
	}
}
