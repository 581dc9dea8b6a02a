// Package config contains the definition of the application settings
// structure and the logic required to load and validate it.
//
// Settings come from a YAML file located by the --settings flag or the
// GAFAELFAWR_SETTINGS_PATH environment variable, with individual keys
// overridable through GAFAELFAWR_-prefixed environment variables. Secret
// material is referenced by file path and read at load time so the
// settings file itself can be committed to configuration management.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/scopes"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// EnvSettingsPath is the environment variable consulted for the settings
// file location when no --settings flag is given.
const EnvSettingsPath = "GAFAELFAWR_SETTINGS_PATH"

// envPrefix is the prefix for environment variable overrides of
// individual settings keys.
const envPrefix = "GAFAELFAWR"

const (
	defaultAfterLogoutURL = "/"
	defaultExpMinutes     = 30
)

// defaultProxies are the RFC 1918 ranges. X-Forwarded-For entries inside
// these networks are treated as infrastructure, not clients.
var defaultProxies = []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}

// Config is the full application configuration.
type Config struct {
	// Realm is the authentication realm included in WWW-Authenticate
	// challenges.
	Realm string `mapstructure:"realm"`

	// SessionSecretFile points at the file holding the symmetric secret
	// protecting cookies and cached token records.
	SessionSecretFile string `mapstructure:"session_secret_file"`

	// DatabaseURL locates the SQL store, either a sqlite:// URL or a bare
	// file path.
	DatabaseURL string `mapstructure:"database_url"`

	// RedisURL locates the token cache.
	RedisURL string `mapstructure:"redis_url"`

	// AfterLogoutURL is where /logout sends the browser when no explicit
	// destination is requested.
	AfterLogoutURL string `mapstructure:"after_logout_url"`

	// Proxies lists CIDR ranges of trusted infrastructure for client IP
	// resolution.
	Proxies []string `mapstructure:"proxies"`

	// InitialAdmins seeds the admin table on startup.
	InitialAdmins []string `mapstructure:"initial_admins"`

	// BootstrapToken, when set, is a token value accepted for token and
	// admin API calls before any real admin token exists.
	BootstrapToken string `mapstructure:"bootstrap_token"`

	// KnownScopes maps every recognized scope name to a human-readable
	// description.
	KnownScopes map[string]string `mapstructure:"known_scopes"`

	// GroupMapping maps a scope name to the groups that confer it.
	GroupMapping map[string][]string `mapstructure:"group_mapping"`

	// Issuer configures internal JWT issuance.
	Issuer IssuerConfig `mapstructure:"issuer"`

	// GitHub and OIDC configure the upstream identity provider. Exactly
	// one must be present.
	GitHub *GitHubConfig `mapstructure:"github"`
	OIDC   *OIDCConfig   `mapstructure:"oidc"`

	// SessionSecret is the loaded content of SessionSecretFile.
	SessionSecret []byte `mapstructure:"-"`

	proxyNets []*net.IPNet
}

// IssuerConfig configures RS256 JWT issuance for delegated tokens.
type IssuerConfig struct {
	// Iss is the iss claim and the base of the JWKS URL.
	Iss string `mapstructure:"iss"`

	// Aud is the audience for tokens handed to browsers or external
	// callers.
	Aud string `mapstructure:"aud"`

	// AudInternal is the audience for tokens delegated to services inside
	// the cluster.
	AudInternal string `mapstructure:"aud_internal"`

	// KeyID is the kid header on signed tokens and the JWKS entry.
	KeyID string `mapstructure:"key_id"`

	// KeyFile is a PEM RSA private key. When empty a throwaway key is
	// generated at startup, which is only suitable for development.
	KeyFile string `mapstructure:"key_file"`

	// ExpMinutes caps the lifetime of issued JWTs.
	ExpMinutes int `mapstructure:"exp_minutes"`
}

// GitHubConfig configures GitHub as the upstream identity provider.
type GitHubConfig struct {
	ClientID         string `mapstructure:"client_id"`
	ClientSecretFile string `mapstructure:"client_secret_file"`

	// ClientSecret is the loaded content of ClientSecretFile.
	ClientSecret string `mapstructure:"-"`
}

// OIDCConfig configures a generic OpenID Connect upstream provider.
type OIDCConfig struct {
	ClientID         string `mapstructure:"client_id"`
	ClientSecretFile string `mapstructure:"client_secret_file"`

	// LoginURL and TokenURL are the provider's authorization and token
	// endpoints.
	LoginURL string `mapstructure:"login_url"`
	TokenURL string `mapstructure:"token_url"`

	// RedirectURL is the registered return URL for this deployment,
	// normally https://<host>/login.
	RedirectURL string `mapstructure:"redirect_url"`

	// Scopes are the OAuth scopes requested at authorization. openid is
	// always included.
	Scopes []string `mapstructure:"scopes"`

	// Issuer is the expected iss claim and the base URL for JWKS
	// discovery.
	Issuer string `mapstructure:"issuer"`

	// Audience is the expected aud claim.
	Audience string `mapstructure:"audience"`

	// LoginParams are extra query parameters added to the authorization
	// redirect.
	LoginParams map[string]string `mapstructure:"login_params"`

	// ClientSecret is the loaded content of ClientSecretFile.
	ClientSecret string `mapstructure:"-"`
}

// Load reads, validates, and returns the configuration. The path argument
// wins over GAFAELFAWR_SETTINGS_PATH; an empty result from both is an
// error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvSettingsPath)
	}
	if path == "" {
		return nil, errors.NewConfigError(
			fmt.Sprintf("no settings file: pass --settings or set %s", EnvSettingsPath), nil)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("after_logout_url", defaultAfterLogoutURL)
	v.SetDefault("proxies", defaultProxies)
	v.SetDefault("issuer.exp_minutes", defaultExpMinutes)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.NewConfigError(fmt.Sprintf("reading settings file %s", path), err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.NewConfigError("parsing settings", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate loads secret files, fills derived fields, and checks every
// setting, reporting all problems at once.
func (c *Config) Validate() error {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Realm == "" {
		fail("realm is required")
	}

	switch {
	case len(c.SessionSecret) > 0:
		// Supplied directly, as tests do.
	case c.SessionSecretFile == "":
		fail("session_secret_file is required")
	default:
		secret, err := readSecretFile(c.SessionSecretFile)
		if err != nil {
			fail("session_secret_file: %v", err)
		} else {
			c.SessionSecret = []byte(secret)
		}
	}
	if len(c.SessionSecret) > 0 && len(c.SessionSecret) < 16 {
		fail("session secret must be at least 16 bytes")
	}

	if c.DatabaseURL == "" {
		fail("database_url is required")
	}
	if c.RedisURL == "" {
		fail("redis_url is required")
	} else if _, err := redis.ParseURL(c.RedisURL); err != nil {
		fail("redis_url: %v", err)
	}

	if c.AfterLogoutURL == "" {
		c.AfterLogoutURL = defaultAfterLogoutURL
	}
	if _, err := url.Parse(c.AfterLogoutURL); err != nil {
		fail("after_logout_url: %v", err)
	}

	if len(c.Proxies) == 0 {
		c.Proxies = defaultProxies
	}
	c.proxyNets = c.proxyNets[:0]
	for _, cidr := range c.Proxies {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			fail("proxies: invalid CIDR %q", cidr)
			continue
		}
		c.proxyNets = append(c.proxyNets, network)
	}

	if len(c.InitialAdmins) == 0 {
		fail("initial_admins must list at least one username")
	}
	for _, admin := range c.InitialAdmins {
		if !token.ValidUsername(admin) {
			fail("initial_admins: invalid username %q", admin)
		}
	}

	if c.BootstrapToken != "" {
		if _, err := token.Parse(c.BootstrapToken); err != nil {
			fail("bootstrap_token is not a valid token")
		}
	}

	if c.KnownScopes == nil {
		c.KnownScopes = make(map[string]string)
	}
	if _, ok := c.KnownScopes[scopes.UserToken]; !ok {
		c.KnownScopes[scopes.UserToken] = "Can create and modify user tokens"
	}
	if _, ok := c.KnownScopes[scopes.AdminToken]; !ok {
		c.KnownScopes[scopes.AdminToken] = "Can administer tokens for any user"
	}
	for scope := range c.KnownScopes {
		if !token.ValidScopeName(scope) {
			fail("known_scopes: invalid scope name %q", scope)
		}
	}
	for scope, groups := range c.GroupMapping {
		if _, ok := c.KnownScopes[scope]; !ok {
			fail("group_mapping: scope %q is not in known_scopes", scope)
		}
		for _, group := range groups {
			if !token.ValidGroupName(group) {
				fail("group_mapping: invalid group name %q for scope %q", group, scope)
			}
		}
	}

	c.validateIssuer(fail)
	c.validateProvider(fail)

	if len(problems) > 0 {
		return errors.NewConfigError(strings.Join(problems, "; "), nil)
	}
	return nil
}

func (c *Config) validateIssuer(fail func(string, ...any)) {
	if c.Issuer.Iss == "" {
		fail("issuer.iss is required")
	} else if !validURL(c.Issuer.Iss) {
		fail("issuer.iss must be an absolute URL")
	}
	if c.Issuer.Aud == "" {
		fail("issuer.aud is required")
	}
	if c.Issuer.AudInternal == "" {
		fail("issuer.aud_internal is required")
	}
	if c.Issuer.KeyID == "" {
		fail("issuer.key_id is required")
	}
	if c.Issuer.ExpMinutes <= 0 {
		c.Issuer.ExpMinutes = defaultExpMinutes
	}
}

func (c *Config) validateProvider(fail func(string, ...any)) {
	switch {
	case c.GitHub == nil && c.OIDC == nil:
		fail("one of github or oidc must be configured")
		return
	case c.GitHub != nil && c.OIDC != nil:
		fail("github and oidc are mutually exclusive")
		return
	}

	if gh := c.GitHub; gh != nil {
		if gh.ClientID == "" {
			fail("github.client_id is required")
		}
		if gh.ClientSecret == "" {
			if gh.ClientSecretFile == "" {
				fail("github.client_secret_file is required")
			} else if secret, err := readSecretFile(gh.ClientSecretFile); err != nil {
				fail("github.client_secret_file: %v", err)
			} else {
				gh.ClientSecret = secret
			}
		}
	}

	if o := c.OIDC; o != nil {
		if o.ClientID == "" {
			fail("oidc.client_id is required")
		}
		if o.ClientSecret == "" {
			if o.ClientSecretFile == "" {
				fail("oidc.client_secret_file is required")
			} else if secret, err := readSecretFile(o.ClientSecretFile); err != nil {
				fail("oidc.client_secret_file: %v", err)
			} else {
				o.ClientSecret = secret
			}
		}
		for _, field := range []struct {
			name  string
			value string
		}{
			{"oidc.login_url", o.LoginURL},
			{"oidc.token_url", o.TokenURL},
			{"oidc.redirect_url", o.RedirectURL},
			{"oidc.issuer", o.Issuer},
		} {
			if field.value == "" {
				fail("%s is required", field.name)
			} else if !validURL(field.value) {
				fail("%s must be an absolute URL", field.name)
			}
		}
		if o.Audience == "" {
			fail("oidc.audience is required")
		}
		if !containsString(o.Scopes, "openid") {
			o.Scopes = append([]string{"openid"}, o.Scopes...)
		}
	}
}

// ProviderName identifies the configured upstream provider.
func (c *Config) ProviderName() string {
	if c.GitHub != nil {
		return "github"
	}
	return "oidc"
}

// ScopeNames returns the sorted list of recognized scope names.
func (c *Config) ScopeNames() []string {
	names := make([]string, 0, len(c.KnownScopes))
	for scope := range c.KnownScopes {
		names = append(names, scope)
	}
	sort.Strings(names)
	return names
}

// IsKnownScope reports whether the scope name is configured.
func (c *Config) IsKnownScope(scope string) bool {
	_, ok := c.KnownScopes[scope]
	return ok
}

// ProxyNetworks returns the parsed trusted proxy ranges.
func (c *Config) ProxyNetworks() []*net.IPNet {
	return c.proxyNets
}

// DatabaseDSN translates DatabaseURL into a DSN for the sqlite driver.
// sqlite:// URLs have their scheme stripped; anything else is passed
// through unchanged.
func (c *Config) DatabaseDSN() string {
	if rest, ok := strings.CutPrefix(c.DatabaseURL, "sqlite://"); ok {
		return rest
	}
	return c.DatabaseURL
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return secret, nil
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
