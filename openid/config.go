package openid

import (
	"crypto/rsa"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/oidcauth/auth"
	"github.com/ggoodman/oidcauth/metadata"
	"github.com/ggoodman/oidcauth/replay"
)

// ResponseType selects the OpenID Connect flow.
type ResponseType string

const (
	// ResponseCode is the authorization code flow.
	ResponseCode ResponseType = "code"
	// ResponseIDToken is the implicit flow; the id_token arrives on the callback.
	ResponseIDToken ResponseType = "id_token"
	// ResponseCodeIDToken is the hybrid flow.
	ResponseCodeIDToken ResponseType = "code id_token"
)

// ResponseMode selects how the provider returns the callback parameters.
type ResponseMode string

const (
	ResponseModeQuery    ResponseMode = "query"
	ResponseModeFormPost ResponseMode = "form_post"
)

const (
	DefaultClockSkew     = 300 * time.Second
	DefaultTimeout       = 10 * time.Second
	DefaultNonceLifetime = replay.DefaultMaxAge
	DefaultNonceMax      = replay.DefaultMaxAmount
)

// Config is the frozen configuration of a Strategy.
type Config struct {
	MetadataURL  string
	ClientID     string
	RedirectURL  string
	ResponseType ResponseType
	ResponseMode ResponseMode

	// ClientSecret authenticates code redemption. Mutually exclusive with a
	// client assertion.
	ClientSecret string
	// AssertionThumbprint is the hex SHA-1 thumbprint of the certificate
	// registered for AssertionKey.
	AssertionThumbprint string
	AssertionKey        *rsa.PrivateKey

	AllowHTTPRedirect bool

	ValidateIssuer         bool
	Issuers                []string
	AllowMultipleAudiences bool
	ClockSkew              time.Duration
	// Scopes are requested in addition to openid.
	Scopes     []string
	IsB2C      bool
	PolicyName string
	Algorithms []string
	// DecryptionKeys open encrypted id tokens.
	DecryptionKeys []jose.JSONWebKey

	Store         replay.Store
	sessionHost   replay.SessionStore
	sessionID     replay.SessionIDFunc
	cookieKeys    []replay.CookieKey
	cookieOptions replay.CookieOptions
	cookieStore   bool
	NonceLifetime time.Duration
	NonceMax      int

	PassRequest   bool
	FetchUserInfo bool
	Timeout       time.Duration

	LoggingLevel slog.Level
	LoggingNoPII bool

	Provider   *metadata.Provider
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time

	assertionErr error
}

// Option mutates a Config before validation.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		ResponseType:   ResponseCode,
		ResponseMode:   ResponseModeFormPost,
		ValidateIssuer: true,
		ClockSkew:      DefaultClockSkew,
		NonceLifetime:  DefaultNonceLifetime,
		NonceMax:       DefaultNonceMax,
		Timeout:        DefaultTimeout,
		LoggingLevel:   slog.LevelInfo,
		LoggingNoPII:   true,
	}
}

func WithMetadataURL(u string) Option { return func(c *Config) { c.MetadataURL = u } }

func WithClientID(id string) Option { return func(c *Config) { c.ClientID = id } }

// WithRedirectURL sets the callback URL registered with the provider.
func WithRedirectURL(u string) Option { return func(c *Config) { c.RedirectURL = u } }

// WithResponse selects the flow and how its callback is delivered.
func WithResponse(rt ResponseType, rm ResponseMode) Option {
	return func(c *Config) {
		c.ResponseType = rt
		c.ResponseMode = rm
	}
}

// WithClientSecret authenticates code redemption with a shared secret.
func WithClientSecret(secret string) Option { return func(c *Config) { c.ClientSecret = secret } }

// WithClientAssertion authenticates code redemption with a JWT signed by the
// PEM-encoded RSA key whose certificate has the given hex thumbprint.
func WithClientAssertion(thumbprint string, keyPEM []byte) Option {
	return func(c *Config) {
		c.AssertionThumbprint = thumbprint
		c.AssertionKey, c.assertionErr = jwt.ParseRSAPrivateKeyFromPEM(keyPEM)
	}
}

// WithAssertionKey is WithClientAssertion for an already parsed key.
func WithAssertionKey(thumbprint string, key *rsa.PrivateKey) Option {
	return func(c *Config) {
		c.AssertionThumbprint = thumbprint
		c.AssertionKey = key
		c.assertionErr = nil
	}
}

// WithInsecureRedirect allows a plain http redirect URL. Development only.
func WithInsecureRedirect() Option { return func(c *Config) { c.AllowHTTPRedirect = true } }

func WithIssuers(iss ...string) Option {
	return func(c *Config) { c.Issuers = append([]string(nil), iss...) }
}

func WithoutIssuerValidation() Option { return func(c *Config) { c.ValidateIssuer = false } }

func WithMultipleAudiences() Option { return func(c *Config) { c.AllowMultipleAudiences = true } }

func WithClockSkew(d time.Duration) Option { return func(c *Config) { c.ClockSkew = d } }

// WithScopes adds scopes to the authorization request.
func WithScopes(scopes ...string) Option {
	return func(c *Config) { c.Scopes = append([]string(nil), scopes...) }
}

// WithB2CPolicy enables Azure AD B2C mode for the named policy.
func WithB2CPolicy(policy string) Option {
	return func(c *Config) {
		c.IsB2C = true
		c.PolicyName = policy
	}
}

func WithAlgorithms(algs ...string) Option {
	return func(c *Config) { c.Algorithms = append([]string(nil), algs...) }
}

// WithDecryptionKeys enables encrypted id tokens.
func WithDecryptionKeys(keys ...jose.JSONWebKey) Option {
	return func(c *Config) { c.DecryptionKeys = append([]jose.JSONWebKey(nil), keys...) }
}

// WithReplayStore uses s to keep state and nonce between the redirect and
// the callback.
func WithReplayStore(s replay.Store) Option { return func(c *Config) { c.Store = s } }

// WithSessionStore keeps state and nonce in the application's session
// storage.
func WithSessionStore(host replay.SessionStore, sessionID replay.SessionIDFunc) Option {
	return func(c *Config) {
		c.sessionHost = host
		c.sessionID = sessionID
	}
}

// WithCookieStore keeps state and nonce in encrypted cookies. The first key
// encrypts; all are tried to decrypt. SameSite defaults to None in form_post
// mode and Lax otherwise.
func WithCookieStore(keys []replay.CookieKey, opts replay.CookieOptions) Option {
	return func(c *Config) {
		c.cookieStore = true
		c.cookieKeys = append([]replay.CookieKey(nil), keys...)
		c.cookieOptions = opts
	}
}

// WithNonceLimits bounds how many pending authorizations a user agent may
// have and how long each stays valid.
func WithNonceLimits(maxAmount int, lifetime time.Duration) Option {
	return func(c *Config) {
		c.NonceMax = maxAmount
		c.NonceLifetime = lifetime
	}
}

// WithPassRequest passes the request to the Verifier.
func WithPassRequest() Option { return func(c *Config) { c.PassRequest = true } }

// WithUserInfo calls the userinfo endpoint after code redemption and attaches
// the profile to the token's Grant.
func WithUserInfo() Option { return func(c *Config) { c.FetchUserInfo = true } }

// WithTimeout bounds each network call.
func WithTimeout(d time.Duration) Option { return func(c *Config) { c.Timeout = d } }

func WithLogging(level slog.Level, noPII bool) Option {
	return func(c *Config) {
		c.LoggingLevel = level
		c.LoggingNoPII = noPII
	}
}

func WithLogger(l *slog.Logger) Option { return func(c *Config) { c.Logger = l } }

// WithProvider shares an existing metadata provider.
func WithProvider(p *metadata.Provider) Option { return func(c *Config) { c.Provider = p } }

// WithHTTPClient sets the client used for metadata, token and userinfo
// requests.
func WithHTTPClient(hc *http.Client) Option { return func(c *Config) { c.HTTPClient = hc } }

func WithClock(now func() time.Time) Option { return func(c *Config) { c.Now = now } }

// Validate reports missing or contradictory settings as configuration errors.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return auth.Configf("openid: client id is required")
	}
	if c.Provider == nil && c.MetadataURL == "" {
		return auth.Configf("openid: metadata url is required")
	}
	if err := c.validateRedirect(); err != nil {
		return err
	}

	switch c.ResponseType {
	case ResponseCode, ResponseIDToken, ResponseCodeIDToken:
	default:
		return auth.Configf("openid: unsupported response type %q", c.ResponseType)
	}
	switch c.ResponseMode {
	case ResponseModeQuery, ResponseModeFormPost:
	default:
		return auth.Configf("openid: unsupported response mode %q", c.ResponseMode)
	}
	if c.ResponseType != ResponseCode && c.ResponseMode == ResponseModeQuery {
		return auth.Configf("openid: response type %q requires form_post", c.ResponseType)
	}

	if c.assertionErr != nil {
		return auth.Configf("openid: client assertion key: %v", c.assertionErr)
	}
	hasAssertion := c.AssertionKey != nil || c.AssertionThumbprint != ""
	if c.ResponseType != ResponseIDToken {
		if c.ClientSecret == "" && !hasAssertion {
			return auth.Configf("openid: code redemption needs a client secret or a client assertion")
		}
	}
	if c.ClientSecret != "" && hasAssertion {
		return auth.Configf("openid: client secret and client assertion are mutually exclusive")
	}
	if hasAssertion {
		if c.AssertionKey == nil {
			return auth.Configf("openid: client assertion needs a private key")
		}
		if _, err := hex.DecodeString(c.AssertionThumbprint); err != nil || c.AssertionThumbprint == "" {
			return auth.Configf("openid: client assertion thumbprint must be hex")
		}
	}

	if c.IsB2C {
		if !strings.HasPrefix(strings.ToLower(c.PolicyName), "b2c_1_") {
			return auth.Configf("openid: b2c policy name must start with B2C_1_, got %q", c.PolicyName)
		}
		if hasAssertion {
			return auth.Configf("openid: b2c does not support client assertions")
		}
	}

	stores := 0
	if c.Store != nil {
		stores++
	}
	if c.sessionHost != nil || c.sessionID != nil {
		stores++
	}
	if c.cookieStore {
		stores++
		if len(c.cookieKeys) == 0 {
			return auth.Configf("openid: cookie store needs at least one key")
		}
	}
	switch {
	case stores == 0:
		return auth.Configf("openid: a replay store is required")
	case stores > 1:
		return auth.Configf("openid: configure exactly one replay store")
	}
	if c.NonceMax <= 0 || c.NonceLifetime <= 0 {
		return auth.Configf("openid: nonce limits must be positive")
	}

	if c.ClockSkew < 0 {
		return auth.Configf("openid: clock skew must not be negative")
	}
	if c.Timeout <= 0 {
		return auth.Configf("openid: timeout must be positive")
	}
	if slices.Contains(c.Issuers, "") {
		return auth.Configf("openid: empty issuer")
	}
	return nil
}

func (c *Config) validateRedirect() error {
	if c.RedirectURL == "" {
		return auth.Configf("openid: redirect url is required")
	}
	u, err := url.Parse(c.RedirectURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return auth.Configf("openid: redirect url must be absolute: %q", c.RedirectURL)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !c.AllowHTTPRedirect {
			return auth.Configf("openid: http redirect url requires WithInsecureRedirect")
		}
	default:
		return auth.Configf("openid: unsupported redirect url scheme %q", u.Scheme)
	}
	return nil
}

func (c Config) frozen() Config {
	c.Issuers = append([]string(nil), c.Issuers...)
	c.Scopes = append([]string(nil), c.Scopes...)
	c.Algorithms = append([]string(nil), c.Algorithms...)
	c.DecryptionKeys = append([]jose.JSONWebKey(nil), c.DecryptionKeys...)
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// requestScopes is the scope parameter sent on the authorization request.
func (c *Config) requestScopes() []string {
	scopes := []string{"openid"}
	add := func(s string) {
		if s != "" && !slices.Contains(scopes, s) {
			scopes = append(scopes, s)
		}
	}
	for _, s := range c.Scopes {
		add(s)
	}
	if c.IsB2C {
		add("offline_access")
		add(c.ClientID)
	}
	return scopes
}
