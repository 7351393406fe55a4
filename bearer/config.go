package bearer

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/ggoodman/oidcauth/auth"
	"github.com/ggoodman/oidcauth/internal/wellknown"
	"github.com/ggoodman/oidcauth/metadata"
)

const (
	DefaultClockSkew = 300 * time.Second
	DefaultTimeout   = 10 * time.Second
	DefaultRealm     = "api"
)

// Config is the frozen configuration of a Strategy. Build it with Options;
// New validates it once.
type Config struct {
	// MetadataURL is the https discovery document of the authority. Ignored
	// when a Provider or KeySource is supplied.
	MetadataURL string
	ClientID    string
	// Audience defaults to ClientID and "spn:"+ClientID.
	Audience               []string
	ValidateIssuer         bool
	Issuers                []string
	AllowMultipleAudiences bool
	ClockSkew              time.Duration
	// Scopes, when set, must intersect the token's scp or scope claim.
	Scopes     []string
	IsB2C      bool
	PolicyName string
	Algorithms []string
	// DecryptionKeys open encrypted access tokens.
	DecryptionKeys []jose.JSONWebKey
	// PassRequest hands the *http.Request to the Verifier.
	PassRequest bool
	Realm       string
	Timeout     time.Duration
	// Resource, when set, is the identifier of the protected API. Its
	// metadata document is served by ResourceMetadataHandler and advertised
	// in challenges.
	Resource string

	LoggingLevel slog.Level
	LoggingNoPII bool

	Provider   *metadata.Provider
	KeySource  metadata.KeySource
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// Option mutates a Config before validation.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		ValidateIssuer: true,
		ClockSkew:      DefaultClockSkew,
		Realm:          DefaultRealm,
		Timeout:        DefaultTimeout,
		LoggingLevel:   slog.LevelInfo,
		LoggingNoPII:   true,
	}
}

// WithMetadataURL sets the authority's discovery document URL.
func WithMetadataURL(u string) Option { return func(c *Config) { c.MetadataURL = u } }

// WithClientID sets the application (client) id.
func WithClientID(id string) Option { return func(c *Config) { c.ClientID = id } }

// WithAudience replaces the accepted audiences.
func WithAudience(aud ...string) Option {
	return func(c *Config) { c.Audience = append([]string(nil), aud...) }
}

// WithIssuers sets the accepted issuers. Required for multi-tenant
// endpoints unless issuer validation is disabled.
func WithIssuers(iss ...string) Option {
	return func(c *Config) { c.Issuers = append([]string(nil), iss...) }
}

// WithoutIssuerValidation accepts tokens from any issuer the keys verify.
func WithoutIssuerValidation() Option { return func(c *Config) { c.ValidateIssuer = false } }

// WithMultipleAudiences tolerates tokens whose aud lists several values.
func WithMultipleAudiences() Option { return func(c *Config) { c.AllowMultipleAudiences = true } }

// WithClockSkew sets the tolerance applied to exp and nbf.
func WithClockSkew(d time.Duration) Option { return func(c *Config) { c.ClockSkew = d } }

// WithScopes requires at least one of scopes.
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

// WithAlgorithms restricts the accepted signature algorithms. "none" is
// never allowed. Defaults to RS256.
func WithAlgorithms(algs ...string) Option {
	return func(c *Config) { c.Algorithms = append([]string(nil), algs...) }
}

// WithDecryptionKeys enables encrypted access tokens.
func WithDecryptionKeys(keys ...jose.JSONWebKey) Option {
	return func(c *Config) { c.DecryptionKeys = append([]jose.JSONWebKey(nil), keys...) }
}

// WithPassRequest passes the request to the Verifier.
func WithPassRequest() Option { return func(c *Config) { c.PassRequest = true } }

// WithRealm sets the realm advertised in challenges.
func WithRealm(realm string) Option { return func(c *Config) { c.Realm = realm } }

// WithResource publishes protected resource metadata for resource.
func WithResource(resource string) Option { return func(c *Config) { c.Resource = resource } }

// WithTimeout bounds metadata requests.
func WithTimeout(d time.Duration) Option { return func(c *Config) { c.Timeout = d } }

// WithLogging sets the minimum level and whether token contents are redacted.
func WithLogging(level slog.Level, noPII bool) Option {
	return func(c *Config) {
		c.LoggingLevel = level
		c.LoggingNoPII = noPII
	}
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option { return func(c *Config) { c.Logger = l } }

// WithProvider shares an existing metadata provider.
func WithProvider(p *metadata.Provider) Option { return func(c *Config) { c.Provider = p } }

// WithKeySource verifies against ks without discovery. Issuers must then be
// given explicitly, or issuer validation disabled.
func WithKeySource(ks metadata.KeySource) Option { return func(c *Config) { c.KeySource = ks } }

// WithHTTPClient sets the client used for metadata requests.
func WithHTTPClient(hc *http.Client) Option { return func(c *Config) { c.HTTPClient = hc } }

// WithClock overrides time.Now for claim checks.
func WithClock(now func() time.Time) Option { return func(c *Config) { c.Now = now } }

// Validate reports contradictory or missing settings as configuration errors.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return auth.Configf("bearer: client id is required")
	}
	if c.Provider == nil && c.KeySource == nil && c.MetadataURL == "" {
		return auth.Configf("bearer: metadata url is required")
	}
	if c.KeySource != nil && c.ValidateIssuer && len(c.Issuers) == 0 {
		return auth.Configf("bearer: issuers are required when verifying against a bare key source")
	}
	if c.IsB2C {
		if !strings.HasPrefix(strings.ToLower(c.PolicyName), "b2c_1_") {
			return auth.Configf("bearer: b2c policy name must start with B2C_1_, got %q", c.PolicyName)
		}
	}
	if c.ClockSkew < 0 {
		return auth.Configf("bearer: clock skew must not be negative")
	}
	if c.Timeout <= 0 {
		return auth.Configf("bearer: timeout must be positive")
	}
	for _, iss := range c.Issuers {
		if iss == "" {
			return auth.Configf("bearer: empty issuer")
		}
	}
	if c.Resource != "" {
		if _, err := wellknown.ProtectedResourceURL(c.Resource); err != nil {
			return auth.Configf("bearer: %v", err)
		}
	}
	return nil
}

func (c Config) frozen() Config {
	c.Audience = append([]string(nil), c.Audience...)
	c.Issuers = append([]string(nil), c.Issuers...)
	c.Scopes = append([]string(nil), c.Scopes...)
	c.Algorithms = append([]string(nil), c.Algorithms...)
	c.DecryptionKeys = append([]jose.JSONWebKey(nil), c.DecryptionKeys...)
	if len(c.Audience) == 0 {
		c.Audience = []string{c.ClientID, "spn:" + c.ClientID}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
