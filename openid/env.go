package openid

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/oidcauth/replay"
)

// EnvConfig mirrors the environment variables understood by OptionsFromEnv.
// Lists are separated by semicolons. Each cookie key is "<key>:<iv>" in
// standard base64.
type EnvConfig struct {
	MetadataURL      string        `env:"OIDCAUTH_METADATA_URL"`
	ClientID         string        `env:"OIDCAUTH_CLIENT_ID"`
	ClientSecret     string        `env:"OIDCAUTH_CLIENT_SECRET"`
	RedirectURL      string        `env:"OIDCAUTH_REDIRECT_URL"`
	ResponseType     string        `env:"OIDCAUTH_RESPONSE_TYPE,default=code"`
	ResponseMode     string        `env:"OIDCAUTH_RESPONSE_MODE,default=form_post"`
	Scopes           []string      `env:"OIDCAUTH_SCOPES"`
	Issuers          []string      `env:"OIDCAUTH_ISSUERS"`
	ValidateIssuer   bool          `env:"OIDCAUTH_VALIDATE_ISSUER,default=true"`
	InsecureRedir    bool          `env:"OIDCAUTH_ALLOW_HTTP_REDIRECT,default=false"`
	B2CPolicy        string        `env:"OIDCAUTH_B2C_POLICY"`
	ClockSkew        time.Duration `env:"OIDCAUTH_CLOCK_SKEW,default=5m"`
	NonceLifetime    time.Duration `env:"OIDCAUTH_NONCE_LIFETIME,default=1h"`
	NonceMaxAmount   int           `env:"OIDCAUTH_NONCE_MAX_AMOUNT,default=10"`
	CookieKeys       []string      `env:"OIDCAUTH_COOKIE_KEYS"`
	CookieDomain     string        `env:"OIDCAUTH_COOKIE_DOMAIN"`
	CookieSameSite   string        `env:"OIDCAUTH_COOKIE_SAMESITE"`
	AssertionThumb   string        `env:"OIDCAUTH_ASSERTION_THUMBPRINT"`
	AssertionKeyFile string        `env:"OIDCAUTH_ASSERTION_KEY_FILE"`
	UserInfo         bool          `env:"OIDCAUTH_FETCH_USERINFO,default=false"`
	LogLevel         string        `env:"OIDCAUTH_LOG_LEVEL,default=info"`
	LogNoPII         bool          `env:"OIDCAUTH_LOG_NO_PII,default=true"`
}

// OptionsFromEnv loads EnvConfig from the environment and converts it to
// Options. When OIDCAUTH_COOKIE_KEYS is set the cookie replay store is
// selected; otherwise the caller must supply a store.
func OptionsFromEnv() ([]Option, error) {
	var env EnvConfig
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("openid: env: %w", err)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(env.LogLevel)); err != nil {
		return nil, fmt.Errorf("openid: env: %w", err)
	}

	opts := []Option{
		WithResponse(ResponseType(strings.ReplaceAll(env.ResponseType, "+", " ")), ResponseMode(env.ResponseMode)),
		WithClockSkew(env.ClockSkew),
		WithNonceLimits(env.NonceMaxAmount, env.NonceLifetime),
		WithLogging(level, env.LogNoPII),
	}
	if env.MetadataURL != "" {
		opts = append(opts, WithMetadataURL(env.MetadataURL))
	}
	if env.ClientID != "" {
		opts = append(opts, WithClientID(env.ClientID))
	}
	if env.ClientSecret != "" {
		opts = append(opts, WithClientSecret(env.ClientSecret))
	}
	if env.RedirectURL != "" {
		opts = append(opts, WithRedirectURL(env.RedirectURL))
	}
	if len(env.Scopes) > 0 {
		opts = append(opts, WithScopes(env.Scopes...))
	}
	if len(env.Issuers) > 0 {
		opts = append(opts, WithIssuers(env.Issuers...))
	}
	if !env.ValidateIssuer {
		opts = append(opts, WithoutIssuerValidation())
	}
	if env.InsecureRedir {
		opts = append(opts, WithInsecureRedirect())
	}
	if env.B2CPolicy != "" {
		opts = append(opts, WithB2CPolicy(env.B2CPolicy))
	}
	if env.UserInfo {
		opts = append(opts, WithUserInfo())
	}
	if env.AssertionThumb != "" || env.AssertionKeyFile != "" {
		pem, err := os.ReadFile(env.AssertionKeyFile)
		if err != nil {
			return nil, fmt.Errorf("openid: env: assertion key: %w", err)
		}
		opts = append(opts, WithClientAssertion(env.AssertionThumb, pem))
	}
	if len(env.CookieKeys) > 0 {
		keys, err := parseCookieKeys(env.CookieKeys)
		if err != nil {
			return nil, fmt.Errorf("openid: env: %w", err)
		}
		sameSite, err := parseSameSite(env.CookieSameSite)
		if err != nil {
			return nil, fmt.Errorf("openid: env: %w", err)
		}
		opts = append(opts, WithCookieStore(keys, replay.CookieOptions{Domain: env.CookieDomain, SameSite: sameSite}))
	}
	return opts, nil
}

func parseCookieKeys(entries []string) ([]replay.CookieKey, error) {
	keys := make([]replay.CookieKey, 0, len(entries))
	for i, e := range entries {
		k, iv, ok := strings.Cut(strings.TrimSpace(e), ":")
		if !ok {
			return nil, fmt.Errorf("cookie key %d: want <key>:<iv>", i)
		}
		kb, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			return nil, fmt.Errorf("cookie key %d: %w", i, err)
		}
		ivb, err := base64.StdEncoding.DecodeString(iv)
		if err != nil {
			return nil, fmt.Errorf("cookie iv %d: %w", i, err)
		}
		keys = append(keys, replay.CookieKey{Key: kb, IV: ivb})
	}
	return keys, nil
}

func parseSameSite(v string) (http.SameSite, error) {
	switch strings.ToLower(v) {
	case "":
		return 0, nil
	case "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return 0, fmt.Errorf("unknown cookie samesite %q", v)
	}
}
