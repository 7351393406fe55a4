package bearer

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joeshaw/envdecode"
)

// EnvConfig mirrors the environment variables understood by OptionsFromEnv.
// Lists are separated by semicolons.
type EnvConfig struct {
	MetadataURL    string        `env:"OIDCAUTH_METADATA_URL"`
	ClientID       string        `env:"OIDCAUTH_CLIENT_ID"`
	Audience       []string      `env:"OIDCAUTH_AUDIENCE"`
	Issuers        []string      `env:"OIDCAUTH_ISSUERS"`
	ValidateIssuer bool          `env:"OIDCAUTH_VALIDATE_ISSUER,default=true"`
	MultiAudience  bool          `env:"OIDCAUTH_ALLOW_MULTI_AUDIENCES,default=false"`
	ClockSkew      time.Duration `env:"OIDCAUTH_CLOCK_SKEW,default=5m"`
	Scopes         []string      `env:"OIDCAUTH_SCOPES"`
	B2CPolicy      string        `env:"OIDCAUTH_B2C_POLICY"`
	Resource       string        `env:"OIDCAUTH_RESOURCE"`
	LogLevel       string        `env:"OIDCAUTH_LOG_LEVEL,default=info"`
	LogNoPII       bool          `env:"OIDCAUTH_LOG_NO_PII,default=true"`
}

// OptionsFromEnv loads EnvConfig from the environment and converts it to
// Options. Explicit options passed to New after these take precedence.
func OptionsFromEnv() ([]Option, error) {
	var env EnvConfig
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("bearer: env: %w", err)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(env.LogLevel)); err != nil {
		return nil, fmt.Errorf("bearer: env: %w", err)
	}

	opts := []Option{
		WithClockSkew(env.ClockSkew),
		WithLogging(level, env.LogNoPII),
	}
	if env.MetadataURL != "" {
		opts = append(opts, WithMetadataURL(env.MetadataURL))
	}
	if env.ClientID != "" {
		opts = append(opts, WithClientID(env.ClientID))
	}
	if len(env.Audience) > 0 {
		opts = append(opts, WithAudience(env.Audience...))
	}
	if len(env.Issuers) > 0 {
		opts = append(opts, WithIssuers(env.Issuers...))
	}
	if !env.ValidateIssuer {
		opts = append(opts, WithoutIssuerValidation())
	}
	if env.MultiAudience {
		opts = append(opts, WithMultipleAudiences())
	}
	if len(env.Scopes) > 0 {
		opts = append(opts, WithScopes(env.Scopes...))
	}
	if env.B2CPolicy != "" {
		opts = append(opts, WithB2CPolicy(env.B2CPolicy))
	}
	if env.Resource != "" {
		opts = append(opts, WithResource(env.Resource))
	}
	return opts, nil
}
