package bearer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ggoodman/oidcauth/auth"
	"github.com/ggoodman/oidcauth/internal/claims"
	"github.com/ggoodman/oidcauth/internal/jwtauth"
	"github.com/ggoodman/oidcauth/internal/logctx"
	"github.com/ggoodman/oidcauth/internal/wellknown"
	"github.com/ggoodman/oidcauth/metadata"
)

const genericInvalid = "the access token is invalid"

var errMissingToken = errors.New("bearer: no token presented")

// Strategy authenticates requests carrying an OAuth 2.0 bearer token.
type Strategy struct {
	cfg      Config
	meta     *metadata.Provider
	engine   *jwtauth.Engine
	verifier auth.Verifier
	log      *slog.Logger
	// prmURL is the protected resource metadata URL, empty unless a
	// resource is configured.
	prmURL string
}

// New builds a Strategy from opts. Only configuration errors are returned;
// no network call is made.
func New(v auth.Verifier, opts ...Option) (*Strategy, error) {
	if v == nil {
		return nil, auth.Configf("bearer: verifier is required")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.frozen()

	log := logctx.New(cfg.Logger, cfg.LoggingLevel, cfg.LoggingNoPII)

	meta := cfg.Provider
	if meta == nil && cfg.KeySource == nil {
		mopts := []metadata.Option{metadata.WithLogger(log), metadata.WithTimeout(cfg.Timeout)}
		if cfg.HTTPClient != nil {
			mopts = append(mopts, metadata.WithHTTPClient(cfg.HTTPClient))
		}
		if cfg.IsB2C {
			mopts = append(mopts, metadata.WithPolicy(cfg.PolicyName))
		}
		p, err := metadata.New(cfg.MetadataURL, mopts...)
		if err != nil {
			return nil, err
		}
		meta = p
	}
	if meta != nil && meta.IsCommonEndpoint() && cfg.ValidateIssuer && len(cfg.Issuers) == 0 {
		return nil, auth.Configf("bearer: a multi-tenant metadata url requires issuers or disabled issuer validation")
	}

	var keys metadata.KeySource = meta
	if cfg.KeySource != nil {
		keys = cfg.KeySource
	}
	engine, err := jwtauth.New(jwtauth.Config{
		Keys:           keys,
		Algorithms:     cfg.Algorithms,
		DecryptionKeys: cfg.DecryptionKeys,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}

	s := &Strategy{cfg: cfg, meta: meta, engine: engine, verifier: v, log: log}
	if cfg.Resource != "" {
		u, err := wellknown.ProtectedResourceURL(cfg.Resource)
		if err != nil {
			return nil, auth.Configf("bearer: %v", err)
		}
		s.prmURL = u.String()
	}
	return s, nil
}

// Authenticate implements auth.Authenticator.
func (s *Strategy) Authenticate(_ http.ResponseWriter, r *http.Request) auth.Result {
	ctx := logctx.WithRequest(r)

	raw, err := extractToken(r)
	if err != nil {
		if errors.Is(err, errMissingToken) {
			s.log.DebugContext(ctx, "bearer.auth.challenge")
			return auth.Result{Outcome: auth.OutcomeFail, Challenge: s.challenge(http.StatusUnauthorized, nil)}
		}
		s.log.WarnContext(ctx, "bearer.auth.invalid_request", slog.String("err", err.Error()))
		return auth.Failed(err, s.challenge(http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "the request presents more than one access token",
		}))
	}

	tok, err := s.validate(ctx, raw)
	if err != nil {
		s.logFailure(ctx, err)
		return auth.Failed(err, s.invalidToken())
	}

	res := auth.CompleteVerification(ctx, s.verifier, r, s.cfg.PassRequest, tok, s.invalidToken())
	switch res.Outcome {
	case auth.OutcomeSuccess:
		s.log.InfoContext(ctx, "bearer.auth.ok", slog.String("sub", tok.Subject()))
	case auth.OutcomeFail:
		s.log.InfoContext(ctx, "bearer.auth.rejected", slog.String("sub", tok.Subject()))
	default:
		s.log.ErrorContext(ctx, "bearer.auth.error", slog.String("err", res.Err.Error()))
	}
	return res
}

func (s *Strategy) validate(ctx context.Context, raw string) (*auth.Token, error) {
	raw, err := s.engine.DecryptIfNeeded(ctx, raw)
	if err != nil {
		return nil, err
	}
	tok, err := s.engine.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	policy, err := s.policy(ctx, tok)
	if err != nil {
		return nil, err
	}
	if err := claims.Validate(tok.Claims, policy); err != nil {
		return nil, err
	}
	return tok, nil
}

// policy builds the claim checks for tok. Issuers containing "{tenantid}"
// are expanded with the token's tid claim.
func (s *Strategy) policy(ctx context.Context, tok *auth.Token) (claims.Policy, error) {
	p := claims.Policy{
		ValidateIssuer:         s.cfg.ValidateIssuer,
		Issuers:                s.cfg.Issuers,
		Audiences:              s.cfg.Audience,
		AllowMultipleAudiences: s.cfg.AllowMultipleAudiences,
		ClientID:               s.cfg.ClientID,
		ClockSkew:              s.cfg.ClockSkew,
		Scopes:                 s.cfg.Scopes,
		Now:                    s.cfg.Now,
	}
	if s.cfg.IsB2C {
		p.B2CPolicy = s.cfg.PolicyName
	}
	if !p.ValidateIssuer {
		return p, nil
	}
	if len(p.Issuers) == 0 && s.meta != nil {
		m, err := s.meta.Current(ctx)
		if err != nil {
			return claims.Policy{}, err
		}
		p.Issuers = []string{m.Issuer}
	}
	if tid := tok.Claims.String("tid"); tid != "" {
		expanded := make([]string, len(p.Issuers))
		for i, iss := range p.Issuers {
			expanded[i] = metadata.IssuerForTenant(iss, tid)
		}
		p.Issuers = expanded
	}
	return p, nil
}

func (s *Strategy) logFailure(ctx context.Context, err error) {
	attrs := []any{
		slog.String("kind", auth.KindOf(err).String()),
		slog.String("err", err.Error()),
	}
	if reason := auth.ReasonOf(err); reason != "" {
		attrs = append(attrs, slog.String("reason", string(reason)))
	}
	switch auth.KindOf(err) {
	case auth.KindMetadataFetch:
		s.log.ErrorContext(ctx, "bearer.auth.fail", attrs...)
	default:
		s.log.WarnContext(ctx, "bearer.auth.fail", attrs...)
	}
}

func (s *Strategy) invalidToken() *auth.Challenge {
	return s.challenge(http.StatusUnauthorized, map[string]string{"error": "invalid_token", "error_description": genericInvalid})
}

// challenge builds a Bearer challenge, pointing clients at the resource
// metadata document when one is published.
func (s *Strategy) challenge(status int, params map[string]string) *auth.Challenge {
	if s.prmURL != "" {
		if params == nil {
			params = map[string]string{}
		}
		params["resource_metadata"] = s.prmURL
	}
	return &auth.Challenge{Status: status, WWWAuthenticate: auth.BearerChallenge(s.cfg.Realm, params)}
}

// extractToken returns the single bearer token presented by r. A token in
// the Authorization header, the access_token query parameter or an already
// parsed access_token form field counts once; more than one is an error.
func extractToken(r *http.Request) (string, error) {
	var found []string

	headers := r.Header.Values("Authorization")
	if len(headers) > 1 {
		return "", errors.New("bearer: multiple authorization headers")
	}
	if len(headers) == 1 {
		scheme, tok, _ := strings.Cut(strings.TrimSpace(headers[0]), " ")
		if strings.EqualFold(scheme, "Bearer") {
			if tok = strings.TrimSpace(tok); tok != "" {
				found = append(found, tok)
			}
		}
	}
	if v := r.URL.Query()["access_token"]; len(v) > 0 {
		found = append(found, v...)
	}
	if r.PostForm != nil {
		if v := r.PostForm["access_token"]; len(v) > 0 {
			found = append(found, v...)
		}
	}

	switch len(found) {
	case 0:
		return "", errMissingToken
	case 1:
		return found[0], nil
	default:
		return "", errors.New("bearer: token presented by more than one method")
	}
}

var _ auth.Authenticator = (*Strategy)(nil)
