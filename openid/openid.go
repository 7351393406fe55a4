package openid

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/ggoodman/oidcauth/auth"
	"github.com/ggoodman/oidcauth/internal/jwtauth"
	"github.com/ggoodman/oidcauth/internal/logctx"
	"github.com/ggoodman/oidcauth/metadata"
	"github.com/ggoodman/oidcauth/replay"
)

// Strategy runs the OpenID Connect sign-in flow. A request without callback
// parameters starts a new authorization and is redirected to the provider;
// the provider's callback is validated and handed to the Verifier.
type Strategy struct {
	cfg      Config
	meta     *metadata.Provider
	engine   *jwtauth.Engine
	store    replay.Store
	verifier auth.Verifier
	client   *http.Client
	log      *slog.Logger

	mu      sync.Mutex
	tenants map[string]*tenantProvider
}

// tenantProvider pairs a tenant-specific metadata provider with its engine.
type tenantProvider struct {
	meta   *metadata.Provider
	engine *jwtauth.Engine
}

// requestContext travels with the replay tuple from the redirect to the
// callback.
type requestContext struct {
	CustomState string `json:"custom_state,omitempty"`
	Resource    string `json:"resource,omitempty"`
	Tenant      string `json:"tenant,omitempty"`
}

// New builds a Strategy. Only configuration errors are returned; no network
// call is made.
func New(v auth.Verifier, opts ...Option) (*Strategy, error) {
	if v == nil {
		return nil, auth.Configf("openid: verifier is required")
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
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	s := &Strategy{
		cfg:      cfg,
		verifier: v,
		client:   client,
		log:      log,
		tenants:  map[string]*tenantProvider{},
	}

	meta := cfg.Provider
	if meta == nil {
		var err error
		if meta, err = s.newProvider(cfg.MetadataURL); err != nil {
			return nil, err
		}
	}
	if meta.IsCommonEndpoint() && cfg.ValidateIssuer && len(cfg.Issuers) == 0 {
		return nil, auth.Configf("openid: a multi-tenant metadata url requires issuers or disabled issuer validation")
	}
	engine, err := s.newEngine(meta)
	if err != nil {
		return nil, err
	}
	s.meta, s.engine = meta, engine

	store, err := s.buildStore()
	if err != nil {
		return nil, err
	}
	s.store = store
	return s, nil
}

func (s *Strategy) newProvider(u string) (*metadata.Provider, error) {
	mopts := []metadata.Option{
		metadata.WithLogger(s.log),
		metadata.WithTimeout(s.cfg.Timeout),
		metadata.WithHTTPClient(s.client),
	}
	if s.cfg.IsB2C {
		mopts = append(mopts, metadata.WithPolicy(s.cfg.PolicyName))
	}
	return metadata.New(u, mopts...)
}

func (s *Strategy) newEngine(keys metadata.KeySource) (*jwtauth.Engine, error) {
	return jwtauth.New(jwtauth.Config{
		Keys:           keys,
		Algorithms:     s.cfg.Algorithms,
		DecryptionKeys: s.cfg.DecryptionKeys,
		Logger:         s.log,
	})
}

func (s *Strategy) buildStore() (replay.Store, error) {
	limits := replay.Limits{MaxAmount: s.cfg.NonceMax, MaxAge: s.cfg.NonceLifetime, Now: s.cfg.Now}
	switch {
	case s.cfg.Store != nil:
		return s.cfg.Store, nil
	case s.cfg.cookieStore:
		opts := s.cfg.cookieOptions
		if opts.SameSite == 0 && s.cfg.ResponseMode == ResponseModeFormPost {
			// The form_post callback is a cross-site POST.
			opts.SameSite = http.SameSiteNoneMode
		}
		return replay.NewCookieStore(s.cfg.cookieKeys, opts, limits)
	default:
		return replay.NewSessionStore(s.cfg.sessionHost, s.cfg.sessionID, "OIDC: "+s.cfg.ClientID, limits)
	}
}

// forTenant returns the provider and engine for tenant, creating them on
// first use. An empty tenant selects the configured authority.
func (s *Strategy) forTenant(tenant string) (*tenantProvider, error) {
	if tenant == "" {
		return &tenantProvider{meta: s.meta, engine: s.engine}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tp, ok := s.tenants[tenant]; ok {
		return tp, nil
	}
	u, err := tenantMetadataURL(s.meta.URL(), tenant)
	if err != nil {
		return nil, err
	}
	meta, err := s.newProvider(u)
	if err != nil {
		return nil, err
	}
	engine, err := s.newEngine(meta)
	if err != nil {
		return nil, err
	}
	tp := &tenantProvider{meta: meta, engine: engine}
	s.tenants[tenant] = tp
	return tp, nil
}

// tenantMetadataURL swaps the multi-tenant path segment of raw for tenant.
func tenantMetadataURL(raw, tenant string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	segs := strings.Split(u.Path, "/")
	for i, seg := range segs {
		switch strings.ToLower(seg) {
		case "common", "organizations", "consumers":
			segs[i] = url.PathEscape(tenant)
			u.Path = strings.Join(segs, "/")
			u.RawPath = ""
			return u.String(), nil
		}
	}
	return "", errors.New("openid: tenant given for a tenant-specific metadata url")
}

// RequestOption customizes one authorization request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	prompt      string
	loginHint   string
	domainHint  string
	resource    string
	customState string
	tenant      string
	extra       url.Values
}

// WithPrompt sets the prompt parameter (login, consent, select_account, none).
func WithPrompt(p string) RequestOption { return func(o *requestOptions) { o.prompt = p } }

func WithLoginHint(h string) RequestOption { return func(o *requestOptions) { o.loginHint = h } }

func WithDomainHint(h string) RequestOption { return func(o *requestOptions) { o.domainHint = h } }

// WithResource requests a token for the given resource URL.
func WithResource(r string) RequestOption { return func(o *requestOptions) { o.resource = r } }

// WithCustomState attaches an application value returned in
// Result.CustomState when the flow completes. It is never sent to the
// provider.
func WithCustomState(v string) RequestOption { return func(o *requestOptions) { o.customState = v } }

// WithTenant signs the user in against tenant when the configured metadata
// URL is multi-tenant.
func WithTenant(t string) RequestOption { return func(o *requestOptions) { o.tenant = t } }

// WithExtraAuthParams adds query parameters to the authorization URL.
// Parameters managed by the strategy cannot be overridden.
func WithExtraAuthParams(params url.Values) RequestOption {
	return func(o *requestOptions) {
		if o.extra == nil {
			o.extra = url.Values{}
		}
		for k, vs := range params {
			o.extra[k] = append(o.extra[k], vs...)
		}
	}
}

var reservedParams = map[string]struct{}{
	"client_id": {}, "redirect_uri": {}, "response_type": {}, "response_mode": {},
	"scope": {}, "state": {}, "nonce": {},
}

// Authenticate implements auth.Authenticator.
func (s *Strategy) Authenticate(w http.ResponseWriter, r *http.Request) auth.Result {
	return s.AuthenticateWith(w, r)
}

// AuthenticateWith is Authenticate with per-request options. Options only
// affect requests that start a new authorization.
func (s *Strategy) AuthenticateWith(w http.ResponseWriter, r *http.Request, opts ...RequestOption) auth.Result {
	ctx := logctx.WithRequest(r)

	params, isCallback, err := s.callbackParams(r)
	if err != nil {
		s.log.WarnContext(ctx, "openid.callback.invalid_request", slog.String("err", err.Error()))
		return auth.Failed(err, &auth.Challenge{Status: http.StatusBadRequest})
	}
	if isCallback {
		return s.complete(ctx, w, r, params)
	}

	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}
	return s.begin(ctx, w, r, ro)
}

func (s *Strategy) begin(ctx context.Context, w http.ResponseWriter, r *http.Request, ro requestOptions) auth.Result {
	tp, err := s.forTenant(ro.tenant)
	if err != nil {
		s.log.ErrorContext(ctx, "openid.init.tenant", slog.String("err", err.Error()))
		return auth.Result{Outcome: auth.OutcomeError, Err: err}
	}
	meta, err := tp.meta.Current(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "openid.init.metadata", slog.String("err", err.Error()))
		return auth.Failed(err, nil)
	}

	rc, err := json.Marshal(requestContext{CustomState: ro.customState, Resource: ro.resource, Tenant: ro.tenant})
	if err != nil {
		return auth.Result{Outcome: auth.OutcomeError, Err: err}
	}
	tuple := replay.Tuple{State: uuid.NewString(), Nonce: uuid.NewString(), Context: rc}
	if err := s.store.Add(w, r, tuple); err != nil {
		s.log.ErrorContext(ctx, "openid.init.store", slog.String("err", err.Error()))
		return auth.Result{Outcome: auth.OutcomeError, Err: err}
	}

	authOpts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("response_type", string(s.cfg.ResponseType)),
		oauth2.SetAuthURLParam("response_mode", string(s.cfg.ResponseMode)),
		oauth2.SetAuthURLParam("nonce", tuple.Nonce),
	}
	for k, v := range map[string]string{
		"prompt":      ro.prompt,
		"login_hint":  ro.loginHint,
		"domain_hint": ro.domainHint,
		"resource":    ro.resource,
	} {
		if v != "" {
			authOpts = append(authOpts, oauth2.SetAuthURLParam(k, v))
		}
	}
	for k, vs := range ro.extra {
		if _, reserved := reservedParams[k]; reserved || len(vs) == 0 {
			continue
		}
		authOpts = append(authOpts, oauth2.SetAuthURLParam(k, vs[0]))
	}

	target := s.oauthConfig(meta).AuthCodeURL(tuple.State, authOpts...)
	s.log.InfoContext(ctx, "openid.init.redirect", slog.String("state", tuple.State), slog.String("tenant", ro.tenant))
	return auth.Result{Outcome: auth.OutcomeRedirect, RedirectURL: target}
}

func (s *Strategy) oauthConfig(meta *metadata.Metadata) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		RedirectURL:  s.cfg.RedirectURL,
		Scopes:       s.cfg.requestScopes(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   meta.AuthorizationEndpoint,
			TokenURL:  meta.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

var _ auth.Authenticator = (*Strategy)(nil)
