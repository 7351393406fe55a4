package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	jose "github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"

	"github.com/ggoodman/oidcauth/auth"
)

const (
	// DefaultRefreshInterval bounds how often an unknown key id may trigger
	// a refetch.
	DefaultRefreshInterval = 5 * time.Minute
	// DefaultTimeout applies to each discovery and key set request.
	DefaultTimeout = 10 * time.Second

	maxDocumentSize   = 1 << 20
	tenantPlaceholder = "{tenantid}"
)

// ErrKeyNotFound is returned by KeyFor when no key matches the key id.
var ErrKeyNotFound = errors.New("metadata: signing key not found")

// KeySource resolves signing keys by key id.
type KeySource interface {
	KeyFor(ctx context.Context, kid string) (jose.JSONWebKey, error)
	// Refresh refetches key material unless that happened recently. It is
	// called at most once per verification when a key id is unknown.
	Refresh(ctx context.Context) error
}

// Metadata is an immutable snapshot of the provider's discovery document and
// signing keys.
type Metadata struct {
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserinfoEndpoint      string
	EndSessionEndpoint    string
	JWKSURI               string
	SigningAlgorithms     []string
	FetchedAt             time.Time

	keys   map[string]jose.JSONWebKey
	config oidc.ProviderConfig
}

// Key returns the key for kid. An empty kid matches only when the set holds a
// single key.
func (m *Metadata) Key(kid string) (jose.JSONWebKey, bool) {
	if kid == "" {
		if len(m.keys) == 1 {
			for _, k := range m.keys {
				return k, true
			}
		}
		return jose.JSONWebKey{}, false
	}
	k, ok := m.keys[kid]
	return k, ok
}

// KeyIDs returns the known key ids.
func (m *Metadata) KeyIDs() []string {
	ids := make([]string, 0, len(m.keys))
	for id := range m.keys {
		ids = append(ids, id)
	}
	return ids
}

// ProviderConfig returns the go-oidc view of the discovery document.
func (m *Metadata) ProviderConfig() oidc.ProviderConfig { return m.config }

// discoveryDocument extends go-oidc's ProviderConfig with the fields it does
// not model.
type discoveryDocument struct {
	oidc.ProviderConfig
	EndSessionURL string `json:"end_session_endpoint"`
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient sets the client used for discovery and key set requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// WithRefreshInterval sets the window during which Refresh is a no-op after a
// refresh already happened.
func WithRefreshInterval(d time.Duration) Option {
	return func(p *Provider) { p.window = d }
}

// WithTimeout bounds each network request.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// WithPolicy adds the B2C "p" query parameter to the metadata URL.
func WithPolicy(policy string) Option {
	return func(p *Provider) { p.policy = policy }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// Provider fetches and caches an identity provider's discovery document and
// signing keys. It is safe for concurrent use and is meant to be shared by
// every strategy talking to the same authority.
type Provider struct {
	url     string
	client  *http.Client
	log     *slog.Logger
	window  time.Duration
	timeout time.Duration
	policy  string
	now     func() time.Time
	common  bool

	snap        atomic.Pointer[Metadata]
	lastRefresh atomic.Int64
	group       singleflight.Group
}

// New returns a Provider for the discovery document at metadataURL. The URL
// must be https. No network call is made until the first use.
func New(metadataURL string, opts ...Option) (*Provider, error) {
	p := &Provider{
		client:  http.DefaultClient,
		log:     slog.Default(),
		window:  DefaultRefreshInterval,
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	u, err := url.Parse(metadataURL)
	if err != nil {
		return nil, auth.Configf("metadata: invalid url: %v", err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return nil, auth.Configf("metadata: url must be an absolute https url, got %q", metadataURL)
	}
	if p.policy != "" {
		q := u.Query()
		if q.Get("p") == "" {
			q.Set("p", p.policy)
			u.RawQuery = q.Encode()
		}
	}
	p.url = u.String()
	p.common = isCommonPath(u.Path)
	return p, nil
}

// URL returns the effective metadata URL.
func (p *Provider) URL() string { return p.url }

// IsCommonEndpoint reports whether the metadata URL addresses a multi-tenant
// ("common", "organizations" or "consumers") endpoint. Such documents do not
// carry a single trustworthy issuer.
func (p *Provider) IsCommonEndpoint() bool { return p.common }

func isCommonPath(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		switch strings.ToLower(seg) {
		case "common", "organizations", "consumers":
			return true
		}
	}
	return false
}

// IssuerForTenant substitutes tenant into a templated issuer such as
// "https://login.microsoftonline.com/{tenantid}/v2.0".
func IssuerForTenant(issuer, tenant string) string {
	return strings.ReplaceAll(issuer, tenantPlaceholder, tenant)
}

// Cached returns the current snapshot without any network call.
func (p *Provider) Cached() *Metadata { return p.snap.Load() }

// Current returns the cached snapshot, fetching it on first use.
func (p *Provider) Current(ctx context.Context) (*Metadata, error) {
	if m := p.snap.Load(); m != nil {
		return m, nil
	}
	return p.Fetch(ctx)
}

// Fetch retrieves the discovery document and key set and replaces the cache.
// Concurrent callers share one in-flight fetch. The fetch itself is detached
// from ctx cancellation so that its result is still cached when the
// triggering request goes away.
//
// When the fetch fails, or ctx ends before it completes, and a previous
// snapshot exists, that snapshot is returned without error.
func (p *Provider) Fetch(ctx context.Context) (*Metadata, error) {
	ch := p.group.DoChan("fetch", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		return p.fetch(fctx)
	})

	select {
	case <-ctx.Done():
		if prev := p.snap.Load(); prev != nil {
			return prev, nil
		}
		return nil, auth.Wrap(auth.KindMetadataFetch, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			if prev := p.snap.Load(); prev != nil {
				p.log.WarnContext(ctx, "metadata.fetch.stale", slog.String("err", res.Err.Error()), slog.Time("fetched_at", prev.FetchedAt))
				return prev, nil
			}
			p.log.ErrorContext(ctx, "metadata.fetch.fail", slog.String("err", res.Err.Error()))
			return nil, res.Err
		}
		return res.Val.(*Metadata), nil
	}
}

// Refresh refetches metadata unless a refresh already ran within the
// refresh interval.
func (p *Provider) Refresh(ctx context.Context) error {
	now := p.now()
	if last := p.lastRefresh.Load(); last != 0 && now.Sub(time.Unix(0, last)) < p.window {
		p.log.DebugContext(ctx, "metadata.refresh.skip")
		return nil
	}
	p.lastRefresh.Store(now.UnixNano())
	_, err := p.Fetch(ctx)
	return err
}

// KeyFor resolves kid against the cached key set. It does not refresh on a
// miss; see Refresh.
func (p *Provider) KeyFor(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	m, err := p.Current(ctx)
	if err != nil {
		return jose.JSONWebKey{}, err
	}
	k, ok := m.Key(kid)
	if !ok {
		return jose.JSONWebKey{}, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}
	return k, nil
}

func (p *Provider) fetch(ctx context.Context) (*Metadata, error) {
	start := p.now()

	var doc discoveryDocument
	if err := p.getJSON(ctx, p.url, &doc); err != nil {
		return nil, auth.Wrap(auth.KindMetadataFetch, fmt.Errorf("discovery: %w", err))
	}

	missing := []string{}
	if doc.IssuerURL == "" {
		missing = append(missing, "issuer")
	}
	if doc.AuthURL == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if doc.TokenURL == "" {
		missing = append(missing, "token_endpoint")
	}
	if doc.JWKSURL == "" {
		missing = append(missing, "jwks_uri")
	}
	if len(missing) > 0 {
		return nil, auth.Wrap(auth.KindMetadataFetch, fmt.Errorf("discovery incomplete: missing %s", strings.Join(missing, ", ")))
	}
	if ju, err := url.Parse(doc.JWKSURL); err != nil || ju.Scheme != "https" {
		return nil, auth.Wrap(auth.KindMetadataFetch, fmt.Errorf("jwks_uri must be https: %q", doc.JWKSURL))
	}

	raw, err := p.get(ctx, doc.JWKSURL)
	if err != nil {
		return nil, auth.Wrap(auth.KindMetadataFetch, fmt.Errorf("jwks: %w", err))
	}
	keys, err := parseKeySet(raw)
	if err != nil {
		return nil, auth.Wrap(auth.KindMetadataFetch, fmt.Errorf("jwks: %w", err))
	}

	m := &Metadata{
		Issuer:                doc.IssuerURL,
		AuthorizationEndpoint: doc.AuthURL,
		TokenEndpoint:         doc.TokenURL,
		UserinfoEndpoint:      doc.UserInfoURL,
		EndSessionEndpoint:    doc.EndSessionURL,
		JWKSURI:               doc.JWKSURL,
		SigningAlgorithms:     append([]string(nil), doc.Algorithms...),
		FetchedAt:             p.now(),
		keys:                  keys,
		config:                doc.ProviderConfig,
	}
	p.snap.Store(m)
	p.log.InfoContext(ctx, "metadata.fetch.ok", slog.Int("keys", len(keys)), slog.Duration("dur", p.now().Sub(start)))
	return m, nil
}

func (p *Provider) getJSON(ctx context.Context, u string, v any) error {
	raw, err := p.get(ctx, u)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", u, err)
	}
	return nil
}

func (p *Provider) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d", u, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
}

var _ KeySource = (*Provider)(nil)
