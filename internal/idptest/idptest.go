// Package idptest runs an in-process identity provider over TLS for tests:
// discovery, JWKS, token and userinfo endpoints, with knobs for key rotation
// and outages.
package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	ClientID     = "11111111-2222-3333-4444-555555555555"
	ClientSecret = "s3cr3t"
	TenantPath   = "/tenant/v2.0"
)

// Key is an RSA signing key known to the IdP.
type Key struct {
	ID      string
	Private *rsa.PrivateKey
}

// Sign returns a compact RS256 JWS over claims with kid set to k.ID.
func (k *Key) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = k.ID
	s, err := tok.SignedString(k.Private)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

// JWK returns the public half as a JSON Web Key.
func (k *Key) JWK() jose.JSONWebKey {
	return jose.JSONWebKey{Key: &k.Private.PublicKey, KeyID: k.ID, Algorithm: "RS256", Use: "sig"}
}

// NewKey generates a fresh 2048-bit key.
func NewKey(t testing.TB, id string) *Key {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	return &Key{ID: id, Private: pk}
}

// Grant is what the token endpoint returns for a redeemed code.
type Grant struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
}

// IdP is a fake authority. Its zero configuration publishes one signing key
// and issues tokens for ClientID.
type IdP struct {
	Server *httptest.Server
	// Issuer is the issuer tokens are minted with; it defaults to the
	// server URL plus TenantPath.
	Issuer string

	mu          sync.Mutex
	keys        []*Key
	rawJWKS     []byte
	mutateDoc   func(map[string]any)
	codes       map[string]Grant
	userinfo    map[string]any
	assertKey   *rsa.PublicKey
	lastForm    url.Values
	failing     atomic.Bool
	discoveries atomic.Int64
	jwksHits    atomic.Int64
}

// New starts an IdP that is closed when the test ends.
func New(t testing.TB) *IdP {
	t.Helper()
	p := &IdP{codes: map[string]Grant{}}
	p.keys = []*Key{NewKey(t, "key-1")}

	mux := http.NewServeMux()
	mux.HandleFunc("/", p.serveDiscovery)
	mux.HandleFunc("/keys", p.serveJWKS)
	mux.HandleFunc("/token", p.serveToken)
	mux.HandleFunc("/userinfo", p.serveUserInfo)
	p.Server = httptest.NewTLSServer(mux)
	p.Issuer = p.Server.URL + TenantPath
	t.Cleanup(p.Server.Close)
	return p
}

// URL is the server base URL.
func (p *IdP) URL() string { return p.Server.URL }

// MetadataURL is the tenant-specific discovery URL.
func (p *IdP) MetadataURL() string {
	return p.Server.URL + TenantPath + "/.well-known/openid-configuration"
}

// CommonMetadataURL is a multi-tenant discovery URL.
func (p *IdP) CommonMetadataURL() string {
	return p.Server.URL + "/common/v2.0/.well-known/openid-configuration"
}

// Client trusts the server's certificate.
func (p *IdP) Client() *http.Client { return p.Server.Client() }

// TokenURL is the token endpoint.
func (p *IdP) TokenURL() string { return p.Server.URL + "/token" }

// SigningKey returns the first published key.
func (p *IdP) SigningKey() *Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keys[0]
}

// Publish adds k to the published key set.
func (p *IdP) Publish(k *Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, k)
}

// SetJWKS replaces the key set document verbatim. Pass nil to go back to the
// published keys.
func (p *IdP) SetJWKS(raw []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rawJWKS = raw
}

// MutateDiscovery registers fn to edit every discovery document served.
func (p *IdP) MutateDiscovery(fn func(doc map[string]any)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mutateDoc = fn
}

// SetFailing makes discovery and key set requests return 503.
func (p *IdP) SetFailing(v bool) { p.failing.Store(v) }

// DiscoveryHits counts discovery document requests.
func (p *IdP) DiscoveryHits() int64 { return p.discoveries.Load() }

// JWKSHits counts key set requests.
func (p *IdP) JWKSHits() int64 { return p.jwksHits.Load() }

// Claims returns a valid claim set for ClientID, with overrides applied. A nil
// override value deletes the claim.
func (p *IdP) Claims(overrides jwt.MapClaims) jwt.MapClaims {
	now := time.Now()
	c := jwt.MapClaims{
		"iss": p.Issuer,
		"aud": ClientID,
		"sub": "user-123",
		"oid": "oid-123",
		"tid": "tenant",
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	for k, v := range overrides {
		if v == nil {
			delete(c, k)
			continue
		}
		c[k] = v
	}
	return c
}

// Sign signs claims with the first published key.
func (p *IdP) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	return p.SigningKey().Sign(t, claims)
}

// IssueCode registers an authorization code redeemable once at the token
// endpoint.
func (p *IdP) IssueCode(code string, g Grant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.codes[code] = g
}

// SetUserInfo sets the document returned by the userinfo endpoint.
func (p *IdP) SetUserInfo(doc map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userinfo = doc
}

// TrustAssertionKey makes the token endpoint accept client assertions signed
// by pub instead of the client secret.
func (p *IdP) TrustAssertionKey(pub *rsa.PublicKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assertKey = pub
}

// LastTokenForm returns the form of the most recent token request.
func (p *IdP) LastTokenForm() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastForm
}

// Encrypt wraps a compact token in a JWE for key (RSA-OAEP, A256GCM).
func Encrypt(t testing.TB, token string, key *Key) string {
	t.Helper()
	enc, err := jose.NewEncrypter(jose.A256GCM,
		jose.Recipient{Algorithm: jose.RSA_OAEP, Key: &key.Private.PublicKey, KeyID: key.ID},
		(&jose.EncrypterOptions{}).WithContentType("JWT"))
	if err != nil {
		t.Fatalf("encrypter: %v", err)
	}
	obj, err := enc.Encrypt([]byte(token))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	s, err := obj.CompactSerialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return s
}

// CodeHash computes the c_hash of code for an RS256 id_token.
func CodeHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

// NewState returns a random opaque value.
func NewState() string { return uuid.NewString() }

func (p *IdP) serveDiscovery(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/.well-known/openid-configuration") {
		http.NotFound(w, r)
		return
	}
	p.discoveries.Add(1)
	if p.failing.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	doc := map[string]any{
		"issuer":                                p.Issuer,
		"authorization_endpoint":                p.Server.URL + "/authorize",
		"token_endpoint":                        p.TokenURL(),
		"userinfo_endpoint":                     p.Server.URL + "/userinfo",
		"end_session_endpoint":                  p.Server.URL + "/logout",
		"jwks_uri":                              p.Server.URL + "/keys",
		"response_types_supported":              []string{"code", "id_token", "code id_token"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	}
	p.mu.Lock()
	mutate := p.mutateDoc
	p.mu.Unlock()
	if mutate != nil {
		mutate(doc)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (p *IdP) serveJWKS(w http.ResponseWriter, r *http.Request) {
	p.jwksHits.Add(1)
	if p.failing.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	p.mu.Lock()
	raw := p.rawJWKS
	set := jose.JSONWebKeySet{}
	for _, k := range p.keys {
		set.Keys = append(set.Keys, k.JWK())
	}
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if raw != nil {
		_, _ = w.Write(raw)
		return
	}
	_ = json.NewEncoder(w).Encode(set)
}

func (p *IdP) serveToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		tokenError(w, "invalid_request", err.Error())
		return
	}

	p.mu.Lock()
	p.lastForm = r.PostForm
	assertKey := p.assertKey
	g, ok := p.codes[r.PostForm.Get("code")]
	if ok {
		delete(p.codes, r.PostForm.Get("code"))
	}
	p.mu.Unlock()

	if r.PostForm.Get("grant_type") != "authorization_code" {
		tokenError(w, "unsupported_grant_type", "")
		return
	}
	if !p.clientAuthenticated(r.PostForm, assertKey) {
		tokenError(w, "invalid_client", "client authentication failed")
		return
	}
	if !ok {
		tokenError(w, "invalid_grant", "unknown or redeemed code")
		return
	}

	resp := map[string]any{
		"token_type": "Bearer",
		"expires_in": 3600,
	}
	if g.AccessToken != "" {
		resp["access_token"] = g.AccessToken
	}
	if g.IDToken != "" {
		resp["id_token"] = g.IDToken
	}
	if g.RefreshToken != "" {
		resp["refresh_token"] = g.RefreshToken
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (p *IdP) clientAuthenticated(form url.Values, assertKey *rsa.PublicKey) bool {
	if form.Get("client_id") != ClientID {
		return false
	}
	if assertKey == nil {
		return form.Get("client_secret") == ClientSecret
	}
	if form.Get("client_assertion_type") != "urn:ietf:params:oauth:client-assertion-type:jwt-bearer" {
		return false
	}
	_, err := jwt.Parse(form.Get("client_assertion"), func(*jwt.Token) (any, error) { return assertKey, nil },
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(p.TokenURL()),
		jwt.WithIssuer(ClientID),
		jwt.WithSubject(ClientID),
		jwt.WithExpirationRequired(),
	)
	return err == nil
}

func (p *IdP) serveUserInfo(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	p.mu.Lock()
	doc := p.userinfo
	p.mu.Unlock()
	if doc == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func tokenError(w http.ResponseWriter, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}
