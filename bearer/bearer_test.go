package bearer_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/oidcauth/auth"
	"github.com/ggoodman/oidcauth/auth/authtest"
	"github.com/ggoodman/oidcauth/bearer"
	"github.com/ggoodman/oidcauth/internal/idptest"
	"github.com/ggoodman/oidcauth/metadata"
)

type nopKeys struct{}

func (nopKeys) KeyFor(context.Context, string) (jose.JSONWebKey, error) {
	return jose.JSONWebKey{}, metadata.ErrKeyNotFound
}

func (nopKeys) Refresh(context.Context) error { return nil }

func newStrategy(t *testing.T, idp *idptest.IdP, v auth.Verifier, opts ...bearer.Option) *bearer.Strategy {
	t.Helper()
	base := []bearer.Option{
		bearer.WithMetadataURL(idp.MetadataURL()),
		bearer.WithClientID(idptest.ClientID),
		bearer.WithHTTPClient(idp.Client()),
	}
	s, err := bearer.New(v, append(base, opts...)...)
	if err != nil {
		t.Fatalf("bearer.New: %v", err)
	}
	return s
}

func withToken(raw string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api", nil)
	r.Header.Set("Authorization", "Bearer "+raw)
	return r
}

func TestAuthenticate_Success(t *testing.T) {
	idp := idptest.New(t)
	v := authtest.Accepting()
	s := newStrategy(t, idp, v)

	res := s.Authenticate(httptest.NewRecorder(), withToken(idp.Sign(t, idp.Claims(nil))))
	if res.Outcome != auth.OutcomeSuccess {
		t.Fatalf("outcome = %v, err = %v", res.Outcome, res.Err)
	}
	if res.Principal != "user-123" {
		t.Errorf("principal = %v", res.Principal)
	}
	if !res.Token.SignatureValid {
		t.Errorf("token not marked verified")
	}
	calls := v.Calls()
	if len(calls) != 1 {
		t.Fatalf("verifier calls = %d", len(calls))
	}
	if calls[0].Request != nil {
		t.Errorf("request passed without WithPassRequest")
	}
}

func TestAuthenticate_PassRequest(t *testing.T) {
	idp := idptest.New(t)
	v := authtest.Accepting()
	s := newStrategy(t, idp, v, bearer.WithPassRequest())

	res := s.Authenticate(httptest.NewRecorder(), withToken(idp.Sign(t, idp.Claims(nil))))
	if res.Outcome != auth.OutcomeSuccess {
		t.Fatalf("outcome = %v, err = %v", res.Outcome, res.Err)
	}
	if calls := v.Calls(); len(calls) != 1 || calls[0].Request == nil {
		t.Fatalf("request not passed to verifier")
	}
}

func TestAuthenticate_SPNAudience(t *testing.T) {
	idp := idptest.New(t)
	s := newStrategy(t, idp, authtest.Accepting())

	raw := idp.Sign(t, idp.Claims(jwt.MapClaims{"aud": "spn:" + idptest.ClientID}))
	if res := s.Authenticate(httptest.NewRecorder(), withToken(raw)); res.Outcome != auth.OutcomeSuccess {
		t.Fatalf("outcome = %v, err = %v", res.Outcome, res.Err)
	}
}

func TestAuthenticate_MissingToken(t *testing.T) {
	idp := idptest.New(t)
	v := authtest.Accepting()
	s := newStrategy(t, idp, v, bearer.WithRealm("orders"))

	res := s.Authenticate(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api", nil))
	if res.Outcome != auth.OutcomeFail {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if res.Err != nil {
		t.Errorf("missing token should carry no error, got %v", res.Err)
	}
	if res.Challenge == nil || res.Challenge.Status != http.StatusUnauthorized {
		t.Fatalf("challenge = %+v", res.Challenge)
	}
	if got, want := res.Challenge.WWWAuthenticate, `Bearer realm="orders"`; got != want {
		t.Errorf("WWW-Authenticate = %q, want %q", got, want)
	}
	if idp.DiscoveryHits() != 0 {
		t.Errorf("metadata fetched for a request without a token")
	}
	if len(v.Calls()) != 0 {
		t.Errorf("verifier called")
	}
}

func TestAuthenticate_NonBearerScheme(t *testing.T) {
	idp := idptest.New(t)
	s := newStrategy(t, idp, authtest.Accepting())

	r := httptest.NewRequest(http.MethodGet, "/api", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	res := s.Authenticate(httptest.NewRecorder(), r)
	if res.Outcome != auth.OutcomeFail || res.Err != nil || res.Challenge.Status != http.StatusUnauthorized {
		t.Fatalf("res = %+v", res)
	}
}

func TestAuthenticate_AmbiguousTransport(t *testing.T) {
	idp := idptest.New(t)
	raw := idp.Sign(t, idp.Claims(nil))

	tests := []struct {
		name  string
		build func() *http.Request
	}{
		{
			name: "header and query",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/api?access_token="+raw, nil)
				r.Header.Set("Authorization", "Bearer "+raw)
				return r
			},
		},
		{
			name: "two authorization headers",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/api", nil)
				r.Header.Add("Authorization", "Bearer "+raw)
				r.Header.Add("Authorization", "Bearer "+raw)
				return r
			},
		},
		{
			name: "header and parsed form",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/api", strings.NewReader("access_token="+raw))
				r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				r.Header.Set("Authorization", "Bearer "+raw)
				if err := r.ParseForm(); err != nil {
					panic(err)
				}
				return r
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStrategy(t, idp, authtest.Accepting())
			res := s.Authenticate(httptest.NewRecorder(), tt.build())
			if res.Outcome != auth.OutcomeFail {
				t.Fatalf("outcome = %v", res.Outcome)
			}
			if res.Challenge == nil || res.Challenge.Status != http.StatusBadRequest {
				t.Fatalf("challenge = %+v", res.Challenge)
			}
			if !strings.Contains(res.Challenge.WWWAuthenticate, `error="invalid_request"`) {
				t.Errorf("WWW-Authenticate = %q", res.Challenge.WWWAuthenticate)
			}
		})
	}
}

func TestAuthenticate_QueryToken(t *testing.T) {
	idp := idptest.New(t)
	s := newStrategy(t, idp, authtest.Accepting())

	r := httptest.NewRequest(http.MethodGet, "/api?access_token="+idp.Sign(t, idp.Claims(nil)), nil)
	if res := s.Authenticate(httptest.NewRecorder(), r); res.Outcome != auth.OutcomeSuccess {
		t.Fatalf("outcome = %v, err = %v", res.Outcome, res.Err)
	}
}

func TestAuthenticate_InvalidTokens(t *testing.T) {
	idp := idptest.New(t)
	now := time.Now()
	stranger := idptest.NewKey(t, "key-1")

	tests := []struct {
		name string
		opts []bearer.Option
		raw  func() string
		want error
	}{
		{
			name: "expired beyond skew",
			raw: func() string {
				return idp.Sign(t, idp.Claims(jwt.MapClaims{"exp": now.Add(-10 * time.Minute).Unix()}))
			},
			want: auth.ErrClaimExpired,
		},
		{
			name: "wrong audience",
			raw: func() string {
				return idp.Sign(t, idp.Claims(jwt.MapClaims{"aud": "someone-else"}))
			},
			want: auth.ErrClaimAudience,
		},
		{
			name: "wrong issuer",
			raw: func() string {
				return idp.Sign(t, idp.Claims(jwt.MapClaims{"iss": "https://evil.example/v2.0"}))
			},
			want: auth.ErrClaimIssuer,
		},
		{
			name: "signed by unpublished key",
			raw: func() string {
				return stranger.Sign(t, idp.Claims(nil))
			},
			want: auth.ErrSignature,
		},
		{
			name: "garbage",
			raw:  func() string { return "not.a.jwt" },
			want: auth.ErrTokenFormat,
		},
		{
			name: "missing scope",
			opts: []bearer.Option{bearer.WithScopes("orders.write")},
			raw: func() string {
				return idp.Sign(t, idp.Claims(jwt.MapClaims{"scp": "orders.read profile"}))
			},
			want: auth.ErrClaimScope,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := authtest.Accepting()
			s := newStrategy(t, idp, v, tt.opts...)
			res := s.Authenticate(httptest.NewRecorder(), withToken(tt.raw()))
			if res.Outcome != auth.OutcomeFail {
				t.Fatalf("outcome = %v", res.Outcome)
			}
			if !errors.Is(res.Err, tt.want) {
				t.Fatalf("err = %v, want %v", res.Err, tt.want)
			}
			if res.Challenge == nil || res.Challenge.Status != http.StatusUnauthorized {
				t.Fatalf("challenge = %+v", res.Challenge)
			}
			// The challenge is the same whatever the cause.
			want := auth.NewInvalidToken(bearer.DefaultRealm, "the access token is invalid").WWWAuthenticate
			if res.Challenge.WWWAuthenticate != want {
				t.Errorf("WWW-Authenticate = %q, want %q", res.Challenge.WWWAuthenticate, want)
			}
			if len(v.Calls()) != 0 {
				t.Errorf("verifier called for an invalid token")
			}
		})
	}
}

func TestAuthenticate_ClockSkew(t *testing.T) {
	idp := idptest.New(t)
	now := time.Now()
	raw := idp.Sign(t, idp.Claims(jwt.MapClaims{"exp": now.Add(-time.Minute).Unix()}))

	lenient := newStrategy(t, idp, authtest.Accepting())
	if res := lenient.Authenticate(httptest.NewRecorder(), withToken(raw)); res.Outcome != auth.OutcomeSuccess {
		t.Fatalf("default skew: outcome = %v, err = %v", res.Outcome, res.Err)
	}

	strict := newStrategy(t, idp, authtest.Accepting(), bearer.WithClockSkew(0))
	if res := strict.Authenticate(httptest.NewRecorder(), withToken(raw)); !errors.Is(res.Err, auth.ErrClaimExpired) {
		t.Fatalf("zero skew: err = %v", res.Err)
	}
}

func TestAuthenticate_Scopes(t *testing.T) {
	idp := idptest.New(t)
	s := newStrategy(t, idp, authtest.Accepting(), bearer.WithScopes("orders.write", "orders.read"))

	raw := idp.Sign(t, idp.Claims(jwt.MapClaims{"scp": "profile orders.read"}))
	if res := s.Authenticate(httptest.NewRecorder(), withToken(raw)); res.Outcome != auth.OutcomeSuccess {
		t.Fatalf("outcome = %v, err = %v", res.Outcome, res.Err)
	}
}

func TestAuthenticate_VerifierOutcomes(t *testing.T) {
	idp := idptest.New(t)
	raw := idp.Sign(t, idp.Claims(nil))

	rejected := newStrategy(t, idp, authtest.Rejecting()).Authenticate(httptest.NewRecorder(), withToken(raw))
	if rejected.Outcome != auth.OutcomeFail || rejected.Challenge == nil || rejected.Challenge.Status != http.StatusUnauthorized {
		t.Fatalf("rejecting verifier: %+v", rejected)
	}

	lookupErr := errors.New("directory unavailable")
	failed := newStrategy(t, idp, authtest.Failing(lookupErr)).Authenticate(httptest.NewRecorder(), withToken(raw))
	if failed.Outcome != auth.OutcomeError {
		t.Fatalf("failing verifier: outcome = %v", failed.Outcome)
	}
	if !errors.Is(failed.Err, lookupErr) {
		t.Fatalf("failing verifier: err = %v", failed.Err)
	}
}

func TestAuthenticate_B2CPolicy(t *testing.T) {
	idp := idptest.New(t)
	s := newStrategy(t, idp, authtest.Accepting(), bearer.WithB2CPolicy("B2C_1_signin"))

	ok := idp.Sign(t, idp.Claims(jwt.MapClaims{"tfp": "b2c_1_SignIn"}))
	if res := s.Authenticate(httptest.NewRecorder(), withToken(ok)); res.Outcome != auth.OutcomeSuccess {
		t.Fatalf("outcome = %v, err = %v", res.Outcome, res.Err)
	}

	other := idp.Sign(t, idp.Claims(jwt.MapClaims{"tfp": "B2C_1_reset"}))
	res := s.Authenticate(httptest.NewRecorder(), withToken(other))
	if auth.ReasonOf(res.Err) != auth.ReasonPolicy {
		t.Fatalf("err = %v", res.Err)
	}
}

func TestNew_MultiTenantNeedsIssuers(t *testing.T) {
	idp := idptest.New(t)
	_, err := bearer.New(authtest.Accepting(),
		bearer.WithMetadataURL(idp.CommonMetadataURL()),
		bearer.WithClientID(idptest.ClientID),
	)
	if !errors.Is(err, auth.ErrConfiguration) {
		t.Fatalf("err = %v, want configuration error", err)
	}
	if idp.DiscoveryHits() != 0 {
		t.Errorf("construction made a network call")
	}

	if _, err := bearer.New(authtest.Accepting(),
		bearer.WithMetadataURL(idp.CommonMetadataURL()),
		bearer.WithClientID(idptest.ClientID),
		bearer.WithoutIssuerValidation(),
	); err != nil {
		t.Fatalf("disabled issuer validation: %v", err)
	}
}

func TestAuthenticate_TenantIssuerTemplate(t *testing.T) {
	idp := idptest.New(t)
	s := newStrategy(t, idp, authtest.Accepting(),
		bearer.WithMetadataURL(idp.CommonMetadataURL()),
		bearer.WithIssuers(idp.URL()+"/{tenantid}/v2.0"),
	)

	raw := idp.Sign(t, idp.Claims(nil))
	if res := s.Authenticate(httptest.NewRecorder(), withToken(raw)); res.Outcome != auth.OutcomeSuccess {
		t.Fatalf("outcome = %v, err = %v", res.Outcome, res.Err)
	}

	// A token whose tid does not match the tenant in its issuer is refused.
	forged := idp.Sign(t, idp.Claims(jwt.MapClaims{"tid": "another-tenant"}))
	if res := s.Authenticate(httptest.NewRecorder(), withToken(forged)); !errors.Is(res.Err, auth.ErrClaimIssuer) {
		t.Fatalf("err = %v", res.Err)
	}
}

func TestAuthenticate_MetadataOutageRecovers(t *testing.T) {
	idp := idptest.New(t)
	s := newStrategy(t, idp, authtest.Accepting())
	raw := idp.Sign(t, idp.Claims(nil))

	idp.SetFailing(true)
	res := s.Authenticate(httptest.NewRecorder(), withToken(raw))
	if !errors.Is(res.Err, auth.ErrMetadataFetch) {
		t.Fatalf("outage: err = %v", res.Err)
	}
	if res.Challenge == nil || res.Challenge.Status != http.StatusUnauthorized {
		t.Fatalf("outage: challenge = %+v", res.Challenge)
	}

	idp.SetFailing(false)
	res = s.Authenticate(httptest.NewRecorder(), withToken(raw))
	if res.Outcome != auth.OutcomeSuccess {
		t.Fatalf("after recovery: outcome = %v, err = %v", res.Outcome, res.Err)
	}
}

func TestAuthenticate_EncryptedToken(t *testing.T) {
	idp := idptest.New(t)
	enc := idptest.NewKey(t, "enc-1")
	s := newStrategy(t, idp, authtest.Accepting(),
		bearer.WithDecryptionKeys(jose.JSONWebKey{Key: enc.Private, KeyID: enc.ID}))

	raw := idptest.Encrypt(t, idp.Sign(t, idp.Claims(nil)), enc)
	res := s.Authenticate(httptest.NewRecorder(), withToken(raw))
	if res.Outcome != auth.OutcomeSuccess {
		t.Fatalf("outcome = %v, err = %v", res.Outcome, res.Err)
	}
	if strings.Count(res.Token.Raw, ".") != 2 {
		t.Errorf("token raw is not the inner JWS")
	}

	wrong := idptest.Encrypt(t, idp.Sign(t, idp.Claims(nil)), idptest.NewKey(t, "enc-2"))
	if res := s.Authenticate(httptest.NewRecorder(), withToken(wrong)); !errors.Is(res.Err, auth.ErrDecrypt) {
		t.Fatalf("err = %v", res.Err)
	}
}

func TestMiddleware(t *testing.T) {
	idp := idptest.New(t)
	s := newStrategy(t, idp, authtest.Accepting())

	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			t.Errorf("no principal in context")
		}
		_, _ = w.Write([]byte(p.(string)))
	})
	h := auth.Middleware(s, api)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withToken(idp.Sign(t, idp.Claims(nil))))
	if rec.Code != http.StatusOK || rec.Body.String() != "user-123" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Errorf("missing WWW-Authenticate")
	}
}

func TestLoggingRedactsClaims(t *testing.T) {
	idp := idptest.New(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	s := newStrategy(t, idp, authtest.Accepting(), bearer.WithLogger(logger), bearer.WithLogging(slog.LevelDebug, true))
	if res := s.Authenticate(httptest.NewRecorder(), withToken(idp.Sign(t, idp.Claims(nil)))); res.Outcome != auth.OutcomeSuccess {
		t.Fatalf("outcome = %v, err = %v", res.Outcome, res.Err)
	}
	out := buf.String()
	if !strings.Contains(out, "bearer.auth.ok") {
		t.Fatalf("no success log line:\n%s", out)
	}
	if strings.Contains(out, "user-123") {
		t.Errorf("subject leaked into logs:\n%s", out)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		opts []bearer.Option
	}{
		{name: "no client id", opts: []bearer.Option{bearer.WithMetadataURL("https://login.example/t/v2.0/.well-known/openid-configuration")}},
		{name: "no metadata", opts: []bearer.Option{bearer.WithClientID("c")}},
		{name: "plain http metadata", opts: []bearer.Option{bearer.WithClientID("c"), bearer.WithMetadataURL("http://login.example/.well-known/openid-configuration")}},
		{name: "bad b2c policy", opts: []bearer.Option{bearer.WithClientID("c"), bearer.WithMetadataURL("https://login.example/.well-known/openid-configuration"), bearer.WithB2CPolicy("signin")}},
		{name: "negative skew", opts: []bearer.Option{bearer.WithClientID("c"), bearer.WithMetadataURL("https://login.example/.well-known/openid-configuration"), bearer.WithClockSkew(-time.Second)}},
		{name: "alg none", opts: []bearer.Option{bearer.WithClientID("c"), bearer.WithMetadataURL("https://login.example/.well-known/openid-configuration"), bearer.WithAlgorithms("none")}},
		{name: "key source without issuers", opts: []bearer.Option{bearer.WithClientID("c"), bearer.WithKeySource(nopKeys{})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bearer.New(authtest.Accepting(), tt.opts...)
			if !errors.Is(err, auth.ErrConfiguration) {
				t.Fatalf("err = %v, want configuration error", err)
			}
		})
	}

	if _, err := bearer.New(nil, bearer.WithClientID("c"), bearer.WithMetadataURL("https://login.example/.well-known/openid-configuration")); !errors.Is(err, auth.ErrConfiguration) {
		t.Fatalf("nil verifier: %v", err)
	}
}

func TestOptionsFromEnv(t *testing.T) {
	idp := idptest.New(t)
	t.Setenv("OIDCAUTH_METADATA_URL", idp.MetadataURL())
	t.Setenv("OIDCAUTH_CLIENT_ID", idptest.ClientID)
	t.Setenv("OIDCAUTH_SCOPES", "orders.read;orders.write")
	t.Setenv("OIDCAUTH_CLOCK_SKEW", "30s")

	opts, err := bearer.OptionsFromEnv()
	if err != nil {
		t.Fatalf("OptionsFromEnv: %v", err)
	}
	s, err := bearer.New(authtest.Accepting(), append(opts, bearer.WithHTTPClient(idp.Client()))...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ok := idp.Sign(t, idp.Claims(jwt.MapClaims{"scp": "orders.write"}))
	if res := s.Authenticate(httptest.NewRecorder(), withToken(ok)); res.Outcome != auth.OutcomeSuccess {
		t.Fatalf("outcome = %v, err = %v", res.Outcome, res.Err)
	}
	noScope := idp.Sign(t, idp.Claims(jwt.MapClaims{"scp": "profile"}))
	if res := s.Authenticate(httptest.NewRecorder(), withToken(noScope)); !errors.Is(res.Err, auth.ErrClaimScope) {
		t.Fatalf("err = %v", res.Err)
	}
	expired := idp.Sign(t, idp.Claims(jwt.MapClaims{"scp": "orders.write", "exp": time.Now().Add(-time.Minute).Unix()}))
	if res := s.Authenticate(httptest.NewRecorder(), withToken(expired)); !errors.Is(res.Err, auth.ErrClaimExpired) {
		t.Fatalf("30s skew: err = %v", res.Err)
	}
}

func TestOptionsFromEnv_BadLevel(t *testing.T) {
	t.Setenv("OIDCAUTH_LOG_LEVEL", "chatty")
	if _, err := bearer.OptionsFromEnv(); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}
