package jwtauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/oidcauth/auth"
	"github.com/ggoodman/oidcauth/internal/idptest"
	"github.com/ggoodman/oidcauth/metadata"
)

func newEngine(t *testing.T, idp *idptest.IdP, cfg Config) (*Engine, *metadata.Provider) {
	t.Helper()
	p, err := metadata.New(idp.MetadataURL(), metadata.WithHTTPClient(idp.Client()))
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	cfg.Keys = p
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return e, p
}

// countingKeys wraps a KeySource and counts refreshes.
type countingKeys struct {
	metadata.KeySource
	refreshes int
}

func (c *countingKeys) Refresh(ctx context.Context) error {
	c.refreshes++
	return c.KeySource.Refresh(ctx)
}

func encodeSegment(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func TestVerify_HappyPath(t *testing.T) {
	idp := idptest.New(t)
	e, _ := newEngine(t, idp, Config{})

	raw := idp.Sign(t, idp.Claims(nil))
	tok, err := e.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !tok.SignatureValid {
		t.Fatalf("signature should be marked valid")
	}
	if tok.Subject() != "user-123" || tok.KeyID() != "key-1" {
		t.Fatalf("unexpected token: sub=%s kid=%s", tok.Subject(), tok.KeyID())
	}
	if strings.Join(tok.RawSegments, ".") != raw {
		t.Fatalf("raw segments do not reassemble the token")
	}
}

func TestVerify_RejectsNone(t *testing.T) {
	idp := idptest.New(t)
	e, _ := newEngine(t, idp, Config{})

	raw := encodeSegment(t, map[string]any{"alg": "none", "typ": "JWT"}) + "." +
		encodeSegment(t, idp.Claims(nil)) + "."
	_, err := e.Verify(context.Background(), raw)
	if !errors.Is(err, auth.ErrSignature) {
		t.Fatalf("want signature error, got %v", err)
	}
}

func TestVerify_RejectsDisallowedAlgorithm(t *testing.T) {
	idp := idptest.New(t)
	e, _ := newEngine(t, idp, Config{})

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, idp.Claims(nil))
	tok.Header["kid"] = "key-1"
	raw, err := tok.SignedString([]byte("shared"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := e.Verify(context.Background(), raw); !errors.Is(err, auth.ErrSignature) {
		t.Fatalf("want signature error, got %v", err)
	}
}

func TestVerify_TamperedPayload(t *testing.T) {
	idp := idptest.New(t)
	e, _ := newEngine(t, idp, Config{})

	parts := strings.Split(idp.Sign(t, idp.Claims(nil)), ".")
	parts[1] = encodeSegment(t, idp.Claims(jwt.MapClaims{"sub": "mallory"}))
	_, err := e.Verify(context.Background(), strings.Join(parts, "."))
	if !errors.Is(err, auth.ErrSignature) {
		t.Fatalf("want signature error, got %v", err)
	}
}

func TestVerify_Malformed(t *testing.T) {
	idp := idptest.New(t)
	e, _ := newEngine(t, idp, Config{})

	for _, raw := range []string{"", "abc", "a.b", "a.b.c.d", "!!!.e30.sig", "e30.!!!.sig"} {
		if _, err := e.Verify(context.Background(), raw); !errors.Is(err, auth.ErrTokenFormat) {
			t.Errorf("%q: want token format error, got %v", raw, err)
		}
	}
}

func TestVerify_UnknownKidRefreshesOnce(t *testing.T) {
	idp := idptest.New(t)
	p, err := metadata.New(idp.MetadataURL(), metadata.WithHTTPClient(idp.Client()))
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	keys := &countingKeys{KeySource: p}
	e, err := New(Config{Keys: keys})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	stranger := idptest.NewKey(t, "unpublished")
	raw := stranger.Sign(t, idp.Claims(nil))

	_, err = e.Verify(context.Background(), raw)
	if !errors.Is(err, auth.ErrSignature) {
		t.Fatalf("want signature error, got %v", err)
	}
	if keys.refreshes != 1 {
		t.Fatalf("refreshes = %d, want 1", keys.refreshes)
	}
	hits := idp.DiscoveryHits()

	// Second attempt inside the refresh window must not hit the network again.
	if _, err := e.Verify(context.Background(), raw); !errors.Is(err, auth.ErrSignature) {
		t.Fatalf("want signature error, got %v", err)
	}
	if idp.DiscoveryHits() != hits {
		t.Fatalf("unexpected refetch: %d -> %d", hits, idp.DiscoveryHits())
	}
}

func TestVerify_KeyRotation(t *testing.T) {
	idp := idptest.New(t)
	e, p := newEngine(t, idp, Config{})
	if _, err := p.Current(context.Background()); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	rotated := idptest.NewKey(t, "key-2")
	idp.Publish(rotated)

	tok, err := e.Verify(context.Background(), rotated.Sign(t, idp.Claims(nil)))
	if err != nil {
		t.Fatalf("verify after rotation: %v", err)
	}
	if tok.KeyID() != "key-2" {
		t.Fatalf("kid = %s", tok.KeyID())
	}
}

func TestVerify_KeyAlgorithmMismatch(t *testing.T) {
	idp := idptest.New(t)
	k := idp.SigningKey()
	jwk := k.JWK()
	jwk.Algorithm = "RS512"
	raw, _ := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	idp.SetJWKS(raw)

	e, _ := newEngine(t, idp, Config{Algorithms: []string{"RS256", "RS512"}})
	if _, err := e.Verify(context.Background(), idp.Sign(t, idp.Claims(nil))); !errors.Is(err, auth.ErrSignature) {
		t.Fatalf("want signature error, got %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	idp := idptest.New(t)
	p, _ := metadata.New(idp.MetadataURL())

	if _, err := New(Config{}); !errors.Is(err, auth.ErrConfiguration) {
		t.Errorf("missing key source: %v", err)
	}
	if _, err := New(Config{Keys: p, Algorithms: []string{"none"}}); !errors.Is(err, auth.ErrConfiguration) {
		t.Errorf("none alg: %v", err)
	}
	if _, err := New(Config{Keys: p, Algorithms: []string{"XX999"}}); !errors.Is(err, auth.ErrConfiguration) {
		t.Errorf("unknown alg: %v", err)
	}
}

func TestDecryptIfNeeded(t *testing.T) {
	idp := idptest.New(t)
	old := idptest.NewKey(t, "enc-old")
	current := idptest.NewKey(t, "enc-current")
	e, _ := newEngine(t, idp, Config{DecryptionKeys: []jose.JSONWebKey{
		{Key: current.Private, KeyID: current.ID},
		{Key: old.Private, KeyID: old.ID},
	}})
	ctx := context.Background()

	inner := idp.Sign(t, idp.Claims(nil))

	// Plain JWS passes through untouched.
	if got, err := e.DecryptIfNeeded(ctx, inner); err != nil || got != inner {
		t.Fatalf("passthrough: %v", err)
	}

	// A token encrypted to the previous key still opens.
	got, err := e.DecryptIfNeeded(ctx, idptest.Encrypt(t, inner, old))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != inner {
		t.Fatalf("decrypted payload mismatch")
	}
	if _, err := e.Verify(ctx, got); err != nil {
		t.Fatalf("verify inner: %v", err)
	}

	stranger := idptest.NewKey(t, "enc-other")
	if _, err := e.DecryptIfNeeded(ctx, idptest.Encrypt(t, inner, stranger)); !errors.Is(err, auth.ErrDecrypt) {
		t.Fatalf("want decrypt error, got %v", err)
	}
}

func TestDecryptWithoutKeys(t *testing.T) {
	idp := idptest.New(t)
	e, _ := newEngine(t, idp, Config{})
	jwe := idptest.Encrypt(t, idp.Sign(t, idp.Claims(nil)), idptest.NewKey(t, "enc"))
	if _, err := e.DecryptIfNeeded(context.Background(), jwe); !errors.Is(err, auth.ErrDecrypt) {
		t.Fatalf("want decrypt error, got %v", err)
	}
}
