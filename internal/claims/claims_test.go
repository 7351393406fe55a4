package claims

import (
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/oidcauth/auth"
)

var t0 = time.Unix(1_700_000_000, 0)

func at(ts time.Time) func() time.Time { return func() time.Time { return ts } }

func baseClaims() auth.Claims {
	return auth.Claims{
		"iss": "https://login.example.com/tenant/v2.0",
		"aud": "clientA",
		"sub": "user-1",
		"nbf": float64(t0.Add(-time.Minute).Unix()),
		"exp": float64(t0.Add(time.Hour).Unix()),
	}
}

func basePolicy() Policy {
	return Policy{
		ValidateIssuer: true,
		Issuers:        []string{"https://login.example.com/tenant/v2.0"},
		Audiences:      []string{"clientA"},
		ClientID:       "clientA",
		ClockSkew:      5 * time.Minute,
		Now:            at(t0),
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(auth.Claims, *Policy)
		reason auth.Reason
	}{
		{name: "ok", mutate: func(auth.Claims, *Policy) {}},
		{name: "issuer mismatch", mutate: func(c auth.Claims, _ *Policy) { c["iss"] = "https://evil" }, reason: auth.ReasonIssuer},
		{name: "issuer missing", mutate: func(c auth.Claims, _ *Policy) { delete(c, "iss") }, reason: auth.ReasonIssuer},
		{name: "issuer check disabled", mutate: func(c auth.Claims, p *Policy) {
			c["iss"] = "https://anyone"
			p.ValidateIssuer = false
		}},
		{name: "audience mismatch", mutate: func(c auth.Claims, _ *Policy) { c["aud"] = "clientB" }, reason: auth.ReasonAudience},
		{name: "audience missing", mutate: func(c auth.Claims, _ *Policy) { delete(c, "aud") }, reason: auth.ReasonAudience},
		{name: "audience skipped when unset", mutate: func(c auth.Claims, p *Policy) {
			c["aud"] = "whatever"
			p.Audiences = nil
		}},
		{name: "expired", mutate: func(c auth.Claims, _ *Policy) {
			c["exp"] = float64(t0.Add(-time.Hour).Unix())
		}, reason: auth.ReasonExpired},
		{name: "not yet valid", mutate: func(c auth.Claims, _ *Policy) {
			c["nbf"] = float64(t0.Add(time.Hour).Unix())
		}, reason: auth.ReasonNotYetValid},
		{name: "exp missing", mutate: func(c auth.Claims, _ *Policy) { delete(c, "exp") }, reason: auth.ReasonMissingClaim},
		{name: "nonce match", mutate: func(c auth.Claims, p *Policy) {
			c["nonce"] = "N1"
			p.Nonce = "N1"
		}},
		{name: "nonce mismatch", mutate: func(c auth.Claims, p *Policy) {
			c["nonce"] = "N2"
			p.Nonce = "N1"
		}, reason: auth.ReasonNonce},
		{name: "nonce missing", mutate: func(_ auth.Claims, p *Policy) { p.Nonce = "N1" }, reason: auth.ReasonNonce},
		{name: "scope scp", mutate: func(c auth.Claims, p *Policy) {
			c["scp"] = "read write"
			p.Scopes = []string{"write"}
		}},
		{name: "scope claim", mutate: func(c auth.Claims, p *Policy) {
			c["scope"] = "api.read"
			p.Scopes = []string{"api.read"}
		}},
		{name: "scope missing", mutate: func(c auth.Claims, p *Policy) {
			c["scp"] = "read"
			p.Scopes = []string{"admin"}
		}, reason: auth.ReasonScope},
		{name: "b2c policy tfp", mutate: func(c auth.Claims, p *Policy) {
			c["tfp"] = "b2c_1_signin"
			p.B2CPolicy = "B2C_1_signin"
		}},
		{name: "b2c policy acr", mutate: func(c auth.Claims, p *Policy) {
			c["acr"] = "B2C_1_signin"
			p.B2CPolicy = "B2C_1_signin"
		}},
		{name: "b2c policy mismatch", mutate: func(c auth.Claims, p *Policy) {
			c["tfp"] = "B2C_1_other"
			p.B2CPolicy = "B2C_1_signin"
		}, reason: auth.ReasonPolicy},
		{name: "azp required for multiple audiences", mutate: func(c auth.Claims, p *Policy) {
			c["aud"] = []any{"clientA", "clientB"}
			p.AllowMultipleAudiences = true
		}, reason: auth.ReasonAuthorizedParty},
		{name: "azp mismatch", mutate: func(c auth.Claims, p *Policy) {
			c["aud"] = []any{"clientA", "clientB"}
			c["azp"] = "clientB"
			p.AllowMultipleAudiences = true
		}, reason: auth.ReasonAuthorizedParty},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := baseClaims()
			p := basePolicy()
			tc.mutate(c, &p)
			err := Validate(c, p)
			if tc.reason == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, auth.ErrClaimValidation) {
				t.Fatalf("want claim validation error, got %v", err)
			}
			if got := auth.ReasonOf(err); got != tc.reason {
				t.Fatalf("reason = %q, want %q (%v)", got, tc.reason, err)
			}
		})
	}
}

func TestMultipleAudiencesFlag(t *testing.T) {
	c := baseClaims()
	c["aud"] = []any{"clientA", "clientB"}
	c["azp"] = "clientA"

	p := basePolicy()
	p.AllowMultipleAudiences = true
	if err := Validate(c, p); err != nil {
		t.Fatalf("multiple audiences allowed: %v", err)
	}

	p.AllowMultipleAudiences = false
	if err := Validate(c, p); !errors.Is(err, auth.ErrClaimAudience) {
		t.Fatalf("want audience error, got %v", err)
	}
}

func TestClockSkewBoundary(t *testing.T) {
	const skew = 300 * time.Second
	exp := t0

	c := baseClaims()
	c["exp"] = float64(exp.Unix())
	p := basePolicy()
	p.ClockSkew = skew

	p.Now = at(exp.Add(skew - time.Second))
	if err := Validate(c, p); err != nil {
		t.Fatalf("T+skew-1 should be accepted: %v", err)
	}

	p.Now = at(exp.Add(skew + time.Second))
	if err := Validate(c, p); !errors.Is(err, auth.ErrClaimExpired) {
		t.Fatalf("T+skew+1 should be rejected as expired, got %v", err)
	}
}

func TestChecksRunInOrder(t *testing.T) {
	// Both issuer and audience are wrong; the issuer failure wins.
	c := baseClaims()
	c["iss"] = "https://evil"
	c["aud"] = "clientB"
	if err := Validate(c, basePolicy()); !errors.Is(err, auth.ErrClaimIssuer) {
		t.Fatalf("want issuer error first, got %v", err)
	}
}
