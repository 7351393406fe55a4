package auth

import (
	"encoding/json"
	"strings"
	"time"
)

// Claims is the decoded JSON payload of a token.
type Claims map[string]any

// String returns the claim as a string, or "" when absent or not a string.
func (c Claims) String(name string) string {
	s, _ := c[name].(string)
	return s
}

// Strings returns a claim that may be encoded either as a single string or as
// an array of strings (e.g. "aud").
func (c Claims) Strings(name string) []string {
	switch v := c[name].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Time returns a NumericDate claim. ok is false when absent or malformed.
func (c Claims) Time(name string) (t time.Time, ok bool) {
	switch v := c[name].(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case int64:
		return time.Unix(v, 0), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, ferr := v.Float64()
			if ferr != nil {
				return time.Time{}, false
			}
			n = int64(f)
		}
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}

// Scopes returns the union of the space-delimited "scp" and "scope" claims.
func (c Claims) Scopes() []string {
	var out []string
	for _, name := range []string{"scp", "scope"} {
		switch v := c[name].(type) {
		case string:
			out = append(out, strings.Fields(v)...)
		case []any:
			for _, e := range v {
				if s, ok := e.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

// Token is a decoded JWT. Claims are only trustworthy once the token was
// returned by a strategy (signature and policy both checked).
type Token struct {
	// Raw is the compact serialization that was verified (the inner JWS when
	// the original credential was a JWE).
	Raw string
	// RawSegments holds the three encoded segments of Raw, in order.
	RawSegments []string
	Header      map[string]any
	Claims      Claims
	// SignatureValid is true once the signature was checked against a
	// provider key.
	SignatureValid bool

	// Grant is populated by the OpenID Connect code and hybrid flows.
	Grant *Grant
}

// Grant carries the token endpoint response and optional userinfo profile.
type Grant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	Profile      map[string]any
}

func (t *Token) Subject() string  { return t.Claims.String("sub") }
func (t *Token) Issuer() string   { return t.Claims.String("iss") }
func (t *Token) Nonce() string    { return t.Claims.String("nonce") }
func (t *Token) Audience() []string {
	return t.Claims.Strings("aud")
}

// KeyID returns the "kid" header parameter.
func (t *Token) KeyID() string {
	s, _ := t.Header["kid"].(string)
	return s
}

// Algorithm returns the "alg" header parameter.
func (t *Token) Algorithm() string {
	s, _ := t.Header["alg"].(string)
	return s
}

// Decode unmarshals the claims into ref.
func (t *Token) Decode(ref any) error {
	b, err := json.Marshal(t.Claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
