package metadata

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

type rawKeySet struct {
	Keys []json.RawMessage `json:"keys"`
}

type keyHints struct {
	Kid string   `json:"kid"`
	Use string   `json:"use"`
	Alg string   `json:"alg"`
	X5t string   `json:"x5t"`
	X5c []string `json:"x5c"`
}

// parseKeySet decodes a JWKS document into signature verification keys
// indexed by kid and, when present and distinct, by x5t. Keys published for
// encryption are skipped. A key without usable modulus and exponent falls
// back to the public key of its first x5c certificate.
func parseKeySet(data []byte) (map[string]jose.JSONWebKey, error) {
	var set rawKeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}

	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	var anonymous []jose.JSONWebKey
	for _, raw := range set.Keys {
		var hints keyHints
		if err := json.Unmarshal(raw, &hints); err != nil {
			continue
		}
		if hints.Use == "enc" {
			continue
		}

		jwk, ok := decodeKey(raw, hints)
		if !ok {
			continue
		}
		id := jwk.KeyID
		if id == "" {
			id = hints.X5t
		}
		if id == "" {
			anonymous = append(anonymous, jwk)
			continue
		}
		keys[id] = jwk
		if hints.X5t != "" && hints.X5t != id {
			keys[hints.X5t] = jwk
		}
	}
	// A key without an id can only be selected when it is the whole set.
	if len(keys) == 0 && len(anonymous) == 1 {
		keys[""] = anonymous[0]
	}
	if len(keys) == 0 {
		return nil, errors.New("key set contains no usable signing keys")
	}
	return keys, nil
}

func decodeKey(raw json.RawMessage, hints keyHints) (jose.JSONWebKey, bool) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil || jwk.Key == nil {
		if len(hints.X5c) == 0 {
			return jose.JSONWebKey{}, false
		}
		pub, err := keyFromCertificate(hints.X5c[0])
		if err != nil {
			return jose.JSONWebKey{}, false
		}
		jwk = jose.JSONWebKey{Key: pub, KeyID: hints.Kid, Algorithm: hints.Alg, Use: hints.Use}
	}

	switch jwk.Key.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
	case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
		jwk = jwk.Public()
	default:
		return jose.JSONWebKey{}, false
	}
	return jwk, true
}

// keyFromCertificate extracts the public key from a base64 (not base64url)
// DER certificate as carried in x5c.
func keyFromCertificate(b64 string) (any, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode x5c: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse x5c: %w", err)
	}
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		return pub, nil
	default:
		return nil, fmt.Errorf("unsupported x5c key type %T", cert.PublicKey)
	}
}
