// Package jwtauth decrypts and verifies compact JWTs against provider keys.
// It checks cryptography only; claim policy lives in package claims.
package jwtauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/oidcauth/auth"
	"github.com/ggoodman/oidcauth/metadata"
)

// DefaultAlgorithms is used when Config.Algorithms is empty.
var DefaultAlgorithms = []string{"RS256"}

var (
	keyAlgorithms = []jose.KeyAlgorithm{
		jose.RSA_OAEP, jose.RSA_OAEP_256, jose.RSA1_5,
		jose.A128KW, jose.A256KW, jose.DIRECT,
		jose.ECDH_ES, jose.ECDH_ES_A128KW, jose.ECDH_ES_A256KW,
	}
	contentEncryption = []jose.ContentEncryption{
		jose.A128GCM, jose.A256GCM, jose.A128CBC_HS256, jose.A256CBC_HS512,
	}
)

// Config controls an Engine.
type Config struct {
	// Keys resolves signature verification keys.
	Keys metadata.KeySource
	// Algorithms lists the accepted "alg" header values. "none" is always
	// rejected.
	Algorithms []string
	// DecryptionKeys open encrypted (five segment) tokens. A key whose KeyID
	// matches the JWE header is tried first.
	DecryptionKeys []jose.JSONWebKey
	Logger         *slog.Logger
}

// Engine implements the cryptographic half of token validation.
type Engine struct {
	keys    metadata.KeySource
	algs    map[string]struct{}
	decKeys []jose.JSONWebKey
	log     *slog.Logger
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Keys == nil {
		return nil, auth.Configf("jwtauth: key source is required")
	}
	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = DefaultAlgorithms
	}
	e := &Engine{
		keys:    cfg.Keys,
		algs:    make(map[string]struct{}, len(algs)),
		decKeys: append([]jose.JSONWebKey(nil), cfg.DecryptionKeys...),
		log:     cfg.Logger,
	}
	for _, a := range algs {
		if strings.EqualFold(a, "none") {
			return nil, auth.Configf("jwtauth: algorithm %q may not be allowed", a)
		}
		if jwt.GetSigningMethod(a) == nil {
			return nil, auth.Configf("jwtauth: unsupported algorithm %q", a)
		}
		e.algs[a] = struct{}{}
	}
	for i, k := range e.decKeys {
		if k.Key == nil {
			return nil, auth.Configf("jwtauth: decryption key %d is empty", i)
		}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e, nil
}

// DecryptIfNeeded returns raw unchanged unless it is a compact JWE, in which
// case the decrypted payload is returned.
func (e *Engine) DecryptIfNeeded(ctx context.Context, raw string) (string, error) {
	if strings.Count(raw, ".") != 4 {
		return raw, nil
	}
	if len(e.decKeys) == 0 {
		return "", auth.Wrap(auth.KindDecrypt, errors.New("encrypted token received but no decryption keys are configured"))
	}
	obj, err := jose.ParseEncrypted(raw, keyAlgorithms, contentEncryption)
	if err != nil {
		return "", auth.Wrap(auth.KindDecrypt, fmt.Errorf("parse jwe: %w", err))
	}

	kid := obj.Header.KeyID
	ordered := make([]jose.JSONWebKey, 0, len(e.decKeys))
	for _, k := range e.decKeys {
		if kid != "" && k.KeyID == kid {
			ordered = append([]jose.JSONWebKey{k}, ordered...)
			continue
		}
		ordered = append(ordered, k)
	}
	for _, k := range ordered {
		pt, err := obj.Decrypt(k.Key)
		if err == nil {
			e.log.DebugContext(ctx, "token.decrypt.ok", slog.String("kid", k.KeyID))
			return string(pt), nil
		}
	}
	return "", auth.Wrap(auth.KindDecrypt, errors.New("no configured key could decrypt the token"))
}

// Parse decodes a compact JWS without verifying it. The returned token has
// SignatureValid false.
func Parse(raw string) (*auth.Token, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, auth.Wrap(auth.KindTokenFormat, fmt.Errorf("expected 3 segments, got %d", len(parts)))
	}
	var header map[string]any
	if err := decodeSegment(parts[0], &header); err != nil {
		return nil, auth.Wrap(auth.KindTokenFormat, fmt.Errorf("header: %w", err))
	}
	var claims auth.Claims
	if err := decodeSegment(parts[1], &claims); err != nil {
		return nil, auth.Wrap(auth.KindTokenFormat, fmt.Errorf("payload: %w", err))
	}
	if claims == nil {
		return nil, auth.Wrap(auth.KindTokenFormat, errors.New("payload is not a JSON object"))
	}
	return &auth.Token{Raw: raw, RawSegments: parts, Header: header, Claims: claims}, nil
}

// Verify checks the signature of a compact JWS over its original encoded
// segments. An unknown key id triggers exactly one key source refresh.
func (e *Engine) Verify(ctx context.Context, raw string) (*auth.Token, error) {
	tok, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	alg := tok.Algorithm()
	if alg == "" || strings.EqualFold(alg, "none") {
		return nil, auth.Wrap(auth.KindSignature, errors.New("unsigned token"))
	}
	if _, ok := e.algs[alg]; !ok {
		return nil, auth.Wrap(auth.KindSignature, fmt.Errorf("algorithm %q not allowed", alg))
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return nil, auth.Wrap(auth.KindSignature, fmt.Errorf("algorithm %q not supported", alg))
	}

	kid := tok.KeyID()
	if kid == "" {
		kid, _ = tok.Header["x5t"].(string)
	}
	key, err := e.resolveKey(ctx, kid)
	if err != nil {
		return nil, err
	}
	if key.Algorithm != "" && key.Algorithm != alg {
		return nil, auth.Wrap(auth.KindSignature, fmt.Errorf("key %q is for %s, token uses %s", kid, key.Algorithm, alg))
	}

	sig, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(tok.RawSegments[2], "="))
	if err != nil {
		return nil, auth.Wrap(auth.KindTokenFormat, fmt.Errorf("signature: %w", err))
	}
	signed := tok.RawSegments[0] + "." + tok.RawSegments[1]
	if err := method.Verify(signed, sig, key.Key); err != nil {
		return nil, auth.Wrap(auth.KindSignature, err)
	}
	tok.SignatureValid = true
	return tok, nil
}

func (e *Engine) resolveKey(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	key, err := e.keys.KeyFor(ctx, kid)
	if errors.Is(err, metadata.ErrKeyNotFound) {
		e.log.DebugContext(ctx, "token.key.refresh", slog.String("kid", kid))
		if rerr := e.keys.Refresh(ctx); rerr != nil {
			return jose.JSONWebKey{}, classify(rerr)
		}
		key, err = e.keys.KeyFor(ctx, kid)
	}
	if err != nil {
		if errors.Is(err, metadata.ErrKeyNotFound) {
			return jose.JSONWebKey{}, auth.Wrap(auth.KindSignature, err)
		}
		return jose.JSONWebKey{}, classify(err)
	}
	return key, nil
}

func classify(err error) error {
	if auth.KindOf(err) != auth.KindUnknown {
		return err
	}
	return auth.Wrap(auth.KindMetadataFetch, err)
}

func decodeSegment(seg string, v any) error {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
