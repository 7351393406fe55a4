package metadata

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/MicahParks/jwkset"
	keyfunc "github.com/MicahParks/keyfunc/v3"
	jose "github.com/go-jose/go-jose/v4"

	"github.com/ggoodman/oidcauth/auth"
)

// JWKSKeySource resolves keys from a bare JWKS URL without a discovery
// document. The underlying keyfunc storage refreshes in the background and
// refetches on unknown key ids on its own, so Refresh is a no-op.
type JWKSKeySource struct {
	kf keyfunc.Keyfunc
}

// NewJWKSKeySource starts an auto-refreshing key set for jwksURL, which must
// be https. Background refreshes stop when ctx is cancelled.
func NewJWKSKeySource(ctx context.Context, jwksURL string) (*JWKSKeySource, error) {
	u, err := url.Parse(jwksURL)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return nil, auth.Configf("metadata: jwks url must be an absolute https url, got %q", jwksURL)
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, auth.Wrap(auth.KindMetadataFetch, fmt.Errorf("jwks init failed: %w", err))
	}
	return &JWKSKeySource{kf: kf}, nil
}

func (s *JWKSKeySource) KeyFor(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	k, err := s.kf.Storage().KeyRead(ctx, kid)
	if err != nil {
		if errors.Is(err, jwkset.ErrKeyNotFound) {
			return jose.JSONWebKey{}, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
		}
		return jose.JSONWebKey{}, auth.Wrap(auth.KindMetadataFetch, err)
	}
	return jose.JSONWebKey{
		Key:       k.Key(),
		KeyID:     kid,
		Algorithm: string(k.Marshal().ALG),
	}, nil
}

func (s *JWKSKeySource) Refresh(context.Context) error { return nil }

var _ KeySource = (*JWKSKeySource)(nil)
