package openid

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	clientAssertionType     = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	clientAssertionLifetime = 10 * time.Minute
)

// clientAssertion signs a private_key_jwt client assertion addressed to the
// token endpoint. The x5t header carries the certificate thumbprint so the
// provider can pick the registered certificate.
func (s *Strategy) clientAssertion(tokenEndpoint string) (string, error) {
	thumb, err := hex.DecodeString(s.cfg.AssertionThumbprint)
	if err != nil {
		return "", fmt.Errorf("openid: assertion thumbprint: %w", err)
	}
	now := s.cfg.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    s.cfg.ClientID,
		Subject:   s.cfg.ClientID,
		Audience:  jwt.ClaimStrings{tokenEndpoint},
		ID:        uuid.NewString(),
		NotBefore: jwt.NewNumericDate(now),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(clientAssertionLifetime)),
	})
	tok.Header["x5t"] = base64.RawURLEncoding.EncodeToString(thumb)
	signed, err := tok.SignedString(s.cfg.AssertionKey)
	if err != nil {
		return "", fmt.Errorf("openid: sign client assertion: %w", err)
	}
	return signed, nil
}
