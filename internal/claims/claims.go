// Package claims applies issuer, audience, time, nonce, scope and policy
// checks to a verified token's claims.
package claims

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/oidcauth/auth"
)

// Policy is the set of checks applied by Validate. Zero fields disable the
// corresponding check, except time which is always enforced.
type Policy struct {
	// ValidateIssuer enables the issuer check against Issuers.
	ValidateIssuer bool
	Issuers        []string

	// Audiences must intersect the aud claim. Empty skips the check.
	Audiences []string
	// AllowMultipleAudiences tolerates an aud array with more than one value.
	AllowMultipleAudiences bool
	// ClientID is required in azp when aud carries several values.
	ClientID string

	ClockSkew time.Duration
	// Nonce, when set, must equal the nonce claim.
	Nonce string
	// Scopes, when set, must intersect the scp or scope claim.
	Scopes []string
	// B2CPolicy, when set, must match tfp or acr case-insensitively.
	B2CPolicy string

	Now func() time.Time
}

// Validate runs the checks in order and returns the first failure as an
// *auth.Error of KindClaimValidation.
func Validate(c auth.Claims, p Policy) error {
	if err := checkIssuer(c, p); err != nil {
		return err
	}
	if err := checkAudience(c, p); err != nil {
		return err
	}
	if err := checkTime(c, p); err != nil {
		return err
	}
	if p.Nonce != "" {
		got := c.String("nonce")
		if got == "" {
			return auth.ClaimError(auth.ReasonNonce, "nonce claim missing")
		}
		if got != p.Nonce {
			return auth.ClaimError(auth.ReasonNonce, "nonce does not match the authorization request")
		}
	}
	if len(p.Scopes) > 0 && !intersects(c.Scopes(), p.Scopes) {
		return auth.ClaimError(auth.ReasonScope, "no required scope present")
	}
	if p.B2CPolicy != "" {
		got := c.String("tfp")
		if got == "" {
			got = c.String("acr")
		}
		if !strings.EqualFold(got, p.B2CPolicy) {
			return auth.ClaimError(auth.ReasonPolicy, fmt.Sprintf("policy %q does not match", got))
		}
	}
	return nil
}

func checkIssuer(c auth.Claims, p Policy) error {
	if !p.ValidateIssuer {
		return nil
	}
	iss := c.String("iss")
	if iss == "" {
		return auth.ClaimError(auth.ReasonIssuer, "iss claim missing")
	}
	if !slices.Contains(p.Issuers, iss) {
		return auth.ClaimError(auth.ReasonIssuer, fmt.Sprintf("issuer %q not allowed", iss))
	}
	return nil
}

func checkAudience(c auth.Claims, p Policy) error {
	if len(p.Audiences) == 0 {
		return nil
	}
	aud := c.Strings("aud")
	if len(aud) == 0 {
		return auth.ClaimError(auth.ReasonAudience, "aud claim missing")
	}
	if len(aud) > 1 && !p.AllowMultipleAudiences {
		return auth.ClaimError(auth.ReasonAudience, "multiple audiences not allowed")
	}
	if !intersects(aud, p.Audiences) {
		return auth.ClaimError(auth.ReasonAudience, "audience not accepted")
	}
	if len(aud) > 1 && p.ClientID != "" {
		azp := c.String("azp")
		if azp == "" {
			return auth.ClaimError(auth.ReasonAuthorizedParty, "azp claim missing for multiple audiences")
		}
		if azp != p.ClientID {
			return auth.ClaimError(auth.ReasonAuthorizedParty, "azp does not match client id")
		}
	}
	return nil
}

func checkTime(c auth.Claims, p Policy) error {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	v := jwt.NewValidator(
		jwt.WithLeeway(p.ClockSkew),
		jwt.WithTimeFunc(now),
		jwt.WithExpirationRequired(),
	)
	err := v.Validate(jwt.MapClaims(c))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return auth.ClaimError(auth.ReasonExpired, "token expired")
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return auth.ClaimError(auth.ReasonNotYetValid, "token not valid yet")
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return auth.ClaimError(auth.ReasonMissingClaim, "exp claim missing")
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return auth.ClaimError(auth.ReasonNotYetValid, "token issued in the future")
	default:
		return &auth.Error{Kind: auth.KindClaimValidation, Reason: auth.ReasonMissingClaim, Err: err}
	}
}

func intersects(have, want []string) bool {
	for _, h := range have {
		if slices.Contains(want, h) {
			return true
		}
	}
	return false
}
