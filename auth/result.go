package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// Outcome is the terminal state of one authentication attempt.
type Outcome int

const (
	// OutcomeSuccess means a principal was established.
	OutcomeSuccess Outcome = iota + 1
	// OutcomeFail means the attempt was rejected; Challenge describes the
	// response to send and Err (if set) the classified cause.
	OutcomeFail
	// OutcomeError means an unexpected failure outside the protocol, such as
	// the verify callback returning an error.
	OutcomeError
	// OutcomeRedirect means the user agent must be sent to RedirectURL.
	OutcomeRedirect
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFail:
		return "fail"
	case OutcomeError:
		return "error"
	case OutcomeRedirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Result represents the outcome of an authentication attempt.
type Result struct {
	Outcome     Outcome
	Principal   any
	Info        any
	Token       *Token
	Challenge   *Challenge
	RedirectURL string
	// CustomState is the per-request value supplied when the OpenID Connect
	// flow was initiated, returned on completion.
	CustomState string
	Err         error
}

// Challenge describes an HTTP challenge (status + WWW-Authenticate header).
type Challenge struct {
	Status          int
	WWWAuthenticate string
}

// Failed builds an OutcomeFail result carrying err and challenge.
func Failed(err error, challenge *Challenge) Result {
	return Result{Outcome: OutcomeFail, Err: err, Challenge: challenge}
}

// NewAuthenticationRequired builds a challenge indicating credentials are
// required. Per RFC 6750 §3.1 no error code is included.
func NewAuthenticationRequired(realm string) *Challenge {
	return &Challenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: BearerChallenge(realm, nil),
	}
}

// NewInvalidRequest builds a challenge for a malformed request.
func NewInvalidRequest(realm string, description string) *Challenge {
	return &Challenge{
		Status:          http.StatusBadRequest,
		WWWAuthenticate: BearerChallenge(realm, map[string]string{"error": "invalid_request", "error_description": description}),
	}
}

// NewInvalidToken builds a challenge indicating the token is invalid.
func NewInvalidToken(realm string, description string) *Challenge {
	return &Challenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: BearerChallenge(realm, map[string]string{"error": "invalid_token", "error_description": description}),
	}
}

// NewInsufficientScope builds a challenge indicating missing required scope.
func NewInsufficientScope(realm string, scope string) *Challenge {
	return &Challenge{
		Status:          http.StatusForbidden,
		WWWAuthenticate: BearerChallenge(realm, map[string]string{"error": "insufficient_scope", "scope": scope}),
	}
}

// BearerChallenge builds a standardized Bearer challenge header value.
// Format:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty. Known parameters are emitted in a fixed order;
// any others follow.
func BearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	for k, v := range params {
		if k == "error" || k == "error_description" || k == "scope" {
			continue
		}
		pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
