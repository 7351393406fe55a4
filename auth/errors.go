package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an authentication failure. Every failure produced by the
// strategies in this module carries exactly one Kind.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration is fatal and only returned at construction time.
	KindConfiguration
	// KindMetadataFetch covers network or parse failures while retrieving the
	// discovery document or signing keys.
	KindMetadataFetch
	// KindTokenFormat means the token is structurally malformed.
	KindTokenFormat
	// KindDecrypt means an encrypted token could not be opened with any
	// configured key.
	KindDecrypt
	// KindSignature means the signature did not verify, the algorithm is not
	// allowed or the signing key is unknown. Never retried.
	KindSignature
	// KindClaimValidation carries a Reason describing which policy check failed.
	KindClaimValidation
	// KindReplayState means the state value was unknown or already consumed.
	KindReplayState
	// KindProviderReported means the identity provider itself returned an
	// error parameter on the callback.
	KindProviderReported
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindMetadataFetch:
		return "metadata_fetch"
	case KindTokenFormat:
		return "token_format"
	case KindDecrypt:
		return "decrypt"
	case KindSignature:
		return "signature"
	case KindClaimValidation:
		return "claim_validation"
	case KindReplayState:
		return "replay_state"
	case KindProviderReported:
		return "provider_reported"
	default:
		return "unknown"
	}
}

// Reason distinguishes claim validation failures. Reasons are meant for logs;
// they are never echoed to the token holder.
type Reason string

const (
	ReasonIssuer          Reason = "issuer"
	ReasonAudience        Reason = "audience"
	ReasonExpired         Reason = "expired"
	ReasonNotYetValid     Reason = "not_yet_valid"
	ReasonNonce           Reason = "nonce"
	ReasonScope           Reason = "scope"
	ReasonPolicy          Reason = "policy"
	ReasonSubject         Reason = "subject"
	ReasonAuthorizedParty Reason = "authorized_party"
	ReasonMissingClaim    Reason = "missing_claim"
	ReasonCodeHash        Reason = "code_hash"
)

// Error is the concrete error type produced by this module.
//
// For KindProviderReported, Code and Description hold the provider's
// error and error_description parameters verbatim.
type Error struct {
	Kind        Kind
	Reason      Reason
	Code        string
	Description string
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("auth: ")
	b.WriteString(e.Kind.String())
	if e.Reason != "" {
		b.WriteString(" (")
		b.WriteString(string(e.Reason))
		b.WriteString(")")
	}
	if e.Code != "" {
		b.WriteString(": ")
		b.WriteString(e.Code)
	}
	if e.Description != "" {
		b.WriteString(": ")
		b.WriteString(e.Description)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind, and by Reason when the target sets one.
// This lets callers write errors.Is(err, auth.ErrClaimNonce).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Sentinels for errors.Is.
var (
	ErrConfiguration    = &Error{Kind: KindConfiguration}
	ErrMetadataFetch    = &Error{Kind: KindMetadataFetch}
	ErrTokenFormat      = &Error{Kind: KindTokenFormat}
	ErrDecrypt          = &Error{Kind: KindDecrypt}
	ErrSignature        = &Error{Kind: KindSignature}
	ErrClaimValidation  = &Error{Kind: KindClaimValidation}
	ErrReplayState      = &Error{Kind: KindReplayState}
	ErrProviderReported = &Error{Kind: KindProviderReported}

	ErrClaimIssuer   = &Error{Kind: KindClaimValidation, Reason: ReasonIssuer}
	ErrClaimAudience = &Error{Kind: KindClaimValidation, Reason: ReasonAudience}
	ErrClaimExpired  = &Error{Kind: KindClaimValidation, Reason: ReasonExpired}
	ErrClaimNonce    = &Error{Kind: KindClaimValidation, Reason: ReasonNonce}
	ErrClaimScope    = &Error{Kind: KindClaimValidation, Reason: ReasonScope}
	ErrClaimSubject  = &Error{Kind: KindClaimValidation, Reason: ReasonSubject}
)

// Configf returns a configuration error with a formatted message.
func Configf(format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Err: fmt.Errorf(format, args...)}
}

// Wrap returns err classified as kind. A nil err yields nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// ClaimError returns a claim validation error with the given reason.
func ClaimError(reason Reason, msg string) error {
	return &Error{Kind: KindClaimValidation, Reason: reason, Err: errors.New(msg)}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// ReasonOf returns the claim Reason of the first *Error in err's chain, if any.
func ReasonOf(err error) Reason {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}
