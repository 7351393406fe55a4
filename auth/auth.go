package auth

import (
	"context"
	"net/http"
	"reflect"
)

// Verifier is the application extension point invoked once a token has passed
// signature and claim validation. It maps the token to an application
// principal.
//
// r is nil unless the strategy was configured to pass the request through.
// The three outcomes are:
//   - err != nil: the lookup itself failed (OutcomeError)
//   - principal is nil: the token holder is rejected (OutcomeFail). A typed
//     nil such as a nil *User counts as nil.
//   - otherwise: accepted; info is attached to the Result
type Verifier interface {
	Verify(ctx context.Context, r *http.Request, tok *Token) (principal any, info any, err error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, r *http.Request, tok *Token) (any, any, error)

func (f VerifierFunc) Verify(ctx context.Context, r *http.Request, tok *Token) (any, any, error) {
	return f(ctx, r, tok)
}

// Authenticator is implemented by both strategies.
type Authenticator interface {
	Authenticate(w http.ResponseWriter, r *http.Request) Result
}

// CompleteVerification runs v and translates its three-outcome contract into
// a Result. When passRequest is false the verifier receives a nil request.
func CompleteVerification(ctx context.Context, v Verifier, r *http.Request, passRequest bool, tok *Token, reject *Challenge) Result {
	var req *http.Request
	if passRequest {
		req = r
	}
	principal, info, err := v.Verify(ctx, req, tok)
	if err != nil {
		return Result{Outcome: OutcomeError, Token: tok, Err: err}
	}
	if isNil(principal) {
		return Result{Outcome: OutcomeFail, Token: tok, Info: info, Challenge: reject}
	}
	return Result{Outcome: OutcomeSuccess, Principal: principal, Info: info, Token: tok}
}

// isNil reports whether v is nil or a nil value of a nilable kind.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
