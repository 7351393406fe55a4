// Package authtest provides Verifier doubles for strategy tests.
package authtest

import (
	"context"
	"net/http"
	"sync"

	"github.com/ggoodman/oidcauth/auth"
)

// Call records one Verify invocation.
type Call struct {
	Request *http.Request
	Token   *auth.Token
}

// Verifier is a configurable auth.Verifier that records every call.
// With no fields set it accepts every token, using the subject as principal.
type Verifier struct {
	Reject bool
	Err    error
	Info   any

	mu    sync.Mutex
	calls []Call
}

// Accepting returns a Verifier that accepts every token.
func Accepting() *Verifier { return &Verifier{} }

// Rejecting returns a Verifier that rejects every token.
func Rejecting() *Verifier { return &Verifier{Reject: true} }

// Failing returns a Verifier whose lookup always errors.
func Failing(err error) *Verifier { return &Verifier{Err: err} }

func (v *Verifier) Verify(ctx context.Context, r *http.Request, tok *auth.Token) (any, any, error) {
	v.mu.Lock()
	v.calls = append(v.calls, Call{Request: r, Token: tok})
	v.mu.Unlock()
	if v.Err != nil {
		return nil, nil, v.Err
	}
	if v.Reject {
		return nil, v.Info, nil
	}
	return tok.Subject(), v.Info, nil
}

// Calls returns a snapshot of recorded calls.
func (v *Verifier) Calls() []Call {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Call(nil), v.calls...)
}

var _ auth.Verifier = (*Verifier)(nil)
