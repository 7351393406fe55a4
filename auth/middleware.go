package auth

import (
	"context"
	"net/http"
)

type principalKey struct{}

type resultKey struct{}

// WithResult stores a successful result in ctx.
func WithResult(ctx context.Context, res Result) context.Context {
	ctx = context.WithValue(ctx, resultKey{}, res)
	return context.WithValue(ctx, principalKey{}, res.Principal)
}

// PrincipalFromContext returns the principal established by Middleware.
func PrincipalFromContext(ctx context.Context) (any, bool) {
	p := ctx.Value(principalKey{})
	return p, p != nil
}

// ResultFromContext returns the full successful Result established by Middleware.
func ResultFromContext(ctx context.Context) (Result, bool) {
	res, ok := ctx.Value(resultKey{}).(Result)
	return res, ok
}

// Middleware authenticates every request with a and applies the Result:
//   - success: the Result is stored in the request context and next is called
//   - redirect: 302 to RedirectURL
//   - fail: the challenge status and WWW-Authenticate header (401 if none)
//   - error: 500
func Middleware(a Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := a.Authenticate(w, r)
		WriteResult(w, r, res, next)
	})
}

// WriteResult applies res to w. next is only called on success and may be nil.
func WriteResult(w http.ResponseWriter, r *http.Request, res Result, next http.Handler) {
	switch res.Outcome {
	case OutcomeSuccess:
		if next != nil {
			next.ServeHTTP(w, r.WithContext(WithResult(r.Context(), res)))
		}
	case OutcomeRedirect:
		http.Redirect(w, r, res.RedirectURL, http.StatusFound)
	case OutcomeFail:
		status := http.StatusUnauthorized
		if res.Challenge != nil {
			if res.Challenge.WWWAuthenticate != "" {
				w.Header().Add("WWW-Authenticate", res.Challenge.WWWAuthenticate)
			}
			if res.Challenge.Status != 0 {
				status = res.Challenge.Status
			}
		}
		w.WriteHeader(status)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}
