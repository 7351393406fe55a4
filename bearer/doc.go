// Package bearer authenticates API requests carrying an OAuth 2.0 bearer
// token issued by an OpenID Connect provider such as Azure AD or Azure AD
// B2C.
//
// Each request runs the same pipeline: extract the token from the
// Authorization header, decrypt it if it is a JWE, verify its signature
// against the provider's published keys, check issuer, audience, lifetime,
// scope and B2C policy, then hand it to the application's auth.Verifier.
//
//	s, err := bearer.New(verifier,
//		bearer.WithMetadataURL("https://login.microsoftonline.com/<tenant>/v2.0/.well-known/openid-configuration"),
//		bearer.WithClientID("<client id>"),
//		bearer.WithScopes("api.read"),
//	)
//	mux.Handle("/api/", auth.Middleware(s, api))
//
// Requests without a token receive a bare 401 challenge. Invalid tokens get a
// generic invalid_token challenge whatever the cause; the classified error is
// in Result.Err and in the logs.
//
// With WithResource the API also publishes OAuth protected resource metadata
// (RFC 9728) through ResourceMetadataHandler, and every challenge points
// clients at it.
package bearer
