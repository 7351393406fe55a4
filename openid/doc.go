// Package openid signs users in to web applications with OpenID Connect
// against Azure AD, Azure AD B2C or any compliant provider.
//
// A Strategy handles both halves of the flow on the same route. A request
// without callback parameters gets a fresh state and nonce, stored in a
// replay.Store, and a redirect to the provider. The provider's callback is
// matched to its stored state exactly once, then the id token is verified and
// validated (after redeeming the code for the code and hybrid flows) and
// handed to the application's auth.Verifier.
//
//	s, err := openid.New(verifier,
//		openid.WithMetadataURL("https://login.microsoftonline.com/<tenant>/v2.0/.well-known/openid-configuration"),
//		openid.WithClientID("<client id>"),
//		openid.WithClientSecret("<secret>"),
//		openid.WithRedirectURL("https://app.example.com/auth/callback"),
//		openid.WithCookieStore(keys, replay.CookieOptions{}),
//	)
//
// Failures are reported in Result.Err with an auth.Kind; errors returned by
// the provider itself carry auth.KindProviderReported with the provider's
// error code and description.
package openid
