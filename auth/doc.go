// Package auth holds the types shared by the bearer and openid strategies:
// the decoded Token, the Verifier extension point, the Result of an
// authentication attempt and the error taxonomy.
//
// A strategy never panics and never returns a bare error from Authenticate.
// Every attempt ends in a Result whose Outcome tells the host what to do:
//
//	res := strategy.Authenticate(w, r)
//	switch res.Outcome {
//	case auth.OutcomeSuccess:  // res.Principal, res.Info, res.Token
//	case auth.OutcomeRedirect: // send the user agent to res.RedirectURL
//	case auth.OutcomeFail:     // res.Challenge; res.Err is classified
//	case auth.OutcomeError:    // verify callback or storage failure
//	}
//
// Middleware performs that switch for plain net/http servers.
//
// # Errors
//
// Failures are *Error values classified by Kind. Claim validation failures
// additionally carry a Reason. Both are meant for logs and metrics; the
// challenge sent to the client stays generic so that a token holder cannot
// use the responses as an oracle.
//
//	if errors.Is(res.Err, auth.ErrClaimNonce) { ... }
//	if auth.KindOf(res.Err) == auth.KindReplayState { ... }
//
// Only KindConfiguration errors are returned from constructors; every other
// kind terminates the current attempt only.
package auth
