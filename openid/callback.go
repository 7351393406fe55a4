package openid

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/elnormous/contenttype"
	"golang.org/x/oauth2"

	"github.com/ggoodman/oidcauth/auth"
	"github.com/ggoodman/oidcauth/internal/claims"
	"github.com/ggoodman/oidcauth/internal/jwtauth"
	"github.com/ggoodman/oidcauth/metadata"
	"github.com/ggoodman/oidcauth/replay"
)

var formMediaType = contenttype.NewMediaType("application/x-www-form-urlencoded")

var callbackKeys = []string{"state", "code", "id_token", "error"}

// callbackParams returns the provider's callback parameters, if r carries
// any, from the location the configured response mode delivers them to.
func (s *Strategy) callbackParams(r *http.Request) (url.Values, bool, error) {
	var params url.Values
	switch s.cfg.ResponseMode {
	case ResponseModeFormPost:
		if r.Method != http.MethodPost {
			// Providers report some errors on the query string even in
			// form_post mode.
			if q := r.URL.Query(); q.Get("error") != "" {
				return q, true, nil
			}
			return nil, false, nil
		}
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(formMediaType) {
			return nil, false, errors.New("openid: callback must be application/x-www-form-urlencoded")
		}
		if err := r.ParseForm(); err != nil {
			return nil, false, fmt.Errorf("openid: parse callback: %w", err)
		}
		params = r.PostForm
	default:
		params = r.URL.Query()
	}
	for _, k := range callbackKeys {
		if params.Has(k) {
			return params, true, nil
		}
	}
	return nil, false, nil
}

// complete validates a provider callback.
func (s *Strategy) complete(ctx context.Context, w http.ResponseWriter, r *http.Request, params url.Values) auth.Result {
	state := params.Get("state")

	if code := params.Get("error"); code != "" {
		if state != "" {
			_, _ = s.store.FindAndRemove(w, r, state)
		}
		err := &auth.Error{Kind: auth.KindProviderReported, Code: code, Description: params.Get("error_description")}
		s.log.WarnContext(ctx, "openid.callback.provider_error", slog.String("code", code), slog.String("description", err.Description))
		return auth.Failed(err, nil)
	}

	if state == "" {
		err := &auth.Error{Kind: auth.KindReplayState, Err: errors.New("callback carries no state")}
		s.log.ErrorContext(ctx, "openid.callback.replay", slog.String("err", err.Error()))
		return auth.Failed(err, nil)
	}
	tuple, err := s.store.FindAndRemove(w, r, state)
	if errors.Is(err, replay.ErrNotFound) {
		err := &auth.Error{Kind: auth.KindReplayState, Err: errors.New("unsolicited or replayed response")}
		s.log.ErrorContext(ctx, "openid.callback.replay", slog.String("state", state))
		return auth.Failed(err, nil)
	}
	if err != nil {
		s.log.ErrorContext(ctx, "openid.callback.store", slog.String("err", err.Error()))
		return auth.Result{Outcome: auth.OutcomeError, Err: err}
	}

	var rc requestContext
	if len(tuple.Context) > 0 {
		if err := json.Unmarshal(tuple.Context, &rc); err != nil {
			return auth.Result{Outcome: auth.OutcomeError, Err: fmt.Errorf("openid: decode request context: %w", err)}
		}
	}
	tp, err := s.forTenant(rc.Tenant)
	if err != nil {
		return auth.Result{Outcome: auth.OutcomeError, Err: err}
	}

	f := &flow{s: s, tp: tp, rc: rc, nonce: tuple.Nonce}
	var tok *auth.Token
	switch s.cfg.ResponseType {
	case ResponseIDToken:
		tok, err = f.implicit(ctx, params)
	case ResponseCodeIDToken:
		tok, err = f.hybrid(ctx, params)
	default:
		tok, err = f.code(ctx, params)
	}
	if err != nil {
		s.logFailure(ctx, err)
		return auth.Failed(err, nil)
	}

	res := auth.CompleteVerification(ctx, s.verifier, r, s.cfg.PassRequest, tok, nil)
	res.CustomState = rc.CustomState
	switch res.Outcome {
	case auth.OutcomeSuccess:
		s.log.InfoContext(ctx, "openid.callback.ok", slog.String("sub", tok.Subject()))
	case auth.OutcomeFail:
		s.log.InfoContext(ctx, "openid.callback.rejected", slog.String("sub", tok.Subject()))
	default:
		s.log.ErrorContext(ctx, "openid.callback.error", slog.String("err", res.Err.Error()))
	}
	return res
}

func (s *Strategy) logFailure(ctx context.Context, err error) {
	attrs := []any{
		slog.String("kind", auth.KindOf(err).String()),
		slog.String("err", err.Error()),
	}
	if reason := auth.ReasonOf(err); reason != "" {
		attrs = append(attrs, slog.String("reason", string(reason)))
	}
	switch auth.KindOf(err) {
	case auth.KindMetadataFetch, auth.KindReplayState:
		s.log.ErrorContext(ctx, "openid.callback.fail", attrs...)
	default:
		s.log.WarnContext(ctx, "openid.callback.fail", attrs...)
	}
}

// flow holds the state of one callback.
type flow struct {
	s     *Strategy
	tp    *tenantProvider
	rc    requestContext
	nonce string
}

func (f *flow) implicit(ctx context.Context, params url.Values) (*auth.Token, error) {
	raw := params.Get("id_token")
	if raw == "" {
		return nil, auth.Wrap(auth.KindTokenFormat, errors.New("callback carries no id_token"))
	}
	return f.idToken(ctx, raw, f.nonce)
}

func (f *flow) code(ctx context.Context, params url.Values) (*auth.Token, error) {
	code := params.Get("code")
	if code == "" {
		return nil, auth.Wrap(auth.KindTokenFormat, errors.New("callback carries no code"))
	}
	grant, rawID, err := f.redeem(ctx, code)
	if err != nil {
		return nil, err
	}
	if rawID == "" {
		return nil, auth.Wrap(auth.KindTokenFormat, errors.New("token response carries no id_token"))
	}
	tok, err := f.idToken(ctx, rawID, f.nonce)
	if err != nil {
		return nil, err
	}
	if err := f.finishGrant(ctx, tok, grant); err != nil {
		return nil, err
	}
	return tok, nil
}

// hybrid validates the front-channel id_token, binds the code to it through
// c_hash, then redeems the code. Both id tokens must name the same subject.
func (f *flow) hybrid(ctx context.Context, params url.Values) (*auth.Token, error) {
	front, err := f.implicit(ctx, params)
	if err != nil {
		return nil, err
	}
	code := params.Get("code")
	if code == "" {
		return nil, auth.Wrap(auth.KindTokenFormat, errors.New("callback carries no code"))
	}
	if want := front.Claims.String("c_hash"); want != "" {
		got, err := leftHash(front.Algorithm(), code)
		if err != nil {
			return nil, auth.Wrap(auth.KindSignature, err)
		}
		if got != want {
			return nil, auth.ClaimError(auth.ReasonCodeHash, "c_hash does not match the authorization code")
		}
	}

	grant, rawID, err := f.redeem(ctx, code)
	if err != nil {
		return nil, err
	}
	tok := front
	if rawID != "" {
		back, err := f.idToken(ctx, rawID, "")
		if err != nil {
			return nil, err
		}
		if back.Subject() != front.Subject() {
			return nil, auth.ClaimError(auth.ReasonSubject, "id tokens name different subjects")
		}
		if n := back.Nonce(); n != "" && n != f.nonce {
			return nil, auth.ClaimError(auth.ReasonNonce, "redeemed id token nonce does not match")
		}
		tok = back
	}
	if err := f.finishGrant(ctx, tok, grant); err != nil {
		return nil, err
	}
	return tok, nil
}

// idToken decrypts, verifies and validates an id token. An empty nonce skips
// the nonce check.
func (f *flow) idToken(ctx context.Context, raw, nonce string) (*auth.Token, error) {
	raw, err := f.tp.engine.DecryptIfNeeded(ctx, raw)
	if err != nil {
		return nil, err
	}
	tok, err := f.tp.engine.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	p, err := f.policy(ctx, tok)
	if err != nil {
		return nil, err
	}
	p.Audiences = []string{f.s.cfg.ClientID}
	p.AllowMultipleAudiences = f.s.cfg.AllowMultipleAudiences
	p.ClientID = f.s.cfg.ClientID
	p.Nonce = nonce
	if f.s.cfg.IsB2C {
		p.B2CPolicy = f.s.cfg.PolicyName
	}
	if err := claims.Validate(tok.Claims, p); err != nil {
		return nil, err
	}
	return tok, nil
}

// policy returns the issuer and lifetime checks shared by id and access
// tokens. Issuers containing "{tenantid}" are expanded with the request's
// tenant, or the token's tid claim.
func (f *flow) policy(ctx context.Context, tok *auth.Token) (claims.Policy, error) {
	p := claims.Policy{
		ValidateIssuer: f.s.cfg.ValidateIssuer,
		Issuers:        f.s.cfg.Issuers,
		ClockSkew:      f.s.cfg.ClockSkew,
		Now:            f.s.cfg.Now,
	}
	if !p.ValidateIssuer {
		return p, nil
	}
	if len(p.Issuers) == 0 {
		m, err := f.tp.meta.Current(ctx)
		if err != nil {
			return claims.Policy{}, err
		}
		p.Issuers = []string{m.Issuer}
	}
	tenant := f.rc.Tenant
	if tenant == "" {
		tenant = tok.Claims.String("tid")
	}
	if tenant != "" {
		expanded := make([]string, len(p.Issuers))
		for i, iss := range p.Issuers {
			expanded[i] = metadata.IssuerForTenant(iss, tenant)
		}
		p.Issuers = expanded
	}
	return p, nil
}

// redeem exchanges code at the token endpoint and returns the grant and the
// raw id_token, if any.
func (f *flow) redeem(ctx context.Context, code string) (*auth.Grant, string, error) {
	meta, err := f.tp.meta.Current(ctx)
	if err != nil {
		return nil, "", err
	}
	oc := f.s.oauthConfig(meta)

	extra := url.Values{}
	if f.rc.Resource != "" {
		extra.Set("resource", f.rc.Resource)
	}
	if f.s.cfg.AssertionKey != nil {
		assertion, err := f.s.clientAssertion(meta.TokenEndpoint)
		if err != nil {
			return nil, "", err
		}
		extra.Set("client_assertion_type", clientAssertionType)
		extra.Set("client_assertion", assertion)
	}

	tok, err := f.s.exchange(ctx, oc, code, extra)
	if err != nil {
		return nil, "", err
	}

	grant := &auth.Grant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		Expiry:       tok.Expiry,
	}
	rawID, _ := tok.Extra("id_token").(string)
	f.s.log.DebugContext(ctx, "openid.callback.redeemed",
		slog.Bool("has_access_token", grant.AccessToken != ""),
		slog.Bool("has_refresh_token", grant.RefreshToken != ""),
	)
	return grant, rawID, nil
}

// finishGrant checks the access token when it is a JWT, fetches the userinfo
// profile when configured, and attaches grant to tok.
func (f *flow) finishGrant(ctx context.Context, tok *auth.Token, grant *auth.Grant) error {
	if err := f.accessToken(ctx, grant.AccessToken); err != nil {
		return err
	}
	if f.s.cfg.FetchUserInfo && grant.AccessToken != "" {
		profile, err := f.userInfo(ctx, grant, tok.Subject())
		if err != nil {
			return err
		}
		grant.Profile = profile
	}
	tok.Grant = grant
	return nil
}

// accessToken verifies JWT-shaped access tokens issued for this application.
// Opaque tokens, and tokens signed for another resource with keys this
// provider does not publish, pass through untouched.
func (f *flow) accessToken(ctx context.Context, raw string) error {
	if raw == "" || strings.Count(raw, ".") != 2 {
		return nil
	}
	if _, err := jwtauth.Parse(raw); err != nil {
		return nil
	}
	tok, err := f.tp.engine.Verify(ctx, raw)
	if err != nil {
		if errors.Is(err, auth.ErrSignature) && !f.mintedForClient(raw) {
			f.s.log.DebugContext(ctx, "openid.callback.access_token.foreign")
			return nil
		}
		return err
	}
	p, err := f.policy(ctx, tok)
	if err != nil {
		return err
	}
	return claims.Validate(tok.Claims, p)
}

// mintedForClient reports whether the unverified access token raw names this
// client as its audience.
func (f *flow) mintedForClient(raw string) bool {
	tok, err := jwtauth.Parse(raw)
	if err != nil {
		return false
	}
	for _, aud := range tok.Audience() {
		if aud == f.s.cfg.ClientID || aud == "spn:"+f.s.cfg.ClientID {
			return true
		}
	}
	return false
}

func (f *flow) userInfo(ctx context.Context, grant *auth.Grant, subject string) (map[string]any, error) {
	meta, err := f.tp.meta.Current(ctx)
	if err != nil {
		return nil, err
	}
	if meta.UserinfoEndpoint == "" {
		return nil, auth.Wrap(auth.KindMetadataFetch, errors.New("provider publishes no userinfo endpoint"))
	}

	uctx, cancel := context.WithTimeout(oidc.ClientContext(ctx, f.s.client), f.s.cfg.Timeout)
	defer cancel()
	pc := meta.ProviderConfig()
	ui, err := pc.NewProvider(uctx).UserInfo(uctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: grant.AccessToken,
		TokenType:   "Bearer",
	}))
	if err != nil {
		return nil, auth.Wrap(auth.KindMetadataFetch, fmt.Errorf("userinfo: %w", err))
	}
	if ui.Subject != subject {
		return nil, auth.ClaimError(auth.ReasonSubject, "userinfo subject does not match the id token")
	}
	var profile map[string]any
	if err := ui.Claims(&profile); err != nil {
		return nil, auth.Wrap(auth.KindTokenFormat, fmt.Errorf("userinfo: %w", err))
	}
	return profile, nil
}

// leftHash computes an OpenID Connect half hash (c_hash, at_hash) of v for
// a token signed with alg.
func leftHash(alg, v string) (string, error) {
	var sum []byte
	switch alg {
	case "RS256", "ES256", "PS256":
		s := sha256.Sum256([]byte(v))
		sum = s[:]
	case "RS384", "ES384", "PS384":
		s := sha512.Sum384([]byte(v))
		sum = s[:]
	case "RS512", "ES512", "PS512":
		s := sha512.Sum512([]byte(v))
		sum = s[:]
	default:
		return "", fmt.Errorf("no hash for algorithm %q", alg)
	}
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}
