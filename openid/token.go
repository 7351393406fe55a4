package openid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/ggoodman/oidcauth/auth"
)

const maxTokenResponse = 1 << 20

// tokenResponse is the token endpoint's JSON reply. expires_in is a string
// in some Azure AD v1 responses.
type tokenResponse struct {
	AccessToken      string      `json:"access_token"`
	TokenType        string      `json:"token_type"`
	RefreshToken     string      `json:"refresh_token"`
	ExpiresIn        json.Number `json:"expires_in"`
	Error            string      `json:"error"`
	ErrorDescription string      `json:"error_description"`
}

// exchange redeems code at the token endpoint of oc. Unlike
// oauth2.Config.Exchange it accepts responses that carry an id_token but no
// access_token. Provider error responses become KindProviderReported;
// transport failures and unreadable responses become KindMetadataFetch.
func (s *Strategy) exchange(ctx context.Context, oc *oauth2.Config, code string, extra url.Values) (*oauth2.Token, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {oc.RedirectURL},
		"client_id":    {oc.ClientID},
	}
	if oc.ClientSecret != "" {
		form.Set("client_secret", oc.ClientSecret)
	}
	for k, vs := range extra {
		form[k] = vs
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oc.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, auth.Wrap(auth.KindMetadataFetch, fmt.Errorf("token request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, auth.Wrap(auth.KindMetadataFetch, fmt.Errorf("token request: %w", err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		return nil, auth.Wrap(auth.KindMetadataFetch, fmt.Errorf("token response: %w", err))
	}

	var tr tokenResponse
	decodeErr := json.Unmarshal(body, &tr)
	if tr.Error != "" {
		return nil, &auth.Error{
			Kind:        auth.KindProviderReported,
			Code:        tr.Error,
			Description: tr.ErrorDescription,
			Err:         &oauth2.RetrieveError{Response: resp, Body: body, ErrorCode: tr.Error, ErrorDescription: tr.ErrorDescription},
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, auth.Wrap(auth.KindMetadataFetch, fmt.Errorf("token endpoint returned %s", resp.Status))
	}
	if decodeErr != nil {
		return nil, auth.Wrap(auth.KindMetadataFetch, fmt.Errorf("decode token response: %w", decodeErr))
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, auth.Wrap(auth.KindMetadataFetch, fmt.Errorf("decode token response: %w", err))
	}
	if tr.AccessToken == "" {
		if _, ok := raw["id_token"].(string); !ok {
			return nil, auth.Wrap(auth.KindTokenFormat, errors.New("token response carries neither access_token nor id_token"))
		}
	}

	tok := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
	}
	if secs, err := tr.ExpiresIn.Int64(); err == nil && secs > 0 {
		tok.Expiry = s.cfg.Now().Add(time.Duration(secs) * time.Second)
	}
	return tok.WithExtra(raw), nil
}
