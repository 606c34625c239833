// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

package providers

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

	"github.com/mattyatea/zxcv-sub002/pkg/logger"
	"github.com/mattyatea/zxcv-sub002/pkg/networking"
)

// baseOAuth2Provider implements the OAuth 2.0 authorization-code mechanics
// shared by all concrete providers: building the authorization URL and
// exchanging the code at the token endpoint.
type baseOAuth2Provider struct {
	name                  string
	clientID              string
	clientSecret          string
	redirectURI           string
	scopes                []string
	authorizationEndpoint string
	tokenEndpoint         string
	httpClient            *http.Client
}

func newBaseOAuth2Provider(name string, cfg Config, defaultAuthz, defaultToken string, defaultScopes []string) (*baseOAuth2Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", name, err)
	}

	p := &baseOAuth2Provider{
		name:                  name,
		clientID:              cfg.ClientID,
		clientSecret:          cfg.ClientSecret,
		redirectURI:           cfg.RedirectURI,
		scopes:                cfg.Scopes,
		authorizationEndpoint: defaultAuthz,
		tokenEndpoint:         defaultToken,
		httpClient:            networking.NewHTTPClient(),
	}

	if len(p.scopes) == 0 {
		p.scopes = defaultScopes
	}
	if cfg.AuthorizationEndpoint != "" {
		p.authorizationEndpoint = cfg.AuthorizationEndpoint
	}
	if cfg.TokenEndpoint != "" {
		p.tokenEndpoint = cfg.TokenEndpoint
	}
	if cfg.HTTPClient != nil {
		p.httpClient = cfg.HTTPClient
	}

	return p, nil
}

// Name returns the provider name.
func (p *baseOAuth2Provider) Name() string {
	return p.name
}

// AuthorizationURL builds the URL to redirect the user to the provider.
func (p *baseOAuth2Provider) AuthorizationURL(state, codeChallenge string) (string, error) {
	if state == "" {
		return "", errors.New("state parameter is required")
	}

	logger.Debugw("building authorization URL",
		"provider", p.name,
		"has_pkce", codeChallenge != "",
	)

	params := url.Values{
		"response_type": {"code"},
		"client_id":     {p.clientID},
		"redirect_uri":  {p.redirectURI},
		"state":         {state},
	}

	if len(p.scopes) > 0 {
		params.Set("scope", strings.Join(p.scopes, " "))
	}

	if codeChallenge != "" {
		params.Set("code_challenge", codeChallenge)
		params.Set("code_challenge_method", PKCEChallengeMethodS256)
	}

	return p.authorizationEndpoint + "?" + params.Encode(), nil
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *baseOAuth2Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*Tokens, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}

	params := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {p.redirectURI},
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
	}

	if codeVerifier != "" {
		params.Set("code_verifier", codeVerifier)
	}

	tokens, err := p.tokenRequest(ctx, params)
	if err != nil {
		return nil, err
	}

	logger.Infow("authorization code exchange successful",
		"provider", p.name,
		"has_refresh_token", tokens.RefreshToken != "",
	)

	return tokens, nil
}

// tokenRequest performs a form-encoded token request to the provider.
func (p *baseOAuth2Provider) tokenRequest(ctx context.Context, params url.Values) (*Tokens, error) {
	logger.Debugw("sending token request",
		"provider", p.name,
		"grant_type", params.Get("grant_type"),
	)

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		p.tokenEndpoint,
		strings.NewReader(params.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	return parseTokenResponse(body, resp.StatusCode)
}

// tokenResponse is the provider's token endpoint response body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// parseTokenResponse decodes the token endpoint response. Provider errors
// are surfaced from the body when available.
func parseTokenResponse(body []byte, statusCode int) (*Tokens, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response (status %d): %w", statusCode, err)
	}

	if tr.Error != "" {
		return nil, fmt.Errorf("token endpoint returned error %q: %s", tr.Error, tr.ErrorDesc)
	}
	if statusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned status %d", statusCode)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}

	tokens := &Tokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
	}
	if tr.ExpiresIn > 0 {
		tokens.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	return tokens, nil
}
