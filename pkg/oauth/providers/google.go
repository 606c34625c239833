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
)

// Google endpoint defaults.
const (
	googleAuthorizationEndpoint = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenEndpoint         = "https://oauth2.googleapis.com/token"
	googleUserInfoEndpoint      = "https://openidconnect.googleapis.com/v1/userinfo"
)

// googleDefaultScopes are the scopes requested when none are configured.
var googleDefaultScopes = []string{"openid", "email", "profile"}

// GoogleProvider implements the Provider interface for Google sign-in.
// Google supports PKCE, so the flow carries an S256 challenge.
type GoogleProvider struct {
	*baseOAuth2Provider
	userInfoEndpoint string
}

var _ Provider = (*GoogleProvider)(nil)

// NewGoogleProvider creates a Google provider from the given config.
func NewGoogleProvider(cfg Config) (*GoogleProvider, error) {
	base, err := newBaseOAuth2Provider(
		ProviderGoogle, cfg,
		googleAuthorizationEndpoint, googleTokenEndpoint, googleDefaultScopes,
	)
	if err != nil {
		return nil, err
	}

	p := &GoogleProvider{
		baseOAuth2Provider: base,
		userInfoEndpoint:   googleUserInfoEndpoint,
	}
	if cfg.UserInfoEndpoint != "" {
		p.userInfoEndpoint = cfg.UserInfoEndpoint
	}

	return p, nil
}

// UsesPKCE reports that Google flows carry PKCE.
func (*GoogleProvider) UsesPKCE() bool {
	return true
}

// googleUserInfo is the OpenID Connect userinfo response.
type googleUserInfo struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// FetchProfile fetches the user profile from the OIDC userinfo endpoint.
func (p *GoogleProvider) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	if accessToken == "" {
		return nil, errors.New("access token is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read userinfo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo endpoint returned status %d", resp.StatusCode)
	}

	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo response: %w", err)
	}
	if info.Subject == "" {
		return nil, errors.New("userinfo response missing sub")
	}
	if info.Email == "" {
		return nil, fmt.Errorf("%w: userinfo response missing email", ErrProfileIncomplete)
	}

	return &Profile{
		Subject:       info.Subject,
		Email:         info.Email,
		Username:      info.Name,
		EmailVerified: info.EmailVerified,
	}, nil
}
