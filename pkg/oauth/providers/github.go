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
	"strconv"

	"golang.org/x/time/rate"

	"github.com/mattyatea/zxcv-sub002/pkg/logger"
)

// GitHub endpoint defaults.
const (
	githubAuthorizationEndpoint = "https://github.com/login/oauth/authorize"
	githubTokenEndpoint         = "https://github.com/login/oauth/access_token"
	githubUserEndpoint          = "https://api.github.com/user"
)

// githubDefaultScopes are the scopes requested when none are configured.
var githubDefaultScopes = []string{"read:user", "user:email"}

// GitHubProvider implements the Provider interface for GitHub sign-in.
// GitHub's OAuth app flow does not support PKCE.
type GitHubProvider struct {
	*baseOAuth2Provider
	userEndpoint string
	rateLimiter  *rate.Limiter
}

var _ Provider = (*GitHubProvider)(nil)

// NewGitHubProvider creates a GitHub provider from the given config.
func NewGitHubProvider(cfg Config) (*GitHubProvider, error) {
	base, err := newBaseOAuth2Provider(
		ProviderGitHub, cfg,
		githubAuthorizationEndpoint, githubTokenEndpoint, githubDefaultScopes,
	)
	if err != nil {
		return nil, err
	}

	p := &GitHubProvider{
		baseOAuth2Provider: base,
		userEndpoint:       githubUserEndpoint,
		// 100 requests per second with burst of 200. GitHub allows
		// 5,000 requests/hour; we rate limit locally to prevent abuse.
		rateLimiter: rate.NewLimiter(100, 200),
	}
	if cfg.UserInfoEndpoint != "" {
		p.userEndpoint = cfg.UserInfoEndpoint
	}

	return p, nil
}

// UsesPKCE reports that GitHub flows do not carry PKCE.
func (*GitHubProvider) UsesPKCE() bool {
	return false
}

// githubUser is the GET /user response.
type githubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Email string `json:"email"`
}

// githubEmail is one entry of the GET /user/emails response.
type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// FetchProfile fetches the user profile from the GitHub API. The email is
// taken from /user when public, otherwise from /user/emails preferring the
// primary verified address.
func (p *GitHubProvider) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	if accessToken == "" {
		return nil, errors.New("access token is required")
	}

	if err := p.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	var user githubUser
	if err := p.apiGet(ctx, p.userEndpoint, accessToken, &user); err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, errors.New("github user response missing id")
	}

	profile := &Profile{
		Subject:  strconv.FormatInt(user.ID, 10),
		Email:    user.Email,
		Username: user.Login,
		// A public profile email has passed GitHub's verification.
		EmailVerified: true,
	}

	if profile.Email == "" {
		email, verified, err := p.fetchPrimaryEmail(ctx, accessToken)
		if err != nil {
			return nil, err
		}
		profile.Email = email
		profile.EmailVerified = verified
	}

	return profile, nil
}

// fetchPrimaryEmail retrieves the user's email from /user/emails along
// with its verification status. Preference order: primary verified, then
// primary, then the first listed address.
func (p *GitHubProvider) fetchPrimaryEmail(ctx context.Context, accessToken string) (string, bool, error) {
	if err := p.rateLimiter.Wait(ctx); err != nil {
		return "", false, fmt.Errorf("rate limit wait failed: %w", err)
	}

	var emails []githubEmail
	if err := p.apiGet(ctx, p.userEndpoint+"/emails", accessToken, &emails); err != nil {
		return "", false, err
	}
	if len(emails) == 0 {
		return "", false, fmt.Errorf("%w: github account has no email addresses", ErrProfileIncomplete)
	}

	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, true, nil
		}
	}
	for _, e := range emails {
		if e.Primary {
			return e.Email, e.Verified, nil
		}
	}

	logger.Warnw("github account has no primary email, using first listed",
		"email_count", len(emails),
	)
	return emails[0].Email, emails[0].Verified, nil
}

// apiGet performs a GitHub API GET request and decodes the JSON response.
func (p *GitHubProvider) apiGet(ctx context.Context, endpoint, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create github request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	// GitHub rejects requests without a User-Agent.
	req.Header.Set("User-Agent", "zxcv-authd")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read github response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github endpoint %s returned status %d", endpoint, resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode github response: %w", err)
	}
	return nil
}
