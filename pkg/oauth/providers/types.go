// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

// Package providers implements adapters for the upstream identity
// providers users can log in with. Each adapter knows how to build its
// authorization URL, exchange an authorization code for tokens, and fetch
// a normalized user profile.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Provider names. These appear in routes, state records, and stored
// provider identities, so they are stable identifiers.
const (
	ProviderGoogle = "google"
	ProviderGitHub = "github"
)

// maxResponseSize is the maximum allowed response size for HTTP requests
// to provider endpoints, to prevent DoS.
const maxResponseSize = 1024 * 1024 // 1MB

// PKCEChallengeMethodS256 is the PKCE challenge method using SHA-256 (RFC 7636).
const PKCEChallengeMethodS256 = "S256"

// ErrProfileIncomplete indicates the provider profile lacks a usable
// email address, so no local account can be resolved for it.
var ErrProfileIncomplete = errors.New("provider profile incomplete")

// Tokens represents the tokens obtained from an upstream identity provider.
type Tokens struct {
	// AccessToken is the access token from the upstream provider.
	AccessToken string

	// RefreshToken is the refresh token from the upstream provider (if provided).
	RefreshToken string

	// ExpiresAt is when the access token expires. Zero when the provider
	// does not report an expiry.
	ExpiresAt time.Time
}

// Profile is the normalized user profile fetched from a provider after a
// successful code exchange.
type Profile struct {
	// Subject is the provider's stable unique identifier for the user.
	Subject string

	// Email is the user's email address.
	Email string

	// Username is the provider-side login or display name, used as the
	// seed when generating a local username.
	Username string

	// EmailVerified reports whether the provider has verified the email.
	EmailVerified bool
}

// Provider handles communication with an upstream identity provider.
type Provider interface {
	// Name returns the stable provider identifier.
	Name() string

	// UsesPKCE reports whether the provider flow carries a PKCE
	// challenge and verifier.
	UsesPKCE() bool

	// AuthorizationURL builds the URL to redirect the user to.
	// codeChallenge is empty for providers without PKCE.
	AuthorizationURL(state, codeChallenge string) (string, error)

	// ExchangeCode exchanges an authorization code for tokens.
	// codeVerifier is empty for providers without PKCE.
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*Tokens, error)

	// FetchProfile fetches the normalized user profile using the access
	// token from ExchangeCode.
	FetchProfile(ctx context.Context, accessToken string) (*Profile, error)
}

// Config holds the settings for one provider adapter.
type Config struct {
	// ClientID and ClientSecret are the OAuth app credentials.
	ClientID     string
	ClientSecret string

	// RedirectURI is the callback URL registered with the provider.
	RedirectURI string

	// Scopes override the provider's default scopes when non-empty.
	Scopes []string

	// AuthorizationEndpoint, TokenEndpoint, and UserInfoEndpoint override
	// the provider defaults. Used by tests to point at a local server.
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserInfoEndpoint      string

	// HTTPClient overrides the default HTTP client.
	HTTPClient *http.Client
}

// Validate checks that the Config is valid.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("client ID is required")
	}
	if c.ClientSecret == "" {
		return errors.New("client secret is required")
	}
	if c.RedirectURI == "" {
		return errors.New("redirect URI is required")
	}
	return nil
}

// Registry holds the configured providers by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(provs ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(provs))}
	for _, p := range provs {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the provider with the given name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unsupported provider: %q", name)
	}
	return p, nil
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
