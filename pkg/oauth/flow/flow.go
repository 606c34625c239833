// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

// Package flow orchestrates the OAuth login flow: issuing authorization
// redirects, validating provider callbacks, resolving local user
// accounts, and minting token pairs.
package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/mattyatea/zxcv-sub002/pkg/logger"
	"github.com/mattyatea/zxcv-sub002/pkg/oauth/providers"
	"github.com/mattyatea/zxcv-sub002/pkg/storage"
	"github.com/mattyatea/zxcv-sub002/pkg/tokens"
)

// Flow actions. Both resolve or create the local account; the action is
// carried through the encoded state so the client can distinguish the
// two on return.
const (
	ActionLogin    = "login"
	ActionRegister = "register"
)

// maxUsernameAttempts bounds the numeric-suffix search when generating a
// unique username.
const maxUsernameAttempts = 100

// Config holds the collaborators and settings for a Flow.
type Config struct {
	// Providers is the registry of configured identity providers.
	Providers *providers.Registry

	// Store persists pending states, users, and provider identities.
	Store storage.Store

	// Tokens issues and verifies the access and refresh tokens.
	Tokens *tokens.Service

	// StateTTL is how long a pending state stays redeemable. Defaults to
	// storage.DefaultStateTTL.
	StateTTL time.Duration

	// AllowedRedirectHosts are the hosts absolute post-login redirect
	// URLs may point at. Relative paths are always allowed.
	AllowedRedirectHosts []string

	// StrictIPBinding rejects callbacks arriving from a different client
	// IP than the initialize request. When false a mismatch is only
	// logged.
	StrictIPBinding bool
}

// Validate checks that the Config is usable.
func (c *Config) Validate() error {
	if c.Providers == nil {
		return errors.New("provider registry is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Tokens == nil {
		return errors.New("token service is required")
	}
	if c.StateTTL < 0 {
		return errors.New("state TTL cannot be negative")
	}
	return nil
}

// Flow drives the OAuth login flow from initialize to token issuance.
type Flow struct {
	providers       *providers.Registry
	store           storage.Store
	tokens          *tokens.Service
	stateTTL        time.Duration
	allowedHosts    []string
	strictIPBinding bool
}

// New creates a Flow from the given config.
func New(cfg Config) (*Flow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow config: %w", err)
	}

	stateTTL := cfg.StateTTL
	if stateTTL == 0 {
		stateTTL = storage.DefaultStateTTL
	}

	return &Flow{
		providers:       cfg.Providers,
		store:           cfg.Store,
		tokens:          cfg.Tokens,
		stateTTL:        stateTTL,
		allowedHosts:    cfg.AllowedRedirectHosts,
		strictIPBinding: cfg.StrictIPBinding,
	}, nil
}

// InitializeRequest is the input to Initialize.
type InitializeRequest struct {
	Provider    string
	RedirectURL string
	Action      string
	ClientIP    string
}

// InitializeResponse carries the provider URL to redirect the user to.
type InitializeResponse struct {
	AuthorizationURL string `json:"authorizationUrl"`
}

// Initialize starts a login attempt: it persists a pending state record
// and returns the provider authorization URL carrying the encoded state.
func (f *Flow) Initialize(ctx context.Context, req *InitializeRequest) (*InitializeResponse, error) {
	provider, err := f.providers.Get(req.Provider)
	if err != nil {
		return nil, badRequest("unsupported provider", err)
	}

	action := req.Action
	switch action {
	case "":
		action = ActionLogin
	case ActionLogin, ActionRegister:
	default:
		return nil, badRequest("invalid action", nil)
	}

	redirectURL := sanitizeRedirectURL(req.RedirectURL, f.allowedHosts)

	// Best-effort housekeeping before adding a new record.
	if deleted, err := f.store.DeleteExpiredStates(ctx); err != nil {
		logger.Warnw("failed to sweep expired states", "error", err.Error())
	} else if deleted > 0 {
		logger.Debugw("swept expired states", "deleted", deleted)
	}

	stateNonce, err := generateStateNonce()
	if err != nil {
		return nil, internal("failed to generate state", err)
	}
	entropy, err := generateEntropy()
	if err != nil {
		return nil, internal("failed to generate state", err)
	}

	var verifier, challenge string
	if provider.UsesPKCE() {
		verifier = oauth2.GenerateVerifier()
		challenge = oauth2.S256ChallengeFromVerifier(verifier)
	}

	now := time.Now()
	rec := &storage.StateRecord{
		State:        stateNonce,
		Provider:     provider.Name(),
		Action:       action,
		CodeVerifier: verifier,
		RedirectURL:  redirectURL,
		ClientIP:     req.ClientIP,
		CreatedAt:    now,
		ExpiresAt:    now.Add(f.stateTTL),
	}
	if err := f.store.CreateState(ctx, rec); err != nil {
		return nil, internal("failed to store state", err)
	}

	encoded, err := (&encodedState{Random: stateNonce, Action: action, Nonce: entropy}).encode()
	if err != nil {
		return nil, internal("failed to encode state", err)
	}

	authURL, err := provider.AuthorizationURL(encoded, challenge)
	if err != nil {
		// The record would sit unused until it expires; consume it now.
		_, _ = f.store.ConsumeState(ctx, stateNonce)
		return nil, internal("failed to build authorization URL", err)
	}

	logger.Infow("oauth flow initialized",
		"provider", provider.Name(),
		"action", action,
	)

	return &InitializeResponse{AuthorizationURL: authURL}, nil
}

// CallbackRequest is the input to Callback.
type CallbackRequest struct {
	Provider string
	Code     string
	State    string
	ClientIP string
}

// CallbackResponse is the successful outcome of a callback: a token pair
// for the resolved user plus the destination requested at initialize.
type CallbackResponse struct {
	AccessToken  string        `json:"accessToken"`
	RefreshToken string        `json:"refreshToken"`
	User         *storage.User `json:"user"`
	RedirectURL  string        `json:"redirectUrl"`
}

// Callback validates the provider callback, exchanges the authorization
// code, resolves the local user, and issues tokens. The pending state is
// consumed before any external call, so a state can never be redeemed
// twice regardless of the outcome.
func (f *Flow) Callback(ctx context.Context, req *CallbackRequest) (*CallbackResponse, error) {
	provider, err := f.providers.Get(req.Provider)
	if err != nil {
		return nil, badRequest("unsupported provider", err)
	}
	if req.Code == "" {
		return nil, badRequest("authorization code is required", nil)
	}

	decoded, err := decodeState(req.State)
	if err != nil {
		return nil, badRequest("invalid state format", err)
	}

	rec, err := f.store.ConsumeState(ctx, decoded.Random)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return nil, badRequest("invalid or expired state", err)
		}
		// Fail closed: a storage error never validates a state.
		return nil, internal("failed to look up state", err)
	}

	if rec.Provider != provider.Name() {
		return nil, badRequest("invalid or expired state",
			fmt.Errorf("state issued for provider %q", rec.Provider))
	}

	if rec.ClientIP != "" && req.ClientIP != "" && rec.ClientIP != req.ClientIP {
		logger.Warnw("callback client IP differs from initialize",
			"provider", provider.Name(),
			"initialize_ip", rec.ClientIP,
			"callback_ip", req.ClientIP,
		)
		if f.strictIPBinding {
			return nil, badRequest("invalid or expired state",
				errors.New("client IP mismatch"))
		}
	}

	providerTokens, err := provider.ExchangeCode(ctx, req.Code, rec.CodeVerifier)
	if err != nil {
		return nil, internal("failed to exchange authorization code", err)
	}

	profile, err := provider.FetchProfile(ctx, providerTokens.AccessToken)
	if err != nil {
		if errors.Is(err, providers.ErrProfileIncomplete) {
			return nil, badRequest("no email found for account", err)
		}
		return nil, internal("failed to fetch provider profile", err)
	}

	user, err := f.resolveUser(ctx, provider.Name(), profile)
	if err != nil {
		return nil, err
	}

	accessToken, err := f.tokens.IssueAccessToken(user.ID, user.Email, user.Username, user.EmailVerified)
	if err != nil {
		return nil, internal("failed to issue access token", err)
	}
	refreshToken, err := f.tokens.IssueRefreshToken(user.ID)
	if err != nil {
		return nil, internal("failed to issue refresh token", err)
	}

	redirectURL := rec.RedirectURL
	if redirectURL == "" {
		redirectURL = defaultRedirectURL
	}

	logger.Infow("oauth flow completed",
		"provider", provider.Name(),
		"action", rec.Action,
		"user_id", user.ID,
	)

	return &CallbackResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         user,
		RedirectURL:  redirectURL,
	}, nil
}

// RefreshResponse carries the token pair minted from a refresh token.
type RefreshResponse struct {
	AccessToken  string        `json:"accessToken"`
	RefreshToken string        `json:"refreshToken"`
	User         *storage.User `json:"user"`
}

// Refresh redeems a refresh token for a fresh token pair.
func (f *Flow) Refresh(ctx context.Context, refreshToken string) (*RefreshResponse, error) {
	userID := f.tokens.VerifyRefreshToken(refreshToken)
	if userID == "" {
		return nil, badRequest("invalid refresh token", nil)
	}

	user, err := f.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, badRequest("invalid refresh token", err)
		}
		return nil, internal("failed to load user", err)
	}

	accessToken, err := f.tokens.IssueAccessToken(user.ID, user.Email, user.Username, user.EmailVerified)
	if err != nil {
		return nil, internal("failed to issue access token", err)
	}
	newRefreshToken, err := f.tokens.IssueRefreshToken(user.ID)
	if err != nil {
		return nil, internal("failed to issue refresh token", err)
	}

	return &RefreshResponse{
		AccessToken:  accessToken,
		RefreshToken: newRefreshToken,
		User:         user,
	}, nil
}

// resolveUser finds the local user for a provider profile, linking or
// creating accounts as needed. Accounts created here are pre-verified
// when the provider vouches for the email.
func (f *Flow) resolveUser(ctx context.Context, providerName string, profile *providers.Profile) (*storage.User, error) {
	user, err := f.store.GetUserByProviderIdentity(ctx, providerName, profile.Subject)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, internal("failed to look up provider identity", err)
	}

	// No identity yet. Link to an existing account with the same email,
	// or create a new one.
	user, err = f.store.GetUserByEmail(ctx, profile.Email)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		user, err = f.createUser(ctx, profile)
		if err != nil {
			return nil, err
		}
	default:
		return nil, internal("failed to look up user by email", err)
	}

	identity := &storage.ProviderIdentity{
		UserID:   user.ID,
		Provider: providerName,
		Subject:  profile.Subject,
		Email:    profile.Email,
		LinkedAt: time.Now(),
	}
	if err := f.store.LinkProviderIdentity(ctx, identity); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// A concurrent callback linked it first; reuse its result.
			return f.store.GetUserByProviderIdentity(ctx, providerName, profile.Subject)
		}
		return nil, internal("failed to link provider identity", err)
	}

	logger.Infow("linked provider identity",
		"provider", providerName,
		"user_id", user.ID,
	)

	return user, nil
}

func (f *Flow) createUser(ctx context.Context, profile *providers.Profile) (*storage.User, error) {
	username, err := f.generateUsername(ctx, profile)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	user := &storage.User{
		ID:            uuid.NewString(),
		Email:         profile.Email,
		Username:      username,
		EmailVerified: profile.EmailVerified,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := f.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// A concurrent callback created the account; pick it up by
			// email and continue.
			existing, lookupErr := f.store.GetUserByEmail(ctx, profile.Email)
			if lookupErr == nil {
				return existing, nil
			}
			return nil, conflict("account already exists", err)
		}
		return nil, internal("failed to create user", err)
	}

	logger.Infow("created user from provider profile",
		"user_id", user.ID,
		"username", user.Username,
	)

	return user, nil
}

// generateUsername derives a unique local username from the provider
// profile, appending a numeric suffix on collisions.
func (f *Flow) generateUsername(ctx context.Context, profile *providers.Profile) (string, error) {
	base := normalizeUsername(profile.Username)
	if base == "" {
		local, _, _ := strings.Cut(profile.Email, "@")
		base = normalizeUsername(local)
	}
	if base == "" {
		base = "user"
	}

	candidate := base
	for i := 1; i <= maxUsernameAttempts; i++ {
		taken, err := f.store.UsernameExists(ctx, candidate)
		if err != nil {
			return "", internal("failed to check username", err)
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s%d", base, i)
	}

	return "", conflict("could not find a free username", nil)
}

// normalizeUsername lowercases and strips characters outside the local
// username alphabet.
func normalizeUsername(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) && r < unicode.MaxASCII,
			unicode.IsDigit(r) && r < unicode.MaxASCII,
			r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
