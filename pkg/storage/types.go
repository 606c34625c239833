// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

// Package storage provides storage interfaces and implementations for the
// OAuth login flow: short-lived state records awaiting the provider
// callback, and the persistent user accounts plus their linked provider
// identities.
package storage

import (
	"context"
	"time"
)

// DefaultStateTTL is how long a pending OAuth state stays valid between
// the initialize and callback steps.
const DefaultStateTTL = 10 * time.Minute

// DefaultCleanupInterval is how often the in-memory backend sweeps
// expired state records.
const DefaultCleanupInterval = time.Minute

// StateRecord tracks a login or link attempt between the authorization
// redirect and the provider callback.
type StateRecord struct {
	// State is the random nonce sent to the provider and echoed back on
	// the callback. It is the primary key and the CSRF token.
	State string

	// Provider is the identity provider the state was issued for. The
	// callback must arrive for the same provider.
	Provider string

	// Action is what the client asked for, "login" or "register".
	Action string

	// CodeVerifier is the PKCE verifier for providers that support PKCE.
	// Empty when the provider does not use PKCE.
	CodeVerifier string

	// RedirectURL is the post-login destination requested at initialize
	// time, already validated against the allowlist.
	RedirectURL string

	// ClientIP is the IP the initialize request came from, used for a
	// soft binding check on the callback.
	ClientIP string

	// CreatedAt is when the state was issued.
	CreatedAt time.Time

	// ExpiresAt is when the state stops being acceptable.
	ExpiresAt time.Time
}

// IsExpired returns true if the state record is past its expiry.
func (r *StateRecord) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}

// User is a persistent user account. The struct is returned to clients
// on login, so fields carry JSON tags.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Username      string    `json:"username"`
	EmailVerified bool      `json:"emailVerified"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ProviderIdentity links an upstream provider account to a local user.
// A (Provider, Subject) pair belongs to at most one user.
type ProviderIdentity struct {
	UserID   string
	Provider string
	Subject  string
	Email    string
	LinkedAt time.Time
}

// StateStore stores pending OAuth states.
type StateStore interface {
	// CreateState stores a new state record. Returns ErrAlreadyExists if
	// the state nonce is already present.
	CreateState(ctx context.Context, rec *StateRecord) error

	// ConsumeState atomically looks up and removes a state record, so a
	// state can never be redeemed twice. Returns ErrNotFound for unknown
	// states and ErrExpired for states past their TTL (expired states
	// are removed as well).
	ConsumeState(ctx context.Context, state string) (*StateRecord, error)

	// DeleteExpiredStates removes expired state records and reports how
	// many were removed. Backends with native TTL expiry may do nothing.
	DeleteExpiredStates(ctx context.Context) (int64, error)
}

// UserStore stores user accounts and their provider identities.
type UserStore interface {
	// CreateUser creates a new user account. Returns ErrAlreadyExists if
	// the ID, email, or username is already taken.
	CreateUser(ctx context.Context, user *User) error

	// GetUser retrieves a user by internal ID. Returns ErrNotFound if
	// the user does not exist.
	GetUser(ctx context.Context, id string) (*User, error)

	// GetUserByEmail retrieves a user by email address.
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// GetUserByProviderIdentity retrieves the user linked to the given
	// provider identity.
	GetUserByProviderIdentity(ctx context.Context, provider, subject string) (*User, error)

	// LinkProviderIdentity links a provider identity to an existing
	// user. Returns ErrAlreadyExists if the identity is already linked.
	LinkProviderIdentity(ctx context.Context, identity *ProviderIdentity) error

	// UsernameExists reports whether a username is already taken.
	UsernameExists(ctx context.Context, username string) (bool, error)
}

// Store combines state and user storage behind one backend.
type Store interface {
	StateStore
	UserStore

	// Health checks that the backend is reachable.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
