// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mattyatea/zxcv-sub002/pkg/logger"
)

// MemoryStorage implements the Store interface with in-memory maps.
// This implementation is thread-safe and suitable for development and
// testing. Use the Redis or SQLite backends for production.
type MemoryStorage struct {
	mu sync.RWMutex

	// states maps state nonce -> StateRecord. States are one-time-use
	// and removed on consumption.
	states map[string]*StateRecord

	// users maps user ID -> User.
	users map[string]*User

	// emails maps email -> user ID for O(1) email lookup.
	emails map[string]string

	// usernames maps username -> user ID for O(1) availability checks.
	usernames map[string]string

	// identities maps "provider:subject" -> ProviderIdentity.
	identities map[string]*ProviderIdentity

	// cleanupInterval is how often the background cleanup runs.
	cleanupInterval time.Duration

	// stopCleanup is used to signal the cleanup goroutine to stop.
	stopCleanup chan struct{}

	// cleanupDone is closed when the cleanup goroutine has fully stopped.
	cleanupDone chan struct{}
}

var _ Store = (*MemoryStorage)(nil)

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStorage creates a new MemoryStorage instance with initialized
// maps and starts the background cleanup goroutine.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		states:          make(map[string]*StateRecord),
		users:           make(map[string]*User),
		emails:          make(map[string]string),
		usernames:       make(map[string]string),
		identities:      make(map[string]*ProviderIdentity),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStorage) Health(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStorage) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

// cleanupLoop runs periodic cleanup of expired state records.
func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			if n, _ := s.DeleteExpiredStates(context.Background()); n > 0 {
				logger.Debugw("swept expired oauth states", "count", n)
			}
		}
	}
}

// CreateState stores a new state record.
func (s *MemoryStorage) CreateState(_ context.Context, rec *StateRecord) error {
	if rec == nil || rec.State == "" {
		return fmt.Errorf("state cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.states[rec.State]; exists {
		return fmt.Errorf("%w: state already exists", ErrAlreadyExists)
	}

	// Store a defensive copy
	cp := *rec
	s.states[rec.State] = &cp
	return nil
}

// ConsumeState atomically removes and returns a state record. The lookup
// and delete happen under one lock so a state can only ever be redeemed
// once, even with concurrent callbacks.
func (s *MemoryStorage) ConsumeState(_ context.Context, state string) (*StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.states[state]
	if !ok {
		return nil, fmt.Errorf("%w: state not found", ErrNotFound)
	}
	delete(s.states, state)

	if rec.IsExpired() {
		return nil, fmt.Errorf("%w: state expired", ErrExpired)
	}

	cp := *rec
	return &cp, nil
}

// DeleteExpiredStates removes expired state records.
// Uses collect-then-delete: collects expired keys under read lock, then
// deletes under write lock. This minimizes write lock hold time.
func (s *MemoryStorage) DeleteExpiredStates(_ context.Context) (int64, error) {
	now := time.Now()

	s.mu.RLock()
	var expired []string
	for k, v := range s.states {
		if now.After(v.ExpiresAt) {
			expired = append(expired, k)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	var deleted int64
	for _, k := range expired {
		// Re-check under write lock; the record may have been consumed.
		if v, ok := s.states[k]; ok && now.After(v.ExpiresAt) {
			delete(s.states, k)
			deleted++
		}
	}
	s.mu.Unlock()

	return deleted, nil
}

// CreateUser creates a new user account.
func (s *MemoryStorage) CreateUser(_ context.Context, user *User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}
	if user.Email == "" {
		return fmt.Errorf("user email cannot be empty")
	}
	if user.Username == "" {
		return fmt.Errorf("user username cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.ID]; exists {
		return fmt.Errorf("%w: user already exists", ErrAlreadyExists)
	}
	if _, exists := s.emails[user.Email]; exists {
		return fmt.Errorf("%w: email already registered", ErrAlreadyExists)
	}
	if _, exists := s.usernames[user.Username]; exists {
		return fmt.Errorf("%w: username already taken", ErrAlreadyExists)
	}

	cp := *user
	s.users[user.ID] = &cp
	s.emails[user.Email] = user.ID
	s.usernames[user.Username] = user.ID
	return nil
}

// GetUser retrieves a user by their internal ID.
func (s *MemoryStorage) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getUserLocked(id)
}

// getUserLocked returns a defensive copy of a user. Callers must hold at
// least a read lock.
func (s *MemoryStorage) getUserLocked(id string) (*User, error) {
	user, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user not found", ErrNotFound)
	}
	cp := *user
	return &cp, nil
}

// GetUserByEmail retrieves a user by email address.
func (s *MemoryStorage) GetUserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.emails[email]
	if !ok {
		return nil, fmt.Errorf("%w: user not found", ErrNotFound)
	}
	return s.getUserLocked(id)
}

// GetUserByProviderIdentity retrieves the user linked to a provider identity.
func (s *MemoryStorage) GetUserByProviderIdentity(_ context.Context, provider, subject string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.identities[identityKey(provider, subject)]
	if !ok {
		return nil, fmt.Errorf("%w: provider identity not found", ErrNotFound)
	}
	return s.getUserLocked(identity.UserID)
}

// LinkProviderIdentity links a provider identity to an existing user.
func (s *MemoryStorage) LinkProviderIdentity(_ context.Context, identity *ProviderIdentity) error {
	if identity == nil {
		return fmt.Errorf("identity cannot be nil")
	}
	if identity.UserID == "" || identity.Provider == "" || identity.Subject == "" {
		return fmt.Errorf("identity user ID, provider, and subject are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Verify user exists before linking identity
	if _, exists := s.users[identity.UserID]; !exists {
		return fmt.Errorf("%w: user not found", ErrNotFound)
	}

	key := identityKey(identity.Provider, identity.Subject)
	if _, exists := s.identities[key]; exists {
		return fmt.Errorf("%w: provider identity already linked", ErrAlreadyExists)
	}

	cp := *identity
	s.identities[key] = &cp
	return nil
}

// UsernameExists reports whether a username is already taken.
func (s *MemoryStorage) UsernameExists(_ context.Context, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.usernames[username]
	return exists, nil
}

// identityKey builds the map key for a provider identity.
func identityKey(provider, subject string) string {
	return provider + ":" + subject
}
