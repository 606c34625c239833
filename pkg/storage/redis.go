// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Redis key types, joined with the prefix as "<prefix><type>:<id>".
const (
	keyTypeState    = "state"
	keyTypeUser     = "user"
	keyTypeEmail    = "email"
	keyTypeUsername = "username"
	keyTypeIdentity = "identity"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Username and Password authenticate against Redis ACLs. Both may be
	// empty for an unauthenticated server.
	Username string
	Password string

	// DB selects the Redis logical database.
	DB int

	// KeyPrefix namespaces all keys, e.g. "zxcv:auth:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStorage implements the Store interface with a Redis backend.
// State records rely on Redis-native TTL expiry; users and identities are
// stored without expiry. All multi-step operations that must be atomic
// use SetNX or server-side Lua.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Store = (*RedisStorage)(nil)

// consumeScript atomically fetches and deletes a key, so a state can only
// ever be redeemed by one caller.
var consumeScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v then
	redis.call("DEL", KEYS[1])
end
return v
`)

// NewRedisStorage creates Redis-backed storage.
// Returns an error if configuration validation fails or the connection
// cannot be established.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.KeyPrefix == "" {
		return nil, errors.New("key prefix is required")
	}

	// Apply defaults
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured
// client. This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Health checks Redis connectivity.
func (s *RedisStorage) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStorage) key(keyType, id string) string {
	return s.keyPrefix + keyType + ":" + id
}

// storedState is the serializable wrapper for StateRecord.
type storedState struct {
	State        string `json:"state"`
	Provider     string `json:"provider"`
	Action       string `json:"action"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	RedirectURL  string `json:"redirect_url,omitempty"`
	ClientIP     string `json:"client_ip,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	ExpiresAt    int64  `json:"expires_at"`
}

// CreateState stores a new state record with a Redis-native TTL.
func (s *RedisStorage) CreateState(ctx context.Context, rec *StateRecord) error {
	if rec == nil || rec.State == "" {
		return fmt.Errorf("state cannot be empty")
	}

	key := s.key(keyTypeState, rec.State)

	stored := storedState{
		State:        rec.State,
		Provider:     rec.Provider,
		Action:       rec.Action,
		CodeVerifier: rec.CodeVerifier,
		RedirectURL:  rec.RedirectURL,
		ClientIP:     rec.ClientIP,
		CreatedAt:    rec.CreatedAt.Unix(),
		ExpiresAt:    rec.ExpiresAt.Unix(),
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}

	// SetNX makes create atomic; a colliding nonce is rejected.
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store state: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: state already exists", ErrAlreadyExists)
	}

	return nil
}

// ConsumeState atomically fetches and deletes a state record using a Lua
// script, so concurrent callbacks cannot both redeem the same state.
func (s *RedisStorage) ConsumeState(ctx context.Context, state string) (*StateRecord, error) {
	key := s.key(keyTypeState, state)

	res, err := consumeScript.Run(ctx, s.client, []string{key}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: state not found", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume state: %w", err)
	}

	data, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected state payload type %T", res)
	}

	var stored storedState
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	rec := &StateRecord{
		State:        stored.State,
		Provider:     stored.Provider,
		Action:       stored.Action,
		CodeVerifier: stored.CodeVerifier,
		RedirectURL:  stored.RedirectURL,
		ClientIP:     stored.ClientIP,
		CreatedAt:    time.Unix(stored.CreatedAt, 0),
		ExpiresAt:    time.Unix(stored.ExpiresAt, 0),
	}

	// TTL should handle this, but double-check.
	if rec.IsExpired() {
		return nil, fmt.Errorf("%w: state expired", ErrExpired)
	}

	return rec, nil
}

// DeleteExpiredStates is a no-op for Redis; keys expire natively via TTL.
func (*RedisStorage) DeleteExpiredStates(_ context.Context) (int64, error) {
	return 0, nil
}

// storedUser is the serializable wrapper for User.
type storedUser struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Username      string `json:"username"`
	EmailVerified bool   `json:"email_verified"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// CreateUser creates a new user account together with its email and
// username index entries. SetNX on each key keeps the reservation atomic;
// on conflict any partial writes are rolled back.
func (s *RedisStorage) CreateUser(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}
	if user.Email == "" || user.Username == "" {
		return fmt.Errorf("user email and username are required")
	}

	userKey := s.key(keyTypeUser, user.ID)
	emailKey := s.key(keyTypeEmail, user.Email)
	usernameKey := s.key(keyTypeUsername, user.Username)

	stored := storedUser{
		ID:            user.ID,
		Email:         user.Email,
		Username:      user.Username,
		EmailVerified: user.EmailVerified,
		CreatedAt:     user.CreatedAt.Unix(),
		UpdatedAt:     user.UpdatedAt.Unix(),
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	// Reserve the email index first.
	ok, err := s.client.SetNX(ctx, emailKey, user.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve email: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: email already registered", ErrAlreadyExists)
	}

	// Then the username index, rolling back the email on conflict.
	ok, err = s.client.SetNX(ctx, usernameKey, user.ID, 0).Result()
	if err != nil || !ok {
		_ = s.client.Del(ctx, emailKey).Err()
		if err != nil {
			return fmt.Errorf("failed to reserve username: %w", err)
		}
		return fmt.Errorf("%w: username already taken", ErrAlreadyExists)
	}

	// Finally the user record itself.
	ok, err = s.client.SetNX(ctx, userKey, data, 0).Result()
	if err != nil || !ok {
		_ = s.client.Del(ctx, emailKey, usernameKey).Err()
		if err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		return fmt.Errorf("%w: user already exists", ErrAlreadyExists)
	}

	return nil
}

// GetUser retrieves a user by their internal ID.
func (s *RedisStorage) GetUser(ctx context.Context, id string) (*User, error) {
	data, err := s.client.Get(ctx, s.key(keyTypeUser, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: user not found", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var stored storedUser
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}

	return &User{
		ID:            stored.ID,
		Email:         stored.Email,
		Username:      stored.Username,
		EmailVerified: stored.EmailVerified,
		CreatedAt:     time.Unix(stored.CreatedAt, 0),
		UpdatedAt:     time.Unix(stored.UpdatedAt, 0),
	}, nil
}

// GetUserByEmail retrieves a user through the email index.
func (s *RedisStorage) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	id, err := s.client.Get(ctx, s.key(keyTypeEmail, email)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: user not found", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to look up email: %w", err)
	}
	return s.GetUser(ctx, id)
}

// storedIdentity is the serializable wrapper for ProviderIdentity.
type storedIdentity struct {
	UserID   string `json:"user_id"`
	Provider string `json:"provider"`
	Subject  string `json:"subject"`
	Email    string `json:"email,omitempty"`
	LinkedAt int64  `json:"linked_at"`
}

// GetUserByProviderIdentity retrieves the user linked to a provider identity.
func (s *RedisStorage) GetUserByProviderIdentity(ctx context.Context, provider, subject string) (*User, error) {
	key := s.key(keyTypeIdentity, identityKey(provider, subject))

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: provider identity not found", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get provider identity: %w", err)
	}

	var stored storedIdentity
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal provider identity: %w", err)
	}

	return s.GetUser(ctx, stored.UserID)
}

// LinkProviderIdentity links a provider identity to an existing user.
func (s *RedisStorage) LinkProviderIdentity(ctx context.Context, identity *ProviderIdentity) error {
	if identity == nil {
		return fmt.Errorf("identity cannot be nil")
	}
	if identity.UserID == "" || identity.Provider == "" || identity.Subject == "" {
		return fmt.Errorf("identity user ID, provider, and subject are required")
	}

	// Verify user exists
	exists, err := s.client.Exists(ctx, s.key(keyTypeUser, identity.UserID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check user existence: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: user not found", ErrNotFound)
	}

	stored := storedIdentity{
		UserID:   identity.UserID,
		Provider: identity.Provider,
		Subject:  identity.Subject,
		Email:    identity.Email,
		LinkedAt: identity.LinkedAt.Unix(),
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	key := s.key(keyTypeIdentity, identityKey(identity.Provider, identity.Subject))

	// Use SetNX for atomic check-and-set to prevent race conditions.
	// Provider identities don't expire (TTL=0).
	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store identity: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: provider identity already linked", ErrAlreadyExists)
	}

	return nil
}

// UsernameExists reports whether a username is already taken.
func (s *RedisStorage) UsernameExists(ctx context.Context, username string) (bool, error) {
	exists, err := s.client.Exists(ctx, s.key(keyTypeUsername, username)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return exists > 0, nil
}
