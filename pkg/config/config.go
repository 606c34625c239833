// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the fully resolved service configuration. Values
// come from flags and environment via viper; everything here is plain
// data with no file paths left to resolve.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mattyatea/zxcv-sub002/pkg/logger"
	"github.com/mattyatea/zxcv-sub002/pkg/oauth/providers"
	"github.com/mattyatea/zxcv-sub002/pkg/storage"
	"github.com/mattyatea/zxcv-sub002/pkg/tokens"
)

// Storage backend names accepted by Storage.Backend.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config is the top-level service configuration.
type Config struct {
	// Address is the listen address for the HTTP server.
	Address string

	// BaseURL is the externally reachable base URL of the application,
	// used to derive the provider callback URLs.
	BaseURL string

	// Token configures signing of access and refresh tokens.
	Token TokenConfig

	// Storage selects and configures the storage backend.
	Storage StorageConfig

	// Providers holds the OAuth app credentials per provider. Providers
	// without credentials are not registered.
	Providers ProvidersConfig

	// StateTTL is how long pending OAuth states stay valid. If zero,
	// defaults to storage.DefaultStateTTL.
	StateTTL time.Duration

	// AllowedRedirectHosts are hosts absolute post-login redirects may
	// point at.
	AllowedRedirectHosts []string

	// StrictIPBinding rejects callbacks from a different client IP than
	// the initialize request instead of just logging.
	StrictIPBinding bool

	// RateLimit configures per-client request limiting on the auth
	// endpoints.
	RateLimit RateLimitConfig
}

// TokenConfig configures the token service.
type TokenConfig struct {
	// Secret is the HMAC signing secret. Must be at least
	// tokens.MinSecretLength bytes and cryptographically random.
	Secret string

	// Issuer is the "iss" claim on issued tokens.
	Issuer string

	// Algorithm is the HMAC signing algorithm. Empty means the token
	// service default (HS256).
	Algorithm string

	// AccessTTL and RefreshTTL override the token lifetimes. Zero means
	// the token service defaults.
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	// Backend is one of "memory", "redis", or "sqlite".
	Backend string

	// SQLitePath is the database file path for the sqlite backend.
	SQLitePath string

	// RedisAddr, RedisPassword, RedisDB, and RedisKeyPrefix configure
	// the redis backend.
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
}

// ProviderConfig holds one provider's OAuth app credentials.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
}

// Configured reports whether credentials are present for the provider.
func (p *ProviderConfig) Configured() bool {
	return p.ClientID != "" || p.ClientSecret != ""
}

// ProvidersConfig holds credentials for all supported providers.
type ProvidersConfig struct {
	Google ProviderConfig
	GitHub ProviderConfig
}

// RateLimitConfig configures per-client rate limiting.
type RateLimitConfig struct {
	// Enabled turns the limiter middleware on.
	Enabled bool

	// RequestsPerSecond is the sustained allowance per client.
	RequestsPerSecond float64

	// Burst is the instantaneous allowance per client.
	Burst int
}

// Load builds a Config from viper. Flag and env binding happens in the
// command layer; Load only reads the resolved values.
func Load() *Config {
	return &Config{
		Address: viper.GetString("address"),
		BaseURL: viper.GetString("base-url"),
		Token: TokenConfig{
			Secret:     viper.GetString("token-secret"),
			Issuer:     viper.GetString("token-issuer"),
			Algorithm:  viper.GetString("token-algorithm"),
			AccessTTL:  viper.GetDuration("access-token-ttl"),
			RefreshTTL: viper.GetDuration("refresh-token-ttl"),
		},
		Storage: StorageConfig{
			Backend:        viper.GetString("storage-backend"),
			SQLitePath:     viper.GetString("sqlite-path"),
			RedisAddr:      viper.GetString("redis-addr"),
			RedisPassword:  viper.GetString("redis-password"),
			RedisDB:        viper.GetInt("redis-db"),
			RedisKeyPrefix: viper.GetString("redis-key-prefix"),
		},
		Providers: ProvidersConfig{
			Google: ProviderConfig{
				ClientID:     viper.GetString("google-client-id"),
				ClientSecret: viper.GetString("google-client-secret"),
			},
			GitHub: ProviderConfig{
				ClientID:     viper.GetString("github-client-id"),
				ClientSecret: viper.GetString("github-client-secret"),
			},
		},
		StateTTL:             viper.GetDuration("state-ttl"),
		AllowedRedirectHosts: viper.GetStringSlice("allowed-redirect-hosts"),
		StrictIPBinding:      viper.GetBool("strict-ip-binding"),
		RateLimit: RateLimitConfig{
			Enabled:           viper.GetBool("rate-limit"),
			RequestsPerSecond: viper.GetFloat64("rate-limit-rps"),
			Burst:             viper.GetInt("rate-limit-burst"),
		},
	}
}

// Validate checks that the Config is valid.
func (c *Config) Validate() error {
	logger.Debugw("validating config", "address", c.Address)

	if c.Address == "" {
		return fmt.Errorf("address is required")
	}

	if err := validateBaseURL(c.BaseURL); err != nil {
		return err
	}

	if err := c.Token.Validate(); err != nil {
		return fmt.Errorf("token config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Providers.Validate(); err != nil {
		return fmt.Errorf("provider config: %w", err)
	}

	if c.StateTTL < 0 {
		return fmt.Errorf("state TTL cannot be negative")
	}

	return nil
}

func validateBaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}
	return nil
}

// Validate checks that the TokenConfig is valid.
func (t *TokenConfig) Validate() error {
	if len(t.Secret) < tokens.MinSecretLength {
		return fmt.Errorf("token secret must be at least %d bytes", tokens.MinSecretLength)
	}
	if t.Issuer == "" {
		return fmt.Errorf("token issuer is required")
	}
	switch t.Algorithm {
	case "", "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("unsupported token algorithm %q", t.Algorithm)
	}
	if t.AccessTTL < 0 || t.RefreshTTL < 0 {
		return fmt.Errorf("token TTLs cannot be negative")
	}
	return nil
}

// Validate checks that the StorageConfig is valid.
func (s *StorageConfig) Validate() error {
	switch s.Backend {
	case BackendMemory:
	case BackendSQLite:
		if s.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for the sqlite backend")
		}
	case BackendRedis:
		if s.RedisAddr == "" {
			return fmt.Errorf("redis address is required for the redis backend")
		}
	case "":
		return fmt.Errorf("storage backend is required")
	default:
		return fmt.Errorf("unknown storage backend %q", s.Backend)
	}
	return nil
}

// Validate checks that at least one provider is fully configured.
func (p *ProvidersConfig) Validate() error {
	configured := 0
	for name, pc := range map[string]*ProviderConfig{
		providers.ProviderGoogle: &p.Google,
		providers.ProviderGitHub: &p.GitHub,
	} {
		if !pc.Configured() {
			continue
		}
		if pc.ClientID == "" || pc.ClientSecret == "" {
			return fmt.Errorf("%s provider needs both a client ID and a client secret", name)
		}
		configured++
	}
	if configured == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	return nil
}

// RedirectURI returns the callback URL registered with the named
// provider, derived from the base URL.
func (c *Config) RedirectURI(provider string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/auth/callback/" + provider
}

// EffectiveStateTTL returns the configured state TTL or the default.
func (c *Config) EffectiveStateTTL() time.Duration {
	if c.StateTTL == 0 {
		return storage.DefaultStateTTL
	}
	return c.StateTTL
}
