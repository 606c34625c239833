// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/mattyatea/zxcv-sub002/pkg/config"
	"github.com/mattyatea/zxcv-sub002/pkg/logger"
	"github.com/mattyatea/zxcv-sub002/pkg/oauth/flow"
	"github.com/mattyatea/zxcv-sub002/pkg/oauth/providers"
	"github.com/mattyatea/zxcv-sub002/pkg/ratelimit"
	"github.com/mattyatea/zxcv-sub002/pkg/server"
	"github.com/mattyatea/zxcv-sub002/pkg/storage"
	"github.com/mattyatea/zxcv-sub002/pkg/tokens"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the auth service",
		Long: `Start the HTTP server exposing the OAuth initialize, callback, and
token refresh endpoints.`,
		RunE: runServe,
	}
	addServeFlags(cmd)
	return cmd
}

// addServeFlags registers the configuration flags shared by serve and
// validate.
func addServeFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("address", ":8080", "Address to listen on")
	flags.String("base-url", "", "Externally reachable base URL of the application")
	flags.String("token-secret", "", "HMAC secret for signing tokens (at least 32 bytes)")
	flags.String("token-issuer", "zxcv", "Issuer claim on signed tokens")
	flags.String("token-algorithm", "", "HMAC signing algorithm: HS256, HS384, or HS512 (default HS256)")
	flags.Duration("access-token-ttl", 0, "Access token lifetime (default 1h)")
	flags.Duration("refresh-token-ttl", 0, "Refresh token lifetime (default 168h)")
	flags.String("storage-backend", config.BackendMemory, "Storage backend: memory, redis, or sqlite")
	flags.String("sqlite-path", "", "SQLite database file path")
	flags.String("redis-addr", "", "Redis server address")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", 0, "Redis logical database")
	flags.String("redis-key-prefix", "zxcv:auth:", "Redis key prefix")
	flags.Duration("state-ttl", 0, "Pending OAuth state lifetime (default 10m)")
	flags.StringSlice("allowed-redirect-hosts", nil, "Hosts allowed in absolute post-login redirect URLs")
	flags.Bool("strict-ip-binding", false, "Reject callbacks from a different client IP than initialize")
	flags.Bool("rate-limit", true, "Enable per-client rate limiting on auth endpoints")
	flags.Float64("rate-limit-rps", float64(ratelimit.DefaultRate), "Sustained requests per second per client")
	flags.Int("rate-limit-burst", ratelimit.DefaultBurst, "Burst allowance per client")
	flags.String("google-client-id", "", "Google OAuth client ID")
	flags.String("google-client-secret", "", "Google OAuth client secret")
	flags.String("github-client-id", "", "GitHub OAuth client ID")
	flags.String("github-client-secret", "", "GitHub OAuth client secret")

	if err := viper.BindPFlags(flags); err != nil {
		logger.Fatalf("Failed to bind flags: %v", err)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := buildStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnf("Failed to close storage: %v", err)
		}
	}()
	logger.Infof("Using %s storage backend", cfg.Storage.Backend)

	tokenService, err := tokens.NewService(tokens.Config{
		Secret:     []byte(cfg.Token.Secret),
		Issuer:     cfg.Token.Issuer,
		Algorithm:  cfg.Token.Algorithm,
		AccessTTL:  cfg.Token.AccessTTL,
		RefreshTTL: cfg.Token.RefreshTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create token service: %w", err)
	}

	registry, err := buildProviders(cfg)
	if err != nil {
		return fmt.Errorf("failed to create providers: %w", err)
	}
	logger.Infof("Configured providers: %v", registry.Names())

	fl, err := flow.New(flow.Config{
		Providers:            registry,
		Store:                store,
		Tokens:               tokenService,
		StateTTL:             cfg.EffectiveStateTTL(),
		AllowedRedirectHosts: cfg.AllowedRedirectHosts,
		StrictIPBinding:      cfg.StrictIPBinding,
	})
	if err != nil {
		return fmt.Errorf("failed to create flow: %w", err)
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.WithRate(
			rate.Limit(cfg.RateLimit.RequestsPerSecond),
			cfg.RateLimit.Burst,
		))
		defer func() { _ = limiter.Close() }()
	}

	srv := server.New(cfg.Address, fl, store, limiter)
	return srv.Start(ctx)
}

func buildStorage(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return storage.NewMemoryStorage(), nil
	case config.BackendSQLite:
		return storage.NewSQLiteStorage(ctx, cfg.Storage.SQLitePath)
	case config.BackendRedis:
		return storage.NewRedisStorage(ctx, storage.RedisConfig{
			Addr:      cfg.Storage.RedisAddr,
			Password:  cfg.Storage.RedisPassword,
			DB:        cfg.Storage.RedisDB,
			KeyPrefix: cfg.Storage.RedisKeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func buildProviders(cfg *config.Config) (*providers.Registry, error) {
	var provs []providers.Provider

	if cfg.Providers.Google.Configured() {
		p, err := providers.NewGoogleProvider(providers.Config{
			ClientID:     cfg.Providers.Google.ClientID,
			ClientSecret: cfg.Providers.Google.ClientSecret,
			RedirectURI:  cfg.RedirectURI(providers.ProviderGoogle),
		})
		if err != nil {
			return nil, fmt.Errorf("google: %w", err)
		}
		provs = append(provs, p)
	}

	if cfg.Providers.GitHub.Configured() {
		p, err := providers.NewGitHubProvider(providers.Config{
			ClientID:     cfg.Providers.GitHub.ClientID,
			ClientSecret: cfg.Providers.GitHub.ClientSecret,
			RedirectURI:  cfg.RedirectURI(providers.ProviderGitHub),
		})
		if err != nil {
			return nil, fmt.Errorf("github: %w", err)
		}
		provs = append(provs, p)
	}

	return providers.NewRegistry(provs...), nil
}
