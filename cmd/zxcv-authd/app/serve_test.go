// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattyatea/zxcv-sub002/pkg/config"
	"github.com/mattyatea/zxcv-sub002/pkg/oauth/providers"
)

func TestBuildStorage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		store, err := buildStorage(ctx, &config.Config{
			Storage: config.StorageConfig{Backend: config.BackendMemory},
		})
		require.NoError(t, err)
		defer store.Close()
		assert.NoError(t, store.Health(ctx))
	})

	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		store, err := buildStorage(ctx, &config.Config{
			Storage: config.StorageConfig{
				Backend:    config.BackendSQLite,
				SQLitePath: filepath.Join(t.TempDir(), "auth.db"),
			},
		})
		require.NoError(t, err)
		defer store.Close()
		assert.NoError(t, store.Health(ctx))
	})

	t.Run("unknown", func(t *testing.T) {
		t.Parallel()
		_, err := buildStorage(ctx, &config.Config{
			Storage: config.StorageConfig{Backend: "dynamo"},
		})
		assert.ErrorContains(t, err, `unknown storage backend "dynamo"`)
	})
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		BaseURL: "https://app.example.com",
		Providers: config.ProvidersConfig{
			GitHub: config.ProviderConfig{ClientID: "id", ClientSecret: "secret"},
		},
	}

	registry, err := buildProviders(cfg)
	require.NoError(t, err)

	p, err := registry.Get(providers.ProviderGitHub)
	require.NoError(t, err)
	assert.Equal(t, providers.ProviderGitHub, p.Name())

	_, err = registry.Get(providers.ProviderGoogle)
	assert.Error(t, err)
}

func TestBuildProviders_IncompleteCredentials(t *testing.T) {
	t.Parallel()

	_, err := buildProviders(&config.Config{
		BaseURL: "https://app.example.com",
		Providers: config.ProvidersConfig{
			Google: config.ProviderConfig{ClientID: "id-only"},
		},
	})
	assert.ErrorContains(t, err, "google")
}
