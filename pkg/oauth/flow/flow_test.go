// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattyatea/zxcv-sub002/pkg/oauth/providers"
	"github.com/mattyatea/zxcv-sub002/pkg/storage"
	"github.com/mattyatea/zxcv-sub002/pkg/tokens"
)

// fakeProvider implements providers.Provider without any HTTP.
type fakeProvider struct {
	name         string
	usesPKCE     bool
	exchangeErr  error
	profile      *providers.Profile
	profileErr   error
	lastCode     string
	lastVerifier string
}

var _ providers.Provider = (*fakeProvider)(nil)

func (p *fakeProvider) Name() string   { return p.name }
func (p *fakeProvider) UsesPKCE() bool { return p.usesPKCE }

func (p *fakeProvider) AuthorizationURL(state, codeChallenge string) (string, error) {
	u := url.Values{"state": {state}}
	if codeChallenge != "" {
		u.Set("code_challenge", codeChallenge)
	}
	return "https://provider.example/authorize?" + u.Encode(), nil
}

func (p *fakeProvider) ExchangeCode(_ context.Context, code, codeVerifier string) (*providers.Tokens, error) {
	p.lastCode = code
	p.lastVerifier = codeVerifier
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	return &providers.Tokens{AccessToken: "upstream-access"}, nil
}

func (p *fakeProvider) FetchProfile(_ context.Context, _ string) (*providers.Profile, error) {
	if p.profileErr != nil {
		return nil, p.profileErr
	}
	return p.profile, nil
}

func googleFake() *fakeProvider {
	return &fakeProvider{
		name:     providers.ProviderGoogle,
		usesPKCE: true,
		profile: &providers.Profile{
			Subject:       "g-sub-1",
			Email:         "alice@example.com",
			Username:      "Alice",
			EmailVerified: true,
		},
	}
}

func githubFake() *fakeProvider {
	return &fakeProvider{
		name: providers.ProviderGitHub,
		profile: &providers.Profile{
			Subject:       "12345",
			Email:         "bob@example.com",
			Username:      "octocat",
			EmailVerified: true,
		},
	}
}

func newTestTokens(t *testing.T) *tokens.Service {
	t.Helper()
	svc, err := tokens.NewService(tokens.Config{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
		Issuer: "zxcv-test",
	})
	require.NoError(t, err)
	return svc
}

func newTestFlow(t *testing.T, cfg Config) (*Flow, storage.Store) {
	t.Helper()
	if cfg.Store == nil {
		store := storage.NewMemoryStorage()
		t.Cleanup(func() { _ = store.Close() })
		cfg.Store = store
	}
	if cfg.Tokens == nil {
		cfg.Tokens = newTestTokens(t)
	}
	f, err := New(cfg)
	require.NoError(t, err)
	return f, cfg.Store
}

// stateParam extracts the encoded state from an authorization URL.
func stateParam(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })
	svc := newTestTokens(t)
	registry := providers.NewRegistry(googleFake())

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "missing providers",
			cfg:     Config{Store: store, Tokens: svc},
			wantErr: "provider registry is required",
		},
		{
			name:    "missing store",
			cfg:     Config{Providers: registry, Tokens: svc},
			wantErr: "store is required",
		},
		{
			name:    "missing tokens",
			cfg:     Config{Providers: registry, Store: store},
			wantErr: "token service is required",
		},
		{
			name:    "negative TTL",
			cfg:     Config{Providers: registry, Store: store, Tokens: svc, StateTTL: -time.Minute},
			wantErr: "state TTL cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.cfg)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestInitialize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	google := googleFake()
	f, store := newTestFlow(t, Config{Providers: providers.NewRegistry(google)})

	resp, err := f.Initialize(ctx, &InitializeRequest{
		Provider:    providers.ProviderGoogle,
		RedirectURL: "/dashboard",
		ClientIP:    "192.0.2.10",
	})
	require.NoError(t, err)

	// The state parameter decodes to the stored nonce plus extra entropy.
	raw := stateParam(t, resp.AuthorizationURL)
	data, err := base64.RawURLEncoding.DecodeString(raw)
	require.NoError(t, err)

	var decoded struct {
		Random string `json:"random"`
		Action string `json:"action"`
		Nonce  string `json:"nonce"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Len(t, decoded.Random, 64) // 32 bytes hex
	assert.Equal(t, ActionLogin, decoded.Action)
	assert.NotEmpty(t, decoded.Nonce)

	rec, err := store.ConsumeState(ctx, decoded.Random)
	require.NoError(t, err)
	assert.Equal(t, providers.ProviderGoogle, rec.Provider)
	assert.NotEmpty(t, rec.CodeVerifier)
	assert.Equal(t, "/dashboard", rec.RedirectURL)
	assert.Equal(t, "192.0.2.10", rec.ClientIP)
	assert.WithinDuration(t, time.Now().Add(storage.DefaultStateTTL), rec.ExpiresAt, 5*time.Second)

	// The challenge travels on the authorization URL for PKCE providers.
	u, err := url.Parse(resp.AuthorizationURL)
	require.NoError(t, err)
	assert.NotEmpty(t, u.Query().Get("code_challenge"))
}

func TestInitialize_NoPKCEForGitHub(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f, store := newTestFlow(t, Config{Providers: providers.NewRegistry(githubFake())})

	resp, err := f.Initialize(ctx, &InitializeRequest{Provider: providers.ProviderGitHub})
	require.NoError(t, err)

	u, err := url.Parse(resp.AuthorizationURL)
	require.NoError(t, err)
	assert.Empty(t, u.Query().Get("code_challenge"))

	data, err := base64.RawURLEncoding.DecodeString(u.Query().Get("state"))
	require.NoError(t, err)
	var decoded struct {
		Random string `json:"random"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))

	rec, err := store.ConsumeState(ctx, decoded.Random)
	require.NoError(t, err)
	assert.Empty(t, rec.CodeVerifier)
}

func TestInitialize_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f, _ := newTestFlow(t, Config{Providers: providers.NewRegistry(googleFake())})

	_, err := f.Initialize(ctx, &InitializeRequest{Provider: "gitlab"})
	require.Error(t, err)
	assert.Equal(t, CodeBadRequest, AsError(err).Code)

	_, err = f.Initialize(ctx, &InitializeRequest{Provider: providers.ProviderGoogle, Action: "delete"})
	require.Error(t, err)
	assert.Equal(t, CodeBadRequest, AsError(err).Code)
}

func TestInitialize_RedirectSanitized(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name     string
		redirect string
		allowed  []string
		want     string
	}{
		{name: "empty defaults to root", redirect: "", want: "/"},
		{name: "relative path kept", redirect: "/rules/42", want: "/rules/42"},
		{name: "protocol relative rejected", redirect: "//evil.example/x", want: "/"},
		{name: "foreign host rejected", redirect: "https://evil.example/x", want: "/"},
		{
			name:     "allowlisted host kept",
			redirect: "https://app.example.com/rules",
			allowed:  []string{"app.example.com"},
			want:     "https://app.example.com/rules",
		},
		{name: "non-http scheme rejected", redirect: "javascript:alert(1)", want: "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, store := newTestFlow(t, Config{
				Providers:            providers.NewRegistry(githubFake()),
				AllowedRedirectHosts: tt.allowed,
			})

			resp, err := f.Initialize(ctx, &InitializeRequest{
				Provider:    providers.ProviderGitHub,
				RedirectURL: tt.redirect,
			})
			require.NoError(t, err)

			data, err := base64.RawURLEncoding.DecodeString(stateParam(t, resp.AuthorizationURL))
			require.NoError(t, err)
			var decoded struct {
				Random string `json:"random"`
			}
			require.NoError(t, json.Unmarshal(data, &decoded))

			rec, err := store.ConsumeState(ctx, decoded.Random)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.RedirectURL)
		})
	}
}

func TestCallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	google := googleFake()
	svc := newTestTokens(t)
	f, store := newTestFlow(t, Config{
		Providers: providers.NewRegistry(google),
		Tokens:    svc,
	})

	init, err := f.Initialize(ctx, &InitializeRequest{
		Provider:    providers.ProviderGoogle,
		RedirectURL: "/dashboard",
	})
	require.NoError(t, err)
	state := stateParam(t, init.AuthorizationURL)

	resp, err := f.Callback(ctx, &CallbackRequest{
		Provider: providers.ProviderGoogle,
		Code:     "auth-code-1",
		State:    state,
	})
	require.NoError(t, err)

	// The stored PKCE verifier was passed through to the exchange.
	assert.Equal(t, "auth-code-1", google.lastCode)
	assert.NotEmpty(t, google.lastVerifier)

	assert.Equal(t, "/dashboard", resp.RedirectURL)
	require.NotNil(t, resp.User)
	assert.Equal(t, "alice@example.com", resp.User.Email)
	assert.Equal(t, "alice", resp.User.Username)
	assert.True(t, resp.User.EmailVerified)

	claims := svc.VerifyAccessToken(resp.AccessToken)
	require.NotNil(t, claims)
	assert.Equal(t, resp.User.ID, claims.UserID)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, resp.User.ID, svc.VerifyRefreshToken(resp.RefreshToken))

	// The identity is linked for the next login.
	user, err := store.GetUserByProviderIdentity(ctx, providers.ProviderGoogle, "g-sub-1")
	require.NoError(t, err)
	assert.Equal(t, resp.User.ID, user.ID)
}

func TestCallback_StateSingleUse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f, _ := newTestFlow(t, Config{Providers: providers.NewRegistry(githubFake())})

	init, err := f.Initialize(ctx, &InitializeRequest{Provider: providers.ProviderGitHub})
	require.NoError(t, err)
	state := stateParam(t, init.AuthorizationURL)

	req := &CallbackRequest{Provider: providers.ProviderGitHub, Code: "code-1", State: state}
	_, err = f.Callback(ctx, req)
	require.NoError(t, err)

	_, err = f.Callback(ctx, req)
	require.Error(t, err)
	fe := AsError(err)
	assert.Equal(t, CodeBadRequest, fe.Code)
	assert.Equal(t, "invalid or expired state", fe.Message)
}

func TestCallback_ConsumedEvenWhenExchangeFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	github := githubFake()
	github.exchangeErr = errors.New("invalid_grant")
	f, _ := newTestFlow(t, Config{Providers: providers.NewRegistry(github)})

	init, err := f.Initialize(ctx, &InitializeRequest{Provider: providers.ProviderGitHub})
	require.NoError(t, err)
	state := stateParam(t, init.AuthorizationURL)

	req := &CallbackRequest{Provider: providers.ProviderGitHub, Code: "code-1", State: state}
	_, err = f.Callback(ctx, req)
	require.Error(t, err)
	assert.Equal(t, CodeInternal, AsError(err).Code)

	// The state was deleted before the failed exchange.
	github.exchangeErr = nil
	_, err = f.Callback(ctx, req)
	require.Error(t, err)
	assert.Equal(t, CodeBadRequest, AsError(err).Code)
}

func TestCallback_ProviderMismatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f, _ := newTestFlow(t, Config{
		Providers: providers.NewRegistry(googleFake(), githubFake()),
	})

	init, err := f.Initialize(ctx, &InitializeRequest{Provider: providers.ProviderGoogle})
	require.NoError(t, err)
	state := stateParam(t, init.AuthorizationURL)

	_, err = f.Callback(ctx, &CallbackRequest{
		Provider: providers.ProviderGitHub,
		Code:     "code-1",
		State:    state,
	})
	require.Error(t, err)
	fe := AsError(err)
	assert.Equal(t, CodeBadRequest, fe.Code)
	assert.Equal(t, "invalid or expired state", fe.Message)

	// The mismatch still consumed the state.
	_, err = f.Callback(ctx, &CallbackRequest{
		Provider: providers.ProviderGoogle,
		Code:     "code-1",
		State:    state,
	})
	require.Error(t, err)
	assert.Equal(t, "invalid or expired state", AsError(err).Message)
}

func TestCallback_InvalidStateFormat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f, _ := newTestFlow(t, Config{Providers: providers.NewRegistry(githubFake())})

	tests := []struct {
		name  string
		state string
	}{
		{name: "not base64url", state: "%%%"},
		{name: "not json", state: base64.RawURLEncoding.EncodeToString([]byte("hello"))},
		{name: "missing random", state: base64.RawURLEncoding.EncodeToString([]byte(`{"action":"login"}`))},
		{name: "empty", state: ""},
		{name: "oversized", state: strings.Repeat("A", maxEncodedStateLen+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := f.Callback(ctx, &CallbackRequest{
				Provider: providers.ProviderGitHub,
				Code:     "code-1",
				State:    tt.state,
			})
			require.Error(t, err)
			fe := AsError(err)
			assert.Equal(t, CodeBadRequest, fe.Code)
			assert.Equal(t, "invalid state format", fe.Message)
		})
	}
}

func TestCallback_ExpiredState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f, store := newTestFlow(t, Config{Providers: providers.NewRegistry(githubFake())})

	// Plant an already-expired record directly.
	now := time.Now()
	nonce, err := generateStateNonce()
	require.NoError(t, err)
	require.NoError(t, store.CreateState(ctx, &storage.StateRecord{
		State:     nonce,
		Provider:  providers.ProviderGitHub,
		Action:    ActionLogin,
		CreatedAt: now.Add(-11 * time.Minute),
		ExpiresAt: now.Add(-time.Minute),
	}))

	encoded, err := (&encodedState{Random: nonce, Action: ActionLogin}).encode()
	require.NoError(t, err)

	_, err = f.Callback(ctx, &CallbackRequest{
		Provider: providers.ProviderGitHub,
		Code:     "code-1",
		State:    encoded,
	})
	require.Error(t, err)
	fe := AsError(err)
	assert.Equal(t, CodeBadRequest, fe.Code)
	assert.Equal(t, "invalid or expired state", fe.Message)
}

func TestCallback_IPBinding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	run := func(t *testing.T, strict bool) error {
		f, _ := newTestFlow(t, Config{
			Providers:       providers.NewRegistry(githubFake()),
			StrictIPBinding: strict,
		})

		init, err := f.Initialize(ctx, &InitializeRequest{
			Provider: providers.ProviderGitHub,
			ClientIP: "192.0.2.10",
		})
		require.NoError(t, err)

		_, err = f.Callback(ctx, &CallbackRequest{
			Provider: providers.ProviderGitHub,
			Code:     "code-1",
			State:    stateParam(t, init.AuthorizationURL),
			ClientIP: "198.51.100.7",
		})
		return err
	}

	t.Run("mismatch warns by default", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, run(t, false))
	})

	t.Run("mismatch rejected when strict", func(t *testing.T) {
		t.Parallel()
		err := run(t, true)
		require.Error(t, err)
		assert.Equal(t, CodeBadRequest, AsError(err).Code)
	})
}

func TestCallback_ProfileIncomplete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	github := githubFake()
	github.profileErr = fmt.Errorf("%w: github account has no email addresses", providers.ErrProfileIncomplete)
	f, store := newTestFlow(t, Config{Providers: providers.NewRegistry(github)})

	init, err := f.Initialize(ctx, &InitializeRequest{Provider: providers.ProviderGitHub})
	require.NoError(t, err)

	_, err = f.Callback(ctx, &CallbackRequest{
		Provider: providers.ProviderGitHub,
		Code:     "code-1",
		State:    stateParam(t, init.AuthorizationURL),
	})
	require.Error(t, err)
	fe := AsError(err)
	assert.Equal(t, CodeBadRequest, fe.Code)
	assert.Equal(t, "no email found for account", fe.Message)

	// No account was created for the incomplete profile.
	_, err = store.GetUserByEmail(ctx, "bob@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCallback_ReusesLinkedIdentity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f, _ := newTestFlow(t, Config{Providers: providers.NewRegistry(githubFake())})

	login := func() *CallbackResponse {
		init, err := f.Initialize(ctx, &InitializeRequest{Provider: providers.ProviderGitHub})
		require.NoError(t, err)
		resp, err := f.Callback(ctx, &CallbackRequest{
			Provider: providers.ProviderGitHub,
			Code:     "code-1",
			State:    stateParam(t, init.AuthorizationURL),
		})
		require.NoError(t, err)
		return resp
	}

	first := login()
	second := login()
	assert.Equal(t, first.User.ID, second.User.ID)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
}

func TestCallback_LinksToExistingEmailAccount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f, store := newTestFlow(t, Config{Providers: providers.NewRegistry(githubFake())})

	now := time.Now()
	existing := &storage.User{
		ID:            "user-existing",
		Email:         "bob@example.com",
		Username:      "bob",
		EmailVerified: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, store.CreateUser(ctx, existing))

	init, err := f.Initialize(ctx, &InitializeRequest{Provider: providers.ProviderGitHub})
	require.NoError(t, err)
	resp, err := f.Callback(ctx, &CallbackRequest{
		Provider: providers.ProviderGitHub,
		Code:     "code-1",
		State:    stateParam(t, init.AuthorizationURL),
	})
	require.NoError(t, err)

	// The identity was linked to the existing account, not a new one.
	assert.Equal(t, "user-existing", resp.User.ID)
	user, err := store.GetUserByProviderIdentity(ctx, providers.ProviderGitHub, "12345")
	require.NoError(t, err)
	assert.Equal(t, "user-existing", user.ID)
}

func TestCallback_UsernameDeduplication(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	github := githubFake()
	f, store := newTestFlow(t, Config{Providers: providers.NewRegistry(github)})

	now := time.Now()
	require.NoError(t, store.CreateUser(ctx, &storage.User{
		ID:        "user-1",
		Email:     "other@example.com",
		Username:  "octocat",
		CreatedAt: now,
		UpdatedAt: now,
	}))
	require.NoError(t, store.CreateUser(ctx, &storage.User{
		ID:        "user-2",
		Email:     "another@example.com",
		Username:  "octocat1",
		CreatedAt: now,
		UpdatedAt: now,
	}))

	init, err := f.Initialize(ctx, &InitializeRequest{Provider: providers.ProviderGitHub})
	require.NoError(t, err)
	resp, err := f.Callback(ctx, &CallbackRequest{
		Provider: providers.ProviderGitHub,
		Code:     "code-1",
		State:    stateParam(t, init.AuthorizationURL),
	})
	require.NoError(t, err)

	assert.Equal(t, "octocat2", resp.User.Username)
}

func TestCallback_UsernameFromEmailLocalPart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	google := googleFake()
	google.profile.Username = ""
	f, _ := newTestFlow(t, Config{Providers: providers.NewRegistry(google)})

	init, err := f.Initialize(ctx, &InitializeRequest{Provider: providers.ProviderGoogle})
	require.NoError(t, err)
	resp, err := f.Callback(ctx, &CallbackRequest{
		Provider: providers.ProviderGoogle,
		Code:     "code-1",
		State:    stateParam(t, init.AuthorizationURL),
	})
	require.NoError(t, err)

	assert.Equal(t, "alice", resp.User.Username)
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc := newTestTokens(t)
	f, _ := newTestFlow(t, Config{
		Providers: providers.NewRegistry(googleFake()),
		Tokens:    svc,
	})

	init, err := f.Initialize(ctx, &InitializeRequest{Provider: providers.ProviderGoogle})
	require.NoError(t, err)
	cb, err := f.Callback(ctx, &CallbackRequest{
		Provider: providers.ProviderGoogle,
		Code:     "code-1",
		State:    stateParam(t, init.AuthorizationURL),
	})
	require.NoError(t, err)

	resp, err := f.Refresh(ctx, cb.RefreshToken)
	require.NoError(t, err)

	claims := svc.VerifyAccessToken(resp.AccessToken)
	require.NotNil(t, claims)
	assert.Equal(t, cb.User.ID, claims.UserID)
	assert.Equal(t, cb.User.ID, resp.User.ID)
}

func TestRefresh_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc := newTestTokens(t)
	f, _ := newTestFlow(t, Config{
		Providers: providers.NewRegistry(googleFake()),
		Tokens:    svc,
	})

	t.Run("garbage token", func(t *testing.T) {
		t.Parallel()
		_, err := f.Refresh(ctx, "not-a-token")
		require.Error(t, err)
		assert.Equal(t, CodeBadRequest, AsError(err).Code)
	})

	t.Run("access token rejected", func(t *testing.T) {
		t.Parallel()
		access, err := svc.IssueAccessToken("u1", "u1@example.com", "u1", true)
		require.NoError(t, err)
		_, err = f.Refresh(ctx, access)
		require.Error(t, err)
		assert.Equal(t, CodeBadRequest, AsError(err).Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		t.Parallel()
		refresh, err := svc.IssueRefreshToken("ghost")
		require.NoError(t, err)
		_, err = f.Refresh(ctx, refresh)
		require.Error(t, err)
		assert.Equal(t, CodeBadRequest, AsError(err).Code)
	})
}

func TestNormalizeUsername(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "Alice", want: "alice"},
		{in: "octo.cat+42", want: "octocat42"},
		{in: "user_name-1", want: "user_name-1"},
		{in: "日本語", want: ""},
		{in: "", want: ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeUsername(tt.in), "input %q", tt.in)
	}
}
