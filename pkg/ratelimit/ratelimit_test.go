// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/mattyatea/zxcv-sub002/pkg/oauth/flow"
)

func TestAllow_PerClient(t *testing.T) {
	t.Parallel()

	l := New(WithRate(rate.Limit(1), 2))
	defer l.Close()

	// The first client exhausts its burst.
	assert.True(t, l.Allow("192.0.2.1"))
	assert.True(t, l.Allow("192.0.2.1"))
	assert.False(t, l.Allow("192.0.2.1"))

	// A different client has its own bucket.
	assert.True(t, l.Allow("192.0.2.2"))
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	l := New(WithRate(rate.Limit(1), 1))
	defer l.Close()

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/auth/oauthInitialize", nil)
	req.RemoteAddr = "192.0.2.1:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Second request within the same second is rejected with the same
	// structured error body the handlers produce.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, flow.CodeTooManyRequests, body.Code)
	assert.NotEmpty(t, body.Message)
}

func TestMiddleware_UsesForwardedFor(t *testing.T) {
	t.Parallel()

	l := New(WithRate(rate.Limit(1), 1))
	defer l.Close()

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Two clients behind the same proxy must not share a bucket.
	for _, ip := range []string{"203.0.113.1", "203.0.113.2"} {
		req := httptest.NewRequest(http.MethodPost, "/auth/oauthInitialize", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		req.Header.Set("X-Forwarded-For", ip)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()

	l := New()
	defer l.Close()

	require.True(t, l.Allow("192.0.2.1"))
	require.True(t, l.Allow("192.0.2.2"))

	l.mu.Lock()
	l.clients["192.0.2.1"].lastSeen = time.Now().Add(-time.Hour)
	l.mu.Unlock()

	l.prune(time.Now().Add(-defaultIdleTTL))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.clients, "192.0.2.1")
	assert.Contains(t, l.clients, "192.0.2.2")
}
