// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

// Package networking provides shared HTTP plumbing for the auth service.
package networking

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// HTTPTimeout is the timeout for outgoing HTTP requests.
const HTTPTimeout = 30 * time.Second

// NewHTTPClient returns an HTTP client configured with the service-wide
// timeout for calls to upstream identity providers.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: HTTPTimeout}
}

// ClientIP extracts the originating client IP address from the request.
// Proxy headers take precedence over the socket address since the service
// normally runs behind a reverse proxy.
func ClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP in the list
		if ips := strings.Split(xff, ","); len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}

	return r.RemoteAddr
}
