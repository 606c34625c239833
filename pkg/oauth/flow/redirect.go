// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"net/url"
	"strings"
)

// defaultRedirectURL is where users land when no valid destination was
// requested.
const defaultRedirectURL = "/"

// sanitizeRedirectURL validates a requested post-login destination.
// Relative paths are accepted as-is. Absolute URLs are accepted only when
// their host is in the allowlist. Anything else falls back to "/" rather
// than failing the flow.
func sanitizeRedirectURL(raw string, allowedHosts []string) string {
	if raw == "" {
		return defaultRedirectURL
	}

	// Same-origin relative path. Reject protocol-relative "//host" forms,
	// which browsers treat as absolute.
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") {
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return defaultRedirectURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return defaultRedirectURL
	}

	for _, host := range allowedHosts {
		if strings.EqualFold(u.Host, host) {
			return raw
		}
	}

	return defaultRedirectURL
}
