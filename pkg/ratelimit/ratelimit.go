// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-client rate limiting for the auth
// endpoints. Each client IP gets its own token bucket; idle buckets are
// pruned in the background.
package ratelimit

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mattyatea/zxcv-sub002/pkg/logger"
	"github.com/mattyatea/zxcv-sub002/pkg/networking"
	"github.com/mattyatea/zxcv-sub002/pkg/oauth/flow"
)

// Defaults chosen for interactive login traffic: a browser retrying a
// flow stays well under the limit, a scripted brute force does not.
const (
	DefaultRate  = rate.Limit(10)
	DefaultBurst = 20

	// defaultPruneInterval is how often idle client buckets are removed.
	defaultPruneInterval = 5 * time.Minute

	// defaultIdleTTL is how long a bucket may go unused before pruning.
	defaultIdleTTL = 10 * time.Minute
)

// clientLimiter pairs a token bucket with its last use for pruning.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter rate limits requests per client IP.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter

	rate  rate.Limit
	burst int

	stopPrune chan struct{}
	pruneDone chan struct{}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithRate sets the sustained request rate and burst per client.
func WithRate(r rate.Limit, burst int) Option {
	return func(l *Limiter) {
		l.rate = r
		l.burst = burst
	}
}

// New creates a Limiter and starts the background prune goroutine.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		clients:   make(map[string]*clientLimiter),
		rate:      DefaultRate,
		burst:     DefaultBurst,
		stopPrune: make(chan struct{}),
		pruneDone: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(l)
	}

	go l.pruneLoop()

	return l
}

// Close stops the background prune goroutine and waits for it to finish.
func (l *Limiter) Close() error {
	close(l.stopPrune)
	<-l.pruneDone
	return nil
}

// Allow reports whether the client may proceed and consumes one token.
func (l *Limiter) Allow(clientIP string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[clientIP]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[clientIP] = c
	}
	c.lastSeen = time.Now()

	return c.limiter.Allow()
}

// Middleware returns an HTTP middleware that rejects over-limit clients
// with 429 Too Many Requests and the same structured error body the
// handlers produce.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := networking.ClientIP(r)
		if !l.Allow(ip) {
			logger.Warnw("rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			if err := json.NewEncoder(w).Encode(struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}{
				Code:    flow.CodeTooManyRequests,
				Message: "too many requests",
			}); err != nil {
				logger.Errorf("Failed to encode rate limit response: %v", err)
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}

// pruneLoop periodically removes buckets that have been idle past the TTL.
func (l *Limiter) pruneLoop() {
	defer close(l.pruneDone)

	ticker := time.NewTicker(defaultPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopPrune:
			return
		case <-ticker.C:
			l.prune(time.Now().Add(-defaultIdleTTL))
		}
	}
}

// prune removes buckets not seen since the cutoff.
func (l *Limiter) prune(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
		}
	}
}
