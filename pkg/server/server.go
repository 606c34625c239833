// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the OAuth flow over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattyatea/zxcv-sub002/pkg/logger"
	"github.com/mattyatea/zxcv-sub002/pkg/oauth/flow"
	"github.com/mattyatea/zxcv-sub002/pkg/ratelimit"
	"github.com/mattyatea/zxcv-sub002/pkg/storage"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 60 * time.Second // Provider exchanges can be slow
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 65 * time.Second // Must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout      = 60 * time.Second
)

// Server serves the auth API.
type Server struct {
	flow    *flow.Flow
	store   storage.Store
	limiter *ratelimit.Limiter
	httpSrv *http.Server
}

// New creates a Server listening on address. limiter may be nil to
// disable rate limiting.
func New(address string, fl *flow.Flow, store storage.Store, limiter *ratelimit.Limiter) *Server {
	s := &Server{
		flow:    fl,
		store:   store,
		limiter: limiter,
	}
	s.httpSrv = &http.Server{
		Addr:         address,
		Handler:      s.Routes(),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}
	return s
}

// Routes builds the router with all endpoints registered.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(serverRequestTimeout))

	r.Route("/auth", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Post("/oauthInitialize", errorHandler(s.oauthInitialize))
		r.Post("/oauthCallback", errorHandler(s.oauthCallback))
		r.Post("/refresh", errorHandler(s.refresh))
	})

	r.Get("/healthz", s.healthz)

	return r
}

// Start runs the server until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Server listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		return err
	}

	logger.Info("Server shutdown complete")
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Health(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
