// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mattyatea/zxcv-sub002/pkg/logger"
	"github.com/mattyatea/zxcv-sub002/pkg/networking"
	"github.com/mattyatea/zxcv-sub002/pkg/oauth/flow"
)

// maxRequestBody caps auth request bodies; all requests here are small
// JSON documents.
const maxRequestBody = 64 * 1024

// handlerWithError is an HTTP handler that can return an error, so the
// error-to-response mapping lives in one place.
type handlerWithError func(http.ResponseWriter, *http.Request) error

// errorResponse is the structured error body returned to clients.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorHandler converts errors returned by handlers into JSON error
// responses. Server faults are logged in full but surface only a
// generic message.
func errorHandler(fn handlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		fe := flow.AsError(err)
		status := fe.HTTPStatus()
		if status >= http.StatusInternalServerError {
			logger.Errorw("request failed",
				"path", r.URL.Path,
				"error", err.Error(),
			)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if encErr := json.NewEncoder(w).Encode(errorResponse{
			Code:    fe.Code,
			Message: fe.Message,
		}); encErr != nil {
			logger.Errorf("Failed to encode error response: %v", encErr)
		}
	}
}

func decodeRequest(r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &flow.Error{
			Code:    flow.CodeBadRequest,
			Message: "invalid request body",
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}

type oauthInitializeRequest struct {
	Provider    string `json:"provider"`
	RedirectURL string `json:"redirectUrl,omitempty"`
	Action      string `json:"action,omitempty"`
}

func (s *Server) oauthInitialize(w http.ResponseWriter, r *http.Request) error {
	var req oauthInitializeRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}

	resp, err := s.flow.Initialize(r.Context(), &flow.InitializeRequest{
		Provider:    req.Provider,
		RedirectURL: req.RedirectURL,
		Action:      req.Action,
		ClientIP:    networking.ClientIP(r),
	})
	if err != nil {
		return err
	}

	return writeJSON(w, resp)
}

type oauthCallbackRequest struct {
	Provider string `json:"provider"`
	Code     string `json:"code"`
	State    string `json:"state"`
}

func (s *Server) oauthCallback(w http.ResponseWriter, r *http.Request) error {
	var req oauthCallbackRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}

	resp, err := s.flow.Callback(r.Context(), &flow.CallbackRequest{
		Provider: req.Provider,
		Code:     req.Code,
		State:    req.State,
		ClientIP: networking.ClientIP(r),
	})
	if err != nil {
		return err
	}

	return writeJSON(w, resp)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) error {
	var req refreshRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}

	resp, err := s.flow.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		return err
	}

	return writeJSON(w, resp)
}
