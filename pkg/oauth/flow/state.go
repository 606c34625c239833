// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// maxEncodedStateLen bounds the state query parameter accepted on
// callback. A legitimate value is well under 200 characters.
const maxEncodedStateLen = 1024

// encodedState is the value round-tripped through the provider as the
// state query parameter, base64url-encoded JSON.
type encodedState struct {
	// Random is the stored state nonce, the CSRF token.
	Random string `json:"random"`

	// Action is "login" or "register".
	Action string `json:"action"`

	// Nonce is extra per-attempt entropy on top of Random.
	Nonce string `json:"nonce,omitempty"`
}

func (s *encodedState) encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeState(raw string) (*encodedState, error) {
	if len(raw) > maxEncodedStateLen {
		return nil, fmt.Errorf("state exceeds %d characters", maxEncodedStateLen)
	}
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}

	var s encodedState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	if s.Random == "" {
		return nil, fmt.Errorf("state missing random value")
	}

	return &s, nil
}

// generateStateNonce generates the cryptographically random nonce stored
// as the state record key, 32 bytes hex-encoded.
func generateStateNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// generateEntropy generates the extra entropy embedded alongside the
// state nonce in the encoded state.
func generateEntropy() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
