// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

// Package tokens issues and verifies the JWTs handed to authenticated users.
//
// Access tokens carry the user profile claims the frontend needs; refresh
// tokens carry only the subject plus a type discriminator so the two can
// never be confused. Verification deliberately reports failure through a
// nil (or empty) result rather than an error: callers treat every failed
// token the same way, and the reason is only of interest to debug logs.
package tokens

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mattyatea/zxcv-sub002/pkg/logger"
)

// MinSecretLength is the minimum required length for the HMAC secret in bytes.
// 32 bytes (256 bits) is required per OWASP/NIST security guidelines.
const MinSecretLength = 32

// refreshTokenType is the value of the "type" claim on refresh tokens.
// Access tokens carry no "type" claim.
const refreshTokenType = "refresh"

const (
	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultAlgorithm  = "HS256"
)

// signingMethods maps the supported algorithm names to their HMAC methods.
var signingMethods = map[string]*jwt.SigningMethodHMAC{
	"HS256": jwt.SigningMethodHS256,
	"HS384": jwt.SigningMethodHS384,
	"HS512": jwt.SigningMethodHS512,
}

// Config holds the signing configuration for the token service.
type Config struct {
	// Secret is the HMAC key used to sign all tokens.
	Secret []byte

	// Issuer is the value of the "iss" claim on issued tokens.
	Issuer string

	// Algorithm selects the HMAC signing algorithm. One of HS256, HS384
	// or HS512. Defaults to HS256.
	Algorithm string

	// AccessTTL is the lifetime of access tokens. Defaults to 1 hour.
	AccessTTL time.Duration

	// RefreshTTL is the lifetime of refresh tokens. Defaults to 7 days.
	RefreshTTL time.Duration
}

// Validate checks that the Config is valid.
func (c *Config) Validate() error {
	if len(c.Secret) < MinSecretLength {
		return fmt.Errorf("HMAC secret must be at least %d bytes", MinSecretLength)
	}
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if _, ok := signingMethods[c.Algorithm]; !ok {
		return fmt.Errorf("unsupported signing algorithm %q", c.Algorithm)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.AccessTTL == 0 {
		c.AccessTTL = defaultAccessTTL
	}
	if c.RefreshTTL == 0 {
		c.RefreshTTL = defaultRefreshTTL
	}
	if c.Algorithm == "" {
		c.Algorithm = defaultAlgorithm
	}
}

// AccessClaims is the decoded payload of a verified access token.
type AccessClaims struct {
	UserID        string
	Email         string
	Username      string
	EmailVerified bool
}

// accessTokenClaims is the wire form of an access token payload.
// TokenType is never set on issue; it is decoded on verify so that a
// refresh token presented as an access token can be rejected.
type accessTokenClaims struct {
	Email         string `json:"email"`
	Username      string `json:"username"`
	EmailVerified bool   `json:"email_verified"`
	TokenType     string `json:"type,omitempty"`
	jwt.RegisteredClaims
}

// refreshTokenClaims is the wire form of a refresh token payload.
type refreshTokenClaims struct {
	TokenType string `json:"type"`
	jwt.RegisteredClaims
}

// Service signs and verifies user tokens with a single HMAC secret.
type Service struct {
	config Config
	method *jwt.SigningMethodHMAC
}

// NewService creates a token service from the given config.
func NewService(cfg Config) (*Service, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid token config: %w", err)
	}
	return &Service{config: cfg, method: signingMethods[cfg.Algorithm]}, nil
}

// IssueAccessToken signs an access token for the given user profile.
func (s *Service) IssueAccessToken(userID, email, username string, emailVerified bool) (string, error) {
	now := time.Now()
	claims := accessTokenClaims{
		Email:         email,
		Username:      username,
		EmailVerified: emailVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			// jti makes every issued token unique even within the 1s
			// resolution of iat/exp.
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    s.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.AccessTTL)),
		},
	}

	token := jwt.NewWithClaims(s.method, claims)
	signed, err := token.SignedString(s.config.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// IssueRefreshToken signs a refresh token for the given user ID.
func (s *Service) IssueRefreshToken(userID string) (string, error) {
	now := time.Now()
	claims := refreshTokenClaims{
		TokenType: refreshTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    s.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.RefreshTTL)),
		},
	}

	token := jwt.NewWithClaims(s.method, claims)
	signed, err := token.SignedString(s.config.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign refresh token: %w", err)
	}
	return signed, nil
}

// VerifyAccessToken parses and verifies an access token. It returns the
// decoded claims, or nil if the token is missing, malformed, expired,
// mis-signed, missing a required claim, or a refresh token.
func (s *Service) VerifyAccessToken(tokenString string) *AccessClaims {
	if tokenString == "" {
		return nil
	}

	claims := &accessTokenClaims{}
	token, err := s.parse(tokenString, claims)
	if err != nil || !token.Valid {
		logger.Debugw("access token verification failed", "error", err)
		return nil
	}
	if claims.Subject == "" || claims.Email == "" || claims.Username == "" || claims.TokenType != "" {
		return nil
	}

	return &AccessClaims{
		UserID:        claims.Subject,
		Email:         claims.Email,
		Username:      claims.Username,
		EmailVerified: claims.EmailVerified,
	}
}

// VerifyRefreshToken parses and verifies a refresh token and returns the
// user ID it was issued for. It returns the empty string if the token is
// invalid in any way, including when an access token is presented.
func (s *Service) VerifyRefreshToken(tokenString string) string {
	if tokenString == "" {
		return ""
	}

	claims := &refreshTokenClaims{}
	token, err := s.parse(tokenString, claims)
	if err != nil || !token.Valid {
		logger.Debugw("refresh token verification failed", "error", err)
		return ""
	}
	if claims.TokenType != refreshTokenType || claims.Subject == "" {
		return ""
	}

	return claims.Subject
}

func (s *Service) parse(tokenString string, claims jwt.Claims) (*jwt.Token, error) {
	return jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method != s.method {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.config.Secret, nil
	}, jwt.WithIssuer(s.config.Issuer), jwt.WithExpirationRequired())
}
