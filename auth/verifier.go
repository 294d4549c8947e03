// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

// Package auth verifies dashboard access tokens. Token issuance lives in the
// external auth service; this package only answers "verify token → identity",
// once per connection at handshake time.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Verification errors.
var (
	ErrEmptyToken   = errors.New("token cannot be empty")
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is the authenticated principal behind a connection. Immutable for
// the connection's lifetime.
type Identity struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
}

// Claims are the token claims the gateway cares about.
type Claims struct {
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
	jwt.RegisteredClaims
}

// Config holds verifier configuration.
type Config struct {
	// Algorithm is "HS256" (shared secret) or "RS256" (PEM public key).
	Algorithm string `yaml:"algorithm"`

	SecretKey    string `yaml:"secret_key"`
	PublicKeyPEM string `yaml:"public_key_pem"`
}

// Verifier validates access tokens and extracts identities.
type Verifier struct {
	config    Config
	publicKey *rsa.PublicKey
}

// NewVerifier creates a verifier for the configured algorithm.
func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{config: cfg}

	switch cfg.Algorithm {
	case "HS256":
		if cfg.SecretKey == "" {
			return nil, fmt.Errorf("HS256 requires secret key")
		}
	case "RS256":
		if cfg.PublicKeyPEM == "" {
			return nil, fmt.Errorf("RS256 requires public key PEM")
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		v.publicKey = key
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", cfg.Algorithm)
	}

	return v, nil
}

// Verify validates a token and returns the identity it carries. It is the
// only gate on connection admission: any error here rejects the connection.
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, ErrEmptyToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc,
		jwt.WithValidMethods([]string{v.config.Algorithm}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	role := claims.Role
	if role == "" {
		role = "OPERATOR"
	}
	name := claims.DisplayName
	if name == "" {
		name = claims.Subject
	}

	return &Identity{
		ID:          claims.Subject,
		Role:        role,
		DisplayName: name,
	}, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	switch v.config.Algorithm {
	case "HS256":
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.config.SecretKey), nil
	case "RS256":
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", v.config.Algorithm)
	}
}
