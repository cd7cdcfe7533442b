// Package auth issues and verifies bearer tokens for the HTTP and event
// stream surfaces.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/zling/backend/internal/domain"
)

const tokenTTL = 7 * 24 * time.Hour

var ErrInvalidToken = errors.New("invalid token")

// TokenAuthenticator signs and verifies HS256 access tokens.
type TokenAuthenticator struct {
	key []byte
}

// New builds an authenticator from a hex-encoded 32-byte signing key. When
// keyHex is empty a fresh key is generated and logged so a dev instance
// works out of the box; restarts then invalidate outstanding tokens.
func New(keyHex string) (*TokenAuthenticator, error) {
	if keyHex == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		log.Info().Str("module", "auth").Str("key", hex.EncodeToString(key)).Msg("generated token signing key (set token_signing_key to persist)")
		return &TokenAuthenticator{key: key}, nil
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("token signing key: %w", err)
	}
	if len(key) != 32 {
		return nil, errors.New("token signing key must be 32 bytes")
	}
	return &TokenAuthenticator{key: key}, nil
}

func (a *TokenAuthenticator) Mint(user domain.UserID) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   string(user),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
}

func (a *TokenAuthenticator) Verify(token string) (domain.UserID, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.key, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return domain.UserID(claims.Subject), nil
}
