package auth

import (
	"errors"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"
)

// HMACVerifier validates HS256 tokens against a shared secret. It exists for
// local development of the reference server, where no JWKS endpoint is
// available.
type HMACVerifier struct {
	secret []byte
	logger *slog.Logger
}

// NewHMACVerifier creates a shared-secret verifier.
func NewHMACVerifier(secret string, logger *slog.Logger) (*HMACVerifier, error) {
	if secret == "" {
		return nil, errors.New("HMAC secret cannot be empty")
	}
	return &HMACVerifier{secret: []byte(secret), logger: logger}, nil
}

// VerifyToken validates signature and expiry.
func (v *HMACVerifier) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != "HS256" {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil {
		v.logger.Debug("token parse failed", "error", err)
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Close is a no-op.
func (v *HMACVerifier) Close() error {
	return nil
}
