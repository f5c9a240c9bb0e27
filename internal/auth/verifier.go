// Package auth verifies bearer tokens on inbound webhook requests. The
// bridge itself only attaches headers; verification belongs to the backend
// side, exercised here by the reference server.
package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification. Callers
// get no detail; the reason is logged server-side only.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the registered claims the reference server cares about.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier validates a bearer token and returns its claims.
type Verifier interface {
	VerifyToken(tokenString string) (*Claims, error)

	// Close releases any resources held by the verifier.
	Close() error
}
