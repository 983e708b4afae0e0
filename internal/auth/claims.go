package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenMalformed is returned when an access token cannot be decoded.
var ErrTokenMalformed = errors.New("access token malformed")

// AccessClaims is the subset of backend token claims the agent reads.
type AccessClaims struct {
	jwt.RegisteredClaims
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// DecodeAccessToken reads the claims of a backend-issued JWT without
// verifying its signature. The agent holds no signing key; the backend
// verifies every request that carries the token. Only the expiry and the
// subject are used, to fill Identity.ExpiresAt and to cross-check the
// identity returned alongside the token.
func DecodeAccessToken(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	}
	return claims, nil
}

// ExpiryOf returns the token expiry, or the zero time when absent.
func (c *AccessClaims) ExpiryOf() time.Time {
	if c == nil || c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// ApplyTokenClaims decodes the identity's access token, if any, and fills
// ExpiresAt. A token whose subject disagrees with the identity is an error.
func ApplyTokenClaims(id *Identity) error {
	if id.AccessToken == "" {
		return nil
	}
	claims, err := DecodeAccessToken(id.AccessToken)
	if err != nil {
		return err
	}
	if claims.Subject != "" && claims.Subject != id.ID {
		return fmt.Errorf("%w: subject %q does not match identity %q", ErrTokenMalformed, claims.Subject, id.ID)
	}
	id.ExpiresAt = claims.ExpiryOf()
	return nil
}
