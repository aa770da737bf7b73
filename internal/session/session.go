// Package session extracts client-side identity from the backend-issued
// bearer token. Signature verification is the backend's job; the client only
// needs the subject and a refresh hint, so claims are read unverified.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session identifies the local user. A guest session carries no user id and
// cannot perform authenticated-only actions.
type Session struct {
	UserID    string
	ExpiresAt time.Time
	Guest     bool
}

// FromToken derives a Session from a bearer token. An empty token is a guest
// bootstrap, not an error.
func FromToken(token string) (Session, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Session{Guest: true}, nil
	}

	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(trimmed, &claims); err != nil {
		return Session{}, fmt.Errorf("session: unparseable token: %w", err)
	}
	if claims.Subject == "" {
		return Session{}, fmt.Errorf("session: token missing subject")
	}

	result := Session{UserID: claims.Subject}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time
	}
	return result, nil
}

// Expired reports whether the session needs a refresh at the given instant.
// Sessions without an expiry never expire locally.
func (s Session) Expired(now time.Time) bool {
	if s.Guest || s.ExpiresAt.IsZero() {
		return false
	}
	return now.After(s.ExpiresAt)
}
