package devbackend

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const sessionTTL = 30 * time.Minute

var errMissingSubject = errors.New("devbackend: subject is required")

// tokenIssuer mints short-lived HS256 session tokens for the dev backend.
type tokenIssuer struct {
	secret []byte
	clock  func() time.Time
}

func newTokenIssuer(secret []byte, clock func() time.Time) *tokenIssuer {
	return &tokenIssuer{secret: secret, clock: clock}
}

func (i *tokenIssuer) issue(userID string) (string, error) {
	if userID == "" {
		return "", errMissingSubject
	}
	now := i.clock().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    "currents-dev",
		Audience:  []string{"currents-client"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}
