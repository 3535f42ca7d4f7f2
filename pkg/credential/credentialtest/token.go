// Package credentialtest mints structurally valid secrets for tests.
package credentialtest

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token returns a signed JWT with the given issuer, subject and expiry. The
// signing key is throwaway; the pool never verifies signatures.
func Token(t testing.TB, issuer, subject string, expiresAt time.Time, extra map[string]any) string {
	t.Helper()

	claims := jwt.MapClaims{
		"iss": issuer,
		"exp": expiresAt.Unix(),
		"iat": time.Now().Unix(),
	}
	if subject != "" {
		claims["sub"] = subject
	}
	for k, v := range extra {
		claims[k] = v
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-only-key"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
