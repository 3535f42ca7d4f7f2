package credential

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the structural fields read from a secret without verifying it.
type Claims struct {
	Issuer    string
	Subject   string
	ExpiresAt time.Time
	Tier      Tier
}

// ClaimsDecoder extracts structural claims from opaque secret material.
type ClaimsDecoder interface {
	Decode(secret string) (Claims, error)
}

// JWTDecoder reads registered claims from a JWT-shaped secret. Signatures are
// never checked: the upstream service is the only party that can verify them.
type JWTDecoder struct {
	parser *jwt.Parser
}

// NewJWTDecoder creates a decoder for compact-serialized JWTs.
func NewJWTDecoder() *JWTDecoder {
	return &JWTDecoder{parser: jwt.NewParser()}
}

// Decode implements ClaimsDecoder.
func (d *JWTDecoder) Decode(secret string) (Claims, error) {
	secret = NormalizeSecret(secret)
	if secret == "" {
		return Claims{}, fmt.Errorf("%w: empty secret", ErrInvalid)
	}

	mapClaims := jwt.MapClaims{}
	if _, _, err := d.parser.ParseUnverified(secret, mapClaims); err != nil {
		return Claims{}, fmt.Errorf("%w: unparseable secret: %v", ErrInvalid, err)
	}

	iss, err := mapClaims.GetIssuer()
	if err != nil || iss == "" {
		return Claims{}, fmt.Errorf("%w: missing issuer claim", ErrInvalid)
	}
	exp, err := mapClaims.GetExpirationTime()
	if err != nil || exp == nil {
		return Claims{}, fmt.Errorf("%w: missing expiry claim", ErrInvalid)
	}
	sub, _ := mapClaims.GetSubject()

	claims := Claims{
		Issuer:    iss,
		Subject:   sub,
		ExpiresAt: exp.Time.UTC(),
		Tier:      TierFree,
	}

	for _, key := range []string{"tier", "plan"} {
		if raw, ok := mapClaims[key].(string); ok && raw != "" {
			tier, err := ParseTier(strings.ToLower(raw))
			if err == nil {
				claims.Tier = tier
			}
			break
		}
	}

	return claims, nil
}

// NormalizeSecret strips surrounding whitespace and an optional "Bearer " prefix.
func NormalizeSecret(secret string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(secret), "Bearer "))
}
