package token

import (
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

var signatureAlgorithms = []jose.SignatureAlgorithm{
	jose.HS256, jose.HS384, jose.HS512,
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

// Claims are the PocketBase specific claims of an auth token.
type Claims struct {
	RecordID     string
	CollectionID string
	Type         string
	Expiry       time.Time
}

// ParseClaims reads the claims of a token without verifying its signature.
// Only the backend can verify it; the client uses the claims as hints.
func ParseClaims(accessToken string) (Claims, error) {
	tok, err := jwt.ParseSigned(accessToken, signatureAlgorithms)
	if err != nil {
		return Claims{}, fmt.Errorf("parsing token: %w", err)
	}

	var standard jwt.Claims
	var custom struct {
		ID           string `json:"id"`
		CollectionID string `json:"collectionId"`
		Type         string `json:"type"`
	}
	if err := tok.UnsafeClaimsWithoutVerification(&standard, &custom); err != nil {
		return Claims{}, fmt.Errorf("reading token claims: %w", err)
	}

	claims := Claims{
		RecordID:     custom.ID,
		CollectionID: custom.CollectionID,
		Type:         custom.Type,
	}
	if standard.Expiry != nil {
		claims.Expiry = standard.Expiry.Time()
	}

	return claims, nil
}

// Lifetime returns how long accessToken stays valid according to its exp
// claim, or fallback when the token carries no usable expiry.
func Lifetime(accessToken string, now time.Time, fallback time.Duration) time.Duration {
	claims, err := ParseClaims(accessToken)
	if err != nil || claims.Expiry.IsZero() {
		return fallback
	}

	return claims.Expiry.Sub(now)
}
