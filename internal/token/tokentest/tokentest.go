// Package tokentest signs PocketBase-like auth tokens for tests.
package tokentest

import (
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123456789abcdef" // NOSONAR

// Sign returns an HS256 token for recordID expiring at exp. A zero exp
// leaves the exp claim out.
func Sign(t *testing.T, recordID string, exp time.Time) string {
	t.Helper()

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte(secret)}, (&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(t, err)

	custom := map[string]any{
		"id":           recordID,
		"collectionId": "_pb_users_auth_",
		"type":         "auth",
	}

	standard := jwt.Claims{}
	if !exp.IsZero() {
		standard.Expiry = jwt.NewNumericDate(exp)
	}

	raw, err := jwt.Signed(signer).Claims(standard).Claims(custom).Serialize()
	require.NoError(t, err)

	return raw
}
