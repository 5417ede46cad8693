// Package storagetest checks that a KV backend behaves the way the token
// adapter expects.
package storagetest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-client/internal/storage"
)

// Run exercises kv. Keys are namespaced with t.Name() by the caller when
// backends are shared between tests.
func Run(t *testing.T, kv storage.KV) {
	t.Helper()

	t.Run("missing key", func(t *testing.T) {
		_, err := kv.Get(t.Context(), "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("set get overwrite", func(t *testing.T) {
		ctx := t.Context()

		require.NoError(t, kv.Set(ctx, storage.KeyAccessToken, "first"))
		got, err := kv.Get(ctx, storage.KeyAccessToken)
		require.NoError(t, err)
		assert.Equal(t, "first", got)

		require.NoError(t, kv.Set(ctx, storage.KeyAccessToken, "second"))
		got, err = kv.Get(ctx, storage.KeyAccessToken)
		require.NoError(t, err)
		assert.Equal(t, "second", got)
	})

	t.Run("empty value is stored", func(t *testing.T) {
		ctx := t.Context()

		require.NoError(t, kv.Set(ctx, storage.KeyRefreshToken, ""))
		got, err := kv.Get(ctx, storage.KeyRefreshToken)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("delete", func(t *testing.T) {
		ctx := t.Context()

		require.NoError(t, kv.Set(ctx, storage.KeyAccessToken, "tok"))
		require.NoError(t, kv.Set(ctx, storage.KeyExpiresAt, "1"))
		require.NoError(t, kv.Delete(ctx, storage.KeyAccessToken, storage.KeyRefreshToken, storage.KeyExpiresAt))

		for _, key := range []string{storage.KeyAccessToken, storage.KeyRefreshToken, storage.KeyExpiresAt} {
			_, err := kv.Get(ctx, key)
			assert.ErrorIs(t, err, storage.ErrNotFound, key)
		}

		// deleting absent keys is fine
		assert.NoError(t, kv.Delete(ctx, storage.KeyAccessToken))
		assert.NoError(t, kv.Delete(ctx))
	})
}
