// Package storage persists the session token triple across process restarts.
// Persistence is best-effort: backend failures are logged and never returned.
package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	slogctx "github.com/veqryn/slog-context"
)

const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyExpiresAt    = "expires_at"
)

// ErrNotFound is returned by a KV backend when the key does not exist.
var ErrNotFound = errors.New("key not found")

// KV is the key-value backend behind the Adapter.
type KV interface {
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// Tokens is the persisted token triple. RefreshToken is kept for layout
// compatibility and is always empty for PocketBase.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type Adapter struct {
	kv  KV
	now func() time.Time
}

type AdapterOption func(*Adapter)

func WithClock(now func() time.Time) AdapterOption {
	return func(a *Adapter) { a.now = now }
}

func NewAdapter(kv KV, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		kv:  kv,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Load returns the stored tokens. It reports false when no access token is
// stored or the stored expiry has already passed; the caller is expected to
// clear the storage in that case.
func (a *Adapter) Load(ctx context.Context) (Tokens, bool) {
	accessToken, err := a.kv.Get(ctx, KeyAccessToken)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slogctx.Warn(ctx, "Could not load access token", "error", err)
		}
		return Tokens{}, false
	}
	if accessToken == "" {
		return Tokens{}, false
	}

	tokens := Tokens{AccessToken: accessToken}

	refreshToken, err := a.kv.Get(ctx, KeyRefreshToken)
	if err == nil {
		tokens.RefreshToken = refreshToken
	}

	expiresAt, err := a.kv.Get(ctx, KeyExpiresAt)
	if err != nil || expiresAt == "" {
		return tokens, true
	}

	millis, err := strconv.ParseInt(expiresAt, 10, 64)
	if err != nil {
		slogctx.Warn(ctx, "Stored expiry is not a number", "error", err)
		return tokens, true
	}

	tokens.ExpiresAt = time.UnixMilli(millis)
	if !tokens.ExpiresAt.After(a.now()) {
		return Tokens{}, false
	}

	return tokens, true
}

func (a *Adapter) Save(ctx context.Context, tokens Tokens) {
	values := map[string]string{
		KeyAccessToken:  tokens.AccessToken,
		KeyRefreshToken: tokens.RefreshToken,
		KeyExpiresAt:    "",
	}
	if !tokens.ExpiresAt.IsZero() {
		values[KeyExpiresAt] = strconv.FormatInt(tokens.ExpiresAt.UnixMilli(), 10)
	}

	for _, key := range []string{KeyAccessToken, KeyRefreshToken, KeyExpiresAt} {
		if err := a.kv.Set(ctx, key, values[key]); err != nil {
			slogctx.Warn(ctx, "Could not persist token", "key", key, "error", err)
		}
	}
}

func (a *Adapter) Clear(ctx context.Context) {
	if err := a.kv.Delete(ctx, KeyAccessToken, KeyRefreshToken, KeyExpiresAt); err != nil {
		slogctx.Warn(ctx, "Could not clear stored tokens", "error", err)
	}
}
