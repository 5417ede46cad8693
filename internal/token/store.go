// Package token holds the current access token of the signed-in user.
package token

import (
	"context"
	"sync"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-client/internal/storage"
)

// Session is the in-memory view of the signed-in user's token.
// IsAuthenticated is true exactly when AccessToken is not empty. A zero
// ExpiresAt means the expiry is unknown and only reactive refresh applies.
type Session struct {
	AccessToken     string
	ExpiresAt       time.Time
	IsAuthenticated bool
}

// Persistence is the durable side of the store. Implementations swallow
// their own failures.
type Persistence interface {
	Load(ctx context.Context) (storage.Tokens, bool)
	Save(ctx context.Context, tokens storage.Tokens)
	Clear(ctx context.Context)
}

type Store struct {
	persistence Persistence
	now         func() time.Time

	mu          sync.RWMutex
	session     Session
	logoutHooks []func(context.Context)
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogoutHook registers state that has to be cleared with the session.
func WithLogoutHook(hook func(context.Context)) Option {
	return func(s *Store) { s.logoutHooks = append(s.logoutHooks, hook) }
}

func NewStore(persistence Persistence, opts ...Option) *Store {
	s := &Store{
		persistence: persistence,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Init restores the session from persistence. Anything invalid is wiped.
func (s *Store) Init(ctx context.Context) {
	tokens, ok := s.persistence.Load(ctx)
	if !ok {
		s.mu.Lock()
		s.session = Session{}
		s.mu.Unlock()

		s.persistence.Clear(ctx)
		return
	}

	s.mu.Lock()
	s.session = Session{
		AccessToken:     tokens.AccessToken,
		ExpiresAt:       tokens.ExpiresAt,
		IsAuthenticated: true,
	}
	s.mu.Unlock()

	slogctx.Debug(ctx, "Restored session from storage", "expires_at", tokens.ExpiresAt)
}

// OnLogout registers a hook after construction.
func (s *Store) OnLogout(hook func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logoutHooks = append(s.logoutHooks, hook)
}

func (s *Store) Get() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.session
}

func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.session.AccessToken
}

// SetTokens stores a new access token valid for expiresIn and persists it.
func (s *Store) SetTokens(ctx context.Context, accessToken string, expiresIn time.Duration) {
	expiresAt := s.now().Add(expiresIn)

	s.mu.Lock()
	s.session = Session{
		AccessToken:     accessToken,
		ExpiresAt:       expiresAt,
		IsAuthenticated: accessToken != "",
	}
	s.mu.Unlock()

	s.persistence.Save(ctx, storage.Tokens{
		AccessToken: accessToken,
		ExpiresAt:   expiresAt,
	})
}

// ReplaceTokens stores accessToken only while the session still holds
// oldToken. It reports false when the session was logged out or replaced in
// the meantime.
func (s *Store) ReplaceTokens(ctx context.Context, oldToken, accessToken string, expiresIn time.Duration) bool {
	expiresAt := s.now().Add(expiresIn)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session.AccessToken == "" || s.session.AccessToken != oldToken {
		return false
	}

	s.session = Session{
		AccessToken:     accessToken,
		ExpiresAt:       expiresAt,
		IsAuthenticated: accessToken != "",
	}
	// Saved under the lock so a concurrent Logout clears after this write.
	s.persistence.Save(ctx, storage.Tokens{
		AccessToken: accessToken,
		ExpiresAt:   expiresAt,
	})

	return true
}

func (s *Store) Login(ctx context.Context, accessToken string, expiresIn time.Duration) {
	s.SetTokens(ctx, accessToken, expiresIn)
}

// Logout clears the session, the persisted tokens and all dependent state.
func (s *Store) Logout(ctx context.Context) {
	s.mu.Lock()
	wasAuthenticated := s.session.IsAuthenticated
	s.session = Session{}
	hooks := s.logoutHooks
	s.mu.Unlock()

	s.persistence.Clear(ctx)
	for _, hook := range hooks {
		hook(ctx)
	}

	if wasAuthenticated {
		slogctx.Info(ctx, "Session logged out")
	}
}

// IsExpired reports true when the expiry is unknown or already passed.
func (s *Store) IsExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.session.ExpiresAt.IsZero() {
		return true
	}

	return !s.now().Before(s.session.ExpiresAt)
}

// ExpiringWithin reports whether a known expiry is closer than d.
func (s *Store) ExpiringWithin(d time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.session.ExpiresAt.IsZero() {
		return false
	}

	return s.session.ExpiresAt.Sub(s.now()) < d
}
