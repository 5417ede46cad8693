// Package refresh coordinates access token renewal so that at most one
// refresh call is in flight at a time. Callers arriving while a refresh runs
// wait for it and receive the same outcome.
package refresh

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-client/internal/apierr"
	"github.com/openkcm/session-client/internal/token"
)

const DefaultTokenLifetime = 7 * 24 * time.Hour

// CodeNoToken is the error code when there is no session to refresh.
const CodeNoToken = "no_token"

// Refresher performs the network refresh of an access token.
type Refresher interface {
	RefreshToken(ctx context.Context, accessToken string) (string, error)
}

type RefresherFunc func(ctx context.Context, accessToken string) (string, error)

func (f RefresherFunc) RefreshToken(ctx context.Context, accessToken string) (string, error) {
	return f(ctx, accessToken)
}

type result struct {
	token string
	err   error
}

// cycle is one refresh operation and the callers waiting for it.
type cycle struct {
	id      string
	waiters []chan result
}

type Coordinator struct {
	tokens    *token.Store
	refresher Refresher
	lifetime  time.Duration
	now       func() time.Time
	cycles    metric.Int64Counter

	mu     sync.Mutex
	active *cycle
}

type Option func(*Coordinator)

// WithDefaultLifetime sets the lifetime assumed for tokens without an exp claim.
func WithDefaultLifetime(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.lifetime = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(tokens *token.Store, refresher Refresher, opts ...Option) *Coordinator {
	c := &Coordinator{
		tokens:    tokens,
		refresher: refresher,
		lifetime:  DefaultTokenLifetime,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	counter, err := otel.Meter("session-client/refresh").Int64Counter(
		"session_client.refresh.cycles",
		metric.WithDescription("Token refresh cycles by outcome"),
		metric.WithUnit("cycle"),
	)
	if err == nil {
		c.cycles = counter
	}

	return c
}

// Refresh returns a renewed access token. staleToken is the token the caller
// considers outdated; if another cycle already replaced it the current token
// is returned without a network call. If a cycle is in flight the caller
// joins it, otherwise a new cycle is started.
//
// The cycle itself is detached from ctx: cancelling ctx only stops this
// caller from waiting.
func (c *Coordinator) Refresh(ctx context.Context, staleToken string) (string, error) {
	slot := make(chan result, 1)

	c.mu.Lock()
	if c.active != nil {
		c.active.waiters = append(c.active.waiters, slot)
		id := c.active.id
		c.mu.Unlock()

		slogctx.Debug(ctx, "Waiting for in-flight token refresh", "cycle_id", id)
		return c.wait(ctx, slot)
	}

	current, err := c.currentToken()
	if err != nil {
		c.mu.Unlock()
		return "", err
	}

	if staleToken != "" && current != staleToken {
		c.mu.Unlock()
		return current, nil
	}

	cy := &cycle{
		id:      uuid.NewString(),
		waiters: []chan result{slot},
	}
	c.active = cy
	c.mu.Unlock()

	go c.run(context.WithoutCancel(ctx), cy, current)

	return c.wait(ctx, slot)
}

// Await waits for the in-flight cycle, or returns the current token when no
// refresh is running.
func (c *Coordinator) Await(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return c.tokens.AccessToken(), nil
	}

	slot := make(chan result, 1)
	c.active.waiters = append(c.active.waiters, slot)
	c.mu.Unlock()

	return c.wait(ctx, slot)
}

func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.active != nil
}

func (c *Coordinator) run(ctx context.Context, cy *cycle, accessToken string) {
	ctx = slogctx.With(ctx, "cycle_id", cy.id)
	slogctx.Info(ctx, "Refreshing access token")

	newToken, err := c.refresher.RefreshToken(ctx, accessToken)
	if err == nil {
		lifetime := token.Lifetime(newToken, c.now(), c.lifetime)
		if !c.tokens.ReplaceTokens(ctx, accessToken, newToken, lifetime) {
			// The session was logged out or replaced while the call ran.
			newToken, err = c.currentToken()
			slogctx.Info(ctx, "Session changed during refresh, refreshed token dropped")
		}
	}

	// Detach under the lock so no caller can join a finished cycle.
	c.mu.Lock()
	waiters := cy.waiters
	cy.waiters = nil
	c.active = nil
	c.mu.Unlock()

	res := result{token: newToken, err: err}
	if err != nil {
		res.token = ""
	}
	for _, w := range waiters {
		w <- res
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
		slogctx.Warn(ctx, "Token refresh failed", "waiters", len(waiters), "error", err)
	} else {
		slogctx.Info(ctx, "Token refreshed", "waiters", len(waiters))
	}

	if c.cycles != nil {
		c.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (c *Coordinator) currentToken() (string, error) {
	current := c.tokens.AccessToken()
	if current == "" {
		return "", &apierr.APIError{Status: http.StatusUnauthorized, Code: CodeNoToken, Message: "No access token available"}
	}

	return current, nil
}

func (c *Coordinator) wait(ctx context.Context, slot <-chan result) (string, error) {
	select {
	case res := <-slot:
		return res.token, res.err
	case <-ctx.Done():
		return "", apierr.Classify(ctx.Err())
	}
}
