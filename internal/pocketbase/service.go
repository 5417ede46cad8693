// Package pocketbase implements the authentication API of a PocketBase
// users collection on top of the request gateway.
package pocketbase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-client/internal/apierr"
	"github.com/openkcm/session-client/internal/gateway"
	"github.com/openkcm/session-client/internal/profile"
	"github.com/openkcm/session-client/internal/refresh"
	"github.com/openkcm/session-client/internal/serviceerr"
	"github.com/openkcm/session-client/internal/token"
)

const CodeRefreshFailed = "auth_refresh_failed"

type Service struct {
	tokens      *token.Store
	profiles    *profile.Store
	coordinator *refresh.Coordinator
	gw          *gateway.Gateway
	lifetime    time.Duration
	now         func() time.Time
}

type config struct {
	client           *http.Client
	timeout          time.Duration
	refreshThreshold time.Duration
	lifetime         time.Duration
	now              func() time.Time
}

type Option func(*config)

func WithHTTPClient(client *http.Client) Option {
	return func(c *config) { c.client = client }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

func WithRefreshThreshold(d time.Duration) Option {
	return func(c *config) { c.refreshThreshold = d }
}

// WithDefaultTokenLifetime sets the lifetime assumed for tokens that carry
// no exp claim.
func WithDefaultTokenLifetime(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.lifetime = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// NewService wires the coordinator and the gateway around the token store.
// The profile is cleared whenever the session is logged out.
func NewService(baseURL string, tokens *token.Store, profiles *profile.Store, opts ...Option) *Service {
	cfg := &config{
		lifetime: refresh.DefaultTokenLifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Service{
		tokens:   tokens,
		profiles: profiles,
		lifetime: cfg.lifetime,
		now:      cfg.now,
	}

	tokens.OnLogout(profiles.Clear)

	s.coordinator = refresh.NewCoordinator(tokens, s,
		refresh.WithDefaultLifetime(cfg.lifetime),
		refresh.WithClock(cfg.now),
	)
	s.gw = gateway.New(baseURL, cfg.client, tokens, s.coordinator,
		gateway.WithTimeout(cfg.timeout),
		gateway.WithRefreshThreshold(cfg.refreshThreshold),
	)

	return s
}

// Gateway gives access to refresh-managed requests for other collections.
func (s *Service) Gateway() *gateway.Gateway {
	return s.gw
}

func (s *Service) Coordinator() *refresh.Coordinator {
	return s.coordinator
}

func (s *Service) Login(ctx context.Context, email, password string) (User, error) {
	resp, err := gateway.Call[AuthResponse](ctx, s.gw, gateway.Request{
		Method:   http.MethodPost,
		Endpoint: gateway.PathAuthWithPassword,
		Body:     passwordAuth{Identity: email, Password: password},
	})
	if err != nil {
		slogctx.Info(ctx, "Login failed", "error", err)
		return User{}, err
	}

	s.tokens.Login(ctx, resp.Token, token.Lifetime(resp.Token, s.now(), s.lifetime))
	s.applyRecord(resp.Record)
	slogctx.Info(ctx, "Logged in", "user_id", resp.Record.ID)

	return resp.Record, nil
}

// Signup creates the user record and logs in with the same credentials.
func (s *Service) Signup(ctx context.Context, email, password string) (User, error) {
	created, err := gateway.Call[User](ctx, s.gw, gateway.Request{
		Method:   http.MethodPost,
		Endpoint: gateway.PathUserRecords,
		Body:     signupRequest{Email: email, Password: password, PasswordConfirm: password},
	})
	if err != nil {
		slogctx.Info(ctx, "Signup failed", "error", err)
		return User{}, err
	}

	slogctx.Info(ctx, "User created", "user_id", created.ID)

	return s.Login(ctx, email, password)
}

func (s *Service) Logout(ctx context.Context) {
	s.tokens.Logout(ctx)
}

// RefreshToken calls auth-refresh with accessToken. Backend failures are
// reported with code auth_refresh_failed and their original status.
func (s *Service) RefreshToken(ctx context.Context, accessToken string) (string, error) {
	resp, err := gateway.Call[AuthResponse](ctx, s.gw, gateway.Request{
		Method:   http.MethodPost,
		Endpoint: gateway.PathAuthRefresh,
		Token:    accessToken,
	})
	if err != nil {
		var apiErr *apierr.APIError
		if errors.As(err, &apiErr) {
			return "", refreshFailure(apiErr)
		}
		return "", err
	}

	s.applyRecord(resp.Record)

	return resp.Token, nil
}

// refreshFailure maps a rejected refresh. A body that is not JSON keeps the
// unknown code and the status text; otherwise only the top level message
// is used.
func refreshFailure(apiErr *apierr.APIError) *apierr.APIError {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(apiErr.Body, &body); err != nil {
		return &apierr.APIError{Status: apiErr.Status, Code: apierr.CodeUnknown, Message: apiErr.Message, Body: apiErr.Body}
	}

	message := body.Message
	if message == "" {
		message = "Token refresh failed"
	}

	return &apierr.APIError{Status: apiErr.Status, Code: CodeRefreshFailed, Message: message, Body: apiErr.Body}
}

// Refresh renews the session on request. Any failure ends the session.
func (s *Service) Refresh(ctx context.Context) error {
	current := s.tokens.AccessToken()
	if current == "" {
		s.tokens.Logout(ctx)
		return serviceerr.ErrNoToken
	}

	if _, err := s.coordinator.Refresh(ctx, current); err != nil {
		s.tokens.Logout(ctx)
		return err
	}

	return nil
}

// CurrentUser fetches the signed-in user's record. The id comes from the
// profile, or from the token claims when the profile is empty. A 404 means
// the account is gone and ends the session.
func (s *Service) CurrentUser(ctx context.Context) (User, error) {
	id := s.profiles.Get().ID
	if id == "" {
		accessToken := s.tokens.AccessToken()
		if accessToken == "" {
			return User{}, serviceerr.ErrNoToken
		}

		claims, err := token.ParseClaims(accessToken)
		if err != nil || claims.RecordID == "" {
			return User{}, serviceerr.ErrNoProfile
		}
		id = claims.RecordID
	}

	record, err := gateway.Call[User](ctx, s.gw, gateway.Request{
		Endpoint: gateway.PathUserRecords + "/" + url.PathEscape(id),
	})
	if err != nil {
		if apierr.IsNotFound(err) {
			slogctx.Info(ctx, "Current user no longer exists, logging out", "user_id", id)
			s.tokens.Logout(ctx)
		}
		return User{}, err
	}

	s.applyRecord(record)

	return record, nil
}

func (s *Service) applyRecord(u User) {
	s.profiles.Update(func(p *profile.Profile) {
		p.ID = u.ID
		p.Email = u.Email
		p.EmailVerified = u.Verified
		p.CreatedAt = u.CreatedAt()
		if u.Role != "" {
			p.Role = profile.Role(u.Role)
		}
	})

	// Records of older schemas lack the optional fields; keep what is known.
	current := s.profiles.Get()
	if u.FirstName != "" || u.LastName != "" || u.Avatar != "" {
		first, last, avatar := u.FirstName, u.LastName, u.Avatar
		if first == "" && last == "" {
			first, last = current.FirstName, current.LastName
		}
		if avatar == "" {
			avatar = current.AvatarURL
		}
		s.profiles.UpdateName(first, last, avatar)
	}

	sub := profile.Subscription{
		Plan:               current.Plan,
		PlanStatus:         current.PlanStatus,
		TrialEndsAt:        current.TrialEndsAt,
		SubscriptionEndsAt: current.SubscriptionEndsAt,
	}
	if u.Plan != "" {
		sub.Plan = profile.Plan(u.Plan)
	}
	if u.PlanStatus != "" {
		sub.PlanStatus = profile.PlanStatus(u.PlanStatus)
	}
	if t := parseTime(u.TrialEndsAt); !t.IsZero() {
		sub.TrialEndsAt = t
	}
	if t := parseTime(u.SubscriptionEndsAt); !t.IsZero() {
		sub.SubscriptionEndsAt = t
	}
	s.profiles.UpdateSubscription(sub)
}
