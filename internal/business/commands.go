package business

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/openkcm/common-sdk/pkg/commoncfg"

	"github.com/openkcm/session-client/internal/apierr"
	"github.com/openkcm/session-client/internal/config"
	"github.com/openkcm/session-client/internal/profile"
	"github.com/openkcm/session-client/internal/serviceerr"
)

type Credentials struct {
	Email    string
	Password string
}

// UserError carries the message shown to the user for a failed login or
// signup next to the underlying typed error.
type UserError struct {
	Message string
	Err     error
}

func (e *UserError) Error() string { return e.Message }

func (e *UserError) Unwrap() error { return e.Err }

func LoginMain(ctx context.Context, cfg *config.Config, creds Credentials, out io.Writer) error {
	client, closeFn, err := initClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the client: %w", err)
	}
	defer closeFn()

	user, err := client.Auth.Login(ctx, creds.Email, creds.Password)
	if err != nil {
		return &UserError{Message: apierr.Humanize(err), Err: err}
	}

	_, err = fmt.Fprintf(out, "Logged in as %s\n", user.Email)

	return err
}

func SignupMain(ctx context.Context, cfg *config.Config, creds Credentials, out io.Writer) error {
	client, closeFn, err := initClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the client: %w", err)
	}
	defer closeFn()

	user, err := client.Auth.Signup(ctx, creds.Email, creds.Password)
	if err != nil {
		return &UserError{Message: apierr.Humanize(err), Err: err}
	}

	_, err = fmt.Fprintf(out, "Account created, logged in as %s\n", user.Email)

	return err
}

func LogoutMain(ctx context.Context, cfg *config.Config, out io.Writer) error {
	client, closeFn, err := initClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the client: %w", err)
	}
	defer closeFn()

	client.Auth.Logout(ctx)

	_, err = fmt.Fprintln(out, "Logged out")

	return err
}

// RefreshMain renews the stored token now. A failure ends the session.
func RefreshMain(ctx context.Context, cfg *config.Config, out io.Writer) error {
	client, closeFn, err := initClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the client: %w", err)
	}
	defer closeFn()

	err = client.Auth.Refresh(ctx)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNoToken) {
			return errors.New("not logged in")
		}
		return fmt.Errorf("refreshing token: %w", err)
	}

	_, err = fmt.Fprintf(out, "Token refreshed, valid until %s\n", client.Tokens.Get().ExpiresAt.Format(time.RFC3339))

	return err
}

type whoami struct {
	ID            string    `yaml:"id"`
	Email         string    `yaml:"email"`
	EmailVerified bool      `yaml:"emailVerified"`
	Name          string    `yaml:"name,omitempty"`
	Role          string    `yaml:"role"`
	Plan          string    `yaml:"plan"`
	PlanStatus    string    `yaml:"planStatus"`
	Pro           bool      `yaml:"pro"`
	Trialing      bool      `yaml:"trialing"`
	ExpiresAt     time.Time `yaml:"tokenExpiresAt,omitempty"`
}

func whoamiFrom(p profile.Profile, expiresAt time.Time) whoami {
	return whoami{
		ID:            p.ID,
		Email:         p.Email,
		EmailVerified: p.EmailVerified,
		Name:          p.FullName(),
		Role:          string(p.Role),
		Plan:          string(p.Plan),
		PlanStatus:    string(p.PlanStatus),
		Pro:           p.IsPro(),
		Trialing:      p.IsTrialing(),
		ExpiresAt:     expiresAt,
	}
}

// WhoamiMain fetches the current user through the refresh-managed gateway
// and prints the profile as YAML.
func WhoamiMain(ctx context.Context, cfg *config.Config, out io.Writer) error {
	client, closeFn, err := initClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the client: %w", err)
	}
	defer closeFn()

	_, err = client.Auth.CurrentUser(ctx)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNoToken) {
			return errors.New("not logged in")
		}
		return fmt.Errorf("fetching current user: %w", err)
	}

	data, err := yaml.Marshal(whoamiFrom(client.Profiles.Get(), client.Tokens.Get().ExpiresAt))
	if err != nil {
		return fmt.Errorf("encoding profile: %w", err)
	}

	_, err = out.Write(data)

	return err
}

// ConfigMain prints the effective configuration with embedded secrets
// masked.
func ConfigMain(_ context.Context, cfg *config.Config, out io.Writer) error {
	data, err := yaml.Marshal(redacted(cfg))
	if err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}

	_, err = out.Write(data)

	return err
}

const redactedValue = "***"

// redacted returns a copy of cfg without embedded credential values. Refs
// to files and environment variables are kept since they name no secret.
func redacted(cfg *config.Config) *config.Config {
	c := *cfg

	mask := func(ref *commoncfg.SourceRef) {
		if ref.Value != "" {
			ref.Value = redactedValue
		}
	}

	mask(&c.Database.User)
	mask(&c.Database.Password)
	mask(&c.ValKey.User)
	mask(&c.ValKey.Password)
	mask(&c.ValKey.SecretRef.MTLS.CertKey)
	mask(&c.ValKey.SecretRef.APIToken)

	if cfg.Backend.ClientAuth.MTLS != nil {
		mtls := *cfg.Backend.ClientAuth.MTLS
		mask(&mtls.CertKey)
		c.Backend.ClientAuth.MTLS = &mtls
	}

	return &c
}
