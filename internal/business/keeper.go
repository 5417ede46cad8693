package business

import (
	"context"
	"fmt"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-client/internal/apierr"
	"github.com/openkcm/session-client/internal/config"
)

// KeeperMain keeps the stored session fresh until ctx is cancelled.
func KeeperMain(ctx context.Context, cfg *config.Config) error {
	client, closeFn, err := initClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialise the client: %w", err)
	}
	defer closeFn()

	slogctx.Info(ctx, "Starting token keeper", "interval", cfg.Keeper.RefreshInterval)

	return startTokenKeeper(ctx, client, cfg.Keeper.RefreshInterval, cfg.Session.RefreshThreshold)
}

func startTokenKeeper(ctx context.Context, client *Client, interval, threshold time.Duration) error {
	c := time.Tick(interval)
	for {
		keepAlive(ctx, client, threshold)

		select {
		case <-c:
			continue
		case <-ctx.Done():
			return nil
		}
	}
}

// keepAlive refreshes the session once it is close to expiry. The session
// is re-read from storage first since other processes may share it.
func keepAlive(ctx context.Context, client *Client, threshold time.Duration) {
	client.Tokens.Init(ctx)

	session := client.Tokens.Get()
	if !session.IsAuthenticated {
		slogctx.Debug(ctx, "No session to keep alive")
		return
	}
	if !client.Tokens.ExpiringWithin(threshold) {
		return
	}

	slogctx.Info(ctx, "Triggering token refresh", "expires_at", session.ExpiresAt)
	_, err := client.Auth.Coordinator().Refresh(ctx, session.AccessToken)
	if err == nil {
		return
	}

	// A rejected token only ends the session once it has expired.
	if apierr.IsAuthFailure(err) && client.Tokens.IsExpired() {
		slogctx.Warn(ctx, "Expired token was rejected, logging out", "error", err)
		client.Tokens.Logout(ctx)
		return
	}

	if apierr.IsNetwork(err) {
		slogctx.Warn(ctx, "Backend unreachable, token refresh postponed", "error", err)
		return
	}

	slogctx.Error(ctx, "Failed to refresh token", "error", err)
}
