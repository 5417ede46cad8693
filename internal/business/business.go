package business

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-client/internal/config"
	"github.com/openkcm/session-client/internal/pocketbase"
	"github.com/openkcm/session-client/internal/profile"
	"github.com/openkcm/session-client/internal/serviceerr"
	"github.com/openkcm/session-client/internal/storage"
	storagefile "github.com/openkcm/session-client/internal/storage/file"
	storagememory "github.com/openkcm/session-client/internal/storage/memory"
	storagesql "github.com/openkcm/session-client/internal/storage/sql"
	storagevalkey "github.com/openkcm/session-client/internal/storage/valkey"
	"github.com/openkcm/session-client/internal/token"
)

// Client is one signed-in user's session with everything wired around it.
type Client struct {
	Tokens   *token.Store
	Profiles *profile.Store
	Auth     *pocketbase.Service
}

// initClient builds the client from configuration and restores the
// persisted session.
func initClient(ctx context.Context, cfg *config.Config) (_ *Client, closeFn func(), _ error) {
	kv, closeFn, err := kvFromConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("initialising token storage: %w", err)
	}

	httpClient, err := loadHTTPClient(cfg)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("loading http client: %w", err)
	}

	tokens := token.NewStore(storage.NewAdapter(kv))
	profiles := profile.NewStore()

	auth := pocketbase.NewService(cfg.Backend.BaseURL, tokens, profiles,
		pocketbase.WithHTTPClient(httpClient),
		pocketbase.WithRequestTimeout(cfg.Backend.RequestTimeout),
		pocketbase.WithRefreshThreshold(cfg.Session.RefreshThreshold),
		pocketbase.WithDefaultTokenLifetime(cfg.Session.DefaultTokenLifetime),
	)

	tokens.Init(ctx)

	return &Client{
		Tokens:   tokens,
		Profiles: profiles,
		Auth:     auth,
	}, closeFn, nil
}

func kvFromConfig(ctx context.Context, cfg *config.Config) (storage.KV, func(), error) {
	switch cfg.Storage.Type {
	case config.StorageMemory:
		return storagememory.NewStore(), func() {}, nil
	case config.StorageFile, "":
		return storagefile.NewStore(cfg.Storage.File), func() {}, nil
	case config.StorageValKey:
		client, err := valkeyClientFromConfig(cfg)
		if err != nil {
			return nil, nil, err
		}
		return storagevalkey.NewStore(client, cfg.ValKey.Prefix), client.Close, nil
	case config.StoragePostgres:
		pool, err := pgPoolFromConfig(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return storagesql.NewStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", serviceerr.ErrUnknownStorage, cfg.Storage.Type)
	}
}

func valkeyClientFromConfig(cfg *config.Config) (valkey.Client, error) {
	valkeyHost, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to load valkey host: %w", err)
	}

	valkeyUsername, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.User)
	if err != nil {
		return nil, fmt.Errorf("failed to load valkey username: %w", err)
	}

	valkeyPassword, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to load valkey password: %w", err)
	}

	valkeyOpts := valkey.ClientOption{
		InitAddress: []string{string(valkeyHost)},
		Username:    string(valkeyUsername),
		Password:    string(valkeyPassword),
	}

	if cfg.ValKey.SecretRef.Type == commoncfg.MTLSSecretType {
		tlsConfig, err := commoncfg.LoadMTLSConfig(&cfg.ValKey.SecretRef.MTLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load valkey mTLS config from secret ref: %w", err)
		}

		valkeyOpts.TLSConfig = tlsConfig
	}

	valkeyClient, err := valkey.NewClient(valkeyOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new valkey client: %w", err)
	}

	return valkeyClient, nil
}

func pgPoolFromConfig(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	connStr, err := config.MakeConnStr(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to make dsn from config: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing pgxpool config: %w", err)
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("initialising pgxpool connection: %w", err)
	}

	if err := otelpgx.RecordStats(pool); err != nil {
		slogctx.Warn(ctx, "Could not record pgxpool stats", "error", err)
	}

	return pool, nil
}

func loadHTTPClient(cfg *config.Config) (*http.Client, error) {
	switch cfg.Backend.ClientAuth.Type {
	case config.ClientAuthMTLS:
		if cfg.Backend.ClientAuth.MTLS == nil {
			return nil, errors.New("failed to load mTLS config: no certificates configured")
		}

		tlsConfig, err := commoncfg.LoadMTLSConfig(cfg.Backend.ClientAuth.MTLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load mTLS config: %w", err)
		}

		return &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
		}, nil
	case config.ClientAuthNone, "":
		return http.DefaultClient, nil
	default:
		return nil, fmt.Errorf("unknown client auth type %q", cfg.Backend.ClientAuth.Type)
	}
}
