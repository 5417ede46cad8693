//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/goccy/go-yaml"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-client/internal/config"
	"github.com/openkcm/session-client/internal/dbtest/postgrestest"
	"github.com/openkcm/session-client/internal/dbtest/valkeytest"
	"github.com/openkcm/session-client/internal/gateway"
	"github.com/openkcm/session-client/internal/token/tokentest"
)

type closeFunc func(ctx context.Context)

type infraStat struct {
	PostgresPort   nat.Port
	ValKeyPort     nat.Port
	Backend        *fakePocketBase
	ConfigFilePath string
	Procdir        string
	Cfg            config.Config

	closeFuncs []closeFunc
}

func initInfra(t *testing.T, name string) (istat infraStat) {
	t.Helper()

	// The binary reads $PWD/config.yaml, so each test runs it in its own
	// subdirectory.
	wd, err := os.Getwd()
	require.NoError(t, err, "failed to get wd")
	istat.Procdir = filepath.Join(wd, name+"-test")
	istat.ConfigFilePath = filepath.Join(istat.Procdir, "config.yaml")

	err = os.MkdirAll(istat.Procdir, fs.ModePerm)
	require.NoError(t, err, "failed to create a dir for the process")

	err = os.WriteFile(istat.ConfigFilePath, []byte(validConfig), fs.ModePerm)
	require.NoError(t, err, "failed to write config file")

	err = commoncfg.LoadConfig(&istat.Cfg, nil, istat.Procdir)
	require.NoError(t, err, "failed to load config")

	istat.Cfg.Storage.File = filepath.Join(istat.Procdir, "tokens.json")

	return istat
}

func (istat *infraStat) PreparePostgres(t *testing.T) {
	t.Helper()

	pgClient, pgPort, pgTerminate := postgrestest.Start(t.Context())
	pgClient.Close()

	istat.PostgresPort = pgPort
	istat.closeFuncs = append(istat.closeFuncs, pgTerminate)

	istat.Cfg.Database.Name = postgrestest.DBName
	istat.Cfg.Database.User = commoncfg.SourceRef{Source: "embedded", Value: postgrestest.DBUser}
	istat.Cfg.Database.Password = commoncfg.SourceRef{Source: "embedded", Value: postgrestest.DBPassword}
	istat.Cfg.Database.Host = commoncfg.SourceRef{Source: "embedded", Value: postgrestest.DBHost}
	istat.Cfg.Database.Port = pgPort.Port()
}

func (istat *infraStat) PrepareValKey(t *testing.T) {
	t.Helper()

	vkClient, vkPort, vkTerminate := valkeytest.Start(t.Context())
	vkClient.Close()

	istat.ValKeyPort = vkPort
	istat.closeFuncs = append(istat.closeFuncs, vkTerminate)

	istat.Cfg.ValKey.Host = commoncfg.SourceRef{Source: "embedded", Value: net.JoinHostPort("localhost", vkPort.Port())}
	istat.Cfg.ValKey.User = commoncfg.SourceRef{Source: "embedded", Value: ""}
	istat.Cfg.ValKey.Password = commoncfg.SourceRef{Source: "embedded", Value: ""}
}

// PrepareBackend starts a PocketBase fake and points the client at it.
func (istat *infraStat) PrepareBackend(t *testing.T, tokenTTL time.Duration) {
	t.Helper()

	istat.Backend = &fakePocketBase{t: t, password: "secret", tokenTTL: tokenTTL}
	srv := httptest.NewServer(istat.Backend)
	istat.closeFuncs = append(istat.closeFuncs, func(context.Context) { srv.Close() })

	istat.Cfg.Backend.BaseURL = srv.URL
}

// PrepareConfig writes a config file for running the test into the ConfigFilePath.
func (istat *infraStat) PrepareConfig(t *testing.T) {
	t.Helper()

	data, err := yaml.Marshal(istat.Cfg)
	require.NoError(t, err, "failed to encode config")

	err = os.WriteFile(istat.ConfigFilePath, data, fs.ModePerm)
	require.NoError(t, err, "failed to write config")
}

// Run executes the binary in the process directory and returns its stdout.
func (istat *infraStat) Run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	wd, err := os.Getwd()
	require.NoError(t, err, "failed to get wd")

	cmd := exec.CommandContext(t.Context(), filepath.Join(wd, binary), args...)
	cmd.Dir = istat.Procdir
	cmd.Stdin = strings.NewReader(stdin)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if err != nil {
		t.Logf("%s stderr: %s", args[0], stderr.String())
	}

	return stdout.String(), err
}

func (istat *infraStat) Close(ctx context.Context) {
	os.RemoveAll(istat.Procdir)

	for _, close := range istat.closeFuncs {
		close(ctx)
	}
}

const userRecord = `{"id":"u1","email":"ada@example.com","verified":true,"firstName":"Ada","lastName":"Lovelace","plan":"free","planStatus":"active"}`

type fakePocketBase struct {
	t        *testing.T
	password string
	tokenTTL time.Duration

	mu           sync.Mutex
	token        string
	refreshCount int
}

func (p *fakePocketBase) Refreshes() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.refreshCount
}

func (p *fakePocketBase) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	authorized := p.token != "" && r.Header.Get("Authorization") == "Bearer "+p.token

	switch {
	case r.URL.Path == gateway.PathAuthWithPassword:
		var req struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password != p.password {
			writeJSON(w, http.StatusBadRequest, `{"code":400,"message":"Failed to authenticate.","data":{}}`)
			return
		}
		p.token = tokentest.Sign(p.t, "u1", time.Now().Add(p.tokenTTL))
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"token":%q,"record":%s}`, p.token, userRecord))

	case r.URL.Path == gateway.PathAuthRefresh:
		p.refreshCount++
		if !authorized {
			writeJSON(w, http.StatusUnauthorized, `{"code":401,"message":"Unauthorized.","data":{}}`)
			return
		}
		p.token = tokentest.Sign(p.t, "u1", time.Now().Add(time.Hour))
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"token":%q,"record":%s}`, p.token, userRecord))

	case strings.HasPrefix(r.URL.Path, gateway.PathUserRecords+"/"):
		if !authorized {
			writeJSON(w, http.StatusUnauthorized, `{"code":401,"message":"Unauthorized.","data":{}}`)
			return
		}
		writeJSON(w, http.StatusOK, userRecord)

	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
