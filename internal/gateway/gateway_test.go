package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-client/internal/apierr"
	"github.com/openkcm/session-client/internal/gateway"
	"github.com/openkcm/session-client/internal/refresh"
	"github.com/openkcm/session-client/internal/storage"
	storagememory "github.com/openkcm/session-client/internal/storage/memory"
	"github.com/openkcm/session-client/internal/token"
)

// fakeBackend is a minimal PocketBase stand-in. Records require one of the
// valid tokens; auth-refresh rotates the token.
type fakeBackend struct {
	mu           sync.Mutex
	valid        map[string]bool
	seen         []string
	refreshCalls atomic.Int32
	recordCalls  atomic.Int32

	refreshDelay  time.Duration
	refreshGate   chan struct{}
	refreshStatus int
	refreshDrop   bool
	recordStatus  int
	recordBody    string
	recordDelay   time.Duration
}

func newFakeBackend(validTokens ...string) *fakeBackend {
	f := &fakeBackend{valid: map[string]bool{}}
	for _, tok := range validTokens {
		f.valid[tok] = true
	}

	return f
}

func (f *fakeBackend) bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == gateway.PathAuthRefresh:
		f.refresh(w, r)
	case r.URL.Path == gateway.PathAuthWithPassword:
		writeJSON(w, http.StatusUnauthorized, `{"code":400,"message":"Failed to authenticate.","data":{}}`)
	case strings.HasPrefix(r.URL.Path, gateway.PathUserRecords+"/"):
		f.record(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeBackend) refresh(w http.ResponseWriter, r *http.Request) {
	n := f.refreshCalls.Add(1)
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	if f.refreshGate != nil {
		<-f.refreshGate
	}

	if f.refreshDrop {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if f.refreshStatus != 0 {
		writeJSON(w, f.refreshStatus, `{"code":401,"message":"The request requires valid record authorization token.","data":{}}`)
		return
	}

	newToken := fmt.Sprintf("refreshed-%d", n)
	f.mu.Lock()
	delete(f.valid, f.bearer(r))
	f.valid[newToken] = true
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, fmt.Sprintf(`{"token":%q,"record":{"id":"u1"}}`, newToken))
}

func (f *fakeBackend) record(w http.ResponseWriter, r *http.Request) {
	f.recordCalls.Add(1)
	if f.recordDelay > 0 {
		select {
		case <-time.After(f.recordDelay):
		case <-r.Context().Done():
			return
		}
	}

	tok := f.bearer(r)
	f.mu.Lock()
	f.seen = append(f.seen, tok)
	ok := f.valid[tok]
	f.mu.Unlock()

	if f.recordStatus != 0 {
		writeJSON(w, f.recordStatus, f.recordBody)
		return
	}
	if !ok {
		writeJSON(w, http.StatusUnauthorized, `{"code":401,"message":"The request requires valid record authorization token.","data":{}}`)
		return
	}

	writeJSON(w, http.StatusOK, `{"id":"u1","email":"ada@example.com","verified":true,"tags":["a","b"]}`)
}

func (f *fakeBackend) seenTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.seen...)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

type fixture struct {
	backend     *fakeBackend
	kv          *storagememory.Store
	tokens      *token.Store
	coordinator *refresh.Coordinator
	gw          *gateway.Gateway
}

func newFixture(t *testing.T, backend *fakeBackend, accessToken string, expiresIn time.Duration) *fixture {
	t.Helper()

	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	kv := storagememory.NewStore()
	tokens := token.NewStore(storage.NewAdapter(kv))
	if accessToken != "" {
		tokens.SetTokens(t.Context(), accessToken, expiresIn)
	}

	var gw *gateway.Gateway
	refresher := refresh.RefresherFunc(func(ctx context.Context, tok string) (string, error) {
		var resp struct {
			Token string `json:"token"`
		}
		err := gw.Do(ctx, gateway.Request{
			Method:   http.MethodPost,
			Endpoint: gateway.PathAuthRefresh,
			Token:    tok,
		}, &resp)

		return resp.Token, err
	})
	coordinator := refresh.NewCoordinator(tokens, refresher)
	gw = gateway.New(srv.URL, srv.Client(), tokens, coordinator)

	return &fixture{backend: backend, kv: kv, tokens: tokens, coordinator: coordinator, gw: gw}
}

type user struct {
	ID       string   `json:"id"`
	Email    string   `json:"email"`
	Verified bool     `json:"verified"`
	Tags     []string `json:"tags"`
}

func getUser(ctx context.Context, gw *gateway.Gateway) (user, error) {
	return gateway.Call[user](ctx, gw, gateway.Request{Endpoint: gateway.PathUserRecords + "/u1"})
}

func TestGateway_ConcurrentStaleRequestsRefreshOnce(t *testing.T) {
	const callers = 10

	backend := newFakeBackend("old")
	backend.refreshDelay = 50 * time.Millisecond
	f := newFixture(t, backend, "old", time.Minute)

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := getUser(t.Context(), f.gw)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), backend.refreshCalls.Load())
	seen := backend.seenTokens()
	assert.Len(t, seen, callers)
	for _, tok := range seen {
		assert.Equal(t, "refreshed-1", tok)
	}
	assert.Equal(t, "refreshed-1", f.tokens.AccessToken())
}

func TestGateway_ProactiveFailureKeepsSession(t *testing.T) {
	backend := newFakeBackend("old")
	backend.refreshStatus = http.StatusUnauthorized
	f := newFixture(t, backend, "old", time.Minute)

	got, err := getUser(t.Context(), f.gw)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)

	assert.Equal(t, int32(1), backend.refreshCalls.Load())
	assert.Equal(t, []string{"old"}, backend.seenTokens())
	assert.True(t, f.tokens.Get().IsAuthenticated)
	assert.Equal(t, "old", f.tokens.AccessToken())
}

func TestGateway_ReactiveRefresh(t *testing.T) {
	tests := []struct {
		name          string
		refreshStatus int
		refreshDrop   bool
		wantErr       assert.ErrorAssertionFunc
		wantNetwork   bool
		wantToken     string
		wantAuth      bool
	}{
		{
			name:      "refresh succeeds and request is replayed",
			wantErr:   assert.NoError,
			wantToken: "refreshed-1",
			wantAuth:  true,
		},
		{
			name:          "refresh rejected logs out",
			refreshStatus: http.StatusUnauthorized,
			wantErr:       assert.Error,
			wantAuth:      false,
		},
		{
			name:          "refresh forbidden logs out",
			refreshStatus: http.StatusForbidden,
			wantErr:       assert.Error,
			wantAuth:      false,
		},
		{
			name:          "refresh server error keeps session",
			refreshStatus: http.StatusInternalServerError,
			wantErr:       assert.Error,
			wantToken:     "revoked",
			wantAuth:      true,
		},
		{
			name:        "refresh network failure keeps session",
			refreshDrop: true,
			wantErr:     assert.Error,
			wantNetwork: true,
			wantToken:   "revoked",
			wantAuth:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// the backend no longer accepts the stored token
			backend := newFakeBackend()
			backend.refreshStatus = tt.refreshStatus
			backend.refreshDrop = tt.refreshDrop
			f := newFixture(t, backend, "revoked", time.Hour)

			_, err := getUser(t.Context(), f.gw)
			tt.wantErr(t, err)
			assert.Equal(t, tt.wantNetwork, apierr.IsNetwork(err))

			assert.Equal(t, int32(1), backend.refreshCalls.Load())
			assert.Equal(t, tt.wantAuth, f.tokens.Get().IsAuthenticated)
			assert.Equal(t, tt.wantToken, f.tokens.AccessToken())

			if !tt.wantAuth {
				assert.True(t, apierr.IsAuthFailure(err))
				_, kvErr := f.kv.Get(t.Context(), storage.KeyAccessToken)
				assert.ErrorIs(t, kvErr, storage.ErrNotFound)
			}
		})
	}
}

func TestGateway_WaitsForInFlightRefresh(t *testing.T) {
	backend := newFakeBackend()
	backend.refreshGate = make(chan struct{})
	f := newFixture(t, backend, "revoked", time.Hour)

	first := make(chan error, 1)
	go func() {
		_, err := getUser(t.Context(), f.gw)
		first <- err
	}()
	require.Eventually(t, f.coordinator.InFlight, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := getUser(t.Context(), f.gw)
		second <- err
	}()
	// Give the second request time to read the token that is being replaced.
	time.Sleep(50 * time.Millisecond)
	close(backend.refreshGate)

	require.NoError(t, <-first)
	require.NoError(t, <-second)

	assert.Equal(t, int32(1), backend.refreshCalls.Load())
	assert.Equal(t, []string{"revoked", "refreshed-1", "refreshed-1"}, backend.seenTokens())
}

func TestGateway_SecondUnauthorizedIsNotRetried(t *testing.T) {
	backend := newFakeBackend("old")
	backend.recordStatus = http.StatusUnauthorized
	backend.recordBody = `{"code":401,"message":"Unauthorized.","data":{}}`
	f := newFixture(t, backend, "old", time.Hour)

	_, err := getUser(t.Context(), f.gw)

	var apiErr *apierr.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, int32(1), backend.refreshCalls.Load())
	assert.Equal(t, int32(2), backend.recordCalls.Load())
	assert.False(t, f.tokens.Get().IsAuthenticated)
}

func TestGateway_ErrorBodies(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   *apierr.APIError
	}{
		{
			name:   "field error wins",
			status: http.StatusBadRequest,
			body:   `{"code":400,"message":"Validation","data":{"email":{"code":"invalid","message":"bad email"}}}`,
			want:   &apierr.APIError{Status: 400, Code: "invalid", Message: "bad email"},
		},
		{
			name:   "top level message",
			status: http.StatusNotFound,
			body:   `{"code":404,"message":"The requested resource wasn't found.","data":{}}`,
			want:   &apierr.APIError{Status: 404, Code: apierr.CodeUnknown, Message: "The requested resource wasn't found."},
		},
		{
			name:   "undecodable body",
			status: http.StatusBadGateway,
			body:   `<html>bad gateway</html>`,
			want:   &apierr.APIError{Status: 502, Code: apierr.CodeUnknown, Message: "Bad Gateway"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend("tok")
			backend.recordStatus = tt.status
			backend.recordBody = tt.body
			f := newFixture(t, backend, "tok", time.Hour)

			_, err := getUser(t.Context(), f.gw)

			var apiErr *apierr.APIError
			require.ErrorAs(t, err, &apiErr)
			if diff := cmp.Diff(tt.want, apiErr, cmpopts.IgnoreFields(apierr.APIError{}, "Body")); diff != "" {
				t.Errorf("error mismatch (-want +got):\n%s", diff)
			}
			assert.Zero(t, backend.refreshCalls.Load())
		})
	}
}

func TestGateway_DecodesBody(t *testing.T) {
	backend := newFakeBackend("tok")
	f := newFixture(t, backend, "tok", time.Hour)

	got, err := getUser(t.Context(), f.gw)
	require.NoError(t, err)

	want := user{ID: "u1", Email: "ada@example.com", Verified: true, Tags: []string{"a", "b"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("user mismatch (-want +got):\n%s", diff)
	}

	raw, err := gateway.Call[json.RawMessage](t.Context(), f.gw, gateway.Request{Endpoint: gateway.PathUserRecords + "/u1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"u1","email":"ada@example.com","verified":true,"tags":["a","b"]}`, string(raw))
}

func TestGateway_ExemptEndpointsNeverRefresh(t *testing.T) {
	backend := newFakeBackend("tok")
	f := newFixture(t, backend, "tok", time.Minute)

	err := f.gw.Do(t.Context(), gateway.Request{
		Method:   http.MethodPost,
		Endpoint: gateway.PathAuthWithPassword,
		Body:     map[string]string{"identity": "ada@example.com", "password": "wrong"},
	}, nil)

	var apiErr *apierr.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "Failed to authenticate.", apiErr.Message)
	assert.Zero(t, backend.refreshCalls.Load())
	assert.True(t, f.tokens.Get().IsAuthenticated)
}

func TestGateway_Timeout(t *testing.T) {
	backend := newFakeBackend("tok")
	backend.recordDelay = time.Second
	f := newFixture(t, backend, "tok", time.Hour)

	err := f.gw.Do(t.Context(), gateway.Request{
		Endpoint: gateway.PathUserRecords + "/u1",
		Timeout:  20 * time.Millisecond,
	}, nil)

	var netErr *apierr.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout)
	assert.True(t, f.tokens.Get().IsAuthenticated)
}

func TestGateway_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tokens := token.NewStore(storage.NewAdapter(storagememory.NewStore()))
	gw := gateway.New(url, nil, tokens, nil)

	err := gw.Do(t.Context(), gateway.Request{Endpoint: "/api/health"}, nil)

	var netErr *apierr.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.False(t, netErr.Timeout)
}
