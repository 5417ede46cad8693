// Package gateway issues authenticated requests against the PocketBase API.
// It refreshes the access token proactively shortly before it expires and
// reactively after a 401, retrying the original request once.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-client/internal/apierr"
	"github.com/openkcm/session-client/internal/refresh"
	"github.com/openkcm/session-client/internal/token"
)

const (
	DefaultTimeout          = 30 * time.Second
	DefaultRefreshThreshold = 5 * time.Minute
)

// Request describes one API call. Endpoint is relative to the base URL,
// e.g. "/api/collections/users/records/abc".
type Request struct {
	Method   string
	Endpoint string
	// Body is encoded as JSON when not nil.
	Body   any
	Header http.Header
	// Timeout overrides the gateway default for this call.
	Timeout time.Duration
	// Token is sent instead of the stored token and disables refresh.
	Token string
	// SkipRefresh disables both proactive and reactive refresh.
	SkipRefresh bool
}

type Gateway struct {
	baseURL     string
	client      *http.Client
	tokens      *token.Store
	coordinator *refresh.Coordinator
	timeout     time.Duration
	threshold   time.Duration
	tracer      trace.Tracer
}

type Option func(*Gateway)

func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithRefreshThreshold sets how long before expiry a token is refreshed
// proactively.
func WithRefreshThreshold(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.threshold = d
		}
	}
}

// New returns a Gateway. A nil coordinator disables token refresh.
func New(baseURL string, client *http.Client, tokens *token.Store, coordinator *refresh.Coordinator, opts ...Option) *Gateway {
	if client == nil {
		client = http.DefaultClient
	}

	g := &Gateway{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      client,
		tokens:      tokens,
		coordinator: coordinator,
		timeout:     DefaultTimeout,
		threshold:   DefaultRefreshThreshold,
		tracer:      otel.Tracer("session-client/gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Call performs the request and decodes a successful response into T.
func Call[T any](ctx context.Context, g *Gateway, req Request) (T, error) {
	var out T
	err := g.Do(ctx, req, &out)

	return out, err
}

// Do performs the request and decodes a successful JSON response into out.
// out may be nil when the body is not needed. Failures are *apierr.NetworkError
// or *apierr.APIError.
func (g *Gateway) Do(ctx context.Context, req Request, out any) error {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	ctx = slogctx.With(ctx, "request_id", uuid.NewString(), "method", req.Method, "endpoint", req.Endpoint)
	ctx, span := g.tracer.Start(ctx, req.Method+" "+req.Endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.Endpoint),
		),
	)
	defer span.End()

	err := g.do(ctx, req, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

func (g *Gateway) do(ctx context.Context, req Request, out any) error {
	managed := g.coordinator != nil && !req.SkipRefresh && req.Token == "" && !isExempt(req.Method, req.Endpoint)

	accessToken := req.Token
	if accessToken == "" {
		accessToken = g.tokens.AccessToken()
	}

	switch {
	case !managed || accessToken == "":
	case g.tokens.ExpiringWithin(g.threshold):
		accessToken = g.proactiveRefresh(ctx, accessToken)
	case g.coordinator.InFlight():
		accessToken = g.awaitRefresh(ctx, accessToken)
	}

	resp, err := g.send(ctx, req, accessToken)
	if err != nil {
		return err
	}

	if resp.status == http.StatusUnauthorized && managed && accessToken != "" {
		resp, err = g.retryAfterRefresh(ctx, req, accessToken)
		if err != nil {
			return err
		}
	}

	if resp.status < 200 || resp.status > 299 {
		return apierr.FromResponse(resp.status, resp.statusText, resp.body)
	}

	return decode(resp.body, out)
}

// proactiveRefresh returns a refreshed token or, on any failure, the token
// the caller already holds. The session stays intact.
func (g *Gateway) proactiveRefresh(ctx context.Context, accessToken string) string {
	newToken, err := g.coordinator.Refresh(ctx, accessToken)
	if err != nil {
		slogctx.Warn(ctx, "Proactive token refresh failed, using current token", "error", err)
		return accessToken
	}

	return newToken
}

// awaitRefresh waits for a refresh another request started so the token it
// is about to replace is not sent. Failures fall back to accessToken.
func (g *Gateway) awaitRefresh(ctx context.Context, accessToken string) string {
	slogctx.Debug(ctx, "Waiting for in-flight token refresh")

	newToken, err := g.coordinator.Await(ctx)
	if err != nil || newToken == "" {
		slogctx.Debug(ctx, "In-flight token refresh failed, using current token", "error", err)
		return accessToken
	}

	return newToken
}

// retryAfterRefresh refreshes a token the backend rejected and replays the
// request exactly once.
func (g *Gateway) retryAfterRefresh(ctx context.Context, req Request, rejected string) (*response, error) {
	slogctx.Debug(ctx, "Request unauthorized, refreshing token")

	newToken, err := g.coordinator.Refresh(ctx, rejected)
	if err != nil {
		if apierr.IsAuthFailure(err) {
			slogctx.Info(ctx, "Token refresh rejected, logging out", "error", err)
			g.tokens.Logout(ctx)
		}
		return nil, err
	}

	resp, err := g.send(ctx, req, newToken)
	if err != nil {
		return nil, err
	}

	if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
		slogctx.Info(ctx, "Request still unauthorized after refresh, logging out", "status", resp.status)
		g.tokens.Logout(ctx)
	}

	return resp, nil
}

type response struct {
	status     int
	statusText string
	body       []byte
}

// send performs a single HTTP round trip. The whole body is read before the
// per-request deadline is released.
func (g *Gateway) send(ctx context.Context, req Request, accessToken string) (*response, error) {
	timeout := g.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, g.baseURL+req.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, apierr.Classify(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Classify(err)
	}

	slogctx.Debug(ctx, "Backend responded", "status", resp.StatusCode)

	return &response{
		status:     resp.StatusCode,
		statusText: statusText(resp),
		body:       data,
	}, nil
}

// statusText strips the numeric prefix from resp.Status.
func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode)))
	if text == "" {
		return http.StatusText(resp.StatusCode)
	}

	return text
}

func decode(body []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	if err := json.Unmarshal(body, out); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return fmt.Errorf("decoding response body at offset %d: %w", syntaxErr.Offset, err)
		}
		return fmt.Errorf("decoding response body: %w", err)
	}

	return nil
}
