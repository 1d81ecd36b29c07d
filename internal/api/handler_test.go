package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rmachado/aoai-gateway/internal/auth"
	"github.com/rmachado/aoai-gateway/internal/domain"
	"github.com/rmachado/aoai-gateway/internal/quota"
	"github.com/rmachado/aoai-gateway/internal/ratelimit"
	"github.com/rmachado/aoai-gateway/internal/repository"
	"github.com/rmachado/aoai-gateway/internal/rewrite"
	"github.com/rmachado/aoai-gateway/internal/upstream"
	"github.com/rmachado/aoai-gateway/internal/usage"
)

const testClientKey = "test-client-key"

type capturedRequest struct {
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// fakeUpstream records every request and replays scripted responses.
type fakeUpstream struct {
	mu        sync.Mutex
	requests  []capturedRequest
	responses []scriptedResponse
}

type scriptedResponse struct {
	status int
	body   string
	header map[string]string
}

func (f *fakeUpstream) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := new(bytes.Buffer)
		body.ReadFrom(r.Body)

		f.mu.Lock()
		f.requests = append(f.requests, capturedRequest{
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
			Header:   r.Header.Clone(),
			Body:     body.Bytes(),
		})

		resp := scriptedResponse{status: http.StatusOK, body: `{}`}
		if len(f.responses) > 0 {
			resp = f.responses[0]
			if len(f.responses) > 1 {
				f.responses = f.responses[1:]
			}
		}
		f.mu.Unlock()

		for k, v := range resp.header {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		w.Write([]byte(resp.body))
	}
}

func (f *fakeUpstream) calls() []capturedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]capturedRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

type staticTokens struct{}

func (staticTokens) GetToken(ctx context.Context, scope string) (string, error) {
	return "test-token", nil
}

type testHandlerOptions struct {
	clientKeys  []string
	rateLimit   int
	quotaCalls  int
	adminHash   string
	usageStore  repository.UsageStore
	retryPolicy upstream.RetryPolicy
}

func newTestHandler(t *testing.T, fake *fakeUpstream, opts testHandlerOptions) *Handler {
	t.Helper()

	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	if opts.clientKeys == nil {
		opts.clientKeys = []string{testClientKey}
	}
	if opts.rateLimit == 0 {
		opts.rateLimit = 100
	}
	if opts.quotaCalls == 0 {
		opts.quotaCalls = 1000
	}
	if opts.retryPolicy.MaxAttempts == 0 {
		opts.retryPolicy = upstream.RetryPolicy{
			MaxAttempts: 3,
			Interval:    time.Millisecond,
			Delta:       time.Millisecond,
			MaxInterval: 5 * time.Millisecond,
		}
	}

	var sinks []usage.Sink
	if sink, ok := opts.usageStore.(usage.Sink); ok && opts.usageStore != nil {
		sinks = append(sinks, sink)
	}

	var admin *auth.AdminVerifier
	if opts.adminHash != "" {
		admin = auth.NewAdminVerifier(opts.adminHash)
	}

	return NewHandler(HandlerConfig{
		Clients:  auth.NewClientVerifier(opts.clientKeys),
		Admin:    admin,
		Limiter:  ratelimit.NewFixedWindow(opts.rateLimit, time.Minute),
		Quota:    quota.NewFixedWindow(quota.Limits{Calls: opts.quotaCalls, Bytes: 1 << 20, Window: 5 * time.Minute}, quota.DefaultThresholds()),
		Rewriter: rewrite.New(rewrite.Config{APIVersion: "2024-08-01-preview", ChatDeployment: "gpt-4o", EmbeddingDeployment: "text-embedding-3-small"}),
		Tokens:   staticTokens{},
		Upstream: upstream.New(upstream.Config{
			Endpoint: srv.URL,
			Policy:   opts.retryPolicy,
			Client:   srv.Client(),
		}),
		Meter:      usage.NewMeter(sinks...),
		UsageStore: opts.usageStore,
	})
}

func doRequest(h *Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func envelopeCode(t *testing.T, body []byte) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("response is not an error envelope: %v: %s", err, body)
	}
	return payload.Error.Code
}

func TestProxySuccess(t *testing.T) {
	fake := &fakeUpstream{responses: []scriptedResponse{{
		status: http.StatusOK,
		body:   `{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":34,"total_tokens":46}}`,
	}}}
	h := newTestHandler(t, fake, testHandlerOptions{})

	rec := doRequest(h, http.MethodPost, "/chat/completions", `{"messages":[]}`, map[string]string{
		auth.HeaderAPIKey: testClientKey,
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(usage.HeaderPromptTokens); got != "12" {
		t.Errorf("prompt tokens header = %q, want 12", got)
	}
	if got := rec.Header().Get(usage.HeaderTotalTokens); got != "46" {
		t.Errorf("total tokens header = %q, want 46", got)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}
	if !strings.Contains(rec.Body.String(), `"usage"`) {
		t.Errorf("body not passed through: %s", rec.Body.String())
	}

	calls := fake.calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 upstream call, got %d", len(calls))
	}
	if calls[0].Path != "/deployments/gpt-4o/chat/completions" {
		t.Errorf("upstream path = %q", calls[0].Path)
	}
	if !strings.Contains(calls[0].RawQuery, "api-version=2024-08-01-preview") {
		t.Errorf("upstream query = %q", calls[0].RawQuery)
	}
	if got := calls[0].Header.Get("Authorization"); got != "Bearer test-token" {
		t.Errorf("upstream authorization = %q", got)
	}
}

func TestCredentialStripping(t *testing.T) {
	fake := &fakeUpstream{}
	h := newTestHandler(t, fake, testHandlerOptions{})

	doRequest(h, http.MethodPost, "/chat/completions", `{}`, map[string]string{
		auth.HeaderAPIKey: testClientKey,
	})

	calls := fake.calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 upstream call, got %d", len(calls))
	}
	if got := calls[0].Header.Get(auth.HeaderAPIKey); got != "" {
		t.Errorf("client api-key leaked upstream: %q", got)
	}
	if got := calls[0].Header.Get("Authorization"); got == "Bearer "+testClientKey {
		t.Error("client bearer token leaked upstream")
	}
}

func TestBearerAndAPIKeyEquivalent(t *testing.T) {
	for _, tc := range []struct {
		name    string
		headers map[string]string
	}{
		{"api-key", map[string]string{auth.HeaderAPIKey: testClientKey}},
		{"bearer", map[string]string{"Authorization": "Bearer " + testClientKey}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeUpstream{}
			h := newTestHandler(t, fake, testHandlerOptions{})

			rec := doRequest(h, http.MethodPost, "/chat/completions", `{}`, tc.headers)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
		})
	}
}

func TestUnauthorizedBeforeUpstream(t *testing.T) {
	fake := &fakeUpstream{}
	h := newTestHandler(t, fake, testHandlerOptions{})

	for _, tc := range []struct {
		name    string
		headers map[string]string
	}{
		{"no key", nil},
		{"wrong key", map[string]string{auth.HeaderAPIKey: "wrong"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(h, http.MethodPost, "/chat/completions", `{}`, tc.headers)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if code := envelopeCode(t, rec.Body.Bytes()); code != CodeUnauthorized {
				t.Errorf("envelope code = %q", code)
			}
		})
	}

	if n := len(fake.calls()); n != 0 {
		t.Errorf("unauthenticated requests reached upstream %d times", n)
	}
}

func TestExplicitDeploymentAddressing(t *testing.T) {
	fake := &fakeUpstream{}
	h := newTestHandler(t, fake, testHandlerOptions{})

	rec := doRequest(h, http.MethodPost, "/deployments/my-custom-deploy/embeddings", `{"input":"hi"}`, map[string]string{
		auth.HeaderAPIKey: testClientKey,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	calls := fake.calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 upstream call, got %d", len(calls))
	}
	if calls[0].Path != "/deployments/my-custom-deploy/embeddings" {
		t.Errorf("upstream path = %q", calls[0].Path)
	}
}

func TestInferredDeploymentFromModel(t *testing.T) {
	fake := &fakeUpstream{}
	h := newTestHandler(t, fake, testHandlerOptions{})

	doRequest(h, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4o-mini"}`, map[string]string{
		auth.HeaderAPIKey: testClientKey,
	})

	calls := fake.calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 upstream call, got %d", len(calls))
	}
	if calls[0].Path != "/deployments/gpt-4o-mini/chat/completions" {
		t.Errorf("upstream path = %q", calls[0].Path)
	}
}

func TestCallerAPIVersionOverridden(t *testing.T) {
	fake := &fakeUpstream{}
	h := newTestHandler(t, fake, testHandlerOptions{})

	doRequest(h, http.MethodPost, "/chat/completions?api-version=2020-01-01", `{}`, map[string]string{
		auth.HeaderAPIKey: testClientKey,
	})

	calls := fake.calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 upstream call, got %d", len(calls))
	}
	if strings.Contains(calls[0].RawQuery, "2020-01-01") {
		t.Errorf("caller api-version survived: %q", calls[0].RawQuery)
	}
	if !strings.Contains(calls[0].RawQuery, "api-version=2024-08-01-preview") {
		t.Errorf("configured api-version missing: %q", calls[0].RawQuery)
	}
}

func TestRateLimitRejection(t *testing.T) {
	fake := &fakeUpstream{}
	h := newTestHandler(t, fake, testHandlerOptions{rateLimit: 1})

	headers := map[string]string{auth.HeaderAPIKey: testClientKey}

	if rec := doRequest(h, http.MethodPost, "/chat/completions", `{}`, headers); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}

	rec := doRequest(h, http.MethodPost, "/chat/completions", `{}`, headers)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if code := envelopeCode(t, rec.Body.Bytes()); code != CodeRateLimitExceeded {
		t.Errorf("envelope code = %q", code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if n := len(fake.calls()); n != 1 {
		t.Errorf("rejected request reached upstream, %d calls", n)
	}
}

func TestQuotaRejection(t *testing.T) {
	fake := &fakeUpstream{}
	h := newTestHandler(t, fake, testHandlerOptions{quotaCalls: 1})

	headers := map[string]string{auth.HeaderAPIKey: testClientKey}

	if rec := doRequest(h, http.MethodPost, "/chat/completions", `{}`, headers); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}

	rec := doRequest(h, http.MethodPost, "/chat/completions", `{}`, headers)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if code := envelopeCode(t, rec.Body.Bytes()); code != CodeQuotaExceeded {
		t.Errorf("envelope code = %q", code)
	}
}

func TestUpstreamRetryThenSuccess(t *testing.T) {
	fake := &fakeUpstream{responses: []scriptedResponse{
		{status: http.StatusInternalServerError, body: `{"error":"transient"}`},
		{status: http.StatusOK, body: `{"usage":{"total_tokens":5}}`},
	}}
	h := newTestHandler(t, fake, testHandlerOptions{})

	rec := doRequest(h, http.MethodPost, "/chat/completions", `{"messages":[]}`, map[string]string{
		auth.HeaderAPIKey: testClientKey,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after retry, got %d", rec.Code)
	}

	calls := fake.calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 upstream attempts, got %d", len(calls))
	}
	if !bytes.Equal(calls[0].Body, calls[1].Body) {
		t.Error("retry body differs from original")
	}
}

func TestUpstreamExhaustionNormalized(t *testing.T) {
	fake := &fakeUpstream{responses: []scriptedResponse{
		{status: http.StatusServiceUnavailable, body: `upstream down`, header: map[string]string{"Retry-After": "7"}},
	}}
	h := newTestHandler(t, fake, testHandlerOptions{})

	rec := doRequest(h, http.MethodPost, "/chat/completions", `{}`, map[string]string{
		auth.HeaderAPIKey: testClientKey,
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if code := envelopeCode(t, rec.Body.Bytes()); code != CodeUpstreamError {
		t.Errorf("envelope code = %q", code)
	}
	if got := rec.Header().Get("Retry-After"); got != "7" {
		t.Errorf("Retry-After = %q, want upstream's hint", got)
	}
	if n := len(fake.calls()); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestClientErrorPassthrough(t *testing.T) {
	upstreamBody := `{"error":{"code":"content_filter","message":"filtered"}}`
	fake := &fakeUpstream{responses: []scriptedResponse{
		{status: http.StatusBadRequest, body: upstreamBody},
	}}
	h := newTestHandler(t, fake, testHandlerOptions{})

	rec := doRequest(h, http.MethodPost, "/chat/completions", `{}`, map[string]string{
		auth.HeaderAPIKey: testClientKey,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec.Body.String() != upstreamBody {
		t.Errorf("body reshaped: %s", rec.Body.String())
	}
	if n := len(fake.calls()); n != 1 {
		t.Errorf("client error retried, %d attempts", n)
	}
}

func TestZeroUsageOnMissingObject(t *testing.T) {
	fake := &fakeUpstream{responses: []scriptedResponse{
		{status: http.StatusOK, body: `{"choices":[]}`},
	}}
	h := newTestHandler(t, fake, testHandlerOptions{})

	rec := doRequest(h, http.MethodPost, "/chat/completions", `{}`, map[string]string{
		auth.HeaderAPIKey: testClientKey,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	for _, header := range []string{usage.HeaderPromptTokens, usage.HeaderCompletionTokens, usage.HeaderTotalTokens} {
		if got := rec.Header().Get(header); got != "0" {
			t.Errorf("%s = %q, want 0", header, got)
		}
	}
}

// Error codes are a caller-facing contract; the literal strings are pinned
// here so a rename of the constants cannot slip through.
func TestErrorCodeWireContract(t *testing.T) {
	fake := &fakeUpstream{}
	h := newTestHandler(t, fake, testHandlerOptions{rateLimit: 1})

	rec := doRequest(h, http.MethodPost, "/chat/completions", `{}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"code":"Unauthorized"`) {
		t.Errorf("401 body = %s, want code Unauthorized", rec.Body.String())
	}

	headers := map[string]string{auth.HeaderAPIKey: testClientKey}
	doRequest(h, http.MethodPost, "/chat/completions", `{}`, headers)
	rec = doRequest(h, http.MethodPost, "/chat/completions", `{}`, headers)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"code":"RateLimitExceeded"`) {
		t.Errorf("429 body = %s, want code RateLimitExceeded", rec.Body.String())
	}
}

func TestPreflightRequest(t *testing.T) {
	fake := &fakeUpstream{}
	h := newTestHandler(t, fake, testHandlerOptions{})

	rec := doRequest(h, http.MethodOptions, "/chat/completions", "", map[string]string{
		"Origin":                        "https://app.example.com",
		"Access-Control-Request-Method": "POST",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing Access-Control-Allow-Origin")
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "POST") {
		t.Errorf("Allow-Methods = %q, want POST", rec.Header().Get("Access-Control-Allow-Methods"))
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), auth.HeaderAPIKey) {
		t.Errorf("Allow-Headers = %q, want %s", rec.Header().Get("Access-Control-Allow-Headers"), auth.HeaderAPIKey)
	}
	if n := len(fake.calls()); n != 0 {
		t.Errorf("preflight reached upstream %d times", n)
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	fake := &fakeUpstream{}
	h := newTestHandler(t, fake, testHandlerOptions{})

	rec := doRequest(h, http.MethodPost, "/completions", `{}`, map[string]string{
		auth.HeaderAPIKey: testClientKey,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if code := envelopeCode(t, rec.Body.Bytes()); code != CodeNotFound {
		t.Errorf("envelope code = %q", code)
	}
}

func TestAuthDisabledFallsBackToSourceAddress(t *testing.T) {
	fake := &fakeUpstream{}
	h := newTestHandler(t, fake, testHandlerOptions{clientKeys: []string{}})

	rec := doRequest(h, http.MethodPost, "/chat/completions", `{}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with auth disabled, got %d", rec.Code)
	}
}

func TestAdminUsage(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("admin-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	store := repository.NewInMemoryUsageStore(10)
	store.Record(context.Background(), domain.UsageRecord{
		RequestID: "req-1",
		CallerKey: "caller",
		Timestamp: time.Now(),
	})

	fake := &fakeUpstream{}
	h := newTestHandler(t, fake, testHandlerOptions{
		adminHash:  string(hash),
		usageStore: store,
	})

	rec := doRequest(h, http.MethodGet, "/admin/usage", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin key, got %d", rec.Code)
	}

	rec = doRequest(h, http.MethodGet, "/admin/usage", "", map[string]string{
		"Authorization": "Bearer admin-secret",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with admin key, got %d: %s", rec.Code, rec.Body.String())
	}

	var payload struct {
		Records []domain.UsageRecord `json:"records"`
		Count   int                  `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Count != 1 || payload.Records[0].RequestID != "req-1" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestAdminUsageClosedWithoutConfig(t *testing.T) {
	fake := &fakeUpstream{}
	h := newTestHandler(t, fake, testHandlerOptions{})

	rec := doRequest(h, http.MethodGet, "/admin/usage", "", map[string]string{
		"Authorization": "Bearer anything",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unconfigured admin endpoint, got %d", rec.Code)
	}
}
