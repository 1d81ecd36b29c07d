// Package api wires the gateway pipeline onto HTTP routes. Every inference
// request moves through the same stages: authenticate, admit, rewrite,
// attach the upstream credential, call, meter, respond. Failures at any
// stage surface as a single error envelope shape.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rmachado/aoai-gateway/internal/auth"
	"github.com/rmachado/aoai-gateway/internal/domain"
	"github.com/rmachado/aoai-gateway/internal/metrics"
	"github.com/rmachado/aoai-gateway/internal/quota"
	"github.com/rmachado/aoai-gateway/internal/ratelimit"
	"github.com/rmachado/aoai-gateway/internal/repository"
	"github.com/rmachado/aoai-gateway/internal/rewrite"
	"github.com/rmachado/aoai-gateway/internal/telemetry"
	"github.com/rmachado/aoai-gateway/internal/upstream"
	"github.com/rmachado/aoai-gateway/internal/usage"
)

// maxRequestBody bounds buffered request bodies. Inference payloads are
// small; anything past this is a caller bug.
const maxRequestBody = 10 << 20

// TokenSource supplies the bearer credential for the outbound leg.
type TokenSource interface {
	GetToken(ctx context.Context, scope string) (string, error)
}

type HandlerConfig struct {
	Clients    *auth.ClientVerifier
	Admin      *auth.AdminVerifier
	Limiter    ratelimit.Limiter
	Quota      quota.Enforcer
	Rewriter   *rewrite.Rewriter
	Tokens     TokenSource
	TokenScope string
	Upstream   *upstream.Caller
	Meter      *usage.Meter
	UsageStore repository.UsageStore
	Checkers   []HealthChecker
}

type Handler struct {
	clients    *auth.ClientVerifier
	admin      *auth.AdminVerifier
	limiter    ratelimit.Limiter
	quota      quota.Enforcer
	rewriter   *rewrite.Rewriter
	tokens     TokenSource
	tokenScope string
	upstream   *upstream.Caller
	meter      *usage.Meter
	usageStore repository.UsageStore
	mux        *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		clients:    cfg.Clients,
		admin:      cfg.Admin,
		limiter:    cfg.Limiter,
		quota:      cfg.Quota,
		rewriter:   cfg.Rewriter,
		tokens:     cfg.Tokens,
		tokenScope: cfg.TokenScope,
		upstream:   cfg.Upstream,
		meter:      cfg.Meter,
		usageStore: cfg.UsageStore,
		mux:        http.NewServeMux(),
	}

	// Explicit addressing: the deployment id is already in the path.
	h.mux.HandleFunc("POST /deployments/{deployment}/chat/completions", h.explicitHandler(domain.OperationChatCompletions))
	h.mux.HandleFunc("POST /deployments/{deployment}/embeddings", h.explicitHandler(domain.OperationEmbeddings))

	// Inferred addressing: the deployment id comes from the body's model
	// field, with a configured default. The /v1 aliases accept clients
	// pointed at an OpenAI-style base URL.
	h.mux.HandleFunc("POST /chat/completions", h.inferredHandler(domain.OperationChatCompletions))
	h.mux.HandleFunc("POST /v1/chat/completions", h.inferredHandler(domain.OperationChatCompletions))
	h.mux.HandleFunc("POST /embeddings", h.inferredHandler(domain.OperationEmbeddings))
	h.mux.HandleFunc("POST /v1/embeddings", h.inferredHandler(domain.OperationEmbeddings))

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", readyHandler(cfg.Checkers, 5*time.Second))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	h.mux.HandleFunc("GET /admin/usage", h.handleAdminUsage)

	// Browser preflight, for any path.
	h.mux.HandleFunc("OPTIONS /", h.handlePreflight)

	// Everything else is a routing miss, rendered in the envelope shape
	// rather than the stdlib's plain-text 404.
	h.mux.HandleFunc("/", h.handleNotFound)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) explicitHandler(op domain.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.proxy(w, r, op, r.PathValue("deployment"))
	}
}

func (h *Handler) inferredHandler(op domain.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.proxy(w, r, op, "")
	}
}

// proxy runs the full pipeline for one inference request. An empty
// deployment means inferred addressing.
func (h *Handler) proxy(w http.ResponseWriter, r *http.Request, op domain.Operation, deployment string) {
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	ctx, span := telemetry.StartSpan(r.Context(), "gateway.proxy")
	defer span.End()

	setCORS(w.Header())
	w.Header().Set("X-Request-ID", requestID)

	// Authenticate. Nothing downstream, including the upstream call, runs
	// for an unauthenticated request.
	clientKey := auth.ExtractClientKey(r)
	if h.clients.Enabled() && !h.clients.Verify(clientKey) {
		slog.Warn("rejected unauthenticated request", "request_id", requestID, "path", r.URL.Path)
		h.finish(op, deployment, http.StatusUnauthorized, start)
		writeEnvelope(w, unauthorizedEnvelope())
		return
	}

	callerKey := auth.CallerKey(r, clientKey)

	// Admit: short window first, then the quota window. An admission
	// backend error fails open; a broken limiter must not take traffic
	// down with it.
	allowed, _, retryAfter, err := h.limiter.Allow(ctx, callerKey)
	if err != nil {
		slog.Error("rate limiter error, failing open", "request_id", requestID, "error", err)
		allowed = true
	}
	if !allowed {
		metrics.RecordRateLimitHit(callerKey)
		slog.Warn("rate limit exceeded", "request_id", requestID, "caller_key", callerKey)
		h.finish(op, deployment, http.StatusTooManyRequests, start)
		writeEnvelope(w, rateLimitEnvelope(retryAfterSeconds(retryAfter)))
		return
	}

	allowed, retryAfter, err = h.quota.Allow(ctx, callerKey)
	if err != nil {
		slog.Error("quota enforcer error, failing open", "request_id", requestID, "error", err)
		allowed = true
	}
	if !allowed {
		metrics.RecordQuotaHit(callerKey)
		slog.Warn("quota exceeded", "request_id", requestID, "caller_key", callerKey)
		h.finish(op, deployment, http.StatusTooManyRequests, start)
		writeEnvelope(w, quotaEnvelope(retryAfterSeconds(retryAfter)))
		return
	}

	// Buffer the body: the rewriter inspects it and the upstream caller
	// resends it byte-identical on retries.
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		slog.Error("failed to read request body", "request_id", requestID, "error", err)
		h.finish(op, deployment, http.StatusInternalServerError, start)
		writeEnvelope(w, domain.ErrorEnvelope{
			HTTPStatus: http.StatusInternalServerError,
			Code:       CodeInternalGatewayError,
			Message:    "failed to read request body",
		})
		return
	}

	var target rewrite.Target
	if deployment != "" {
		target = h.rewriter.Explicit(op, deployment, r.URL.Query())
	} else {
		target = h.rewriter.Inferred(op, body, r.URL.Query())
	}

	telemetry.AddRequestAttributes(span, requestID, target.Deployment, string(op), callerKey)

	// The caller's secret stops here; the outbound leg carries only the
	// brokered credential.
	header := r.Header.Clone()
	auth.StripClientCredentials(header)
	header.Del("X-Request-ID")

	token, err := h.tokens.GetToken(ctx, h.tokenScope)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		slog.Error("credential broker failed", "request_id", requestID, "error", err)
		h.finish(op, target.Deployment, http.StatusBadGateway, start)
		writeEnvelope(w, upstreamAuthEnvelope())
		return
	}

	resp, err := h.upstream.Do(ctx, upstream.Request{
		Method: http.MethodPost,
		Path:   target.Path,
		Query:  target.Query,
		Header: header,
		Body:   body,
	}, token)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		switch {
		case errors.Is(err, domain.ErrCircuitBreakerOpen):
			slog.Warn("circuit breaker open", "request_id", requestID)
			h.finish(op, target.Deployment, http.StatusServiceUnavailable, start)
			writeEnvelope(w, upstreamUnavailableEnvelope(30))
		default:
			slog.Error("upstream call failed", "request_id", requestID, "error", err)
			h.finish(op, target.Deployment, http.StatusBadGateway, start)
			writeEnvelope(w, upstreamCallEnvelope())
		}
		return
	}

	telemetry.AddUpstreamStatusAttribute(span, resp.StatusCode)

	if err := h.quota.RecordBytes(ctx, callerKey, int64(len(resp.Body))); err != nil {
		slog.Warn("failed to record quota bytes", "request_id", requestID, "error", err)
	}

	// Retryable statuses that survived retry exhaustion are normalized
	// into the envelope; other upstream errors pass through untouched so
	// the caller sees exactly what the upstream said.
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		slog.Warn("upstream error after retries",
			"request_id", requestID,
			"status", resp.StatusCode,
		)
		h.finish(op, target.Deployment, resp.StatusCode, start)
		writeEnvelope(w, upstreamStatusEnvelope(resp.StatusCode, upstreamRetryAfter(resp)))
		return
	}

	if resp.StatusCode >= 400 {
		h.finish(op, target.Deployment, resp.StatusCode, start)
		h.passthrough(w, resp)
		return
	}

	// Success: meter, expose the counts, and hand the upstream's bytes
	// through unmodified.
	u := usage.FromBody(resp.Body)
	telemetry.AddUsageAttributes(span, u)
	usage.SetHeaders(w.Header(), u)

	latency := time.Since(start)
	h.meter.Emit(domain.UsageRecord{
		RequestID:     requestID,
		CallerKey:     callerKey,
		DeploymentID:  target.Deployment,
		Operation:     string(op),
		Usage:         u,
		ResponseBytes: int64(len(resp.Body)),
		LatencyMs:     latency.Milliseconds(),
		Timestamp:     time.Now(),
	})

	slog.Info("request completed",
		"request_id", requestID,
		"caller_key", callerKey,
		"deployment", target.Deployment,
		"operation", string(op),
		"status", resp.StatusCode,
		"total_tokens", u.TotalTokens,
		"latency_ms", latency.Milliseconds(),
	)

	h.finish(op, target.Deployment, resp.StatusCode, start)
	h.passthrough(w, resp)
}

// passthrough relays a buffered upstream response without reshaping it.
func (h *Handler) passthrough(w http.ResponseWriter, resp *upstream.Response) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func (h *Handler) finish(op domain.Operation, deployment string, status int, start time.Time) {
	metrics.RecordRequest(deployment, string(op), strconv.Itoa(status), time.Since(start).Seconds())
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	setCORS(w.Header())
	writeEnvelope(w, notFoundEnvelope())
}

// handlePreflight answers CORS preflight so browser callers can follow up
// with an authenticated POST.
func (h *Handler) handlePreflight(w http.ResponseWriter, r *http.Request) {
	setCORS(w.Header())
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// setCORS allows browser callers to reach the gateway and read the usage
// headers off successful responses.
func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.HeaderAPIKey)
	h.Set("Access-Control-Expose-Headers",
		usage.HeaderPromptTokens+", "+usage.HeaderCompletionTokens+", "+usage.HeaderTotalTokens+", X-Request-ID")
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// upstreamRetryAfter lifts the upstream's own Retry-After hint when it
// sent one.
func upstreamRetryAfter(resp *upstream.Response) int {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return secs
		}
	}
	return 0
}
