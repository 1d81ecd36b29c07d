// Package upstream performs the actual call to the inference API, wrapping
// it with bounded retries and the circuit breaker. The request body is
// buffered before the first attempt so every retry resends identical
// bytes.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rmachado/aoai-gateway/internal/circuitbreaker"
	"github.com/rmachado/aoai-gateway/internal/domain"
	"github.com/rmachado/aoai-gateway/internal/httputil"
	"github.com/rmachado/aoai-gateway/internal/metrics"
)

// RetryPolicy mirrors the reference gateway's policy: a bounded attempt
// count with a growing per-attempt wait. There is deliberately no
// cross-attempt wall-clock budget; under a degraded upstream total latency
// is bounded only by attempts times per-attempt timeout.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration // wait before the first retry; never skipped
	Delta       time.Duration // added to the wait per further retry
	MaxInterval time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Interval:    time.Second,
		Delta:       time.Second,
		MaxInterval: 10 * time.Second,
	}
}

// backoff returns the wait before retry number n (1-based).
func (p RetryPolicy) backoff(n int) time.Duration {
	wait := p.Interval + time.Duration(n-1)*p.Delta
	if wait > p.MaxInterval {
		wait = p.MaxInterval
	}
	return wait
}

// Request is a rewritten, credential-free request ready for the upstream.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is a fully buffered upstream response. Buffering lets the
// pipeline meter usage, charge byte quota, and pass identical bytes to the
// caller without re-reading a stream.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type Caller struct {
	endpoint       string
	client         *http.Client
	policy         RetryPolicy
	attemptTimeout time.Duration
	breaker        circuitbreaker.CircuitBreaker
}

type Config struct {
	// Endpoint is the upstream base URL, no trailing slash.
	Endpoint       string
	Policy         RetryPolicy
	AttemptTimeout time.Duration
	Breaker        circuitbreaker.CircuitBreaker
	// Client overrides the default tuned HTTP client. Mainly for tests.
	Client *http.Client
}

func New(cfg Config) *Caller {
	client := cfg.Client
	if client == nil {
		client = httputil.DefaultClient()
	}

	attemptTimeout := cfg.AttemptTimeout
	if attemptTimeout == 0 {
		attemptTimeout = 60 * time.Second
	}

	policy := cfg.Policy
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy()
	}

	return &Caller{
		endpoint:       cfg.Endpoint,
		client:         client,
		policy:         policy,
		attemptTimeout: attemptTimeout,
		breaker:        cfg.Breaker,
	}
}

// retryable statuses are upstream rate limiting and server errors. Every
// other status, success or client error, is terminal on first sight.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// Do executes the request with up to MaxAttempts attempts. The last
// response is returned as-is after exhaustion; classification is the error
// normalizer's concern. A transport-level failure on the final attempt is
// returned wrapped in ErrUpstreamCall.
func (c *Caller) Do(ctx context.Context, req Request, token string) (*Response, error) {
	if c.breaker != nil {
		if err := c.breaker.Allow(ctx); err != nil {
			return nil, err
		}
	}

	var lastResp *Response
	var lastErr error

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		lastResp, lastErr = c.attempt(ctx, req, token)

		if lastErr == nil && !retryable(lastResp.StatusCode) {
			if c.breaker != nil {
				c.breaker.RecordSuccess(ctx)
			}
			return lastResp, nil
		}

		if c.breaker != nil {
			c.breaker.RecordFailure(ctx)
		}

		if attempt == c.policy.MaxAttempts {
			break
		}

		reason := "transport"
		if lastErr == nil {
			reason = strconv.Itoa(lastResp.StatusCode)
		}
		metrics.RecordUpstreamRetry(reason)

		wait := c.policy.backoff(attempt)
		slog.Debug("retrying upstream call",
			"attempt", attempt,
			"reason", reason,
			"wait", wait,
		)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamCall, ctx.Err())
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamCall, lastErr)
	}
	return lastResp, nil
}

func (c *Caller) attempt(ctx context.Context, req Request, token string) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	u := c.endpoint + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, vs := range req.Header {
		httpReq.Header[k] = vs
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       respBody,
	}, nil
}
