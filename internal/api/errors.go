package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rmachado/aoai-gateway/internal/domain"
)

// Stable machine-readable error codes. Callers branch on these, so a code
// is a contract: the set only grows.
const (
	CodeUnauthorized         = "Unauthorized"
	CodeRateLimitExceeded    = "RateLimitExceeded"
	CodeQuotaExceeded        = "QuotaExceeded"
	CodeNotFound             = "NotFound"
	CodeInternalGatewayError = "InternalGatewayError"
	CodeUpstreamAuthError    = "UpstreamAuthError"
	CodeUpstreamUnavailable  = "UpstreamUnavailable"
	CodeUpstreamError        = "UpstreamError"
)

// writeEnvelope renders the single error shape the gateway ever returns,
// whatever stage produced the failure.
func writeEnvelope(w http.ResponseWriter, env domain.ErrorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	if env.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(env.RetryAfterSeconds))
	}
	w.WriteHeader(env.HTTPStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    env.Code,
			"message": env.Message,
		},
	})
}

func unauthorizedEnvelope() domain.ErrorEnvelope {
	return domain.ErrorEnvelope{
		HTTPStatus: http.StatusUnauthorized,
		Code:       CodeUnauthorized,
		Message:    "missing or invalid client key",
	}
}

func rateLimitEnvelope(retryAfterSeconds int) domain.ErrorEnvelope {
	return domain.ErrorEnvelope{
		HTTPStatus:        http.StatusTooManyRequests,
		Code:              CodeRateLimitExceeded,
		Message:           "rate limit exceeded, retry later",
		RetryAfterSeconds: retryAfterSeconds,
	}
}

func quotaEnvelope(retryAfterSeconds int) domain.ErrorEnvelope {
	return domain.ErrorEnvelope{
		HTTPStatus:        http.StatusTooManyRequests,
		Code:              CodeQuotaExceeded,
		Message:           "quota exceeded for the current window",
		RetryAfterSeconds: retryAfterSeconds,
	}
}

func notFoundEnvelope() domain.ErrorEnvelope {
	return domain.ErrorEnvelope{
		HTTPStatus: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    "no route matches the request path",
	}
}

func upstreamAuthEnvelope() domain.ErrorEnvelope {
	return domain.ErrorEnvelope{
		HTTPStatus: http.StatusBadGateway,
		Code:       CodeUpstreamAuthError,
		Message:    "failed to acquire upstream credential",
	}
}

func upstreamUnavailableEnvelope(retryAfterSeconds int) domain.ErrorEnvelope {
	return domain.ErrorEnvelope{
		HTTPStatus:        http.StatusServiceUnavailable,
		Code:              CodeUpstreamUnavailable,
		Message:           "upstream temporarily unavailable",
		RetryAfterSeconds: retryAfterSeconds,
	}
}

func upstreamCallEnvelope() domain.ErrorEnvelope {
	return domain.ErrorEnvelope{
		HTTPStatus: http.StatusBadGateway,
		Code:       CodeUpstreamError,
		Message:    "upstream call failed",
	}
}

// upstreamStatusEnvelope maps a retryable upstream status that survived
// retry exhaustion. The upstream's status is preserved so callers see what
// the upstream last said.
func upstreamStatusEnvelope(status, retryAfterSeconds int) domain.ErrorEnvelope {
	return domain.ErrorEnvelope{
		HTTPStatus:        status,
		Code:              CodeUpstreamError,
		Message:           "upstream returned " + strconv.Itoa(status) + " after retries",
		RetryAfterSeconds: retryAfterSeconds,
	}
}
