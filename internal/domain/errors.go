package domain

import "errors"

var (
	ErrUnauthorized       = errors.New("missing or invalid client key")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrRouteNotFound      = errors.New("no routing rule matches the request path")
	ErrCredentialBroker   = errors.New("failed to acquire upstream credential")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrUpstreamCall       = errors.New("upstream call failed")
)
