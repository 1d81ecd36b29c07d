package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoaigateway_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"deployment", "operation", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aoaigateway_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"deployment", "operation"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoaigateway_tokens_total",
			Help: "Total number of tokens reported by the upstream",
		},
		[]string{"deployment", "type"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoaigateway_rate_limit_hits_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"caller_key"},
	)

	QuotaHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoaigateway_quota_hits_total",
			Help: "Total number of requests rejected by the quota enforcer",
		},
		[]string{"caller_key"},
	)

	UpstreamRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoaigateway_upstream_retries_total",
			Help: "Total number of retried upstream attempts",
		},
		[]string{"reason"},
	)

	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aoaigateway_circuit_breaker_state",
			Help: "Upstream circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoaigateway_token_refreshes_total",
			Help: "Total number of upstream credential refreshes",
		},
		[]string{"scope", "status"},
	)

	UsageSinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoaigateway_usage_sink_errors_total",
			Help: "Total number of failed usage record deliveries",
		},
		[]string{"sink"},
	)
)

func RecordRequest(deployment, operation, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(deployment, operation, status).Inc()
	RequestDuration.WithLabelValues(deployment, operation).Observe(durationSec)
}

func RecordTokens(deployment string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(deployment, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(deployment, "completion").Add(float64(completionTokens))
}

func RecordRateLimitHit(callerKey string) {
	RateLimitHits.WithLabelValues(callerKey).Inc()
}

func RecordQuotaHit(callerKey string) {
	QuotaHits.WithLabelValues(callerKey).Inc()
}

func RecordUpstreamRetry(reason string) {
	UpstreamRetries.WithLabelValues(reason).Inc()
}

func SetCircuitBreakerState(state int) {
	CircuitBreakerState.Set(float64(state))
}

func RecordTokenRefresh(scope, status string) {
	TokenRefreshes.WithLabelValues(scope, status).Inc()
}

func RecordUsageSinkError(sink string) {
	UsageSinkErrors.WithLabelValues(sink).Inc()
}
