package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr     string
	LogLevel string

	// Upstream addressing
	UpstreamEndpoint    string
	UpstreamAPIVersion  string
	ChatDeployment      string
	EmbeddingDeployment string
	TokenScope          string

	// Caller authentication. Empty ClientKeys disables the check, in which
	// case admission falls back to keying on the source address.
	ClientKeys   []string
	AdminKeyHash string

	// Admission control
	RateLimitCalls  int
	RateLimitWindow time.Duration
	QuotaCalls      int
	QuotaBytes      int64
	QuotaWindow     time.Duration

	// Upstream retry policy
	RetryMaxAttempts int
	RetryInterval    time.Duration
	RetryDelta       time.Duration
	RetryMaxInterval time.Duration
	AttemptTimeout   time.Duration

	// Optional backends
	RedisURL         string
	DatabaseURL      string
	OTLPEndpoint     string
	AWSRegion        string
	SNSTopicARN      string
	SQSUsageQueueURL string

	UseDistributedCircuitBreaker bool

	ShutdownTimeout time.Duration
}

var ErrMissingUpstreamEndpoint = errors.New("UPSTREAM_ENDPOINT is required")

func Load() (*Config, error) {
	cfg := &Config{
		Addr:     getEnv("ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		UpstreamEndpoint:    getEnv("UPSTREAM_ENDPOINT", ""),
		UpstreamAPIVersion:  getEnv("UPSTREAM_API_VERSION", "2024-08-01-preview"),
		ChatDeployment:      getEnv("DEFAULT_CHAT_DEPLOYMENT", "gpt-4o"),
		EmbeddingDeployment: getEnv("DEFAULT_EMBEDDING_DEPLOYMENT", "text-embedding-3-small"),
		TokenScope:          getEnv("TOKEN_SCOPE", "https://cognitiveservices.azure.com/.default"),

		ClientKeys:   getListEnv("GATEWAY_CLIENT_KEYS"),
		AdminKeyHash: getEnv("ADMIN_KEY_BCRYPT_HASH", ""),

		RateLimitCalls:  getIntEnv("RATE_LIMIT_CALLS", 60),
		RateLimitWindow: getDurationEnv("RATE_LIMIT_WINDOW_SECONDS", 60*time.Second),
		QuotaCalls:      getIntEnv("QUOTA_CALLS", 10000),
		QuotaBytes:      int64(getIntEnv("QUOTA_BYTES", 1000000)),
		QuotaWindow:     getDurationEnv("QUOTA_WINDOW_SECONDS", 300*time.Second),

		RetryMaxAttempts: getIntEnv("RETRY_MAX_ATTEMPTS", 3),
		RetryInterval:    getDurationEnv("RETRY_INTERVAL_SECONDS", time.Second),
		RetryDelta:       getDurationEnv("RETRY_DELTA_SECONDS", time.Second),
		RetryMaxInterval: getDurationEnv("RETRY_MAX_INTERVAL_SECONDS", 10*time.Second),
		AttemptTimeout:   getDurationEnv("UPSTREAM_ATTEMPT_TIMEOUT_SECONDS", 60*time.Second),

		RedisURL:         getEnv("REDIS_URL", ""),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		OTLPEndpoint:     getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:        getEnv("AWS_REGION", ""),
		SNSTopicARN:      getEnv("SNS_TOPIC_ARN", ""),
		SQSUsageQueueURL: getEnv("SQS_USAGE_QUEUE_URL", ""),

		UseDistributedCircuitBreaker: getEnv("USE_DISTRIBUTED_CB", "false") == "true",

		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if cfg.UpstreamEndpoint == "" {
		return nil, ErrMissingUpstreamEndpoint
	}

	cfg.UpstreamEndpoint = strings.TrimRight(cfg.UpstreamEndpoint, "/")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
