package domain

import "time"

// Operation identifies an upstream inference operation. The value is the
// trailing path segment of the upstream's deployment-addressed route.
type Operation string

const (
	OperationChatCompletions Operation = "chat/completions"
	OperationEmbeddings      Operation = "embeddings"
)

// Usage holds the token accounting reported by the upstream in a
// successful response body. All fields default to zero when the upstream
// omits them.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageRecord is the accounting event derived from one successful upstream
// call. CallerKey carries the hashed caller identity, never the raw secret.
type UsageRecord struct {
	RequestID     string    `json:"request_id"`
	CallerKey     string    `json:"caller_key"`
	DeploymentID  string    `json:"deployment_id"`
	Operation     string    `json:"operation"`
	Usage         Usage     `json:"usage"`
	ResponseBytes int64     `json:"response_bytes"`
	LatencyMs     int64     `json:"latency_ms"`
	Timestamp     time.Time `json:"timestamp"`
}

// ErrorEnvelope is the single error shape the gateway returns to callers,
// regardless of which pipeline stage failed.
type ErrorEnvelope struct {
	HTTPStatus        int
	Code              string
	Message           string
	RetryAfterSeconds int
}
