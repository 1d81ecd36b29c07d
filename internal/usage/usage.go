// Package usage extracts token accounting from successful upstream
// responses and fans the resulting records out to sinks. Metering is
// strictly best-effort: a missing or malformed usage object yields zero
// counts and never fails the request, and a sink failure is logged, never
// surfaced to the caller.
package usage

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rmachado/aoai-gateway/internal/domain"
	"github.com/rmachado/aoai-gateway/internal/metrics"
)

// Response headers exposing the counts to the caller.
const (
	HeaderPromptTokens     = "x-usage-prompt-tokens"
	HeaderCompletionTokens = "x-usage-completion-tokens"
	HeaderTotalTokens      = "x-usage-total-tokens"
)

// FromBody pulls the nested usage object out of a response body. Any
// parse failure or absent object reads as all zeros.
func FromBody(body []byte) domain.Usage {
	var payload struct {
		Usage *domain.Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Usage == nil {
		return domain.Usage{}
	}
	return *payload.Usage
}

// SetHeaders writes the three count headers onto an outbound response.
func SetHeaders(h http.Header, u domain.Usage) {
	h.Set(HeaderPromptTokens, strconv.Itoa(u.PromptTokens))
	h.Set(HeaderCompletionTokens, strconv.Itoa(u.CompletionTokens))
	h.Set(HeaderTotalTokens, strconv.Itoa(u.TotalTokens))
}

// Sink receives usage records. Implementations: the Postgres store, the
// SQS publisher, and the in-memory store backing the admin endpoint.
type Sink interface {
	Name() string
	Record(ctx context.Context, record domain.UsageRecord) error
}

// Meter emits each record to every sink off the request path.
type Meter struct {
	sinks   []Sink
	timeout time.Duration
}

func NewMeter(sinks ...Sink) *Meter {
	return &Meter{
		sinks:   sinks,
		timeout: 5 * time.Second,
	}
}

// Emit records token metrics synchronously and delivers the record to the
// sinks on a detached context, so a slow sink never delays the response.
func (m *Meter) Emit(record domain.UsageRecord) {
	metrics.RecordTokens(record.DeploymentID, record.Usage.PromptTokens, record.Usage.CompletionTokens)

	if len(m.sinks) == 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		for _, sink := range m.sinks {
			if err := sink.Record(ctx, record); err != nil {
				metrics.RecordUsageSinkError(sink.Name())
				slog.Warn("usage sink failed",
					"sink", sink.Name(),
					"request_id", record.RequestID,
					"error", err,
				)
			}
		}
	}()
}
