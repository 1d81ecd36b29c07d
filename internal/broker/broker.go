// Package broker obtains and caches short-lived bearer credentials for
// the outbound upstream leg. The gateway holds no static secret for this
// leg; tokens come from the ambient workload identity and live only in
// memory.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"golang.org/x/sync/singleflight"

	"github.com/rmachado/aoai-gateway/internal/domain"
	"github.com/rmachado/aoai-gateway/internal/metrics"
)

// DefaultRefreshMargin is how far ahead of expiry a cached token is
// treated as stale. A token inside the margin is never handed out.
const DefaultRefreshMargin = 2 * time.Minute

// Broker caches one token per scope and deduplicates refreshes: when many
// requests hit a stale token at once, exactly one refresh is issued and
// the rest wait on it.
type Broker struct {
	cred   azcore.TokenCredential
	margin time.Duration

	mu     sync.RWMutex
	tokens map[string]azcore.AccessToken

	group singleflight.Group

	now func() time.Time
}

type Option func(*Broker)

// WithRefreshMargin overrides the expiry safety margin.
func WithRefreshMargin(margin time.Duration) Option {
	return func(b *Broker) {
		b.margin = margin
	}
}

func New(cred azcore.TokenCredential, opts ...Option) *Broker {
	b := &Broker{
		cred:   cred,
		margin: DefaultRefreshMargin,
		tokens: make(map[string]azcore.AccessToken),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// GetToken returns a bearer token for the scope, refreshing it when the
// cached one is missing or inside the safety margin. A refresh failure is
// fatal for the caller's request; retry classification is the upstream
// executor's concern, not the broker's.
func (b *Broker) GetToken(ctx context.Context, scope string) (string, error) {
	if tok, ok := b.cached(scope); ok {
		return tok, nil
	}

	value, err, _ := b.group.Do(scope, func() (interface{}, error) {
		// A waiter may have refreshed while this call queued.
		if tok, ok := b.cached(scope); ok {
			return tok, nil
		}
		return b.refresh(ctx, scope)
	})
	if err != nil {
		metrics.RecordTokenRefresh(scope, "error")
		return "", fmt.Errorf("%w: %v", domain.ErrCredentialBroker, err)
	}

	return value.(string), nil
}

func (b *Broker) cached(scope string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tok, ok := b.tokens[scope]
	if !ok || tok.ExpiresOn.Sub(b.now()) <= b.margin {
		return "", false
	}
	return tok.Token, true
}

func (b *Broker) refresh(ctx context.Context, scope string) (string, error) {
	tok, err := b.cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{scope},
	})
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	b.tokens[scope] = tok
	b.mu.Unlock()

	metrics.RecordTokenRefresh(scope, "success")
	slog.Debug("upstream credential refreshed",
		"scope", scope,
		"expires_at", tok.ExpiresOn.Format(time.RFC3339),
	)

	return tok.Token, nil
}
