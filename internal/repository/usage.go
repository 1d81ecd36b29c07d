// Package repository stores usage records. The Postgres store backs the
// admin endpoint in deployments with a database configured; the in-memory
// store serves single-instance and test setups.
package repository

import (
	"context"
	"sync"
	"time"

	"github.com/rmachado/aoai-gateway/internal/domain"
)

type UsageStore interface {
	Record(ctx context.Context, record domain.UsageRecord) error
	Recent(ctx context.Context, since time.Time, limit int) ([]domain.UsageRecord, error)
}

// InMemoryUsageStore keeps a bounded ring of recent records.
type InMemoryUsageStore struct {
	mu      sync.RWMutex
	records []domain.UsageRecord
	max     int
}

func NewInMemoryUsageStore(max int) *InMemoryUsageStore {
	if max <= 0 {
		max = 1000
	}
	return &InMemoryUsageStore{max: max}
}

func (s *InMemoryUsageStore) Name() string {
	return "memory"
}

func (s *InMemoryUsageStore) Record(ctx context.Context, record domain.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, record)
	if len(s.records) > s.max {
		s.records = s.records[len(s.records)-s.max:]
	}
	return nil
}

func (s *InMemoryUsageStore) Recent(ctx context.Context, since time.Time, limit int) ([]domain.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.UsageRecord
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if s.records[i].Timestamp.After(since) {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}
