// Package ratelimit provides per-caller admission control over a fixed
// time window. A fixed window resets in full when it elapses, so a caller
// can burst up to twice the limit across a window boundary; this matches
// the reference gateway behavior and is deliberate.
// Supports both in-memory (single instance) and Redis (distributed)
// backends.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether a request for a caller key is admitted.
// retryAfter is only meaningful when allowed is false.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, remaining int, retryAfter time.Duration, err error)
}

// FixedWindowLimiter implements fixed-window admission in memory. Buckets
// are per key and each carries its own lock, so requests for unrelated
// keys never contend.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration

	buckets sync.Map // key -> *bucket

	now func() time.Time
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

func NewFixedWindow(limit int, window time.Duration) *FixedWindowLimiter {
	l := &FixedWindowLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
	go l.cleanup()
	return l
}

func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (bool, int, time.Duration, error) {
	v, _ := l.buckets.LoadOrStore(key, &bucket{})
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(l.window)
	}

	b.count++
	if b.count > l.limit {
		return false, 0, b.resetAt.Sub(now), nil
	}

	return true, l.limit - b.count, 0, nil
}

// cleanup drops buckets whose window elapsed long ago so the map does not
// grow without bound under churning caller keys.
func (l *FixedWindowLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := l.now().Add(-l.window)
		l.buckets.Range(func(key, v interface{}) bool {
			b := v.(*bucket)
			b.mu.Lock()
			stale := b.resetAt.Before(cutoff)
			b.mu.Unlock()
			if stale {
				l.buckets.Delete(key)
			}
			return true
		})
	}
}
