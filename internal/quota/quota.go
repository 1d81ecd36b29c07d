// Package quota enforces a coarser, longer-window cap than the rate
// limiter: per caller key it counts calls and response bytes over a fixed
// window, and rejects when either dimension exceeds its limit. Call counts
// are charged at admission; bytes are charged after the response is read.
package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Enforcer is the admission side of the quota. RecordBytes charges the
// response-size dimension after the fact; an oversized response therefore
// rejects the next call, not the current one.
type Enforcer interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
	RecordBytes(ctx context.Context, key string, n int64) error
}

// Limits configures both counted dimensions and their shared window.
type Limits struct {
	Calls  int
	Bytes  int64
	Window time.Duration
}

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

// Alert describes a caller key approaching or crossing its quota.
type Alert struct {
	Key        string
	Level      AlertLevel
	Calls      int
	Bytes      int64
	Percentage float64
	Timestamp  time.Time
}

type AlertHandler func(alert Alert)

// Thresholds are fractions of either quota dimension that trigger an
// alert once per window per level.
type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

// FixedWindowEnforcer implements the quota in memory with per-key buckets,
// each holding its own lock.
type FixedWindowEnforcer struct {
	limits     Limits
	thresholds Thresholds

	buckets sync.Map // key -> *bucket

	mu       sync.RWMutex
	handlers []AlertHandler

	now func() time.Time
}

type bucket struct {
	mu        sync.Mutex
	calls     int
	bytes     int64
	resetAt   time.Time
	lastAlert AlertLevel
}

func NewFixedWindow(limits Limits, thresholds Thresholds) *FixedWindowEnforcer {
	return &FixedWindowEnforcer{
		limits:     limits,
		thresholds: thresholds,
		now:        time.Now,
	}
}

// OnAlert registers a handler invoked when a key crosses a threshold.
// Handlers run on the admitting request's goroutine and should be fast.
func (e *FixedWindowEnforcer) OnAlert(handler AlertHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

func (e *FixedWindowEnforcer) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	b := e.bucket(key)

	b.mu.Lock()

	now := e.now()
	if now.After(b.resetAt) {
		b.calls = 0
		b.bytes = 0
		b.lastAlert = ""
		b.resetAt = now.Add(e.limits.Window)
	}

	b.calls++
	exceeded := b.calls > e.limits.Calls || b.bytes > e.limits.Bytes
	alert := e.alertFor(key, b, now)
	retryAfter := b.resetAt.Sub(now)

	b.mu.Unlock()

	if alert != nil {
		e.fire(*alert)
	}

	if exceeded {
		return false, retryAfter, nil
	}
	return true, 0, nil
}

func (e *FixedWindowEnforcer) RecordBytes(ctx context.Context, key string, n int64) error {
	b := e.bucket(key)

	b.mu.Lock()
	if e.now().Before(b.resetAt) {
		b.bytes += n
	}
	b.mu.Unlock()

	return nil
}

func (e *FixedWindowEnforcer) bucket(key string) *bucket {
	v, _ := e.buckets.LoadOrStore(key, &bucket{})
	return v.(*bucket)
}

// alertFor computes the alert to emit, if any. Called with b.mu held.
func (e *FixedWindowEnforcer) alertFor(key string, b *bucket, now time.Time) *Alert {
	callRatio := float64(b.calls) / float64(e.limits.Calls)
	byteRatio := float64(b.bytes) / float64(e.limits.Bytes)
	ratio := callRatio
	if byteRatio > ratio {
		ratio = byteRatio
	}

	var level AlertLevel
	switch {
	case ratio >= 1.0:
		level = AlertLevelExceeded
	case ratio >= e.thresholds.Critical:
		level = AlertLevelCritical
	case ratio >= e.thresholds.Warning:
		level = AlertLevelWarning
	default:
		return nil
	}

	if b.lastAlert == level {
		return nil
	}
	b.lastAlert = level

	return &Alert{
		Key:        key,
		Level:      level,
		Calls:      b.calls,
		Bytes:      b.bytes,
		Percentage: ratio * 100,
		Timestamp:  now,
	}
}

func (e *FixedWindowEnforcer) fire(alert Alert) {
	e.mu.RLock()
	handlers := make([]AlertHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(alert)
	}
}

// LogAlertHandler writes quota alerts to the structured log.
func LogAlertHandler(alert Alert) {
	slog.Warn("quota alert",
		"caller_key", alert.Key,
		"level", alert.Level,
		"calls", alert.Calls,
		"bytes", alert.Bytes,
		"percentage", alert.Percentage,
	)
}
