package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HealthChecker probes one optional backend (Redis, Postgres). Liveness
// never consults checkers; only readiness does.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

type dependencyStatus struct {
	Healthy bool   `json:"healthy"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

type readiness struct {
	Ready        bool                        `json:"ready"`
	Dependencies map[string]dependencyStatus `json:"dependencies,omitempty"`
}

// RedisHealthChecker pings the shared Redis used by the admission backends.
type RedisHealthChecker struct {
	client *redis.Client
}

func NewRedisHealthChecker(redisURL string) (*RedisHealthChecker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisHealthChecker{client: redis.NewClient(opts)}, nil
}

func NewRedisHealthCheckerWithClient(client *redis.Client) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

func (c *RedisHealthChecker) Name() string {
	return "redis"
}

func (c *RedisHealthChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// PostgresHealthChecker pings the usage record store.
type PostgresHealthChecker struct {
	db *sql.DB
}

func NewPostgresHealthChecker(db *sql.DB) *PostgresHealthChecker {
	return &PostgresHealthChecker{db: db}
}

func (c *PostgresHealthChecker) Name() string {
	return "postgres"
}

func (c *PostgresHealthChecker) Check(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "version": "0.1.0"})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// probeDependencies runs every checker concurrently under one deadline.
func probeDependencies(ctx context.Context, checkers []HealthChecker) map[string]dependencyStatus {
	out := make(map[string]dependencyStatus, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			started := time.Now()
			err := c.Check(ctx)

			status := dependencyStatus{
				Healthy: err == nil,
				Latency: time.Since(started).Round(time.Millisecond).String(),
			}
			if err != nil {
				status.Error = err.Error()
			}

			mu.Lock()
			out[c.Name()] = status
			mu.Unlock()
		}(checker)
	}

	wg.Wait()
	return out
}

// readyHandler reports 200 only while every configured backend answers.
// With no checkers the gateway is trivially ready; the in-memory backends
// have no external dependencies.
func readyHandler(checkers []HealthChecker, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		deps := probeDependencies(ctx, checkers)

		resp := readiness{Ready: true, Dependencies: deps}
		for _, status := range deps {
			if !status.Healthy {
				resp.Ready = false
				break
			}
		}

		code := http.StatusOK
		if !resp.Ready {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(resp)
	}
}
