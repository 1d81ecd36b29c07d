package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/rmachado/aoai-gateway/internal/domain"
)

type PostgresUsageStore struct {
	db *sql.DB
}

func NewPostgresUsageStore(databaseURL string) (*PostgresUsageStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresUsageStore{db: db}, nil
}

func NewPostgresUsageStoreWithDB(db *sql.DB) *PostgresUsageStore {
	return &PostgresUsageStore{db: db}
}

// InitSchema creates the usage table when it does not exist yet.
func (s *PostgresUsageStore) InitSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS usage_records (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			caller_key TEXT NOT NULL,
			deployment_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			prompt_tokens INT NOT NULL,
			completion_tokens INT NOT NULL,
			total_tokens INT NOT NULL,
			response_bytes BIGINT NOT NULL,
			latency_ms BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_records_created_at
			ON usage_records (created_at DESC);
	`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *PostgresUsageStore) Name() string {
	return "postgres"
}

func (s *PostgresUsageStore) Record(ctx context.Context, record domain.UsageRecord) error {
	query := `
		INSERT INTO usage_records (request_id, caller_key, deployment_id, operation, prompt_tokens, completion_tokens, total_tokens, response_bytes, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.db.ExecContext(ctx, query,
		record.RequestID,
		record.CallerKey,
		record.DeploymentID,
		record.Operation,
		record.Usage.PromptTokens,
		record.Usage.CompletionTokens,
		record.Usage.TotalTokens,
		record.ResponseBytes,
		record.LatencyMs,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	return nil
}

func (s *PostgresUsageStore) Recent(ctx context.Context, since time.Time, limit int) ([]domain.UsageRecord, error) {
	query := `
		SELECT request_id, caller_key, deployment_id, operation, prompt_tokens, completion_tokens, total_tokens, response_bytes, latency_ms, created_at
		FROM usage_records
		WHERE created_at >= $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []domain.UsageRecord
	for rows.Next() {
		var record domain.UsageRecord
		err := rows.Scan(
			&record.RequestID,
			&record.CallerKey,
			&record.DeploymentID,
			&record.Operation,
			&record.Usage.PromptTokens,
			&record.Usage.CompletionTokens,
			&record.Usage.TotalTokens,
			&record.ResponseBytes,
			&record.LatencyMs,
			&record.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

func (s *PostgresUsageStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresUsageStore) Close() error {
	return s.db.Close()
}
