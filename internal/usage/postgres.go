package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists usage records to the usage_records table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO usage_records (request_id, tenant_id, provider, model, prompt_tokens, completion_tokens, cost_cents, cache_hit, coalesced, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.RequestID,
		rec.TenantID,
		rec.Provider,
		rec.Model,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.CostCents,
		rec.CacheHit,
		rec.Coalesced,
		rec.LatencyMs,
		rec.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT request_id, tenant_id, provider, model, prompt_tokens, completion_tokens, cost_cents, cache_hit, coalesced, latency_ms, created_at
		FROM usage_records
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		err := rows.Scan(
			&rec.RequestID,
			&rec.TenantID,
			&rec.Provider,
			&rec.Model,
			&rec.PromptTokens,
			&rec.CompletionTokens,
			&rec.CostCents,
			&rec.CacheHit,
			&rec.Coalesced,
			&rec.LatencyMs,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (s *PostgresStore) TenantTotalCents(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(cost_cents), 0)
		FROM usage_records
		WHERE tenant_id = $1 AND created_at >= $2
	`

	var total int64
	err := s.db.QueryRowContext(ctx, query, tenantID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query total cost: %w", err)
	}

	return total, nil
}
