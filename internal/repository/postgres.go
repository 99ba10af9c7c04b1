// Package repository owns the Postgres connection and schema. The usage
// store and the admin user repository operate on the *sql.DB it opens.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Open connects to Postgres and verifies the connection before returning.
// Pool sizing suits a single gateway instance; put a pooler in front when
// running many replicas.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

// Migrate creates the gateway's tables. Every statement is idempotent, so
// replicas racing at startup is harmless.
func Migrate(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS usage_records (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			cost_cents BIGINT NOT NULL DEFAULT 0,
			cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
			coalesced BOOLEAN NOT NULL DEFAULT FALSE,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_records_created_at
			ON usage_records (created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_records_tenant
			ON usage_records (tenant_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS admin_users (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'viewer',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// EnsureAdminUser inserts the bootstrap operator account if it does not
// exist yet. Accounts already managed in the database are never touched,
// so a rotated password in the environment does not clobber one rotated
// through the database.
func EnsureAdminUser(ctx context.Context, db *sql.DB, username, passwordHash, role string) error {
	query := `
		INSERT INTO admin_users (username, password_hash, role, enabled)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (username) DO NOTHING
	`
	if _, err := db.ExecContext(ctx, query, username, passwordHash, role); err != nil {
		return fmt.Errorf("ensure admin user %s: %w", username, err)
	}
	return nil
}
