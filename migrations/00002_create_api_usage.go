package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upCreateAPIUsage, downCreateAPIUsage)
}

func upCreateAPIUsage(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS api_usage (
		id BIGSERIAL PRIMARY KEY,
		key_id TEXT NOT NULL REFERENCES api_keys(id) ON DELETE CASCADE,
		endpoint TEXT NOT NULL,
		method TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		response_time_ms BIGINT NOT NULL DEFAULT 0,
		ip TEXT,
		user_agent TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_api_usage_key_created ON api_usage(key_id, created_at);
	`)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_api_usage_created ON api_usage(created_at);
	`)
	return err
}

func downCreateAPIUsage(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		DROP TABLE IF EXISTS api_usage CASCADE;
	`)
	return err
}
