package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upCreateAPIKeys, downCreateAPIKeys)
}

func upCreateAPIKeys(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT,
		key_hash TEXT NOT NULL UNIQUE,
		permissions TEXT[] NOT NULL DEFAULT '{}',
		rate_limit INTEGER NOT NULL DEFAULT 1000 CHECK (rate_limit >= 0),
		environment TEXT NOT NULL DEFAULT 'production',
		is_active BOOLEAN NOT NULL DEFAULT true,
		expires_at TIMESTAMPTZ,
		last_used_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);
	`)
	return err
}

func downCreateAPIKeys(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		DROP TABLE IF EXISTS api_keys CASCADE;
	`)
	return err
}
