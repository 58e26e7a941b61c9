package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/awilliams-2020/theqrcode-sub002/internal/domain"
	"github.com/awilliams-2020/theqrcode-sub002/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.APIKeyRepository   = (*Repository)(nil)
	_ repository.APIUsageRepository = (*Repository)(nil)
)

// CreateAPIKey inserts a key record. The raw key never reaches this layer.
func (r *Repository) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	const query = `INSERT INTO api_keys (id, user_id, name, key_hash, permissions, rate_limit, environment, is_active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	permissions := key.Permissions
	if permissions == nil {
		permissions = []string{}
	}
	_, err := r.pool.Exec(ctx, query,
		key.ID,
		key.UserID,
		key.Name,
		key.KeyHash,
		permissions,
		key.RateLimit,
		key.Environment,
		key.IsActive,
		timePtrToNil(key.ExpiresAt),
		key.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrConflict
		}
		return err
	}
	return nil
}

// FindAPIKeyByHash looks a key up by its stored digest.
func (r *Repository) FindAPIKeyByHash(ctx context.Context, hash string) (*domain.APIKey, error) {
	const query = `SELECT id, user_id, name, key_hash, permissions, rate_limit, environment, is_active, expires_at, last_used_at, created_at
		FROM api_keys WHERE key_hash = $1`
	return scanAPIKey(r.pool.QueryRow(ctx, query, hash))
}

// TouchAPIKeyLastUsed stamps the key's last use.
func (r *Repository) TouchAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanAPIKey(row pgx.Row) (*domain.APIKey, error) {
	var (
		key        domain.APIKey
		name       sql.NullString
		expiresAt  sql.NullTime
		lastUsedAt sql.NullTime
	)
	if err := row.Scan(
		&key.ID,
		&key.UserID,
		&name,
		&key.KeyHash,
		&key.Permissions,
		&key.RateLimit,
		&key.Environment,
		&key.IsActive,
		&expiresAt,
		&lastUsedAt,
		&key.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if name.Valid {
		key.Name = strings.TrimSpace(name.String)
	}
	if expiresAt.Valid {
		value := expiresAt.Time.UTC()
		key.ExpiresAt = &value
	}
	if lastUsedAt.Valid {
		value := lastUsedAt.Time.UTC()
		key.LastUsedAt = &value
	}
	return &key, nil
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func timePtrToNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	if t.IsZero() {
		return nil
	}
	return *t
}
