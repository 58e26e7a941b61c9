package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/awilliams-2020/theqrcode-sub002/internal/domain"
)

// CreateAPIUsage records a single keyed request.
func (r *Repository) CreateAPIUsage(ctx context.Context, usage *domain.APIUsage) error {
	const query = `INSERT INTO api_usage (key_id, endpoint, method, status_code, response_time_ms, ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`
	createdAt := usage.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := r.pool.QueryRow(ctx, query,
		usage.KeyID,
		usage.Endpoint,
		usage.Method,
		usage.StatusCode,
		usage.ResponseTimeMS,
		emptyToNil(usage.IP),
		emptyToNil(usage.UserAgent),
		createdAt,
	)
	if err := row.Scan(&usage.ID); err != nil {
		return err
	}
	usage.CreatedAt = createdAt
	return nil
}

// ListAPIUsageSince returns a key's usage at or after since, oldest first.
func (r *Repository) ListAPIUsageSince(ctx context.Context, keyID string, since time.Time) ([]domain.APIUsage, error) {
	const query = `SELECT id, key_id, endpoint, method, status_code, response_time_ms, ip, user_agent, created_at
		FROM api_usage
		WHERE key_id = $1 AND created_at >= $2
		ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, keyID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usage := make([]domain.APIUsage, 0)
	for rows.Next() {
		var (
			item      domain.APIUsage
			ip        sql.NullString
			userAgent sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.KeyID, &item.Endpoint, &item.Method, &item.StatusCode, &item.ResponseTimeMS, &ip, &userAgent, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.IP = ip.String
		item.UserAgent = userAgent.String
		item.CreatedAt = item.CreatedAt.UTC()
		usage = append(usage, item)
	}
	return usage, rows.Err()
}

// DeleteAPIUsageBefore removes usage older than before and reports how many rows went.
func (r *Repository) DeleteAPIUsageBefore(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM api_usage WHERE created_at < $1`
	tag, err := r.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
