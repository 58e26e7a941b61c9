package repository

import (
	"context"
	"time"

	"github.com/awilliams-2020/theqrcode-sub002/internal/domain"
)

// APIKeyRepository resolves and maintains API credentials.
type APIKeyRepository interface {
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
	FindAPIKeyByHash(ctx context.Context, hash string) (*domain.APIKey, error)
	TouchAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error
}

// APIUsageRepository persists per-key request records backing the rate limiter.
type APIUsageRepository interface {
	CreateAPIUsage(ctx context.Context, usage *domain.APIUsage) error
	ListAPIUsageSince(ctx context.Context, keyID string, since time.Time) ([]domain.APIUsage, error)
	DeleteAPIUsageBefore(ctx context.Context, before time.Time) (int64, error)
}
