package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sony/gobreaker"

	"github.com/awilliams-2020/theqrcode-sub002/internal/domain"
	"github.com/awilliams-2020/theqrcode-sub002/internal/repository"
)

const (
	DefaultRetention       = 24 * time.Hour
	DefaultCleanupInterval = time.Minute

	breakerFailureThreshold = 5
	breakerOpenTimeout      = 30 * time.Second
)

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter int
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithRetention sets how long usage records are kept by Cleanup.
func WithRetention(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.retention = d
		}
	}
}

// Limiter enforces per-key sliding-window quotas from persisted usage records.
type Limiter struct {
	repo      repository.APIUsageRepository
	breaker   *gobreaker.CircuitBreaker
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewLimiter constructs a Limiter. Store calls pass through a circuit breaker
// that opens after consecutive failures.
func NewLimiter(repo repository.APIUsageRepository, logger *slog.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		repo:      repo,
		retention: DefaultRetention,
		logger:    logger.With("component", "rate_limiter"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "api_usage_store",
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.logger.Warn("usage store breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return l
}

// Check counts the usage records for keyID inside window and admits the
// request when fewer than limit exist. Store failures admit the request.
func (l *Limiter) Check(ctx context.Context, keyID string, window time.Duration, limit int) Decision {
	now := l.now()
	records, err := execute(l.breaker, func() ([]domain.APIUsage, error) {
		return l.repo.ListAPIUsageSince(ctx, keyID, now.Add(-window))
	})
	if err != nil {
		l.logger.Error("rate limit check failed, allowing request", "key_id", keyID, "error", err)
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetTime: now.Add(window)}
	}

	count := len(records)
	decision := Decision{
		Allowed:   count < limit,
		Limit:     limit,
		Remaining: max(0, limit-count),
		ResetTime: now.Add(window),
	}
	if count > 0 {
		decision.ResetTime = oldest(records).Add(window)
	}
	if !decision.Allowed {
		wait := decision.ResetTime.Sub(now).Seconds()
		decision.RetryAfter = max(1, int(math.Ceil(wait)))
	}
	return decision
}

// RecordUsage persists one usage record. Failures are logged and dropped.
func (l *Limiter) RecordUsage(ctx context.Context, usage domain.APIUsage) {
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = l.now()
	}
	_, err := execute(l.breaker, func() (struct{}, error) {
		return struct{}{}, l.repo.CreateAPIUsage(ctx, &usage)
	})
	if err != nil {
		l.logger.Error("failed to record api usage", "key_id", usage.KeyID, "endpoint", usage.Endpoint, "error", err)
	}
}

// Cleanup deletes usage records older than the retention period.
func (l *Limiter) Cleanup(ctx context.Context) (int64, error) {
	cutoff := l.now().Add(-l.retention)
	deleted, err := execute(l.breaker, func() (int64, error) {
		return l.repo.DeleteAPIUsageBefore(ctx, cutoff)
	})
	if err != nil {
		return 0, fmt.Errorf("delete usage before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if deleted > 0 {
		l.logger.Info("api usage cleaned up", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

// RunCleanup calls Cleanup once and then on every interval until ctx is done.
func (l *Limiter) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	l.logger.Info("usage cleanup worker started", "interval", interval, "retention", l.retention)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := l.Cleanup(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error("usage cleanup failed", "error", err)
		}
		select {
		case <-ctx.Done():
			l.logger.Info("usage cleanup worker stopped")
			return
		case <-ticker.C:
		}
	}
}

func oldest(records []domain.APIUsage) time.Time {
	first := records[0].CreatedAt
	for _, r := range records[1:] {
		if r.CreatedAt.Before(first) {
			first = r.CreatedAt
		}
	}
	return first
}

func execute[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	out, err := cb.Execute(func() (interface{}, error) {
		v, err := fn()
		return v, err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out.(T), nil
}
