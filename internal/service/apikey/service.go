package apikey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/awilliams-2020/theqrcode-sub002/internal/domain"
	"github.com/awilliams-2020/theqrcode-sub002/internal/repository"
	"github.com/awilliams-2020/theqrcode-sub002/internal/service/ratelimit"
	"github.com/awilliams-2020/theqrcode-sub002/pkg/config"
	"github.com/awilliams-2020/theqrcode-sub002/pkg/crypto"
)

// HeaderAPIKey carries a raw key when no bearer token is sent.
const HeaderAPIKey = "X-API-Key"

// quotaWindow is the rolling window applied to every key's quota.
const quotaWindow = time.Hour

// Limiter checks and records per-key usage.
type Limiter interface {
	Check(ctx context.Context, keyID string, window time.Duration, limit int) ratelimit.Decision
	RecordUsage(ctx context.Context, usage domain.APIUsage)
	UsageStats(ctx context.Context, keyID string, rng ratelimit.StatsRange) (ratelimit.UsageStats, error)
}

// SecurityRecorder receives abuse signals raised by the gate.
type SecurityRecorder interface {
	LogSecurityEvent(event domain.SecurityEvent) domain.SecurityEvent
}

// Options tunes a single Authenticate call.
type Options struct {
	RequiredPermissions []string
	SkipRateLimit       bool
}

// Result describes an authenticated caller.
type Result struct {
	KeyID       string
	UserID      string
	Permissions []string
	Environment string
	RateLimit   *ratelimit.Decision
}

// Service authenticates API-key requests and issues new keys.
type Service struct {
	keys     repository.APIKeyRepository
	limiter  Limiter
	security SecurityRecorder
	logger   *slog.Logger
	cfg      config.APIConfig
	now      func() time.Time
}

// New constructs a Service.
func New(keys repository.APIKeyRepository, limiter Limiter, security SecurityRecorder, logger *slog.Logger, cfg config.APIConfig) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		keys:     keys,
		limiter:  limiter,
		security: security,
		logger:   logger.With("component", "apikey"),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Authenticate runs the credential, permission and quota checks in order and
// stops at the first failure. Failures are returned as *Error.
func (s Service) Authenticate(ctx context.Context, req *http.Request, opts Options) (Result, error) {
	raw := ExtractKey(req)
	if raw == "" {
		return Result{}, errMissingKey
	}

	key, err := s.keys.FindAPIKeyByHash(ctx, crypto.HashAPIKey(raw, s.cfg.APIKeySalt))
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("api key lookup failed", "error", err, "path", req.URL.Path)
		}
		s.recordSecurity(req, domain.SecurityAPIAbuse, domain.SeverityMedium, map[string]any{"reason": "unknown_key"})
		return Result{}, errInvalidKey
	}
	now := s.now()
	if !key.IsActive || key.Expired(now) {
		s.recordSecurity(req, domain.SecurityAPIAbuse, domain.SeverityMedium, map[string]any{"reason": "inactive_or_expired", "key_id": key.ID})
		return Result{}, errInvalidKey
	}

	if len(opts.RequiredPermissions) > 0 && !key.HasPermissions(opts.RequiredPermissions) {
		s.logger.Warn("api key lacks permissions", "key_id", key.ID, "required", opts.RequiredPermissions)
		return Result{}, errForbidden
	}

	result := Result{
		KeyID:       key.ID,
		UserID:      key.UserID,
		Permissions: key.Permissions,
		Environment: key.Environment,
	}

	if !opts.SkipRateLimit {
		decision := s.limiter.Check(ctx, key.ID, quotaWindow, s.quotaFor(key))
		if !decision.Allowed {
			s.recordSecurity(req, domain.SecurityRateLimit, domain.SeverityLow, map[string]any{"key_id": key.ID, "limit": decision.Limit})
			return Result{}, &Error{
				Status:     http.StatusTooManyRequests,
				Code:       CodeRateLimitExceeded,
				Message:    fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", decision.RetryAfter),
				RetryAfter: decision.RetryAfter,
			}
		}
		result.RateLimit = &decision
	}

	if err := s.keys.TouchAPIKeyLastUsed(ctx, key.ID, now); err != nil {
		s.logger.Warn("failed to update api key last used", "key_id", key.ID, "error", err)
	}
	return result, nil
}

// RecordUsage stores the outcome of an authenticated request.
func (s Service) RecordUsage(ctx context.Context, req *http.Request, res Result, statusCode int, elapsed time.Duration) {
	if res.KeyID == "" {
		return
	}
	s.limiter.RecordUsage(ctx, domain.APIUsage{
		KeyID:          res.KeyID,
		Endpoint:       req.URL.Path,
		Method:         req.Method,
		StatusCode:     statusCode,
		ResponseTimeMS: elapsed.Milliseconds(),
		IP:             ClientIP(req),
		UserAgent:      req.UserAgent(),
		CreatedAt:      s.now(),
	})
}

// UsageStats reports persisted usage for keyID.
func (s Service) UsageStats(ctx context.Context, keyID string, rng ratelimit.StatsRange) (ratelimit.UsageStats, error) {
	return s.limiter.UsageStats(ctx, keyID, rng)
}

// NewKey describes a key to issue.
type NewKey struct {
	UserID      string
	Name        string
	Permissions []string
	RateLimit   int
	Environment string
	ExpiresAt   *time.Time
}

// CreateKey issues a key and returns the raw value alongside the stored record.
// The raw value is not retrievable afterwards.
func (s Service) CreateKey(ctx context.Context, in NewKey) (*domain.APIKey, string, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.Name = strings.TrimSpace(in.Name)
	if in.UserID == "" || in.Name == "" {
		return nil, "", fmt.Errorf("%w: user_id and name are required", ErrInvalidInput)
	}
	if in.RateLimit < 0 {
		return nil, "", fmt.Errorf("%w: rate_limit must be positive", ErrInvalidInput)
	}
	if in.Environment == "" {
		in.Environment = "production"
	}
	now := s.now().UTC()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, "", fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
	}

	raw, err := crypto.GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("generate api key: %w", err)
	}
	permissions := make([]string, 0, len(in.Permissions))
	for _, p := range in.Permissions {
		if p = strings.TrimSpace(p); p != "" {
			permissions = append(permissions, p)
		}
	}
	key := &domain.APIKey{
		ID:          uuid.NewString(),
		UserID:      in.UserID,
		Name:        in.Name,
		KeyHash:     crypto.HashAPIKey(raw, s.cfg.APIKeySalt),
		Permissions: permissions,
		RateLimit:   in.RateLimit,
		Environment: in.Environment,
		IsActive:    true,
		ExpiresAt:   in.ExpiresAt,
		CreatedAt:   now,
	}
	if key.RateLimit == 0 {
		key.RateLimit = s.cfg.DefaultKeyQuota
	}
	if err := s.keys.CreateAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("store api key: %w", err)
	}
	s.logger.Info("api key created", "key_id", key.ID, "user_id", key.UserID, "environment", key.Environment)
	return key, raw, nil
}

func (s Service) quotaFor(key *domain.APIKey) int {
	if key.RateLimit > 0 {
		return key.RateLimit
	}
	if s.cfg.DefaultKeyQuota > 0 {
		return s.cfg.DefaultKeyQuota
	}
	return 1000
}

func (s Service) recordSecurity(req *http.Request, kind domain.SecurityEventType, severity domain.Severity, details map[string]any) {
	if s.security == nil {
		return
	}
	s.security.LogSecurityEvent(domain.SecurityEvent{
		Type:      kind,
		IP:        ClientIP(req),
		UserAgent: req.UserAgent(),
		Endpoint:  req.URL.Path,
		Severity:  severity,
		Details:   details,
	})
}

// ExtractKey returns the bearer token, or the X-API-Key header when no bearer
// token is present.
func ExtractKey(req *http.Request) string {
	if header := strings.TrimSpace(req.Header.Get("Authorization")); header != "" {
		parts := strings.Fields(header)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return strings.TrimSpace(req.Header.Get(HeaderAPIKey))
}

// ClientIP resolves the caller address, preferring proxy headers. The result
// is client controlled; use RemoteIP for anything that enforces limits.
func ClientIP(req *http.Request) string {
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(req.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return RemoteIP(req)
}

// RemoteIP returns the host part of the connection's remote address.
func RemoteIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
