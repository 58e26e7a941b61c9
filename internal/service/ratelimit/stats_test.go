package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/awilliams-2020/theqrcode-sub002/internal/domain"
)

func TestParseStatsRange(t *testing.T) {
	cases := map[string]StatsRange{"": RangeDay, "1h": RangeHour, " 7D ": RangeWeek, "30d": RangeMonth}
	for raw, want := range cases {
		got, err := ParseStatsRange(raw)
		if err != nil || got != want {
			t.Fatalf("ParseStatsRange(%q) = %q, %v", raw, got, err)
		}
	}
	if _, err := ParseStatsRange("90d"); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
	if RangeWeek.Duration() != 168*time.Hour {
		t.Fatalf("unexpected week duration %s", RangeWeek.Duration())
	}
}

func TestUsageStatsAggregates(t *testing.T) {
	repo := &stubUsageRepo{}
	add := func(endpoint string, status int, ms int64, age time.Duration) {
		repo.records = append(repo.records, domain.APIUsage{
			KeyID:          "key-1",
			Endpoint:       endpoint,
			StatusCode:     status,
			ResponseTimeMS: ms,
			CreatedAt:      base.Add(-age),
		})
	}
	add("/api/v1/qr", 200, 10, time.Minute)
	add("/api/v1/qr", 201, 20, time.Minute)
	add("/api/v1/qr", 500, 30, time.Minute)
	add("/api/v1/usage", 200, 40, time.Minute)
	add("/api/v1/old", 200, 1000, 2*time.Hour)
	for i := 0; i < 12; i++ {
		add(fmt.Sprintf("/api/v1/e%02d", i), 404, 0, time.Minute)
	}
	limiter := newTestLimiter(repo)

	stats, err := limiter.UsageStats(context.Background(), "key-1", RangeHour)
	if err != nil {
		t.Fatalf("usage stats: %v", err)
	}
	if stats.TotalRequests != 16 || stats.SuccessfulRequests != 3 || stats.FailedRequests != 13 {
		t.Fatalf("unexpected totals %+v", stats)
	}
	if stats.AverageResponseMS != 6.25 {
		t.Fatalf("expected 6.25ms average, got %v", stats.AverageResponseMS)
	}
	if len(stats.TopEndpoints) != 10 {
		t.Fatalf("expected top 10 endpoints, got %d", len(stats.TopEndpoints))
	}
	if top := stats.TopEndpoints[0]; top.Endpoint != "/api/v1/qr" || top.Count != 3 {
		t.Fatalf("unexpected top endpoint %+v", top)
	}
	if second := stats.TopEndpoints[1]; second.Endpoint != "/api/v1/e00" {
		t.Fatalf("expected ties ordered by name, got %+v", second)
	}
}

func TestUsageStatsEmpty(t *testing.T) {
	limiter := newTestLimiter(&stubUsageRepo{})
	stats, err := limiter.UsageStats(context.Background(), "key-1", RangeDay)
	if err != nil {
		t.Fatalf("usage stats: %v", err)
	}
	if stats.TotalRequests != 0 || stats.AverageResponseMS != 0 || len(stats.TopEndpoints) != 0 {
		t.Fatalf("unexpected empty stats %+v", stats)
	}
}

func TestUsageStatsPropagatesStoreErrors(t *testing.T) {
	limiter := newTestLimiter(&stubUsageRepo{listErr: errors.New("down")})
	if _, err := limiter.UsageStats(context.Background(), "key-1", RangeDay); err == nil {
		t.Fatal("expected error")
	}
}
