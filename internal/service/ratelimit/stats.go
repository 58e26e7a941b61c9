package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/awilliams-2020/theqrcode-sub002/internal/domain"
)

// StatsRange is one of the fixed usage reporting windows.
type StatsRange string

const (
	RangeHour  StatsRange = "1h"
	RangeDay   StatsRange = "24h"
	RangeWeek  StatsRange = "7d"
	RangeMonth StatsRange = "30d"

	topEndpointLimit = 10
)

// ErrInvalidRange is returned for unknown range names.
var ErrInvalidRange = errors.New("range must be one of 1h, 24h, 7d, 30d")

// ParseStatsRange parses a range name. Empty input selects 24h.
func ParseStatsRange(raw string) (StatsRange, error) {
	switch r := StatsRange(strings.ToLower(strings.TrimSpace(raw))); r {
	case "":
		return RangeDay, nil
	case RangeHour, RangeDay, RangeWeek, RangeMonth:
		return r, nil
	default:
		return "", ErrInvalidRange
	}
}

// Duration returns the length of the range.
func (r StatsRange) Duration() time.Duration {
	switch r {
	case RangeHour:
		return time.Hour
	case RangeWeek:
		return 7 * 24 * time.Hour
	case RangeMonth:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// EndpointCount is a per-endpoint request total.
type EndpointCount struct {
	Endpoint string `json:"endpoint"`
	Count    int    `json:"count"`
}

// UsageStats aggregates a key's persisted usage over a range.
type UsageStats struct {
	Range              StatsRange      `json:"range"`
	TotalRequests      int             `json:"total_requests"`
	SuccessfulRequests int             `json:"successful_requests"`
	FailedRequests     int             `json:"failed_requests"`
	AverageResponseMS  float64         `json:"average_response_time_ms"`
	TopEndpoints       []EndpointCount `json:"top_endpoints"`
}

// UsageStats computes usage totals for keyID over rng.
func (l *Limiter) UsageStats(ctx context.Context, keyID string, rng StatsRange) (UsageStats, error) {
	since := l.now().Add(-rng.Duration())
	records, err := execute(l.breaker, func() ([]domain.APIUsage, error) {
		return l.repo.ListAPIUsageSince(ctx, keyID, since)
	})
	if err != nil {
		return UsageStats{}, fmt.Errorf("list usage for key %s: %w", keyID, err)
	}

	stats := UsageStats{Range: rng, TopEndpoints: []EndpointCount{}}
	counts := make(map[string]int)
	var totalMS int64
	for _, rec := range records {
		stats.TotalRequests++
		if rec.StatusCode < 400 {
			stats.SuccessfulRequests++
		} else {
			stats.FailedRequests++
		}
		totalMS += rec.ResponseTimeMS
		counts[rec.Endpoint]++
	}
	if stats.TotalRequests > 0 {
		stats.AverageResponseMS = math.Round(float64(totalMS)/float64(stats.TotalRequests)*100) / 100
	}

	for endpoint, count := range counts {
		stats.TopEndpoints = append(stats.TopEndpoints, EndpointCount{Endpoint: endpoint, Count: count})
	}
	sort.Slice(stats.TopEndpoints, func(i, j int) bool {
		a, b := stats.TopEndpoints[i], stats.TopEndpoints[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Endpoint < b.Endpoint
	})
	if len(stats.TopEndpoints) > topEndpointLimit {
		stats.TopEndpoints = stats.TopEndpoints[:topEndpointLimit]
	}
	return stats, nil
}
