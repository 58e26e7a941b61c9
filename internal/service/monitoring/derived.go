package monitoring

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/awilliams-2020/theqrcode-sub002/internal/domain"
)

const (
	uptimeTrackingCap = 30 * 24 * time.Hour
	bytesPerGB        = 1024 * 1024 * 1024
)

// RuntimeInfo breaks the process runtime into display units.
type RuntimeInfo struct {
	Days      int    `json:"days"`
	Hours     int    `json:"hours"`
	Minutes   int    `json:"minutes"`
	Seconds   int    `json:"seconds"`
	Formatted string `json:"formatted"`
}

// SecuritySummary counts security events by type.
type SecuritySummary struct {
	FailedLogins        int `json:"failed_logins"`
	RateLimitViolations int `json:"rate_limit_violations"`
	SuspiciousActivity  int `json:"suspicious_activity"`
}

// Report is the payload served to the monitoring dashboard.
type Report struct {
	Uptime           float64                `json:"uptime"`
	MemoryUsageGB    float64                `json:"memory_usage_gb"`
	ErrorRate        float64                `json:"error_rate"`
	ErrorRatePercent float64                `json:"error_rate_percent"`
	AvgResponseMS    float64                `json:"avg_response_time_ms"`
	Requests         int                    `json:"api_requests"`
	Runtime          RuntimeInfo            `json:"runtime"`
	Stats            domain.SystemStats     `json:"stats"`
	Security         SecuritySummary        `json:"security"`
	ActiveAlerts     []domain.Alert         `json:"active_alerts"`
	Downtime         []domain.DowntimeEvent `json:"downtime"`
	GeneratedAt      time.Time              `json:"generated_at"`
}

// Uptime is the percentage of the tracking period (capped at 30 days) not lost
// to recorded downtime. Open downtime spans count as zero seconds.
func (r *Registry) Uptime() float64 {
	now := r.now()
	r.mu.Lock()
	start := r.stats.StartTime
	var downSeconds int64
	for _, d := range r.downtime {
		downSeconds += d.DurationSeconds
	}
	r.mu.Unlock()

	period := now.Sub(start)
	if period > uptimeTrackingCap {
		period = uptimeTrackingCap
	}
	periodMS := float64(period.Milliseconds())
	if periodMS <= 0 {
		return 100
	}
	pct := (periodMS - float64(downSeconds)*1000) / periodMS * 100
	return roundTo(clamp(pct, 0, 100), 2)
}

// AverageResponseTime is the mean response time in ms, optionally for one endpoint.
func (r *Registry) AverageResponseTime(endpoint string, rng *domain.TimeRange) float64 {
	var (
		sum   int64
		count int
	)
	for _, m := range r.PerformanceMetrics(rng) {
		if endpoint != "" && m.Endpoint != endpoint {
			continue
		}
		sum += m.ResponseTimeMS
		count++
	}
	if count == 0 {
		return 0
	}
	return roundTo(float64(sum)/float64(count), 2)
}

// ErrorRate is the fraction of metrics with status >= 400.
func (r *Registry) ErrorRate(rng *domain.TimeRange) float64 {
	metrics := r.PerformanceMetrics(rng)
	if len(metrics) == 0 {
		return 0
	}
	errors := 0
	for _, m := range metrics {
		if m.IsError() {
			errors++
		}
	}
	return roundTo(float64(errors)/float64(len(metrics)), 3)
}

// RequestCount counts metrics in rng.
func (r *Registry) RequestCount(rng *domain.TimeRange) int {
	return len(r.PerformanceMetrics(rng))
}

// MemoryUsageGB reports the Go heap in use.
func (r *Registry) MemoryUsageGB() float64 {
	return roundTo(float64(r.heapInUse())/bytesPerGB, 2)
}

// Runtime reports how long the registry has been alive.
func (r *Registry) Runtime() RuntimeInfo {
	elapsed := r.now().Sub(r.Stats().StartTime)
	if elapsed < 0 {
		elapsed = 0
	}
	total := int64(elapsed / time.Second)
	info := RuntimeInfo{
		Days:    int(total / 86400),
		Hours:   int(total % 86400 / 3600),
		Minutes: int(total % 3600 / 60),
		Seconds: int(total % 60),
	}
	info.Formatted = formatRuntime(info)
	return info
}

// Report assembles the dashboard view for rng.
func (r *Registry) Report(rng *domain.TimeRange) Report {
	errorRate := r.ErrorRate(rng)
	return Report{
		Uptime:           r.Uptime(),
		MemoryUsageGB:    r.MemoryUsageGB(),
		ErrorRate:        errorRate,
		ErrorRatePercent: roundTo(errorRate*100, 1),
		AvgResponseMS:    r.AverageResponseTime("", rng),
		Requests:         r.RequestCount(rng),
		Runtime:          r.Runtime(),
		Stats:            r.Stats(),
		Security: SecuritySummary{
			FailedLogins:        r.FailedLogins(rng),
			RateLimitViolations: r.RateLimitViolations(rng),
			SuspiciousActivity:  r.SuspiciousActivity(rng),
		},
		ActiveAlerts: r.ActiveAlerts(),
		Downtime:     r.Downtime(),
		GeneratedAt:  r.now().UTC(),
	}
}

func formatRuntime(info RuntimeInfo) string {
	parts := make([]string, 0, 4)
	if info.Days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", info.Days))
	}
	if info.Days > 0 || info.Hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", info.Hours))
	}
	if info.Days > 0 || info.Hours > 0 || info.Minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", info.Minutes))
	}
	parts = append(parts, fmt.Sprintf("%ds", info.Seconds))
	return strings.Join(parts, " ")
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
