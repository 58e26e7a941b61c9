package domain

import "time"

// Severity ranks error logs and security events.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// SecurityEventType classifies a security event.
type SecurityEventType string

const (
	SecurityFailedLogin        SecurityEventType = "failed_login"
	SecurityRateLimit          SecurityEventType = "rate_limit"
	SecuritySuspiciousActivity SecurityEventType = "suspicious_activity"
	SecurityAPIAbuse           SecurityEventType = "api_abuse"
)

// Valid reports whether t is a known event type.
func (t SecurityEventType) Valid() bool {
	switch t {
	case SecurityFailedLogin, SecurityRateLimit, SecuritySuspiciousActivity, SecurityAPIAbuse:
		return true
	}
	return false
}

// AlertType is the display level of an alert.
type AlertType string

const (
	AlertError   AlertType = "error"
	AlertWarning AlertType = "warning"
	AlertInfo    AlertType = "info"
)

// TimeRange bounds a query; both ends are inclusive.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t lies within the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// PerformanceMetric records the outcome of a single HTTP request.
type PerformanceMetric struct {
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	StatusCode     int       `json:"status_code"`
	Timestamp      time.Time `json:"timestamp"`
	UserAgent      string    `json:"user_agent,omitempty"`
	IP             string    `json:"ip,omitempty"`
}

// IsError reports whether the metric counts towards the error rate.
func (m PerformanceMetric) IsError() bool {
	return m.StatusCode >= 400
}

// ErrorLog is an application error captured for the monitoring dashboard.
type ErrorLog struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method"`
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity"`
}

// SecurityEvent is an auth or abuse signal.
type SecurityEvent struct {
	ID        string            `json:"id"`
	Type      SecurityEventType `json:"type"`
	IP        string            `json:"ip"`
	UserAgent string            `json:"user_agent,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Endpoint  string            `json:"endpoint"`
	Timestamp time.Time         `json:"timestamp"`
	Severity  Severity          `json:"severity"`
	Details   map[string]any    `json:"details,omitempty"`
}

// DowntimeEvent spans a period the service was considered down.
type DowntimeEvent struct {
	Start           time.Time  `json:"start"`
	End             *time.Time `json:"end,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
}

// SystemStats holds process lifetime counters.
type SystemStats struct {
	StartTime       time.Time `json:"start_time"`
	TotalRequests   int64     `json:"total_requests"`
	TotalErrors     int64     `json:"total_errors"`
	LastHealthCheck time.Time `json:"last_health_check"`
}

// Alert is a threshold breach tracked by condition.
type Alert struct {
	ID          string     `json:"id"`
	Type        AlertType  `json:"type"`
	Title       string     `json:"title"`
	Message     string     `json:"message"`
	Timestamp   time.Time  `json:"timestamp"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	Condition   string     `json:"condition"`
	LastChecked time.Time  `json:"last_checked"`
}
