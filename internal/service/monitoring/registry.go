package monitoring

import (
	"encoding/json"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/awilliams-2020/theqrcode-sub002/internal/domain"
)

const (
	DefaultMetricCapacity   = 10000
	DefaultErrorCapacity    = 5000
	DefaultSecurityCapacity = 2000
	DefaultAlertCapacity    = 100

	// Number of entries returned when a query carries no time range.
	defaultMetricWindow   = 1000
	defaultErrorWindow    = 100
	defaultSecurityWindow = 50
)

// Stream topics used when publishing registry changes.
const (
	TopicAlerts   = "alerts"
	TopicSecurity = "security"
)

// Publisher fans registry changes out to live subscribers.
type Publisher interface {
	Broadcast(topic string, payload []byte)
}

// Capacities sizes the registry buffers. Zero values fall back to the defaults.
type Capacities struct {
	Metrics  int
	Errors   int
	Security int
	Alerts   int
}

// Option customises a Registry.
type Option func(*Registry)

// WithCapacities overrides buffer capacities.
func WithCapacities(c Capacities) Option {
	return func(r *Registry) {
		r.capacities = c
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithPublisher streams alert transitions and security events.
func WithPublisher(p Publisher) Option {
	return func(r *Registry) {
		r.publisher = p
	}
}

// Registry owns every in-process monitoring structure: event buffers,
// lifetime counters, downtime history, alerts and in-flight request timings.
type Registry struct {
	mu       sync.Mutex
	stats    domain.SystemStats
	downtime []domain.DowntimeEvent

	metrics  *Buffer[domain.PerformanceMetric]
	errors   *Buffer[domain.ErrorLog]
	security *Buffer[domain.SecurityEvent]
	alerts   *alertBook
	timings  *Tracker

	capacities Capacities
	publisher  Publisher
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
	heapInUse  func() uint64
}

// NewRegistry constructs a Registry whose start time is now.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:    logger.With("component", "monitoring"),
		now:       time.Now,
		newID:     uuid.NewString,
		heapInUse: readHeapInUse,
	}
	for _, opt := range opts {
		opt(r)
	}
	c := r.capacities
	r.metrics = NewBuffer[domain.PerformanceMetric](orDefault(c.Metrics, DefaultMetricCapacity))
	r.errors = NewBuffer[domain.ErrorLog](orDefault(c.Errors, DefaultErrorCapacity))
	r.security = NewBuffer[domain.SecurityEvent](orDefault(c.Security, DefaultSecurityCapacity))
	r.alerts = newAlertBook(orDefault(c.Alerts, DefaultAlertCapacity), r.now, r.newID)
	r.timings = newTracker(r.RecordPerformanceMetric, r.now, r.logger)

	start := r.now()
	r.stats = domain.SystemStats{StartTime: start, LastHealthCheck: start}
	r.alerts.seedStartup()
	return r
}

// Buffer names accepted by BufferFill.
const (
	BufferMetrics  = "metrics"
	BufferErrors   = "errors"
	BufferSecurity = "security"
)

// BufferFill reports the share of the named ring buffer in use, in [0, 1].
// Unknown names report zero.
func (r *Registry) BufferFill(name string) float64 {
	var length, capacity int
	switch name {
	case BufferMetrics:
		length, capacity = r.metrics.Len(), r.metrics.Cap()
	case BufferErrors:
		length, capacity = r.errors.Len(), r.errors.Cap()
	case BufferSecurity:
		length, capacity = r.security.Len(), r.security.Cap()
	}
	if capacity == 0 {
		return 0
	}
	return float64(length) / float64(capacity)
}

// Tracker exposes the request timing tracker.
func (r *Registry) Tracker() *Tracker {
	return r.timings
}

// RecordPerformanceMetric stores m and bumps the lifetime counters.
func (r *Registry) RecordPerformanceMetric(m domain.PerformanceMetric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = r.now()
	}
	if m.ResponseTimeMS < 0 {
		m.ResponseTimeMS = 0
	}
	m.Method = strings.ToUpper(m.Method)
	r.metrics.Push(m)

	r.mu.Lock()
	r.stats.TotalRequests++
	if m.IsError() {
		r.stats.TotalErrors++
	}
	r.mu.Unlock()
}

// PerformanceMetrics returns metrics inside rng, or the most recent 1000 when rng is nil.
func (r *Registry) PerformanceMetrics(rng *domain.TimeRange) []domain.PerformanceMetric {
	if rng == nil {
		return r.metrics.Recent(defaultMetricWindow)
	}
	return r.metrics.Filter(func(m domain.PerformanceMetric) bool {
		return rng.Contains(m.Timestamp)
	})
}

// LogError stores an error log, filling in id, timestamp and severity.
func (r *Registry) LogError(entry domain.ErrorLog) domain.ErrorLog {
	entry.ID = r.newID()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now()
	}
	if !entry.Severity.Valid() {
		entry.Severity = domain.SeverityMedium
	}
	r.errors.Push(entry)
	if entry.Severity == domain.SeverityCritical {
		r.logger.Error("critical error logged", "error_id", entry.ID, "endpoint", entry.Endpoint, "message", entry.Message)
	}
	return entry
}

// ErrorLogs returns error logs inside rng, or the most recent 100 when rng is nil.
func (r *Registry) ErrorLogs(rng *domain.TimeRange) []domain.ErrorLog {
	if rng == nil {
		return r.errors.Recent(defaultErrorWindow)
	}
	return r.errors.Filter(func(e domain.ErrorLog) bool {
		return rng.Contains(e.Timestamp)
	})
}

// LogSecurityEvent stores a security event, filling in id, timestamp and severity.
func (r *Registry) LogSecurityEvent(event domain.SecurityEvent) domain.SecurityEvent {
	event.ID = r.newID()
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	if !event.Severity.Valid() {
		event.Severity = domain.SeverityLow
	}
	r.security.Push(event)
	if event.Severity == domain.SeverityHigh || event.Severity == domain.SeverityCritical {
		r.logger.Warn("security event", "event_id", event.ID, "type", event.Type, "ip", event.IP, "endpoint", event.Endpoint)
	}
	r.publish(TopicSecurity, map[string]any{"event": "security_event", "security_event": event})
	return event
}

// SecurityEvents returns events inside rng, or the most recent 50 when rng is nil.
func (r *Registry) SecurityEvents(rng *domain.TimeRange) []domain.SecurityEvent {
	if rng == nil {
		return r.security.Recent(defaultSecurityWindow)
	}
	return r.security.Filter(func(e domain.SecurityEvent) bool {
		return rng.Contains(e.Timestamp)
	})
}

// FailedLogins counts failed_login events.
func (r *Registry) FailedLogins(rng *domain.TimeRange) int {
	return r.countSecurity(domain.SecurityFailedLogin, rng)
}

// RateLimitViolations counts rate_limit events.
func (r *Registry) RateLimitViolations(rng *domain.TimeRange) int {
	return r.countSecurity(domain.SecurityRateLimit, rng)
}

// SuspiciousActivity counts suspicious_activity events.
func (r *Registry) SuspiciousActivity(rng *domain.TimeRange) int {
	return r.countSecurity(domain.SecuritySuspiciousActivity, rng)
}

func (r *Registry) countSecurity(kind domain.SecurityEventType, rng *domain.TimeRange) int {
	count := 0
	for _, e := range r.SecurityEvents(rng) {
		if e.Type == kind {
			count++
		}
	}
	return count
}

// RecordDowntime appends a downtime span. A nil end leaves the span open.
func (r *Registry) RecordDowntime(start time.Time, end *time.Time) {
	event := domain.DowntimeEvent{Start: start}
	if end != nil {
		stop := *end
		event.End = &stop
		event.DurationSeconds = downtimeSeconds(start, stop)
	}
	r.mu.Lock()
	r.downtime = append(r.downtime, event)
	r.mu.Unlock()
}

// BeginDowntime opens a downtime span at t unless one is already open.
func (r *Registry) BeginDowntime(t time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.downtime); n > 0 && r.downtime[n-1].End == nil {
		return false
	}
	r.downtime = append(r.downtime, domain.DowntimeEvent{Start: t})
	return true
}

// EndDowntime closes the open downtime span at t, if any.
func (r *Registry) EndDowntime(t time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.downtime)
	if n == 0 || r.downtime[n-1].End != nil {
		return false
	}
	last := &r.downtime[n-1]
	stop := t
	last.End = &stop
	last.DurationSeconds = downtimeSeconds(last.Start, stop)
	return true
}

// Downtime copies the downtime history.
func (r *Registry) Downtime() []domain.DowntimeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.DowntimeEvent(nil), r.downtime...)
}

// MarkHealthCheck stamps LastHealthCheck with the current time and returns it.
func (r *Registry) MarkHealthCheck() time.Time {
	now := r.now()
	r.mu.Lock()
	r.stats.LastHealthCheck = now
	r.mu.Unlock()
	return now
}

// ObserveHealth records a health probe outcome, opening or closing downtime.
func (r *Registry) ObserveHealth(probeErr error) {
	now := r.MarkHealthCheck()
	if probeErr != nil {
		if r.BeginDowntime(now) {
			r.logger.Warn("downtime started", "error", probeErr)
		}
		return
	}
	if r.EndDowntime(now) {
		r.logger.Info("downtime ended")
	}
}

// Stats returns a copy of the lifetime counters.
func (r *Registry) Stats() domain.SystemStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Registry) publish(topic string, payload any) {
	if r.publisher == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("failed to marshal stream payload", "topic", topic, "error", err)
		return
	}
	r.publisher.Broadcast(topic, data)
}

func downtimeSeconds(start, end time.Time) int64 {
	if end.Before(start) {
		return 0
	}
	return int64(end.Sub(start) / time.Second)
}

func readHeapInUse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
