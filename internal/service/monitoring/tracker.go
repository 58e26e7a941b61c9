package monitoring

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/awilliams-2020/theqrcode-sub002/internal/domain"
)

// staleTimingAge bounds how long an unfinished request token is kept.
const staleTimingAge = 5 * time.Minute

// Tracker correlates request start and end calls and records the elapsed time
// as a performance metric.
type Tracker struct {
	mu      sync.Mutex
	started map[string]time.Time
	record  func(domain.PerformanceMetric)
	now     func() time.Time
	logger  *slog.Logger
}

func newTracker(record func(domain.PerformanceMetric), now func() time.Time, logger *slog.Logger) *Tracker {
	return &Tracker{
		started: make(map[string]time.Time),
		record:  record,
		now:     now,
		logger:  logger,
	}
}

// Start registers a new in-flight request and returns its token.
func (t *Tracker) Start() string {
	now := t.now()
	token := strconv.FormatInt(now.UnixMilli(), 36) + "-" + uuid.NewString()
	t.mu.Lock()
	t.started[token] = now
	t.mu.Unlock()
	return token
}

// End completes the request identified by token and returns the elapsed
// milliseconds. Unknown tokens return 0.
func (t *Tracker) End(token, endpoint, method string, statusCode int, userAgent, ip string) int64 {
	now := t.now()
	t.mu.Lock()
	startedAt, ok := t.started[token]
	if ok {
		delete(t.started, token)
	}
	swept := t.sweepLocked(now)
	t.mu.Unlock()

	if swept > 0 {
		t.logger.Debug("swept stale request timings", "count", swept)
	}
	if !ok {
		t.logger.Warn("request timing not found", "token", token, "endpoint", endpoint)
		return 0
	}

	elapsed := now.Sub(startedAt).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	t.record(domain.PerformanceMetric{
		Endpoint:       endpoint,
		Method:         strings.ToUpper(method),
		ResponseTimeMS: elapsed,
		StatusCode:     statusCode,
		Timestamp:      now,
		UserAgent:      userAgent,
		IP:             ip,
	})
	return elapsed
}

// Pending reports how many requests have started but not ended.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.started)
}

func (t *Tracker) sweepLocked(now time.Time) int {
	cutoff := now.Add(-staleTimingAge)
	swept := 0
	for token, startedAt := range t.started {
		if startedAt.Before(cutoff) {
			delete(t.started, token)
			swept++
		}
	}
	return swept
}
