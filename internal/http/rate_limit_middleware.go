package httpx

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/awilliams-2020/theqrcode-sub002/internal/domain"
	"github.com/awilliams-2020/theqrcode-sub002/internal/service/apikey"
)

const rateLimiterSweepInterval = 5 * time.Minute

// RateLimiter is a fixed-window counter used for anonymous and internal routes.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

type memoryRateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateState
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

type rateState struct {
	count     int
	windowEnd time.Time
}

// NewMemoryRateLimiter returns a process-local RateLimiter.
func NewMemoryRateLimiter() RateLimiter {
	return newMemoryRateLimiter(time.Now)
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	rl := &memoryRateLimiter{
		entries: make(map[string]rateState),
		now:     now,
		stopCh:  make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.entries[key]
	if !ok || now.After(state.windowEnd) {
		state = rateState{count: 1, windowEnd: now.Add(window)}
		rl.entries[key] = state
		return rateDecision{allowed: true, count: state.count, windowEnd: state.windowEnd}
	}
	if state.count >= limit {
		return rateDecision{allowed: false, count: state.count, windowEnd: state.windowEnd}
	}
	state.count++
	rl.entries[key] = state
	return rateDecision{allowed: true, count: state.count, windowEnd: state.windowEnd}
}

func (rl *memoryRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(rl.now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *memoryRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, state := range rl.entries {
		if now.After(state.windowEnd) {
			delete(rl.entries, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() {
		close(rl.stopCh)
	})
}

// withRateLimit guards next with the fixed-window limiter. Denials are
// recorded as rate_limit security events.
func (r *Router) withRateLimit(route string, limit int, window time.Duration, keyFn func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		key := keyFn(req)
		if key == "" {
			key = r.rateLimitKeyIP(req)
		}
		decision := r.limiter.Allow(key, limit, window)
		applyRateHeaders(w, limit, max(0, limit-decision.count), decision.windowEnd)
		if !decision.allowed {
			r.recordRateLimitHit(route, rateMetricKey(key))
			r.monitor.LogSecurityEvent(domain.SecurityEvent{
				Type:      domain.SecurityRateLimit,
				IP:        apikey.ClientIP(req),
				UserAgent: req.UserAgent(),
				Endpoint:  req.URL.Path,
				Severity:  domain.SeverityMedium,
				Details:   map[string]any{"route": route, "limit": limit},
			})
			setRetryAfter(w, secondsUntil(decision.windowEnd, time.Now()))
			writeError(w, http.StatusTooManyRequests, codeRateLimited, "Rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// rateLimitKeyIP keys on the socket peer unless proxy headers are trusted.
func (r *Router) rateLimitKeyIP(req *http.Request) string {
	host := apikey.RemoteIP(req)
	if r.trustProxy {
		host = apikey.ClientIP(req)
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

func rateMetricKey(key string) string {
	if key == "" {
		return "unknown"
	}
	if idx := strings.IndexRune(key, ':'); idx > 0 {
		return key[:idx]
	}
	return key
}

// applyRateHeaders publishes quota state on the response.
func applyRateHeaders(w http.ResponseWriter, limit, remaining int, reset time.Time) {
	if limit <= 0 {
		return
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(max(0, remaining)))
	if !reset.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
	}
}

func setRetryAfter(w http.ResponseWriter, seconds int) {
	if seconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
}

func secondsUntil(t, now time.Time) int {
	if t.IsZero() {
		return 0
	}
	return max(1, int(math.Ceil(t.Sub(now).Seconds())))
}
