package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/awilliams-2020/theqrcode-sub002/internal/domain"
	"github.com/awilliams-2020/theqrcode-sub002/internal/service/apikey"
	"github.com/awilliams-2020/theqrcode-sub002/internal/service/monitoring"
	"github.com/awilliams-2020/theqrcode-sub002/internal/service/ratelimit"
	"github.com/awilliams-2020/theqrcode-sub002/internal/ws"
)

// KeyService authenticates API-key requests and manages keys.
type KeyService interface {
	Authenticate(ctx context.Context, req *http.Request, opts apikey.Options) (apikey.Result, error)
	RecordUsage(ctx context.Context, req *http.Request, res apikey.Result, statusCode int, elapsed time.Duration)
	UsageStats(ctx context.Context, keyID string, rng ratelimit.StatsRange) (ratelimit.UsageStats, error)
	CreateKey(ctx context.Context, in apikey.NewKey) (*domain.APIKey, string, error)
}

// Config carries router secrets and probes.
type Config struct {
	AdminSecret   string
	InternalToken string
	DBHealth      func(context.Context) error
	// TrustProxyHeaders keys per-IP limits on X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	monitor       *monitoring.Registry
	evaluator     *monitoring.Evaluator
	keys          KeyService
	hub           *ws.Hub
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	adminSecret   string
	internalToken string
	dbHealth      func(context.Context) error
	sseHeartbeat  time.Duration
	trustProxy    bool

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault      = time.Minute
	rateLimitClientErrors  = 30
	rateLimitInternal      = 600
	rateLimitAdminWrite    = 60
	healthCheckTimeout     = 2 * time.Second
	sseHeartbeatInterval   = 15 * time.Second
	permissionUsageRead    = "usage:read"
	maxClientPayloadBytes  = 64 << 10
	maxClientMessageLength = 2000
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, monitor *monitoring.Registry, evaluator *monitoring.Evaluator, keys KeyService, hub *ws.Hub, limiter RateLimiter, cfg Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "http"),
		monitor:   monitor,
		evaluator: evaluator,
		keys:      keys,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       limiter,
		adminSecret:   cfg.AdminSecret,
		internalToken: strings.TrimSpace(cfg.InternalToken),
		dbHealth:      cfg.DBHealth,
		sseHeartbeat:  sseHeartbeatInterval,
		trustProxy:    cfg.TrustProxyHeaders,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.hub == nil {
		r.hub = ws.NewHub()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())

	r.mux.HandleFunc("/admin/monitoring", r.audit("/admin/monitoring", r.requireAdmin(r.handleMonitoringReport)))
	r.mux.HandleFunc("/admin/monitoring/alerts", r.audit("/admin/monitoring/alerts", r.requireAdmin(r.handleAlerts)))
	r.mux.HandleFunc("/admin/monitoring/errors", r.audit("/admin/monitoring/errors", r.requireAdmin(r.handleErrorLogs)))
	r.mux.HandleFunc("/admin/monitoring/security", r.audit("/admin/monitoring/security", r.requireAdmin(r.handleSecurityEvents)))
	r.mux.HandleFunc("/admin/monitoring/performance", r.audit("/admin/monitoring/performance", r.requireAdmin(r.handlePerformance)))
	r.mux.HandleFunc("/admin/monitoring/check", r.audit("/admin/monitoring/check", r.requireAdmin(r.handleCheck)))
	r.mux.HandleFunc("/admin/monitoring/stream", r.audit("/admin/monitoring/stream", r.requireAdmin(r.handleStream)))
	r.mux.HandleFunc("/admin/monitoring/events", r.audit("/admin/monitoring/events", r.requireAdmin(r.handleEvents)))
	r.mux.HandleFunc("/admin/api-keys", r.audit("/admin/api-keys", r.requireAdmin(
		r.withRateLimit("/admin/api-keys", rateLimitAdminWrite, rateWindowDefault, r.rateLimitKeyUser, r.handleCreateAPIKey))))

	r.mux.HandleFunc("/monitoring/errors", r.audit("/monitoring/errors",
		r.withRateLimit("/monitoring/errors", rateLimitClientErrors, rateWindowDefault, r.rateLimitKeyIP, r.handleClientError)))
	r.mux.HandleFunc("/internal/security-events", r.audit("/internal/security-events", r.requireInternalToken(
		r.withRateLimit("/internal/security-events", rateLimitInternal, rateWindowDefault, rateLimitKeyInternal, r.handleSecurityEventIngest))))

	r.mux.HandleFunc("/api/v1/whoami", r.audit("/api/v1/whoami", r.withAPIKey(apikey.Options{}, r.handleWhoAmI)))
	r.mux.HandleFunc("/api/v1/usage", r.audit("/api/v1/usage", r.withAPIKey(apikey.Options{RequiredPermissions: []string{permissionUsageRead}}, r.handleUsage)))
}

func (r *Router) rateLimitKeyUser(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.UserID != "" {
		return "user:" + info.UserID
	}
	return ""
}

func rateLimitKeyInternal(*http.Request) string {
	return "internal:security-events"
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		err := r.dbHealth(ctx)
		r.monitor.ObserveHealth(err)
		if err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"uptime":     r.monitor.Uptime(),
		"runtime":    r.monitor.Runtime().Formatted,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// audit logs every request, feeds the request timing tracker and records
// Prometheus metrics. Streaming routes are logged but not timed.
func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	timed := !isStreamRoute(route)
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		var token string
		if timed {
			token = r.monitor.Tracker().Start()
		}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		ip := apikey.ClientIP(req)
		if timed {
			r.monitor.Tracker().End(token, req.URL.Path, req.Method, status, req.UserAgent(), ip)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			switch {
			case info.KeyID != "":
				actor = "api_key"
				fields = append(fields, "key_id", info.KeyID, "user_id", info.UserID)
			case info.Role != "":
				actor = info.Role
				fields = append(fields, "user_id", info.UserID)
			}
		} else if strings.HasPrefix(req.URL.Path, "/internal/") {
			actor = "internal"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

func isStreamRoute(route string) bool {
	return strings.HasSuffix(route, "/stream") || strings.HasSuffix(route, "/events")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
}
