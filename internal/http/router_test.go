package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/awilliams-2020/theqrcode-sub002/internal/domain"
	"github.com/awilliams-2020/theqrcode-sub002/internal/service/apikey"
	"github.com/awilliams-2020/theqrcode-sub002/internal/service/monitoring"
	"github.com/awilliams-2020/theqrcode-sub002/internal/service/ratelimit"
	"github.com/awilliams-2020/theqrcode-sub002/internal/ws"
	jwtpkg "github.com/awilliams-2020/theqrcode-sub002/pkg/jwt"
)

const (
	testAdminSecret   = "test-admin-secret"
	testInternalToken = "internal-token"
)

type usageCall struct {
	keyID  string
	status int
	path   string
}

type stubKeys struct {
	mu        sync.Mutex
	result    apikey.Result
	err       error
	usage     []usageCall
	stats     ratelimit.UsageStats
	statsErr  error
	created   []apikey.NewKey
	createErr error
}

func (s *stubKeys) Authenticate(_ context.Context, _ *http.Request, opts apikey.Options) (apikey.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

func (s *stubKeys) RecordUsage(_ context.Context, req *http.Request, res apikey.Result, statusCode int, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, usageCall{keyID: res.KeyID, status: statusCode, path: req.URL.Path})
}

func (s *stubKeys) UsageStats(_ context.Context, _ string, rng ratelimit.StatsRange) (ratelimit.UsageStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.Range = rng
	return stats, s.statsErr
}

func (s *stubKeys) CreateKey(_ context.Context, in apikey.NewKey) (*domain.APIKey, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, "", s.createErr
	}
	s.created = append(s.created, in)
	return &domain.APIKey{ID: "key-new", UserID: in.UserID, Name: in.Name, Permissions: in.Permissions, RateLimit: 1000, Environment: "production", IsActive: true}, "qr_raw", nil
}

func (s *stubKeys) usageSnapshot() []usageCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]usageCall(nil), s.usage...)
}

type testEnv struct {
	router   *Router
	registry *monitoring.Registry
	keys     *stubKeys
	hub      *ws.Hub
	dbErr    error
	mu       sync.Mutex
}

func (e *testEnv) setDBErr(err error) {
	e.mu.Lock()
	e.dbErr = err
	e.mu.Unlock()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{keys: &stubKeys{}, hub: ws.NewHub()}
	env.registry = monitoring.NewRegistry(logger, monitoring.WithPublisher(env.hub))
	evaluator := monitoring.NewEvaluator(env.registry, monitoring.DefaultThresholds(), time.Minute, nil, logger)
	env.router = NewRouter(logger, env.registry, evaluator, env.keys, env.hub, NewMemoryRateLimiter(), Config{
		AdminSecret:   testAdminSecret,
		InternalToken: testInternalToken,
		DBHealth: func(context.Context) error {
			env.mu.Lock()
			defer env.mu.Unlock()
			return env.dbErr
		},
	})
	t.Cleanup(func() {
		env.router.Close()
		env.hub.Close()
	})
	return env
}

func tokenFor(t *testing.T, role string) string {
	t.Helper()
	token, err := jwtpkg.GenerateToken("user-1", role, testAdminSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.10:4444"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func adminHeaders(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tokenFor(t, jwtpkg.RoleAdmin)}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d (%s)", status, rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["code"]; got != code {
		t.Fatalf("expected code %s, got %v", code, got)
	}
}

func TestHealthzTracksDowntime(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	env.setDBErr(errors.New("connection refused"))
	rec = env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	downtime := env.registry.Downtime()
	if len(downtime) != 1 || downtime[0].End != nil {
		t.Fatalf("expected an open downtime span, got %+v", downtime)
	}

	env.setDBErr(nil)
	env.do(t, http.MethodGet, "/healthz", "", nil)
	if downtime := env.registry.Downtime(); downtime[0].End == nil {
		t.Fatal("expected downtime span to close after recovery")
	}
}

func TestAuditFeedsPerformanceMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/healthz", "", nil)
	env.do(t, http.MethodPost, "/healthz", "", nil)

	metrics := env.registry.PerformanceMetrics(nil)
	if len(metrics) != 2 {
		t.Fatalf("expected 2 metrics, got %d", len(metrics))
	}
	if metrics[0].Endpoint != "/healthz" || metrics[0].StatusCode != 200 || metrics[0].IP != "203.0.113.10" {
		t.Fatalf("unexpected metric %+v", metrics[0])
	}
	if metrics[1].StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 metric, got %+v", metrics[1])
	}
	if env.registry.Tracker().Pending() != 0 {
		t.Fatal("expected no pending timings")
	}

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	for _, name := range []string{
		"qrcode_api_http_requests_total",
		`qrcode_monitoring_buffer_fill_ratio{buffer="errors"}`,
		"qrcode_stream_dropped_messages_total",
	} {
		if !strings.Contains(rec.Body.String(), name) {
			t.Fatalf("expected %s in metrics exposition", name)
		}
	}
}

func TestAdminRoutesRequireAdminToken(t *testing.T) {
	env := newTestEnv(t)

	expectError(t, env.do(t, http.MethodGet, "/admin/monitoring", "", nil), http.StatusUnauthorized, codeUnauthorized)
	expectError(t, env.do(t, http.MethodGet, "/admin/monitoring", "", map[string]string{"Authorization": "Bearer junk"}), http.StatusUnauthorized, codeUnauthorized)
	expectError(t, env.do(t, http.MethodGet, "/admin/monitoring", "", map[string]string{"Authorization": "Bearer " + tokenFor(t, "member")}), http.StatusForbidden, codeForbidden)

	rec := env.do(t, http.MethodGet, "/admin/monitoring", "", adminHeaders(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["uptime"] != float64(100) {
		t.Fatalf("expected uptime 100, got %v", body["uptime"])
	}
}

func TestMonitoringQueries(t *testing.T) {
	env := newTestEnv(t)
	env.registry.LogError(domain.ErrorLog{Message: "db timeout", Severity: domain.SeverityHigh})
	env.registry.LogError(domain.ErrorLog{Message: "cache miss", Severity: domain.SeverityLow})
	env.registry.LogSecurityEvent(domain.SecurityEvent{Type: domain.SecurityFailedLogin})
	env.registry.UpdateAlertCondition("error_rate", 10, 5)

	rec := env.do(t, http.MethodGet, "/admin/monitoring/errors?severity=high", "", adminHeaders(t))
	if body := decodeBody(t, rec); body["count"] != float64(1) {
		t.Fatalf("expected one high severity error, got %v", body)
	}

	rec = env.do(t, http.MethodGet, "/admin/monitoring/security?window=1h", "", adminHeaders(t))
	summary := decodeBody(t, rec)["summary"].(map[string]any)
	if summary["failed_logins"] != float64(1) {
		t.Fatalf("unexpected security summary %v", summary)
	}

	rec = env.do(t, http.MethodGet, "/admin/monitoring/alerts", "", adminHeaders(t))
	if body := decodeBody(t, rec); body["count"] != float64(1) {
		t.Fatalf("expected one active alert, got %v", body)
	}
	rec = env.do(t, http.MethodGet, "/admin/monitoring/alerts?all=true", "", adminHeaders(t))
	if body := decodeBody(t, rec); body["count"] != float64(2) {
		t.Fatalf("expected startup and error rate alerts in history, got %v", body)
	}

	expectError(t, env.do(t, http.MethodGet, "/admin/monitoring/performance?start=yesterday", "", adminHeaders(t)), http.StatusBadRequest, codeBadRequest)
	rec = env.do(t, http.MethodGet, "/admin/monitoring/performance?endpoint=/healthz", "", adminHeaders(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if _, ok := decodeBody(t, rec)["endpoints"].([]any); !ok {
		t.Fatal("expected endpoint summaries in performance payload")
	}
}

func TestCheckRunsEvaluator(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 4; i++ {
		env.registry.RecordPerformanceMetric(domain.PerformanceMetric{Endpoint: "/api/v1/qr", StatusCode: 500})
	}
	expectError(t, env.do(t, http.MethodGet, "/admin/monitoring/check", "", adminHeaders(t)), http.StatusMethodNotAllowed, codeMethodNotAllowed)

	rec := env.do(t, http.MethodPost, "/admin/monitoring/check", "", adminHeaders(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	found := false
	for _, a := range env.registry.ActiveAlerts() {
		if a.Condition == "error_rate" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected error rate alert after check")
	}
}

func TestAPIKeyGateErrors(t *testing.T) {
	env := newTestEnv(t)

	env.keys.err = &apikey.Error{Status: http.StatusUnauthorized, Code: apikey.CodeMissingAPIKey, Message: "API key required."}
	expectError(t, env.do(t, http.MethodGet, "/api/v1/whoami", "", nil), http.StatusUnauthorized, apikey.CodeMissingAPIKey)

	env.keys.err = &apikey.Error{Status: http.StatusTooManyRequests, Code: apikey.CodeRateLimitExceeded, Message: "Rate limit exceeded. Try again in 42 seconds.", RetryAfter: 42}
	rec := env.do(t, http.MethodGet, "/api/v1/whoami", "", nil)
	expectError(t, rec, http.StatusTooManyRequests, apikey.CodeRateLimitExceeded)
	if rec.Header().Get("Retry-After") != "42" {
		t.Fatalf("expected Retry-After 42, got %q", rec.Header().Get("Retry-After"))
	}

	env.keys.err = errors.New("unexpected")
	expectError(t, env.do(t, http.MethodGet, "/api/v1/whoami", "", nil), http.StatusInternalServerError, apikey.CodeInternalError)

	if len(env.keys.usageSnapshot()) != 0 {
		t.Fatal("expected no usage recorded for rejected requests")
	}
}

func TestAPIKeySuccessRecordsUsage(t *testing.T) {
	env := newTestEnv(t)
	reset := time.Now().Add(time.Hour)
	env.keys.result = apikey.Result{
		KeyID:       "key-1",
		UserID:      "user-7",
		Permissions: []string{"usage:read"},
		RateLimit:   &ratelimit.Decision{Allowed: true, Limit: 100, Remaining: 99, ResetTime: reset},
	}

	rec := env.do(t, http.MethodGet, "/api/v1/whoami", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "99" || rec.Header().Get("X-RateLimit-Limit") != "100" {
		t.Fatalf("unexpected rate headers %v", rec.Header())
	}
	if body := decodeBody(t, rec); body["user_id"] != "user-7" {
		t.Fatalf("unexpected body %v", body)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/usage?range=7d", "", nil)
	if body := decodeBody(t, rec); body["range"] != "7d" {
		t.Fatalf("unexpected usage body %v", body)
	}
	expectError(t, env.do(t, http.MethodGet, "/api/v1/usage?range=1y", "", nil), http.StatusBadRequest, codeBadRequest)

	usage := env.keys.usageSnapshot()
	if len(usage) != 3 {
		t.Fatalf("expected 3 usage records, got %d", len(usage))
	}
	if usage[0].keyID != "key-1" || usage[0].status != 200 || usage[0].path != "/api/v1/whoami" {
		t.Fatalf("unexpected usage %+v", usage[0])
	}
	if usage[2].status != http.StatusBadRequest {
		t.Fatalf("expected failed request to be recorded with 400, got %+v", usage[2])
	}
}

func TestAPIKeyHandlerPanicIsContained(t *testing.T) {
	env := newTestEnv(t)
	env.keys.result = apikey.Result{KeyID: "key-1", UserID: "user-1"}
	handler := env.router.withAPIKey(apikey.Options{}, func(http.ResponseWriter, *http.Request, apikey.Result) {
		panic("nil map write")
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/boom", nil))
	expectError(t, rec, http.StatusInternalServerError, apikey.CodeInternalError)
	if strings.Contains(rec.Body.String(), "nil map write") {
		t.Fatal("panic detail leaked to the caller")
	}

	logs := env.registry.ErrorLogs(nil)
	if len(logs) != 1 || logs[0].Severity != domain.SeverityCritical || logs[0].Stack == "" {
		t.Fatalf("expected critical error log with stack, got %+v", logs)
	}
	usage := env.keys.usageSnapshot()
	if len(usage) != 1 || usage[0].status != http.StatusInternalServerError {
		t.Fatalf("expected usage recorded with 500, got %+v", usage)
	}
}

func TestCreateAPIKey(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/admin/api-keys", `{"user_id":"user-3","name":"ci","permissions":["qr:read"]}`, adminHeaders(t))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["key"] != "qr_raw" || body["id"] != "key-new" {
		t.Fatalf("unexpected body %v", body)
	}

	env.keys.createErr = apikey.ErrInvalidInput
	expectError(t, env.do(t, http.MethodPost, "/admin/api-keys", `{"name":"x"}`, adminHeaders(t)), http.StatusBadRequest, codeBadRequest)
	expectError(t, env.do(t, http.MethodPost, "/admin/api-keys", `{`, adminHeaders(t)), http.StatusBadRequest, codeBadRequest)
}

func TestClientErrorReportsAreRateLimited(t *testing.T) {
	env := newTestEnv(t)
	expectError(t, env.do(t, http.MethodPost, "/monitoring/errors", `{"message":"  "}`, nil), http.StatusBadRequest, codeBadRequest)

	for i := 1; i < rateLimitClientErrors; i++ {
		rec := env.do(t, http.MethodPost, "/monitoring/errors", `{"message":"TypeError: x is undefined","endpoint":"/dashboard","severity":"high"}`, nil)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i, rec.Code)
		}
	}
	rec := env.do(t, http.MethodPost, "/monitoring/errors", `{"message":"again"}`, nil)
	expectError(t, rec, http.StatusTooManyRequests, codeRateLimited)
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected rate headers on denial, got %v", rec.Header())
	}

	if got := len(env.registry.ErrorLogs(nil)); got != rateLimitClientErrors-1 {
		t.Fatalf("expected %d error logs, got %d", rateLimitClientErrors-1, got)
	}
	if env.registry.RateLimitViolations(nil) != 1 {
		t.Fatal("expected denial to be recorded as a security event")
	}
}

func TestClientErrorLimitKeysOnRemoteAddr(t *testing.T) {
	env := newTestEnv(t)
	body := `{"message":"ReferenceError: y is not defined"}`

	for i := 1; i <= rateLimitClientErrors; i++ {
		rec := env.do(t, http.MethodPost, "/monitoring/errors", body, map[string]string{
			"X-Forwarded-For": fmt.Sprintf("10.0.0.%d", i),
			"X-Real-IP":       fmt.Sprintf("10.0.1.%d", i),
		})
		if rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i, rec.Code)
		}
	}
	rec := env.do(t, http.MethodPost, "/monitoring/errors", body, map[string]string{"X-Forwarded-For": "10.0.0.250"})
	expectError(t, rec, http.StatusTooManyRequests, codeRateLimited)
}

func TestClientErrorLimitUsesForwardedForWhenTrusted(t *testing.T) {
	env := newTestEnv(t)
	env.router.trustProxy = true
	body := `{"message":"ReferenceError: y is not defined"}`
	first := map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.1"}

	for i := 1; i <= rateLimitClientErrors; i++ {
		if rec := env.do(t, http.MethodPost, "/monitoring/errors", body, first); rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i, rec.Code)
		}
	}
	expectError(t, env.do(t, http.MethodPost, "/monitoring/errors", body, first), http.StatusTooManyRequests, codeRateLimited)

	rec := env.do(t, http.MethodPost, "/monitoring/errors", body, map[string]string{"X-Forwarded-For": "198.51.100.8"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected a distinct forwarded client to have its own window, got %d", rec.Code)
	}
}

func TestInternalSecurityEvents(t *testing.T) {
	env := newTestEnv(t)
	body := `{"type":"failed_login","ip":"198.51.100.4","user_id":"user-2","endpoint":"/auth/login","severity":"medium"}`

	expectError(t, env.do(t, http.MethodPost, "/internal/security-events", body, nil), http.StatusUnauthorized, codeUnauthorized)
	expectError(t, env.do(t, http.MethodPost, "/internal/security-events", `{"type":"alien"}`, map[string]string{HeaderInternalToken: testInternalToken}), http.StatusBadRequest, codeBadRequest)

	rec := env.do(t, http.MethodPost, "/internal/security-events", body, map[string]string{HeaderInternalToken: testInternalToken})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if env.registry.FailedLogins(nil) != 1 {
		t.Fatal("expected failed login to be recorded")
	}
}

func TestEventsStreamDeliversAlerts(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/admin/monitoring/events?topics=alerts&access_token="+tokenFor(t, jwtpkg.RoleAdmin), nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected stream response %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	env.registry.UpdateAlertCondition("response_time", 2500, 1000)

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	deadline := time.After(2 * time.Second)
	sawEvent := false
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before alert arrived")
			}
			if line == "event: alerts" {
				sawEvent = true
				continue
			}
			if sawEvent && strings.HasPrefix(line, "data: ") {
				if !strings.Contains(line, `"alert_created"`) || !strings.Contains(line, `"response_time"`) {
					t.Fatalf("unexpected alert frame %q", line)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for alert frame")
		}
	}
}
