package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the QR code monitoring API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("api request failed (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// credential authenticates a single request.
type credential struct {
	bearer string
	apiKey string
}

func bearer(token string) credential { return credential{bearer: token} }

func apiKey(key string) credential { return credential{apiKey: key} }

func (c *Client) do(ctx context.Context, method, path string, body any, cred credential, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := strings.TrimSpace(cred.bearer); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if key := strings.TrimSpace(cred.apiKey); key != "" {
		req.Header.Set("X-API-Key", key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		code, msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Code: code, Message: msg, RetryAfter: resp.Header.Get("Retry-After")}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) (string, string) {
	if body == nil {
		return "", ""
	}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "", ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", strings.TrimSpace(string(data))
	}
	return payload.Code, strings.TrimSpace(payload.Error)
}

// TimeWindow narrows monitoring queries. Window wins over Start/End.
type TimeWindow struct {
	Window time.Duration
	Start  time.Time
	End    time.Time
}

func (w TimeWindow) encode(q url.Values) {
	if w.Window > 0 {
		q.Set("window", w.Window.String())
		return
	}
	if !w.Start.IsZero() {
		q.Set("start", w.Start.UTC().Format(time.RFC3339))
	}
	if !w.End.IsZero() {
		q.Set("end", w.End.UTC().Format(time.RFC3339))
	}
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// Alert mirrors alert payloads.
type Alert struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Title       string     `json:"title"`
	Message     string     `json:"message"`
	Timestamp   time.Time  `json:"timestamp"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	Condition   string     `json:"condition"`
	LastChecked time.Time  `json:"last_checked"`
}

// SecuritySummary counts security events by type.
type SecuritySummary struct {
	FailedLogins        int `json:"failed_logins"`
	RateLimitViolations int `json:"rate_limit_violations"`
	SuspiciousActivity  int `json:"suspicious_activity"`
}

// Report is the monitoring dashboard snapshot.
type Report struct {
	Uptime           float64         `json:"uptime"`
	MemoryUsageGB    float64         `json:"memory_usage_gb"`
	ErrorRatePercent float64         `json:"error_rate_percent"`
	AvgResponseMS    float64         `json:"avg_response_time_ms"`
	Requests         int             `json:"api_requests"`
	Security         SecuritySummary `json:"security"`
	ActiveAlerts     []Alert         `json:"active_alerts"`
	Runtime          struct {
		Formatted string `json:"formatted"`
	} `json:"runtime"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Report fetches the monitoring snapshot.
func (c *Client) Report(ctx context.Context, token string, window TimeWindow) (Report, error) {
	q := url.Values{}
	window.encode(q)
	var report Report
	if err := c.do(ctx, http.MethodGet, withQuery("/admin/monitoring", q), nil, bearer(token), &report); err != nil {
		return Report{}, err
	}
	return report, nil
}

// Alerts lists active alerts, or the full history when all is set.
func (c *Client) Alerts(ctx context.Context, token string, all bool) ([]Alert, error) {
	path := "/admin/monitoring/alerts"
	if all {
		path += "?all=true"
	}
	var resp struct {
		Alerts []Alert `json:"alerts"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, bearer(token), &resp); err != nil {
		return nil, err
	}
	return resp.Alerts, nil
}

// ErrorLog mirrors error log payloads.
type ErrorLog struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method"`
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"`
}

// ErrorLogs lists captured errors, optionally filtered by severity.
func (c *Client) ErrorLogs(ctx context.Context, token, severity string, window TimeWindow) ([]ErrorLog, error) {
	q := url.Values{}
	window.encode(q)
	if severity = strings.TrimSpace(severity); severity != "" {
		q.Set("severity", severity)
	}
	var resp struct {
		Errors []ErrorLog `json:"errors"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery("/admin/monitoring/errors", q), nil, bearer(token), &resp); err != nil {
		return nil, err
	}
	return resp.Errors, nil
}

// CheckResult is one evaluated alert condition.
type CheckResult struct {
	Condition  string  `json:"condition"`
	Value      float64 `json:"value"`
	Threshold  float64 `json:"threshold"`
	Transition string  `json:"transition"`
}

// Check runs an immediate alert evaluation.
func (c *Client) Check(ctx context.Context, token string) ([]CheckResult, error) {
	var resp struct {
		Results []CheckResult `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/admin/monitoring/check", nil, bearer(token), &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// CreateKeyInput captures the payload for API key creation.
type CreateKeyInput struct {
	UserID      string     `json:"user_id"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions,omitempty"`
	RateLimit   int        `json:"rate_limit,omitempty"`
	Environment string     `json:"environment,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// CreatedKey is returned once on creation; Key is never shown again.
type CreatedKey struct {
	ID          string     `json:"id"`
	Key         string     `json:"key"`
	UserID      string     `json:"user_id"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	RateLimit   int        `json:"rate_limit"`
	Environment string     `json:"environment"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// CreateKey issues a new API key.
func (c *Client) CreateKey(ctx context.Context, token string, input CreateKeyInput) (CreatedKey, error) {
	var key CreatedKey
	if err := c.do(ctx, http.MethodPost, "/admin/api-keys", input, bearer(token), &key); err != nil {
		return CreatedKey{}, err
	}
	return key, nil
}

// EndpointCount is a request total for one endpoint.
type EndpointCount struct {
	Endpoint string `json:"endpoint"`
	Count    int    `json:"count"`
}

// UsageStats summarises an API key's traffic.
type UsageStats struct {
	Range              string          `json:"range"`
	TotalRequests      int             `json:"total_requests"`
	SuccessfulRequests int             `json:"successful_requests"`
	FailedRequests     int             `json:"failed_requests"`
	AverageResponseMS  float64         `json:"average_response_time_ms"`
	TopEndpoints       []EndpointCount `json:"top_endpoints"`
}

// Usage returns stats for the key making the request.
func (c *Client) Usage(ctx context.Context, key, rng string) (UsageStats, error) {
	q := url.Values{}
	if rng = strings.TrimSpace(rng); rng != "" {
		q.Set("range", rng)
	}
	var stats UsageStats
	if err := c.do(ctx, http.MethodGet, withQuery("/api/v1/usage", q), nil, apiKey(key), &stats); err != nil {
		return UsageStats{}, err
	}
	return stats, nil
}
