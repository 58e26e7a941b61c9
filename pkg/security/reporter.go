package security

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
	ingestPath       = "/internal/security-events"
	tokenHeader      = "X-Internal-Token"
)

// ErrUnauthorized indicates the API rejected the internal token.
var ErrUnauthorized = errors.New("security reporter unauthorized")

// ErrInvalidArgument indicates the API rejected the event payload.
var ErrInvalidArgument = errors.New("security reporter invalid argument")

// ErrRateLimited indicates the ingestion endpoint is throttling the caller.
var ErrRateLimited = errors.New("security reporter rate limited")

// Reporter forwards auth-flow security events to the monitoring API.
type Reporter struct {
	baseURL string
	token   string
	client  *http.Client
}

// Event is a security signal raised outside the API process, typically by the
// login flow.
type Event struct {
	Type      string
	IP        string
	UserAgent string
	UserID    string
	Endpoint  string
	Severity  string
	Details   map[string]any
}

// NewReporter creates a reporter for the API at baseURL authenticating with token.
func NewReporter(baseURL, token string, client *http.Client) (*Reporter, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("security reporter base url required")
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("security reporter token required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Reporter{baseURL: trimmed, token: strings.TrimSpace(token), client: client}, nil
}

// FailedLogin reports a rejected login attempt.
func (r *Reporter) FailedLogin(ctx context.Context, ip, userAgent, userID, endpoint string) error {
	return r.Report(ctx, Event{
		Type:      "failed_login",
		IP:        ip,
		UserAgent: userAgent,
		UserID:    userID,
		Endpoint:  endpoint,
		Severity:  "medium",
	})
}

// Report sends event to the ingestion endpoint.
func (r *Reporter) Report(ctx context.Context, event Event) error {
	if r == nil {
		return errors.New("security reporter not initialised")
	}
	kind := strings.TrimSpace(event.Type)
	if kind == "" {
		return errors.New("security event requires type")
	}
	body, err := json.Marshal(map[string]any{
		"type":       kind,
		"ip":         strings.TrimSpace(event.IP),
		"user_agent": strings.TrimSpace(event.UserAgent),
		"user_id":    strings.TrimSpace(event.UserID),
		"endpoint":   strings.TrimSpace(event.Endpoint),
		"severity":   strings.ToLower(strings.TrimSpace(event.Severity)),
		"details":    event.Details,
	})
	if err != nil {
		return fmt.Errorf("marshal security event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+ingestPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build security event request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tokenHeader, r.token)
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send security event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, summary)
	default:
		return fmt.Errorf("security event request failed: %s", summary)
	}
}
