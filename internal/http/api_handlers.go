package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/awilliams-2020/theqrcode-sub002/internal/domain"
	"github.com/awilliams-2020/theqrcode-sub002/internal/service/apikey"
	"github.com/awilliams-2020/theqrcode-sub002/internal/service/ratelimit"
)

type apiKeyHandler func(http.ResponseWriter, *http.Request, apikey.Result)

// withAPIKey authenticates the request with an API key, publishes quota
// headers and records usage once next returns. Panics in next are logged as
// critical errors and answered with a generic 500.
func (r *Router) withAPIKey(opts apikey.Options, next apiKeyHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		res, err := r.keys.Authenticate(req.Context(), req, opts)
		if err != nil {
			gateErr, ok := apikey.AsError(err)
			if !ok {
				r.logger.Error("api key authentication failed", "error", err, "path", req.URL.Path)
				writeError(w, http.StatusInternalServerError, apikey.CodeInternalError, "Internal server error")
				return
			}
			setRetryAfter(w, gateErr.RetryAfter)
			writeError(w, gateErr.Status, gateErr.Code, gateErr.Message)
			return
		}
		if d := res.RateLimit; d != nil {
			applyRateHeaders(w, d.Limit, d.Remaining, d.ResetTime)
		}
		ctx := withAuthInfo(req.Context(), w, authInfo{UserID: res.UserID, KeyID: res.KeyID})
		req = req.WithContext(ctx)

		recorder := &statusRecorder{ResponseWriter: w}
		defer func() {
			if p := recover(); p != nil {
				r.monitor.LogError(domain.ErrorLog{
					Message:  fmt.Sprint(p),
					Stack:    string(debug.Stack()),
					Endpoint: req.URL.Path,
					Method:   req.Method,
					UserID:   res.UserID,
					Severity: domain.SeverityCritical,
				})
				if recorder.status == 0 {
					writeError(recorder, http.StatusInternalServerError, apikey.CodeInternalError, "Internal server error")
				}
			}
			status := recorder.status
			if status == 0 {
				status = http.StatusOK
			}
			r.keys.RecordUsage(context.WithoutCancel(ctx), req, res, status, time.Since(start))
		}()
		next(recorder, req, res)
	}
}

func (r *Router) handleWhoAmI(w http.ResponseWriter, req *http.Request, res apikey.Result) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	payload := map[string]any{
		"user_id":     res.UserID,
		"key_id":      res.KeyID,
		"permissions": res.Permissions,
		"environment": res.Environment,
	}
	if d := res.RateLimit; d != nil {
		payload["rate_limit"] = map[string]any{
			"limit":     d.Limit,
			"remaining": d.Remaining,
			"reset":     d.ResetTime.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleUsage(w http.ResponseWriter, req *http.Request, res apikey.Result) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	rng, err := ratelimit.ParseStatsRange(req.URL.Query().Get("range"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	stats, err := r.keys.UsageStats(req.Context(), res.KeyID, rng)
	if err != nil {
		r.logger.Error("usage stats failed", "key_id", res.KeyID, "error", err)
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "usage statistics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleCreateAPIKey(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		UserID      string     `json:"user_id"`
		Name        string     `json:"name"`
		Permissions []string   `json:"permissions"`
		RateLimit   int        `json:"rate_limit"`
		Environment string     `json:"environment"`
		ExpiresAt   *time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	key, raw, err := r.keys.CreateKey(req.Context(), apikey.NewKey{
		UserID:      payload.UserID,
		Name:        payload.Name,
		Permissions: payload.Permissions,
		RateLimit:   payload.RateLimit,
		Environment: payload.Environment,
		ExpiresAt:   payload.ExpiresAt,
	})
	if err != nil {
		if errors.Is(err, apikey.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
			return
		}
		r.logger.Error("api key creation failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to create api key")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          key.ID,
		"key":         raw,
		"user_id":     key.UserID,
		"name":        key.Name,
		"permissions": key.Permissions,
		"rate_limit":  key.RateLimit,
		"environment": key.Environment,
		"expires_at":  key.ExpiresAt,
		"created_at":  key.CreatedAt,
	})
}

// handleClientError accepts error reports from browser and mobile clients.
func (r *Router) handleClientError(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Message  string `json:"message"`
		Stack    string `json:"stack"`
		Endpoint string `json:"endpoint"`
		Method   string `json:"method"`
		UserID   string `json:"user_id"`
		Severity string `json:"severity"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxClientPayloadBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	payload.Message = strings.TrimSpace(payload.Message)
	if payload.Message == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "message is required")
		return
	}
	if len(payload.Message) > maxClientMessageLength {
		payload.Message = payload.Message[:maxClientMessageLength]
	}
	entry := r.monitor.LogError(domain.ErrorLog{
		Message:  payload.Message,
		Stack:    payload.Stack,
		Endpoint: payload.Endpoint,
		Method:   strings.ToUpper(payload.Method),
		UserID:   payload.UserID,
		Severity: domain.Severity(strings.ToLower(payload.Severity)),
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"id": entry.ID})
}

// handleSecurityEventIngest records auth-flow events reported by trusted backends.
func (r *Router) handleSecurityEventIngest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Type      string         `json:"type"`
		IP        string         `json:"ip"`
		UserAgent string         `json:"user_agent"`
		UserID    string         `json:"user_id"`
		Endpoint  string         `json:"endpoint"`
		Severity  string         `json:"severity"`
		Details   map[string]any `json:"details"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxClientPayloadBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	kind := domain.SecurityEventType(strings.TrimSpace(payload.Type))
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, codeBadRequest, "unknown security event type")
		return
	}
	event := r.monitor.LogSecurityEvent(domain.SecurityEvent{
		Type:      kind,
		IP:        payload.IP,
		UserAgent: payload.UserAgent,
		UserID:    payload.UserID,
		Endpoint:  payload.Endpoint,
		Severity:  domain.Severity(strings.ToLower(payload.Severity)),
		Details:   payload.Details,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"id": event.ID})
}
