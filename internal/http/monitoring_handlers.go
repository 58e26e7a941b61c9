package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/awilliams-2020/theqrcode-sub002/internal/domain"
	"github.com/awilliams-2020/theqrcode-sub002/internal/service/monitoring"
	"github.com/awilliams-2020/theqrcode-sub002/internal/ws"
)

var defaultStreamTopics = []string{monitoring.TopicAlerts, monitoring.TopicSecurity}

// parseRange reads start/end (RFC3339) or window (Go duration) query
// parameters. No parameters yields nil, which selects each query's default window.
func parseRange(req *http.Request, now time.Time) (*domain.TimeRange, error) {
	q := req.URL.Query()
	if raw := strings.TrimSpace(q.Get("window")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, errors.New("window must be a positive duration such as 1h")
		}
		return &domain.TimeRange{Start: now.Add(-d), End: now}, nil
	}
	rawStart, rawEnd := strings.TrimSpace(q.Get("start")), strings.TrimSpace(q.Get("end"))
	if rawStart == "" && rawEnd == "" {
		return nil, nil
	}
	rng := &domain.TimeRange{End: now}
	if rawStart != "" {
		start, err := time.Parse(time.RFC3339, rawStart)
		if err != nil {
			return nil, errors.New("start must be RFC3339")
		}
		rng.Start = start
	}
	if rawEnd != "" {
		end, err := time.Parse(time.RFC3339, rawEnd)
		if err != nil {
			return nil, errors.New("end must be RFC3339")
		}
		rng.End = end
	}
	if rng.End.Before(rng.Start) {
		return nil, errors.New("end must not be before start")
	}
	return rng, nil
}

func (r *Router) rangeOrError(w http.ResponseWriter, req *http.Request) (*domain.TimeRange, bool) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return nil, false
	}
	rng, err := parseRange(req, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return nil, false
	}
	return rng, true
}

func (r *Router) handleMonitoringReport(w http.ResponseWriter, req *http.Request) {
	rng, ok := r.rangeOrError(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, r.monitor.Report(rng))
}

func (r *Router) handleAlerts(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	all, _ := strconv.ParseBool(req.URL.Query().Get("all"))
	alerts := r.monitor.ActiveAlerts()
	if all {
		alerts = r.monitor.AllAlerts()
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (r *Router) handleErrorLogs(w http.ResponseWriter, req *http.Request) {
	rng, ok := r.rangeOrError(w, req)
	if !ok {
		return
	}
	logs := r.monitor.ErrorLogs(rng)
	if severity := domain.Severity(strings.TrimSpace(req.URL.Query().Get("severity"))); severity != "" {
		filtered := logs[:0:0]
		for _, entry := range logs {
			if entry.Severity == severity {
				filtered = append(filtered, entry)
			}
		}
		logs = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": logs, "count": len(logs)})
}

func (r *Router) handleSecurityEvents(w http.ResponseWriter, req *http.Request) {
	rng, ok := r.rangeOrError(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": r.monitor.SecurityEvents(rng),
		"summary": monitoring.SecuritySummary{
			FailedLogins:        r.monitor.FailedLogins(rng),
			RateLimitViolations: r.monitor.RateLimitViolations(rng),
			SuspiciousActivity:  r.monitor.SuspiciousActivity(rng),
		},
	})
}

func (r *Router) handlePerformance(w http.ResponseWriter, req *http.Request) {
	rng, ok := r.rangeOrError(w, req)
	if !ok {
		return
	}
	endpoint := strings.TrimSpace(req.URL.Query().Get("endpoint"))
	metrics := r.monitor.PerformanceMetrics(rng)
	if endpoint != "" {
		filtered := metrics[:0:0]
		for _, m := range metrics {
			if m.Endpoint == endpoint {
				filtered = append(filtered, m)
			}
		}
		metrics = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics":              metrics,
		"requests":             r.monitor.RequestCount(rng),
		"error_rate":           r.monitor.ErrorRate(rng),
		"avg_response_time_ms": r.monitor.AverageResponseTime(endpoint, rng),
		"endpoints":            r.monitor.EndpointSummaries(rng),
	})
}

func (r *Router) handleCheck(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.evaluator == nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "alert evaluation disabled")
		return
	}
	results := r.evaluator.Evaluate(req.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"results":       results,
		"active_alerts": r.monitor.ActiveAlerts(),
	})
}

func streamTopics(req *http.Request) []string {
	raw := strings.TrimSpace(req.URL.Query().Get("topics"))
	if raw == "" {
		return defaultStreamTopics
	}
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		switch t = strings.TrimSpace(t); t {
		case monitoring.TopicAlerts, monitoring.TopicSecurity:
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return defaultStreamTopics
	}
	return topics
}

func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	topics := streamTopics(req)
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	for _, topic := range topics {
		r.hub.Register(topic, client)
	}
	defer func() {
		for _, topic := range topics {
			r.hub.Unregister(topic, client)
		}
		client.Close()
	}()
	client.Serve()
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternal, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")

	topics := streamTopics(req)
	client := ws.NewSSEClient(w, flusher, "", r.logger)
	subs := make([]sseTopic, 0, len(topics))
	for _, topic := range topics {
		sub := sseTopic{client: client, topic: topic}
		r.hub.Register(topic, sub)
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			r.hub.Unregister(sub.topic, sub)
		}
		client.Close()
	}()
	// The first frame commits the headers; every write goes through the client lock.
	if err := client.Heartbeat(); err != nil {
		return
	}

	ticker := time.NewTicker(r.sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// sseTopic subscribes one SSE connection to a topic, naming frames after it.
type sseTopic struct {
	client *ws.SSEClient
	topic  string
}

func (s sseTopic) Send(payload []byte) error {
	return s.client.SendEvent(s.topic, payload)
}

func (s sseTopic) Close() {
	s.client.Close()
}
