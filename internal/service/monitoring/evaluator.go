package monitoring

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/awilliams-2020/theqrcode-sub002/internal/domain"
)

const (
	defaultEvaluateInterval = time.Minute
	heartbeatAfter          = 5 * time.Minute
	probeTimeout            = 5 * time.Second
)

// Thresholds configures the evaluator. A negative threshold disables its condition.
type Thresholds struct {
	ErrorRatePercent        float64
	ResponseTimeMS          float64
	MemoryUsageGB           float64
	MinUptimePercent        float64
	RateLimitViolationsHour float64
	FailedLoginsHour        float64
	Heartbeat               bool
}

// DefaultThresholds mirrors the production alerting defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRatePercent:        5,
		ResponseTimeMS:          1000,
		MemoryUsageGB:           1.5,
		MinUptimePercent:        99,
		RateLimitViolationsHour: 50,
		FailedLoginsHour:        20,
	}
}

// ConditionResult is the outcome of evaluating one condition.
type ConditionResult struct {
	Condition  Condition     `json:"condition"`
	Value      float64       `json:"value"`
	Threshold  float64       `json:"threshold"`
	Transition string        `json:"transition"`
	Alert      *domain.Alert `json:"alert,omitempty"`
}

// Evaluator periodically compares derived metrics against thresholds and
// drives the alert state machine.
type Evaluator struct {
	registry   *Registry
	thresholds Thresholds
	interval   time.Duration
	probe      func(context.Context) error
	logger     *slog.Logger
	once       sync.Once
}

// NewEvaluator constructs an Evaluator. probe may be nil; when set it is used
// as the health check that opens and closes downtime spans.
func NewEvaluator(registry *Registry, thresholds Thresholds, interval time.Duration, probe func(context.Context) error, logger *slog.Logger) *Evaluator {
	if interval <= 0 {
		interval = defaultEvaluateInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		registry:   registry,
		thresholds: thresholds,
		interval:   interval,
		probe:      probe,
		logger:     logger.With("component", "alert_evaluator"),
	}
}

// Run evaluates on every tick until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) {
	if e == nil {
		return
	}
	e.once.Do(func() {
		e.logger.Info("alert evaluator started", "interval", e.interval)
	})
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("alert evaluator stopped")
			return
		case <-ticker.C:
			e.Evaluate(ctx)
		}
	}
}

// Evaluate runs one pass over every enabled condition.
func (e *Evaluator) Evaluate(ctx context.Context) []ConditionResult {
	if e.probe != nil {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		e.registry.ObserveHealth(e.probe(probeCtx))
		cancel()
	}

	r := e.registry
	now := r.now()
	lastHour := &domain.TimeRange{Start: now.Add(-time.Hour), End: now}
	t := e.thresholds

	checks := []struct {
		condition Condition
		value     float64
		threshold float64
	}{
		{ConditionErrorRate, roundTo(r.ErrorRate(nil)*100, 1), t.ErrorRatePercent},
		{ConditionResponseTime, r.AverageResponseTime("", nil), t.ResponseTimeMS},
		{ConditionMemoryUsage, r.MemoryUsageGB(), t.MemoryUsageGB},
		{ConditionUptime, roundTo(100-r.Uptime(), 2), uptimeBudget(t.MinUptimePercent)},
		{ConditionRateLimitViolations, float64(r.RateLimitViolations(lastHour)), t.RateLimitViolationsHour},
		{ConditionFailedLogins, float64(r.FailedLogins(lastHour)), t.FailedLoginsHour},
	}

	results := make([]ConditionResult, 0, len(checks)+1)
	for _, c := range checks {
		if c.threshold < 0 {
			continue
		}
		alert, transition := r.UpdateAlertCondition(string(c.condition), c.value, c.threshold)
		result := ConditionResult{
			Condition:  c.condition,
			Value:      c.value,
			Threshold:  c.threshold,
			Transition: transition.String(),
		}
		if transition != TransitionNone {
			result.Alert = &alert
		}
		results = append(results, result)
	}

	if t.Heartbeat && now.Sub(r.Stats().StartTime) > heartbeatAfter {
		alert, created := r.EnsureAlert(string(ConditionHeartbeat))
		result := ConditionResult{Condition: ConditionHeartbeat, Transition: TransitionNone.String()}
		if created {
			result.Transition = TransitionCreated.String()
			result.Alert = &alert
		}
		results = append(results, result)
	}
	return results
}

// uptimeBudget converts a minimum uptime into the allowed downtime percentage.
func uptimeBudget(minUptime float64) float64 {
	if minUptime < 0 {
		return -1
	}
	return roundTo(100-minUptime, 2)
}
