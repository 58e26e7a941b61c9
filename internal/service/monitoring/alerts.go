package monitoring

import (
	"sync"
	"time"

	"github.com/awilliams-2020/theqrcode-sub002/internal/domain"
)

// Transition describes what an alert update did.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionCreated
	TransitionUpdated
	TransitionResolved
)

func (t Transition) String() string {
	switch t {
	case TransitionCreated:
		return "created"
	case TransitionUpdated:
		return "updated"
	case TransitionResolved:
		return "resolved"
	default:
		return "none"
	}
}

// alertBook keeps alert history with at most one unresolved alert per condition.
type alertBook struct {
	mu       sync.Mutex
	alerts   []domain.Alert
	capacity int
	now      func() time.Time
	newID    func() string
}

func newAlertBook(capacity int, now func() time.Time, newID func() string) *alertBook {
	return &alertBook{
		alerts:   make([]domain.Alert, 0, capacity),
		capacity: capacity,
		now:      now,
		newID:    newID,
	}
}

func (b *alertBook) seedStartup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	text := ConditionSystemStartup.render(0, 0)
	resolvedAt := now
	b.appendLocked(domain.Alert{
		ID:          b.newID(),
		Type:        text.kind,
		Title:       text.title,
		Message:     text.message,
		Timestamp:   now,
		Resolved:    true,
		ResolvedAt:  &resolvedAt,
		Condition:   string(ConditionSystemStartup),
		LastChecked: now,
	})
}

// update applies one threshold comparison. Only value > threshold breaches.
func (b *alertBook) update(condition string, value, threshold float64) (domain.Alert, Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	idx := b.activeIndexLocked(condition)

	if value > threshold {
		text := Condition(condition).render(value, threshold)
		if idx < 0 {
			alert := domain.Alert{
				ID:          b.newID(),
				Type:        text.kind,
				Title:       text.title,
				Message:     text.message,
				Timestamp:   now,
				Condition:   condition,
				LastChecked: now,
			}
			b.appendLocked(alert)
			return alert, TransitionCreated
		}
		b.alerts[idx].Message = text.message
		b.alerts[idx].LastChecked = now
		return b.alerts[idx], TransitionUpdated
	}

	if idx < 0 {
		return domain.Alert{}, TransitionNone
	}
	resolvedAt := now
	b.alerts[idx].Resolved = true
	b.alerts[idx].ResolvedAt = &resolvedAt
	b.alerts[idx].LastChecked = now
	return b.alerts[idx], TransitionResolved
}

// ensure creates an alert for condition unless any alert for it already exists.
func (b *alertBook) ensure(condition string) (domain.Alert, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range b.alerts {
		if a.Condition == condition {
			return a, false
		}
	}
	now := b.now()
	text := Condition(condition).render(0, 0)
	alert := domain.Alert{
		ID:          b.newID(),
		Type:        text.kind,
		Title:       text.title,
		Message:     text.message,
		Timestamp:   now,
		Condition:   condition,
		LastChecked: now,
	}
	b.appendLocked(alert)
	return alert, true
}

func (b *alertBook) active() []domain.Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Alert, 0)
	for _, a := range b.alerts {
		if !a.Resolved {
			out = append(out, a)
		}
	}
	return out
}

func (b *alertBook) all() []domain.Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Alert(nil), b.alerts...)
}

func (b *alertBook) activeIndexLocked(condition string) int {
	for i := range b.alerts {
		if b.alerts[i].Condition == condition && !b.alerts[i].Resolved {
			return i
		}
	}
	return -1
}

func (b *alertBook) appendLocked(alert domain.Alert) {
	b.alerts = append(b.alerts, alert)
	if over := len(b.alerts) - b.capacity; over > 0 {
		copy(b.alerts, b.alerts[over:])
		b.alerts = b.alerts[:b.capacity]
	}
}

// UpdateAlertCondition compares value against threshold for condition and
// creates, refreshes or resolves its alert accordingly.
func (r *Registry) UpdateAlertCondition(condition string, value, threshold float64) (domain.Alert, Transition) {
	alert, transition := r.alerts.update(condition, value, threshold)
	switch transition {
	case TransitionCreated:
		r.logger.Warn("alert raised", "alert_id", alert.ID, "condition", condition, "value", value, "threshold", threshold)
		r.publishAlert(alert, transition)
	case TransitionResolved:
		r.logger.Info("alert resolved", "alert_id", alert.ID, "condition", condition, "value", value, "threshold", threshold)
		r.publishAlert(alert, transition)
	case TransitionUpdated:
		r.logger.Debug("alert refreshed", "alert_id", alert.ID, "condition", condition, "value", value)
	}
	return alert, transition
}

// EnsureAlert creates an alert for condition once, outside the threshold path.
func (r *Registry) EnsureAlert(condition string) (domain.Alert, bool) {
	alert, created := r.alerts.ensure(condition)
	if created {
		r.logger.Info("alert raised", "alert_id", alert.ID, "condition", condition)
		r.publishAlert(alert, TransitionCreated)
	}
	return alert, created
}

// ActiveAlerts returns unresolved alerts in creation order.
func (r *Registry) ActiveAlerts() []domain.Alert {
	return r.alerts.active()
}

// AllAlerts returns the retained alert history in creation order.
func (r *Registry) AllAlerts() []domain.Alert {
	return r.alerts.all()
}

func (r *Registry) publishAlert(alert domain.Alert, transition Transition) {
	r.publish(TopicAlerts, map[string]any{
		"event": "alert_" + transition.String(),
		"alert": alert,
	})
}
