package monitoring

import (
	"strings"
	"testing"
	"time"

	"github.com/awilliams-2020/theqrcode-sub002/internal/domain"
)

func activeFor(reg *Registry, condition string) []domain.Alert {
	var out []domain.Alert
	for _, a := range reg.ActiveAlerts() {
		if a.Condition == condition {
			out = append(out, a)
		}
	}
	return out
}

func TestAlertLifecycleDedupResolveAndRecreate(t *testing.T) {
	pub := &recordingPublisher{}
	reg, clock := newTestRegistry(t, WithPublisher(pub))

	first, transition := reg.UpdateAlertCondition("x", 10, 5)
	if transition != TransitionCreated {
		t.Fatalf("expected created, got %s", transition)
	}
	clock.Advance(time.Minute)
	again, transition := reg.UpdateAlertCondition("x", 10, 5)
	if transition != TransitionUpdated {
		t.Fatalf("expected updated, got %s", transition)
	}
	if again.ID != first.ID {
		t.Fatalf("expected same alert to be refreshed")
	}
	if !again.LastChecked.Equal(clock.Now()) {
		t.Fatalf("expected last checked to advance, got %v", again.LastChecked)
	}
	if got := activeFor(reg, "x"); len(got) != 1 {
		t.Fatalf("expected exactly one active alert, got %d", len(got))
	}

	resolved, transition := reg.UpdateAlertCondition("x", 1, 5)
	if transition != TransitionResolved {
		t.Fatalf("expected resolved, got %s", transition)
	}
	if !resolved.Resolved || resolved.ResolvedAt == nil || !resolved.ResolvedAt.Equal(clock.Now()) {
		t.Fatalf("unexpected resolved alert %+v", resolved)
	}
	if got := activeFor(reg, "x"); len(got) != 0 {
		t.Fatalf("expected no active alert after resolve, got %d", len(got))
	}

	recreated, transition := reg.UpdateAlertCondition("x", 10, 5)
	if transition != TransitionCreated {
		t.Fatalf("expected a new alert, got %s", transition)
	}
	if recreated.ID == first.ID {
		t.Fatal("expected a distinct alert record")
	}

	var history []domain.Alert
	for _, a := range reg.AllAlerts() {
		if a.Condition == "x" {
			history = append(history, a)
		}
	}
	if len(history) != 2 || !history[0].Resolved || history[1].Resolved {
		t.Fatalf("unexpected alert history %+v", history)
	}

	if got := pub.count(TopicAlerts); got != 3 {
		t.Fatalf("expected 3 alert broadcasts (create, resolve, create), got %d", got)
	}
	if msg := pub.last(TopicAlerts); msg["event"] != "alert_created" {
		t.Fatalf("unexpected last broadcast %v", msg)
	}
}

func TestAlertThresholdIsStrict(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, transition := reg.UpdateAlertCondition("x", 5, 5)
	if transition != TransitionNone {
		t.Fatalf("expected no transition at the threshold, got %s", transition)
	}
	if got := activeFor(reg, "x"); len(got) != 0 {
		t.Fatalf("expected no active alert, got %d", len(got))
	}

	reg.UpdateAlertCondition("x", 6, 5)
	_, transition = reg.UpdateAlertCondition("x", 5, 5)
	if transition != TransitionResolved {
		t.Fatalf("expected value equal to threshold to resolve, got %s", transition)
	}
}

func TestAlertTemplates(t *testing.T) {
	reg, _ := newTestRegistry(t)

	known, _ := reg.UpdateAlertCondition(string(ConditionErrorRate), 12.5, 5)
	if known.Title != "High Error Rate" || known.Type != domain.AlertError {
		t.Fatalf("unexpected error rate alert %+v", known)
	}
	if !strings.Contains(known.Message, "12.5%") {
		t.Fatalf("expected value in message, got %q", known.Message)
	}

	unknown, _ := reg.UpdateAlertCondition("disk_pressure", 0.75, 0.5)
	if unknown.Title != "System Alert" {
		t.Fatalf("expected fallback title, got %q", unknown.Title)
	}
	if unknown.Message != "Value 0.75 exceeds threshold 0.5" {
		t.Fatalf("unexpected fallback message %q", unknown.Message)
	}
}

func TestAlertStartupRecordIsResolved(t *testing.T) {
	reg, _ := newTestRegistry(t)
	all := reg.AllAlerts()
	if len(all) != 1 || all[0].Condition != string(ConditionSystemStartup) || !all[0].Resolved {
		t.Fatalf("unexpected startup history %+v", all)
	}
	if len(reg.ActiveAlerts()) != 0 {
		t.Fatal("expected startup alert to be inactive")
	}
}

func TestAlertHistoryEviction(t *testing.T) {
	reg, _ := newTestRegistry(t, WithCapacities(Capacities{Alerts: 2}))
	reg.UpdateAlertCondition("a", 2, 1)
	reg.UpdateAlertCondition("b", 2, 1)
	reg.UpdateAlertCondition("c", 2, 1)

	all := reg.AllAlerts()
	if len(all) != 2 || all[0].Condition != "b" || all[1].Condition != "c" {
		t.Fatalf("unexpected retained alerts %+v", all)
	}
}

func TestEnsureAlertIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	first, created := reg.EnsureAlert(string(ConditionHeartbeat))
	if !created || first.Title != "Monitoring Active" {
		t.Fatalf("expected heartbeat alert to be created, got %+v", first)
	}
	second, created := reg.EnsureAlert(string(ConditionHeartbeat))
	if created || second.ID != first.ID {
		t.Fatalf("expected existing heartbeat alert to be reused")
	}
}
