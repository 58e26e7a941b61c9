package ws

import (
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu      sync.Mutex
	ch      chan []byte
	failing bool
	closed  bool
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{ch: make(chan []byte, 8)}
}

func (s *recordingSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("broken pipe")
	}
	s.ch <- payload
	return nil
}

func (s *recordingSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHubDeliversByTopic(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	alerts := newRecordingSubscriber()
	security := newRecordingSubscriber()
	hub.Register("alerts", alerts)
	hub.Register("security", security)
	if hub.Subscribers("alerts") != 1 {
		t.Fatalf("expected one alerts subscriber, got %d", hub.Subscribers("alerts"))
	}

	hub.Broadcast("alerts", []byte(`{"event":"alert_created"}`))
	select {
	case payload := <-alerts.ch:
		if string(payload) != `{"event":"alert_created"}` {
			t.Fatalf("unexpected payload %s", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected alerts payload")
	}
	select {
	case payload := <-security.ch:
		t.Fatalf("security subscriber received alerts payload %s", payload)
	case <-time.After(50 * time.Millisecond):
	}

	hub.Unregister("alerts", alerts)
	if hub.Subscribers("alerts") != 0 {
		t.Fatal("expected alerts topic to be empty")
	}
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub := newRecordingSubscriber()
	sub.failing = true
	hub.Register("alerts", sub)
	hub.Broadcast("alerts", []byte("x"))

	waitFor(t, func() bool { return hub.Subscribers("alerts") == 0 })
	if !sub.isClosed() {
		t.Fatal("expected failing subscriber to be closed")
	}
}

type blockingSubscriber struct {
	release chan struct{}
}

func (s *blockingSubscriber) Send([]byte) error {
	<-s.release
	return nil
}

func (s *blockingSubscriber) Close() {}

func TestHubCountsDroppedPayloads(t *testing.T) {
	hub := NewHub()
	sub := &blockingSubscriber{release: make(chan struct{})}
	hub.Register("alerts", sub)
	t.Cleanup(func() {
		close(sub.release)
		hub.Close()
	})

	const extra = 10
	for i := 0; i < broadcastBuffer+extra; i++ {
		hub.Broadcast("alerts", []byte("{}"))
	}
	// At most one payload is held by the stalled delivery; the rest fill the queue.
	if got := hub.Dropped(); got < extra-1 {
		t.Fatalf("expected at least %d dropped payloads, got %d", extra-1, got)
	}
}

func TestHubCloseClosesSubscribers(t *testing.T) {
	hub := NewHub()
	sub := newRecordingSubscriber()
	hub.Register("security", sub)
	hub.Close()
	waitFor(t, sub.isClosed)

	hub.Broadcast("security", []byte("ignored"))
	hub.Register("security", newRecordingSubscriber())
}

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, "alerts", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := client.Send([]byte(`{"a":1}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: alerts\ndata: {\"a\":1}\n\n") {
		t.Fatalf("unexpected frame %q", body)
	}
	if !strings.HasSuffix(body, ": ping\n\n") {
		t.Fatalf("expected heartbeat comment, got %q", body)
	}

	client.Close()
	if err := client.Send([]byte("late")); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}
