package callback

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tabgate/tabgate/protocol"
)

func newTestStore(cfg Config) (*Store, *time.Time) {
	s := New(cfg, Options{})
	s.Close()
	now := time.Unix(2000, 0)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestRegisterResolveGet(t *testing.T) {
	s, _ := newTestStore(Config{})
	if err := s.Register("r1", protocol.ActionOpenURL, KindInternal, "", 0); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := s.Register("r1", protocol.ActionOpenURL, KindInternal, "", 0); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	if got := s.PendingCount(); got != 1 {
		t.Fatalf("PendingCount = %d, want 1", got)
	}

	payload := map[string]any{"status": "success", "tabId": 7}
	if !s.Resolve("r1", StatusCompleted, payload, false) {
		t.Fatalf("expected resolve to succeed")
	}
	e, ok := s.Get("r1")
	if !ok {
		t.Fatalf("expected entry to remain for pollers")
	}
	if e.Status != StatusCompleted || e.Result["tabId"] != 7 {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("expected no pending entries after resolve")
	}
}

func TestResolveIsTerminalOnce(t *testing.T) {
	s, _ := newTestStore(Config{})
	s.Register("r1", protocol.ActionGetHTML, KindInternal, "", 0)
	if !s.Resolve("r1", StatusCompleted, map[string]any{"status": "success"}, true) {
		t.Fatalf("first resolve should succeed")
	}
	if s.Resolve("r1", StatusError, map[string]any{"status": "error"}, false) {
		t.Fatalf("second terminal transition must be dropped")
	}
	e, _ := s.Get("r1")
	if e.Status != StatusCompleted || !e.WSPushed {
		t.Fatalf("expected first terminal state to stick, got %+v", e)
	}
}

func TestCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPending = 2
	s, _ := newTestStore(cfg)
	s.Register("r1", protocol.ActionOpenURL, KindInternal, "", 0)
	s.Register("r2", protocol.ActionOpenURL, KindInternal, "", 0)
	if err := s.Register("r3", protocol.ActionOpenURL, KindInternal, "", 0); !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("expected capacity rejection, got %v", err)
	}
	// Terminal entries do not count against the pending budget.
	s.Resolve("r1", StatusCompleted, map[string]any{}, false)
	if err := s.Register("r3", protocol.ActionOpenURL, KindInternal, "", 0); err != nil {
		t.Fatalf("expected admission after a slot freed: %v", err)
	}
}

func TestSweepTimeouts(t *testing.T) {
	s, now := newTestStore(Config{})
	s.Register("r1", protocol.ActionExecuteScript, KindInternal, "", 60*time.Second)

	ch, cancel := s.Bus().Wait("r1")
	defer cancel()

	*now = now.Add(61 * time.Second)
	if n := s.SweepTimeouts(); n != 1 {
		t.Fatalf("SweepTimeouts = %d, want 1", n)
	}
	e, _ := s.Get("r1")
	if e.Status != StatusTimeout {
		t.Fatalf("status = %v, want timeout", e.Status)
	}
	if e.Result["type"] != "timeout" || e.Result["message"] != "Request timed out after 60000ms" {
		t.Fatalf("unexpected synthetic payload: %v", e.Result)
	}
	select {
	case ev := <-ch:
		if ev.Name != EventCallbackResult || ev.RequestID != "r1" {
			t.Fatalf("unexpected bus event: %+v", ev)
		}
	default:
		t.Fatalf("expected callback_result on the bus")
	}
}

func TestSweepRetention(t *testing.T) {
	evicted := make([]string, 0, 1)
	s := New(Config{}, Options{OnEvict: func(id string) { evicted = append(evicted, id) }})
	s.Close()
	now := time.Unix(2000, 0)
	s.now = func() time.Time { return now }

	s.Register("r1", protocol.ActionOpenURL, KindInternal, "", 0)
	s.Resolve("r1", StatusCompleted, map[string]any{}, false)

	now = now.Add(4 * time.Minute)
	if n := s.SweepRetention(); n != 0 {
		t.Fatalf("entry evicted before retention elapsed")
	}
	now = now.Add(2 * time.Minute)
	if n := s.SweepRetention(); n != 1 {
		t.Fatalf("SweepRetention = %d, want 1", n)
	}
	if _, ok := s.Get("r1"); ok {
		t.Fatalf("expected entry to be gone after retention")
	}
	if len(evicted) != 1 || evicted[0] != "r1" {
		t.Fatalf("expected evict hook for r1, got %v", evicted)
	}
}

func TestHTTPCallbackDelivery(t *testing.T) {
	got := make(chan map[string]any, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(b, &m)
		got <- m
	}))
	defer ts.Close()

	s, _ := newTestStore(Config{})
	s.Register("r1", protocol.ActionOpenURL, KindHTTPURL, ts.URL, 0)
	s.Resolve("r1", StatusCompleted, map[string]any{"status": "success", "requestId": "r1"}, false)

	select {
	case m := <-got:
		if m["requestId"] != "r1" {
			t.Fatalf("unexpected delivery payload: %v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected HTTP callback delivery")
	}
}

func TestBusOneShotAndSubscribers(t *testing.T) {
	b := NewBus()
	w1, cancel1 := b.Wait("r1")
	_, cancel2 := b.Wait("r1")
	cancel2()
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(Event{Name: EventCallbackResult, RequestID: "r1", Payload: map[string]any{"x": 1}})

	select {
	case e := <-w1:
		if e.RequestID != "r1" {
			t.Fatalf("unexpected waiter event: %+v", e)
		}
	default:
		t.Fatalf("expected waiter delivery")
	}
	select {
	case e := <-sub:
		if e.Name != EventCallbackResult {
			t.Fatalf("unexpected subscriber event: %+v", e)
		}
	default:
		t.Fatalf("expected subscriber delivery")
	}

	// Waiters are one-shot; a second publish goes only to subscribers.
	b.Publish(Event{Name: EventCallbackResult, RequestID: "r1"})
	select {
	case <-w1:
		t.Fatalf("waiter should have been consumed")
	default:
	}
	cancel1()
}
