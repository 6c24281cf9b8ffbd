package monitor

import (
	"testing"
	"time"
)

func TestCheckDegradesWithPending(t *testing.T) {
	pending := 0
	m := New(Config{MaxPending: 10, WarnFraction: 0.8}, Options{
		Pending: func() int { return pending },
	})

	h := m.Check()
	if h.Status != StatusHealthy {
		t.Fatalf("status = %q, want healthy", h.Status)
	}
	if h.HeapAllocBytes == 0 || h.RSSBytes == 0 {
		t.Fatalf("memory figures missing: heap=%d rss=%d", h.HeapAllocBytes, h.RSSBytes)
	}
	pending = 8
	if h := m.Check(); h.Status != StatusWarning {
		t.Fatalf("status = %q, want warning at 80%%", h.Status)
	}
	pending = 10
	if h := m.Check(); h.Status != StatusCritical {
		t.Fatalf("status = %q, want critical at max", h.Status)
	}
	if m.Last().Status != StatusCritical {
		t.Fatal("Last did not record the critical snapshot")
	}
}

func TestCriticalRunsEmergencySweep(t *testing.T) {
	swept := 0
	m := New(Config{MaxPending: 1}, Options{
		Pending:        func() int { return 5 },
		EmergencySweep: func() { swept++ },
	})
	m.Check()
	m.Check()
	if swept != 2 {
		t.Fatalf("sweep ran %d times, want 2", swept)
	}
}

func TestCanAcceptRequest(t *testing.T) {
	pending := 0
	m := New(Config{MaxPending: 2, RetryAfter: 5 * time.Second}, Options{
		Pending: func() int { return pending },
	})
	if ok, _ := m.CanAcceptRequest(); !ok {
		t.Fatal("empty table should admit")
	}
	pending = 2
	ok, retry := m.CanAcceptRequest()
	if ok {
		t.Fatal("full table should refuse")
	}
	if retry != 5*time.Second {
		t.Fatalf("retryAfter = %v, want 5s", retry)
	}
}
