package ratelimit

import (
	"testing"
	"time"
)

// newTestLimiter builds a limiter with a controllable clock and no
// janitor goroutine.
func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	d := DefaultConfig()
	if cfg.GlobalLimit == 0 {
		cfg = d
	}
	l := New(cfg)
	l.Close()
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestGlobalWindowSlides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalLimit = 3
	cfg.GlobalWindow = 10 * time.Second
	l, now := newTestLimiter(cfg)

	for i := 0; i < 3; i++ {
		if d := l.CheckGlobal("c1"); !d.OK {
			t.Fatalf("event %d: expected admission", i)
		}
		l.RecordGlobal("c1")
		*now = now.Add(time.Second)
	}
	d := l.CheckGlobal("c1")
	if d.OK {
		t.Fatalf("expected fourth event to be rejected")
	}
	// Oldest event was 3s ago in a 10s window.
	if want := 7 * time.Second; d.RetryAfter != want {
		t.Fatalf("retryAfter = %v, want %v", d.RetryAfter, want)
	}

	// Other callers are unaffected.
	if d := l.CheckGlobal("c2"); !d.OK {
		t.Fatalf("expected unrelated caller to be admitted")
	}

	// After the window slides past the oldest event, admission resumes.
	*now = now.Add(8 * time.Second)
	if d := l.CheckGlobal("c1"); !d.OK {
		t.Fatalf("expected admission after window slide")
	}
}

func TestCheckIsSideEffectFree(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalLimit = 2
	l, _ := newTestLimiter(cfg)

	for i := 0; i < 10; i++ {
		if d := l.CheckGlobal("c1"); !d.OK {
			t.Fatalf("check %d should not consume budget", i)
		}
	}
	l.RecordGlobal("c1")
	l.RecordGlobal("c1")
	if d := l.CheckGlobal("c1"); d.OK {
		t.Fatalf("expected rejection after recording up to the limit")
	}
}

func TestSensitiveWindowIndependent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalLimit = 100
	cfg.SensitiveLimit = 1
	l, _ := newTestLimiter(cfg)

	l.RecordGlobal("c1")
	l.RecordSensitive("c1")
	if d := l.CheckGlobal("c1"); !d.OK {
		t.Fatalf("expected global budget to remain")
	}
	if d := l.CheckSensitive("c1"); d.OK {
		t.Fatalf("expected sensitive budget to be exhausted")
	}
}

func TestAuthFailureLockout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AuthFailureLimit = 5
	cfg.AuthFailureWindow = 60 * time.Second
	cfg.LockoutDuration = 5 * time.Minute
	l, now := newTestLimiter(cfg)

	const addr = "203.0.113.4"
	for i := 0; i < 4; i++ {
		locked, _ := l.RecordAuthFailure(addr)
		if locked {
			t.Fatalf("failure %d should not lock yet", i)
		}
		if got, _ := l.IsLocked(addr); got {
			t.Fatalf("address should not be locked after %d failures", i+1)
		}
	}
	locked, until := l.RecordAuthFailure(addr)
	if !locked {
		t.Fatalf("fifth failure should lock the address")
	}
	if want := now.Add(5 * time.Minute); !until.Equal(want) {
		t.Fatalf("lock until = %v, want %v", until, want)
	}
	if got, remaining := l.IsLocked(addr); !got || remaining != 5*time.Minute {
		t.Fatalf("IsLocked = %v/%v, want locked for 5m", got, remaining)
	}

	// The failure window is cleared on lock; after the lock expires the
	// next attempt is treated fresh.
	*now = now.Add(5*time.Minute + time.Second)
	if got, _ := l.IsLocked(addr); got {
		t.Fatalf("expected lock to expire")
	}
	if locked, _ := l.RecordAuthFailure(addr); locked {
		t.Fatalf("expected fresh failure window after lock expiry")
	}
}

func TestPollLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollLimit = 2
	cfg.PollWindow = 60 * time.Second
	cfg.MaxPollsPerRequest = 3
	l, _ := newTestLimiter(cfg)

	l.RecordPoll("c1", "r1")
	l.RecordPoll("c1", "r1")
	if d := l.CheckPoll("c1", "r1"); d.OK {
		t.Fatalf("expected per-caller poll window to reject")
	}
	// A different caller still hits the per-request ceiling.
	l.RecordPoll("c2", "r1")
	if d := l.CheckPoll("c3", "r1"); d.OK {
		t.Fatalf("expected per-request ceiling to reject")
	}
	l.ClearRequestPolls("r1")
	if d := l.CheckPoll("c3", "r1"); !d.OK {
		t.Fatalf("expected cleared request counter to admit")
	}
}

func TestSweepPurgesEmptyCounters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalWindow = time.Second
	l, now := newTestLimiter(cfg)

	l.RecordGlobal("c1")
	l.RecordAuthFailure("a1")
	*now = now.Add(time.Hour)
	l.Sweep()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.global) != 0 {
		t.Fatalf("expected global counters to be purged, got %d", len(l.global))
	}
	if len(l.authFail) != 0 {
		t.Fatalf("expected auth failure counters to be purged, got %d", len(l.authFail))
	}
	if len(l.locks) != 0 {
		t.Fatalf("expected expired locks to be purged, got %d", len(l.locks))
	}
}
