package ratelimit

import (
	"sync"
	"time"
)

// Window classes, used for metrics labels and rejection messages.
const (
	ClassGlobal      = "global"
	ClassSensitive   = "sensitive"
	ClassAuthFailure = "auth_failure"
	ClassPoll        = "poll"
)

type Config struct {
	GlobalLimit  int           // Max events per caller per GlobalWindow.
	GlobalWindow time.Duration // Sliding window for the global class.

	SensitiveLimit  int           // Max sensitive ops per caller per window.
	SensitiveWindow time.Duration // Sliding window for the sensitive class.

	AuthFailureLimit  int           // Failures per address before lockout.
	AuthFailureWindow time.Duration // Sliding window for auth failures.
	LockoutDuration   time.Duration // How long a locked address stays locked.

	PollLimit          int           // Callback polls per caller per window.
	PollWindow         time.Duration // Sliding window for callback polls.
	MaxPollsPerRequest int           // Hard ceiling of polls per requestId.

	JanitorInterval time.Duration // Cadence for purging empty counters.
}

// DefaultConfig returns the limits the gateway ships with.
func DefaultConfig() Config {
	return Config{
		GlobalLimit:        300,
		GlobalWindow:       60 * time.Second,
		SensitiveLimit:     30,
		SensitiveWindow:    60 * time.Second,
		AuthFailureLimit:   5,
		AuthFailureWindow:  60 * time.Second,
		LockoutDuration:    5 * time.Minute,
		PollLimit:          60,
		PollWindow:         60 * time.Second,
		MaxPollsPerRequest: 60,
		JanitorInterval:    60 * time.Second,
	}
}

// Decision is the outcome of a side-effect-free limit check. RetryAfter
// is the time until the oldest relevant event falls off the window (or
// until the lock expires).
type Decision struct {
	OK         bool
	RetryAfter time.Duration
}

var allow = Decision{OK: true}

// Limiter tracks sliding-window counters per caller and per address.
//
// Check* methods never mutate state; callers record separately after the
// guarded work is admitted, so rejected calls cannot displace admitted
// ones.
type Limiter struct {
	cfg Config

	mu        sync.Mutex
	global    map[string][]time.Time // Per-caller global event timestamps.
	sensitive map[string][]time.Time // Per-caller sensitive event timestamps.
	authFail  map[string][]time.Time // Per-address auth failure timestamps.
	locks     map[string]time.Time   // Per-address lock-until time.
	polls     map[string][]time.Time // Per-caller callback poll timestamps.
	reqPolls  map[string]int         // Per-requestId poll counts.

	now func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config) *Limiter {
	d := DefaultConfig()
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = d.GlobalLimit
	}
	if cfg.GlobalWindow <= 0 {
		cfg.GlobalWindow = d.GlobalWindow
	}
	if cfg.SensitiveLimit <= 0 {
		cfg.SensitiveLimit = d.SensitiveLimit
	}
	if cfg.SensitiveWindow <= 0 {
		cfg.SensitiveWindow = d.SensitiveWindow
	}
	if cfg.AuthFailureLimit <= 0 {
		cfg.AuthFailureLimit = d.AuthFailureLimit
	}
	if cfg.AuthFailureWindow <= 0 {
		cfg.AuthFailureWindow = d.AuthFailureWindow
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = d.LockoutDuration
	}
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = d.PollLimit
	}
	if cfg.PollWindow <= 0 {
		cfg.PollWindow = d.PollWindow
	}
	if cfg.MaxPollsPerRequest <= 0 {
		cfg.MaxPollsPerRequest = d.MaxPollsPerRequest
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = d.JanitorInterval
	}
	l := &Limiter{
		cfg:       cfg,
		global:    make(map[string][]time.Time),
		sensitive: make(map[string][]time.Time),
		authFail:  make(map[string][]time.Time),
		locks:     make(map[string]time.Time),
		polls:     make(map[string][]time.Time),
		reqPolls:  make(map[string]int),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	go l.janitorLoop()
	return l
}

// Close stops the janitor.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Config returns the normalized limits, for advertising to peers.
func (l *Limiter) Config() Config { return l.cfg }

// prune drops timestamps older than cutoff. The returned slice aliases q.
func prune(q []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(q) && !q[i].After(cutoff) {
		i++
	}
	return q[i:]
}

func (l *Limiter) check(m map[string][]time.Time, key string, limit int, window time.Duration) Decision {
	now := l.now()
	q := prune(m[key], now.Add(-window))
	m[key] = q
	if len(q) < limit {
		return allow
	}
	retry := window - now.Sub(q[0])
	if retry < 0 {
		retry = 0
	}
	return Decision{RetryAfter: retry}
}

// CheckGlobal evaluates the per-caller global window without recording.
func (l *Limiter) CheckGlobal(caller string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check(l.global, caller, l.cfg.GlobalLimit, l.cfg.GlobalWindow)
}

// RecordGlobal appends one admitted event for the caller.
func (l *Limiter) RecordGlobal(caller string) {
	l.mu.Lock()
	l.global[caller] = append(l.global[caller], l.now())
	l.mu.Unlock()
}

// CheckSensitive evaluates the per-caller sensitive window without
// recording.
func (l *Limiter) CheckSensitive(caller string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check(l.sensitive, caller, l.cfg.SensitiveLimit, l.cfg.SensitiveWindow)
}

// RecordSensitive appends one admitted sensitive op for the caller.
func (l *Limiter) RecordSensitive(caller string) {
	l.mu.Lock()
	l.sensitive[caller] = append(l.sensitive[caller], l.now())
	l.mu.Unlock()
}

// IsLocked reports whether addr is under auth-failure lockout and how
// long until it unlocks.
func (l *Limiter) IsLocked(addr string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.locks[addr]
	if !ok {
		return false, 0
	}
	now := l.now()
	if !until.After(now) {
		delete(l.locks, addr)
		return false, 0
	}
	return true, until.Sub(now)
}

// RecordAuthFailure appends one failed handshake for addr. When the
// failure count reaches the configured limit within the window, the
// address is locked until now+LockoutDuration and the failure window is
// cleared. Returns whether this failure triggered a lock.
func (l *Limiter) RecordAuthFailure(addr string) (locked bool, until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	q := prune(l.authFail[addr], now.Add(-l.cfg.AuthFailureWindow))
	q = append(q, now)
	if len(q) >= l.cfg.AuthFailureLimit {
		until = now.Add(l.cfg.LockoutDuration)
		l.locks[addr] = until
		delete(l.authFail, addr)
		return true, until
	}
	l.authFail[addr] = q
	return false, time.Time{}
}

// CheckPoll evaluates the per-caller poll window and the per-requestId
// ceiling without recording.
func (l *Limiter) CheckPoll(caller string, requestID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reqPolls[requestID] >= l.cfg.MaxPollsPerRequest {
		// The per-request ceiling never resets inside the request's
		// lifetime, so the only honest retry hint is the poll window.
		return Decision{RetryAfter: l.cfg.PollWindow}
	}
	return l.check(l.polls, caller, l.cfg.PollLimit, l.cfg.PollWindow)
}

// RecordPoll appends one poll for the caller and the requestId.
func (l *Limiter) RecordPoll(caller string, requestID string) {
	l.mu.Lock()
	l.polls[caller] = append(l.polls[caller], l.now())
	l.reqPolls[requestID]++
	l.mu.Unlock()
}

// ClearRequestPolls drops the poll counter for a delivered requestId.
func (l *Limiter) ClearRequestPolls(requestID string) {
	l.mu.Lock()
	delete(l.reqPolls, requestID)
	l.mu.Unlock()
}

// Sweep purges empty counters and expired locks. The janitor calls it
// every JanitorInterval; tests call it directly.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, q := range l.global {
		if q = prune(q, now.Add(-l.cfg.GlobalWindow)); len(q) == 0 {
			delete(l.global, key)
		} else {
			l.global[key] = q
		}
	}
	for key, q := range l.sensitive {
		if q = prune(q, now.Add(-l.cfg.SensitiveWindow)); len(q) == 0 {
			delete(l.sensitive, key)
		} else {
			l.sensitive[key] = q
		}
	}
	for key, q := range l.authFail {
		if q = prune(q, now.Add(-l.cfg.AuthFailureWindow)); len(q) == 0 {
			delete(l.authFail, key)
		} else {
			l.authFail[key] = q
		}
	}
	for key, q := range l.polls {
		if q = prune(q, now.Add(-l.cfg.PollWindow)); len(q) == 0 {
			delete(l.polls, key)
		} else {
			l.polls[key] = q
		}
	}
	for addr, until := range l.locks {
		if !until.After(now) {
			delete(l.locks, addr)
		}
	}
}

func (l *Limiter) janitorLoop() {
	t := time.NewTicker(l.cfg.JanitorInterval)
	defer t.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-t.C:
			l.Sweep()
		}
	}
}
