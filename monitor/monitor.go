// Package monitor watches the gateway's in-flight load and memory use,
// feeds the health endpoint, and triggers an emergency sweep when the
// pending table grows past its bound.
package monitor

import (
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/tabgate/tabgate/observability"
)

// Health status values, ordered by severity.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

type Config struct {
	// Interval between health evaluations.
	Interval time.Duration
	// MaxPending is the hard in-flight request bound. At or above it
	// the gateway stops admitting new requests.
	MaxPending int
	// WarnFraction of MaxPending at which status degrades to warning.
	WarnFraction float64
	// RetryAfter is the backoff hint returned with admission refusals.
	RetryAfter time.Duration
	// HeapWarnBytes degrades status to warning when heap allocation
	// crosses it. Zero disables the heap check.
	HeapWarnBytes uint64
}

func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		MaxPending:   1000,
		WarnFraction: 0.8,
		RetryAfter:   5 * time.Second,
	}
}

// Health is one evaluated snapshot.
type Health struct {
	Status             string         `json:"status"`
	Pending            int            `json:"pendingRequests"`
	PendingByOperation map[string]int `json:"pendingByOperation,omitempty"`
	CallbackPending    int            `json:"callbackPending"`
	HeapAllocBytes     uint64         `json:"heapAllocBytes"`
	RSSBytes           uint64         `json:"rssBytes"`
	Goroutines         int            `json:"goroutines"`
	UptimeSeconds      int64          `json:"uptimeSeconds"`
	CheckedAt          time.Time      `json:"checkedAt"`
}

// Options wires the monitor to the request table it watches. Pending
// and PendingByOp are required; the rest may be nil.
type Options struct {
	Pending         func() int
	PendingByOp     func() map[string]int
	CallbackPending func() int
	// EmergencySweep runs when a check lands critical. It should force
	// out requests whose timers were lost and purge terminal state.
	EmergencySweep func()
	Observer       observability.GatewayObserver
	Logger         *log.Logger
}

type Monitor struct {
	cfg  Config
	opts Options
	obs  observability.GatewayObserver

	mu      sync.Mutex
	last    Health
	started time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config, opts Options) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 1000
	}
	if cfg.WarnFraction <= 0 || cfg.WarnFraction > 1 {
		cfg.WarnFraction = 0.8
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 5 * time.Second
	}
	obs := opts.Observer
	if obs == nil {
		obs = observability.NoopGatewayObserver
	}
	m := &Monitor{
		cfg:     cfg,
		opts:    opts,
		obs:     obs,
		started: time.Now(),
		stopCh:  make(chan struct{}),
	}
	m.last = m.evaluate()
	return m
}

// Start launches the periodic check loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Close stops the loop and waits for it.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.Check()
		case <-m.stopCh:
			return
		}
	}
}

// Check evaluates health once, records it, and runs the emergency
// sweep on a critical result.
func (m *Monitor) Check() Health {
	h := m.evaluate()

	m.mu.Lock()
	m.last = h
	m.mu.Unlock()
	m.obs.HealthStatus(h.Status)

	if h.Status == StatusCritical && m.opts.EmergencySweep != nil {
		m.logf("health critical: %d pending (max %d), running emergency sweep", h.Pending, m.cfg.MaxPending)
		m.opts.EmergencySweep()
	}
	return h
}

func (m *Monitor) evaluate() Health {
	h := Health{
		Status:        StatusHealthy,
		CheckedAt:     time.Now(),
		UptimeSeconds: int64(time.Since(m.started).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}
	if m.opts.Pending != nil {
		h.Pending = m.opts.Pending()
	}
	if m.opts.PendingByOp != nil {
		h.PendingByOperation = m.opts.PendingByOp()
	}
	if m.opts.CallbackPending != nil {
		h.CallbackPending = m.opts.CallbackPending()
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	h.HeapAllocBytes = ms.HeapAlloc
	// Sys is what the runtime holds from the OS, the closest portable
	// stand-in for resident set size.
	h.RSSBytes = ms.Sys

	warnAt := int(float64(m.cfg.MaxPending) * m.cfg.WarnFraction)
	switch {
	case h.Pending >= m.cfg.MaxPending:
		h.Status = StatusCritical
	case h.Pending >= warnAt:
		h.Status = StatusWarning
	case m.cfg.HeapWarnBytes > 0 && ms.HeapAlloc >= m.cfg.HeapWarnBytes:
		h.Status = StatusWarning
	}
	return h
}

// Last returns the most recent snapshot without re-evaluating.
func (m *Monitor) Last() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// CanAcceptRequest reports whether a new request may be admitted; when
// it may not, retryAfter carries the backoff hint.
func (m *Monitor) CanAcceptRequest() (ok bool, retryAfter time.Duration) {
	pending := 0
	if m.opts.Pending != nil {
		pending = m.opts.Pending()
	}
	if pending >= m.cfg.MaxPending {
		return false, m.cfg.RetryAfter
	}
	return true, 0
}

func (m *Monitor) logf(format string, args ...any) {
	if m.opts.Logger != nil {
		m.opts.Logger.Printf(format, args...)
	}
}
