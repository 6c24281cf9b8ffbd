package callback

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/tabgate/tabgate/protocol"
)

// Kind describes how a caller expects its result delivered.
type Kind string

const (
	// KindInternal keeps the result for HTTP polling only.
	KindInternal Kind = "internal"
	// KindHTTPURL POSTs the result to a caller-supplied URL.
	KindHTTPURL Kind = "http-url"
	// KindWSInternal marks results whose caller is an automation
	// websocket; the typed push happens in the correlator, the stored
	// entry serves late pollers.
	KindWSInternal Kind = "websocket-internal"
)

// InternalSentinel is the callbackUrl value HTTP callers may pass to
// request poll-only delivery explicitly.
const InternalSentinel = "_internal"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusTimeout    Status = "timeout"
	StatusError      Status = "error"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusTimeout, StatusError:
		return true
	}
	return false
}

var (
	ErrDuplicate  = errors.New("pending entry already exists for requestId")
	ErrAtCapacity = errors.New("pending store at capacity")
)

// EventCallbackResult is the bus event name for terminal payloads.
const EventCallbackResult = "callback_result"

type Config struct {
	TimeoutCheckInterval time.Duration // Timeout sweep cadence.
	CleanupInterval      time.Duration // Retention sweep cadence.
	ResponseRetention    time.Duration // How long terminal entries stay pollable.
	DefaultTTL           time.Duration // TTL for entries registered without one.
	MaxPending           int           // Max simultaneous pending entries.
	HTTPTimeout          time.Duration // Delivery timeout for callback URLs.
}

// DefaultConfig returns store defaults.
func DefaultConfig() Config {
	return Config{
		TimeoutCheckInterval: 5 * time.Second,
		CleanupInterval:      30 * time.Second,
		ResponseRetention:    5 * time.Minute,
		DefaultTTL:           60 * time.Second,
		MaxPending:           1000,
		HTTPTimeout:          10 * time.Second,
	}
}

// Entry is one pending request and, once terminal, its stored result.
type Entry struct {
	RequestID   string
	Kind        Kind
	CallbackURL string
	Operation   protocol.Action
	CreatedAt   time.Time
	TTL         time.Duration
	Status      Status
	Result      map[string]any
	WSPushed    bool // Result already pushed over the caller's websocket.
	ResolvedAt  time.Time
}

// Store is the keyed table of pending requests and retained results.
type Store struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*Entry

	bus     *Bus
	client  *http.Client
	logger  *log.Logger
	onEvict func(requestID string)

	now func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Options are the store's collaborators. Bus is required; the rest are
// optional.
type Options struct {
	Bus     *Bus
	Logger  *log.Logger
	OnEvict func(requestID string) // Called when retention drops an entry.
}

func New(cfg Config, opts Options) *Store {
	d := DefaultConfig()
	if cfg.TimeoutCheckInterval <= 0 {
		cfg.TimeoutCheckInterval = d.TimeoutCheckInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = d.CleanupInterval
	}
	if cfg.ResponseRetention <= 0 {
		cfg.ResponseRetention = d.ResponseRetention
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = d.DefaultTTL
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = d.MaxPending
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = d.HTTPTimeout
	}
	bus := opts.Bus
	if bus == nil {
		bus = NewBus()
	}
	s := &Store{
		cfg:     cfg,
		entries: make(map[string]*Entry),
		bus:     bus,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		logger:  opts.Logger,
		onEvict: opts.OnEvict,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Close stops the background sweeps.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Bus exposes the result bus for long-poll and SSE consumers.
func (s *Store) Bus() *Bus { return s.bus }

// Register records a pending entry for requestId. At most one live entry
// per requestId may exist; a terminal entry still inside retention is
// replaced only after retention drops it.
func (s *Store) Register(requestID string, op protocol.Action, kind Kind, callbackURL string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[requestID]; ok {
		return ErrDuplicate
	}
	pending := 0
	for _, e := range s.entries {
		if !e.Status.Terminal() {
			pending++
		}
	}
	if pending >= s.cfg.MaxPending {
		return ErrAtCapacity
	}
	s.entries[requestID] = &Entry{
		RequestID:   requestID,
		Kind:        kind,
		CallbackURL: callbackURL,
		Operation:   op,
		CreatedAt:   s.now(),
		TTL:         ttl,
		Status:      StatusPending,
	}
	return nil
}

// MarkProcessing flips a pending entry to processing once the command is
// on the wire to an extension.
func (s *Store) MarkProcessing(requestID string) {
	s.mu.Lock()
	if e, ok := s.entries[requestID]; ok && e.Status == StatusPending {
		e.Status = StatusProcessing
	}
	s.mu.Unlock()
}

// Resolve stores the terminal payload for requestId and publishes a
// callback_result event. wsPushed suppresses the generic
// push-to-waiting-clients path when the correlator already delivered the
// typed response over the caller's websocket. Returns false when no live
// entry exists (late or duplicate terminal).
func (s *Store) Resolve(requestID string, status Status, payload map[string]any, wsPushed bool) bool {
	if !status.Terminal() {
		return false
	}
	s.mu.Lock()
	e, ok := s.entries[requestID]
	if !ok || e.Status.Terminal() {
		s.mu.Unlock()
		return false
	}
	e.Status = status
	e.Result = payload
	e.WSPushed = wsPushed
	e.ResolvedAt = s.now()
	kind := e.Kind
	url := e.CallbackURL
	s.mu.Unlock()

	if kind == KindHTTPURL && url != "" {
		go s.deliver(requestID, url, payload)
	}
	s.bus.Publish(Event{Name: EventCallbackResult, RequestID: requestID, Payload: payload})
	return true
}

// deliver POSTs the payload to a caller-supplied URL. Delivery failure
// is logged, not surfaced; the stored result remains pollable. One
// attempt only.
func (s *Store) deliver(requestID string, url string, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logf("callback %s: marshal failed: %v", requestID, err)
		return
	}
	resp, err := s.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		s.logf("callback %s: delivery to %s failed: %v", requestID, url, err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logf("callback %s: delivery to %s returned %d", requestID, url, resp.StatusCode)
	}
}

// Get returns a copy of the entry for requestId.
func (s *Store) Get(requestID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[requestID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// PendingCount returns the number of non-terminal entries.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if !e.Status.Terminal() {
			n++
		}
	}
	return n
}

// TimeoutPayload builds the synthetic error payload for a timed-out
// request.
func TimeoutPayload(requestID string, op protocol.Action, ttl time.Duration) map[string]any {
	return map[string]any{
		"status":        "error",
		"type":          "timeout",
		"requestId":     requestID,
		"message":       fmt.Sprintf("Request timed out after %dms", ttl.Milliseconds()),
		"operationType": string(op),
	}
}

// SweepTimeouts transitions every over-TTL pending entry to timeout and
// publishes its synthetic payload. Snapshot under the lock, resolve
// outside it.
func (s *Store) SweepTimeouts() int {
	now := s.now()
	type expired struct {
		id  string
		op  protocol.Action
		ttl time.Duration
	}
	var out []expired
	s.mu.Lock()
	for id, e := range s.entries {
		if !e.Status.Terminal() && now.Sub(e.CreatedAt) > e.TTL {
			out = append(out, expired{id: id, op: e.Operation, ttl: e.TTL})
		}
	}
	s.mu.Unlock()
	for _, x := range out {
		s.Resolve(x.id, StatusTimeout, TimeoutPayload(x.id, x.op, x.ttl), false)
	}
	return len(out)
}

// SweepRetention deletes terminal entries older than ResponseRetention.
func (s *Store) SweepRetention() int {
	now := s.now()
	var evicted []string
	s.mu.Lock()
	for id, e := range s.entries {
		if e.Status.Terminal() && now.Sub(e.ResolvedAt) > s.cfg.ResponseRetention {
			delete(s.entries, id)
			evicted = append(evicted, id)
		}
	}
	s.mu.Unlock()
	if s.onEvict != nil {
		for _, id := range evicted {
			s.onEvict(id)
		}
	}
	return len(evicted)
}

func (s *Store) sweepLoop() {
	timeoutT := time.NewTicker(s.cfg.TimeoutCheckInterval)
	retainT := time.NewTicker(s.cfg.CleanupInterval)
	defer timeoutT.Stop()
	defer retainT.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-timeoutT.C:
			s.SweepTimeouts()
		case <-retainT.C:
			s.SweepRetention()
		}
	}
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
