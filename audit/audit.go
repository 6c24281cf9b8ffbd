package audit

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Event kinds recorded by the gateway. Auth and sensitive-op events are
// always written; an external store consumes the rows.
const (
	EventAuthSuccess    = "auth_success"
	EventAuthFailure    = "auth_failure"
	EventAuthLockout    = "auth_lockout"
	EventOriginRejected = "origin_rejected"
	EventSensitiveOp    = "sensitive_op"
	EventSessionExpired = "session_expired"
	EventConnClosed     = "connection_closed"
)

// Record is one append-only audit row. Records are never mutated after
// Write.
type Record struct {
	Timestamp     time.Time      `json:"timestamp"`
	Event         string         `json:"eventType"`
	SessionID     string         `json:"sessionId,omitempty"`
	ClientID      string         `json:"clientId,omitempty"`
	ClientType    string         `json:"clientType,omitempty"`
	ClientAddress string         `json:"clientAddress,omitempty"`
	Action        string         `json:"action,omitempty"`
	TargetTabID   *int           `json:"targetTabId,omitempty"`
	TargetURL     string         `json:"targetUrl,omitempty"`
	Status        string         `json:"status,omitempty"`
	Duration      time.Duration  `json:"duration,omitempty"`
	RequestID     string         `json:"requestId,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// Sink receives audit records. Implementations must be safe for
// concurrent use and must not block the caller on slow storage; the
// gateway writes from connection paths.
type Sink interface {
	Write(r Record)
}

type nopSink struct{}

func (nopSink) Write(Record) {}

// NopSink discards every record.
var NopSink Sink = nopSink{}

// LogSink writes one JSON line per record to a logger.
type LogSink struct {
	l *log.Logger
}

func NewLogSink(l *log.Logger) *LogSink {
	return &LogSink{l: l}
}

func (s *LogSink) Write(r Record) {
	if s == nil || s.l == nil {
		return
	}
	b, err := json.Marshal(r)
	if err != nil {
		s.l.Printf("audit: marshal failed: %v", err)
		return
	}
	s.l.Printf("audit %s", b)
}

// MemorySink retains the most recent records in a bounded ring. It backs
// tests and the /status surface; the external store is expected to tail
// a durable sink in production.
type MemorySink struct {
	mu    sync.Mutex
	max   int
	items []Record
}

func NewMemorySink(max int) *MemorySink {
	if max <= 0 {
		max = 1024
	}
	return &MemorySink{max: max}
}

func (s *MemorySink) Write(r Record) {
	s.mu.Lock()
	s.items = append(s.items, r)
	if len(s.items) > s.max {
		s.items = append(s.items[:0], s.items[len(s.items)-s.max:]...)
	}
	s.mu.Unlock()
}

// Records returns a snapshot of retained records, oldest first.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.items))
	copy(out, s.items)
	return out
}

// Len returns the number of retained records.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Tee duplicates records to multiple sinks.
func Tee(sinks ...Sink) Sink {
	return teeSink(sinks)
}

type teeSink []Sink

func (t teeSink) Write(r Record) {
	for _, s := range t {
		if s != nil {
			s.Write(r)
		}
	}
}
