package gateway

import (
	"sync"

	"github.com/tabgate/tabgate/callback"
	"github.com/tabgate/tabgate/protocol"
)

// ClientHub holds the admitted automation connections and their event
// subscriptions.
type ClientHub struct {
	mu    sync.Mutex
	conns map[string]*Conn
	subs  map[string]map[string]struct{} // conn id -> subscribed event names

	bus *callback.Bus // Broadcast tap for SSE consumers; may be nil.
}

func NewClientHub(bus *callback.Bus) *ClientHub {
	return &ClientHub{
		conns: make(map[string]*Conn),
		subs:  make(map[string]map[string]struct{}),
		bus:   bus,
	}
}

// Add registers an admitted automation connection.
func (h *ClientHub) Add(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
}

// Remove drops a connection and its subscriptions.
func (h *ClientHub) Remove(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[id]
	delete(h.conns, id)
	delete(h.subs, id)
	return ok
}

// Get returns the connection for id.
func (h *ClientHub) Get(id string) (*Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[id]
	return c, ok
}

// Count returns the number of automation connections.
func (h *ClientHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Subscribe adds the valid names from events to the connection's
// subscription set and returns the accepted names.
func (h *ClientHub) Subscribe(id string, events []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[id]
	if set == nil {
		set = make(map[string]struct{})
		h.subs[id] = set
	}
	accepted := make([]string, 0, len(events))
	for _, e := range events {
		if _, ok := protocol.EventNames[e]; !ok {
			continue
		}
		set[e] = struct{}{}
		accepted = append(accepted, e)
	}
	return accepted
}

// Unsubscribe removes the given names and returns those actually
// removed.
func (h *ClientHub) Unsubscribe(id string, events []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[id]
	removed := make([]string, 0, len(events))
	for _, e := range events {
		if _, ok := set[e]; ok {
			delete(set, e)
			removed = append(removed, e)
		}
	}
	return removed
}

// Broadcast pushes {type: event, event, data} to every subscribed
// automation connection and mirrors the event onto the SSE bus.
// Snapshot under the lock, send outside it.
func (h *ClientHub) Broadcast(event string, data map[string]any) {
	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns))
	for id, c := range h.conns {
		if _, ok := h.subs[id][event]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		_ = c.SendEvent(event, data)
	}
	if h.bus != nil {
		h.bus.Publish(callback.Event{Name: event, Payload: data})
	}
}

// Snapshot returns the current connections for heartbeat and /status.
func (h *ClientHub) Snapshot() []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}
