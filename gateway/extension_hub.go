package gateway

import (
	"errors"
	"sync"
)

// ErrNoExtensions is returned when a command cannot reach any extension.
var ErrNoExtensions = errors.New("no active browser extension connections")

// ErrExtensionCapacity rejects extension admission beyond the bound.
var ErrExtensionCapacity = errors.New("extension slots full")

// ExtensionHub holds the admitted extension connections and selects one
// per dispatch via deterministic round-robin. Commands are never fanned
// out: a command belongs to the single extension it was sent to.
type ExtensionHub struct {
	mu    sync.Mutex
	conns []*Conn // Admission order; round-robin rotates over this.
	next  int     // Rolling start index for the next dispatch.
	max   int     // Extension slot bound.
}

func NewExtensionHub(max int) *ExtensionHub {
	if max <= 0 {
		max = 3
	}
	return &ExtensionHub{max: max}
}

// Add registers an admitted extension connection.
func (h *ExtensionHub) Add(c *Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.conns) >= h.max {
		return ErrExtensionCapacity
	}
	h.conns = append(h.conns, c)
	return nil
}

// Remove drops a connection from the hub. The rolling index is clamped
// so rotation continues from the same logical slot.
func (h *ExtensionHub) Remove(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.conns {
		if c.ID == id {
			h.conns = append(h.conns[:i], h.conns[i+1:]...)
			if h.next > i {
				h.next--
			}
			if len(h.conns) == 0 {
				h.next = 0
			} else {
				h.next %= len(h.conns)
			}
			return true
		}
	}
	return false
}

// Count returns the number of registered extensions.
func (h *ExtensionHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// AtCapacity reports whether the hub has no free extension slot.
func (h *ExtensionHub) AtCapacity() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns) >= h.max
}

// PruneClosed drops connections whose socket is no longer open and
// returns how many were removed. The admission path runs one pass
// before rejecting at capacity.
func (h *ExtensionHub) PruneClosed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.conns[:0]
	removed := 0
	for _, c := range h.conns {
		if c.Closed() {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	h.conns = kept
	if len(h.conns) == 0 {
		h.next = 0
	} else {
		h.next %= len(h.conns)
	}
	return removed
}

// SendCommand serializes the envelope to the first open extension
// starting at the rolling index, advancing past send failures. On
// success it returns the chosen extension's connection id and advances
// the index to the next slot; when the set is exhausted it returns
// ErrNoExtensions.
func (h *ExtensionHub) SendCommand(envelope any) (string, error) {
	h.mu.Lock()
	n := len(h.conns)
	if n == 0 {
		h.mu.Unlock()
		return "", ErrNoExtensions
	}
	candidates := make([]*Conn, 0, n)
	for i := 0; i < n; i++ {
		candidates = append(candidates, h.conns[(h.next+i)%n])
	}
	start := h.next
	h.mu.Unlock()

	for i, c := range candidates {
		if c.Closed() {
			continue
		}
		if err := c.Send(envelope); err != nil {
			continue
		}
		h.mu.Lock()
		if len(h.conns) > 0 {
			h.next = (start + i + 1) % len(h.conns)
		}
		h.mu.Unlock()
		return c.ID, nil
	}
	return "", ErrNoExtensions
}

// Snapshot returns the current connections for heartbeat and /status.
func (h *ExtensionHub) Snapshot() []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Conn, len(h.conns))
	copy(out, h.conns)
	return out
}
