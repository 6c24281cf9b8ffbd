package callback

import "sync"

// Event is one bus message. Name is the event channel ("callback_result"
// for terminal request payloads, or a gateway broadcast event name);
// RequestID is set for request-scoped events.
type Event struct {
	Name      string
	RequestID string
	Payload   map[string]any
}

// Bus fans events out to one-shot request waiters (HTTP long-poll) and
// streaming subscribers (SSE). Subscriber channels are buffered; a full
// subscriber drops the event rather than blocking the publisher.
type Bus struct {
	mu      sync.Mutex
	waiters map[string][]chan Event
	subs    map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{
		waiters: make(map[string][]chan Event),
		subs:    make(map[chan Event]struct{}),
	}
}

// Publish delivers e to every waiter registered for its requestId (each
// exactly once) and to every streaming subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	var waiters []chan Event
	if e.RequestID != "" {
		waiters = b.waiters[e.RequestID]
		delete(b.waiters, e.RequestID)
	}
	subs := make([]chan Event, 0, len(b.subs))
	for ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range waiters {
		ch <- e
	}
	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Wait registers a one-shot listener for a requestId. The returned
// channel has capacity one; cancel must be called if the caller stops
// listening before an event arrives.
func (b *Bus) Wait(requestID string) (ch <-chan Event, cancel func()) {
	c := make(chan Event, 1)
	b.mu.Lock()
	b.waiters[requestID] = append(b.waiters[requestID], c)
	b.mu.Unlock()
	return c, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		ws := b.waiters[requestID]
		for i, w := range ws {
			if w == c {
				ws = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		if len(ws) == 0 {
			delete(b.waiters, requestID)
		} else {
			b.waiters[requestID] = ws
		}
	}
}

// Subscribe registers a streaming subscriber.
func (b *Bus) Subscribe() chan Event {
	c := make(chan Event, 32)
	b.mu.Lock()
	b.subs[c] = struct{}{}
	b.mu.Unlock()
	return c
}

// Unsubscribe removes a streaming subscriber.
func (b *Bus) Unsubscribe(c chan Event) {
	b.mu.Lock()
	delete(b.subs, c)
	b.mu.Unlock()
}
