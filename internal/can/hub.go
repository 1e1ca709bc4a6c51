package can

import (
	"sync"
	"sync/atomic"
)

// Hub fans sequenced messages out to any number of subscribers. Delivery
// never blocks the publisher: a subscriber whose buffer is full misses the
// message.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Uint64
}

// Subscription receives published messages on C until Close.
type Subscription struct {
	C   <-chan Message
	ch  chan Message
	hub *Hub
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber with the given channel buffer.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Message, buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Close unregisters the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.ch)
}

// Publish delivers m to every subscriber with room for it.
func (h *Hub) Publish(m Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.ch <- m:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
