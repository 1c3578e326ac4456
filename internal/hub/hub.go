// Package hub fans aggregated bucket payloads out to connected consumers.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// subscriberBuffer is each subscriber's queue capacity. A consumer that falls
// this far behind is evicted rather than slowing the producer.
const subscriberBuffer = 256

// Subscriber is one consumer's handle. Read from C until it is closed.
type Subscriber struct {
	ch chan []byte
}

// C returns the subscriber's receive channel. It is closed on eviction,
// unsubscribe, or hub shutdown.
func (s *Subscriber) C() <-chan []byte {
	return s.ch
}

// Hub distributes payloads to all subscribers without ever blocking the
// producer. A subscriber whose queue is full at broadcast time is closed and
// removed.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]bool
	closed      bool

	broadcasts int64
	evictions  int64

	log zerolog.Logger
}

// New creates an empty hub.
func New(log zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[*Subscriber]bool),
		log:         log.With().Str("component", "hub").Logger(),
	}
}

// Subscribe registers a new consumer and returns its handle. Returns nil
// after the hub has been closed.
func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	sub := &Subscriber{ch: make(chan []byte, subscriberBuffer)}
	h.subscribers[sub] = true
	h.log.Debug().Int("subscribers", len(h.subscribers)).Msg("Subscriber added")
	return sub
}

// Unsubscribe removes a consumer and closes its channel. Safe to call for a
// subscriber that was already evicted.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	delete(h.subscribers, sub)
	close(sub.ch)
	h.log.Debug().Int("subscribers", len(h.subscribers)).Msg("Subscriber removed")
}

// Broadcast enqueues a payload on every subscriber's queue. Subscribers whose
// queues are full are evicted; the call never blocks.
func (h *Hub) Broadcast(payload []byte) {
	atomic.AddInt64(&h.broadcasts, 1)

	var slow []*Subscriber

	h.mu.RLock()
	for sub := range h.subscribers {
		select {
		case sub.ch <- payload:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}

	h.mu.Lock()
	for _, sub := range slow {
		if _, ok := h.subscribers[sub]; !ok {
			continue
		}
		delete(h.subscribers, sub)
		close(sub.ch)
		atomic.AddInt64(&h.evictions, 1)
	}
	remaining := len(h.subscribers)
	h.mu.Unlock()

	h.log.Warn().
		Int("evicted", len(slow)).
		Int("subscribers", remaining).
		Msg("Evicted slow subscribers")
}

// Close evicts every subscriber and rejects future subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subscribers {
		close(sub.ch)
	}
	h.subscribers = make(map[*Subscriber]bool)
}

// Stats reports hub counters for the status endpoint.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Broadcasts  int64 `json:"broadcasts"`
	Evictions   int64 `json:"evictions"`
}

// GetStats returns a snapshot of the hub counters.
func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	subs := len(h.subscribers)
	h.mu.RUnlock()

	return Stats{
		Subscribers: subs,
		Broadcasts:  atomic.LoadInt64(&h.broadcasts),
		Evictions:   atomic.LoadInt64(&h.evictions),
	}
}
