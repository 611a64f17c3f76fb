package browser

import (
	"sync"
	"sync/atomic"
)

// DefaultSubscriptionBuffer bounds each subscription channel.
const DefaultSubscriptionBuffer = 32

// Hub fans intercepted responses out to subscriptions. Delivery never blocks
// the publisher: when a subscription buffer is full the response is dropped
// for that subscriber and counted.
type Hub struct {
	buffer int

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	dropped atomic.Int64
}

// NewHub creates a hub whose subscriptions buffer up to buffer responses.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[*Subscription]struct{})}
}

// Subscribe registers m. The caller must Close the subscription.
func (h *Hub) Subscribe(m Matcher) *Subscription {
	sub := &Subscription{hub: h, match: m, ch: make(chan Response, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		sub.done = true
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Wants reports whether any live subscription matches url. Publishers use it
// to skip fetching bodies nobody will read.
func (h *Hub) Wants(url string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.match(url) {
			return true
		}
	}
	return false
}

// Publish delivers r to every matching subscription.
func (h *Hub) Publish(r Response) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.match(r.URL) {
			continue
		}
		select {
		case sub.ch <- r:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were discarded on full buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
		sub.done = true
		delete(h.subs, sub)
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.done {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
	sub.done = true
}

// Subscription is a bounded stream of responses matching one predicate.
type Subscription struct {
	hub   *Hub
	match Matcher
	ch    chan Response
	done  bool // guarded by hub.mu
}

// C returns the receive side of the stream. It is closed on Close.
func (s *Subscription) C() <-chan Response {
	return s.ch
}

// Drain discards anything already buffered.
func (s *Subscription) Drain() {
	for {
		select {
		case _, ok := <-s.ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
}
