// Package broadcast fans encoded events out to independent subscriber queues.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the queue depth used when Subscribe receives a non-positive size.
const DefaultBuffer = 256

// Stats summarises hub activity.
type Stats struct {
	Subscribers int
	Published   uint64
	Delivered   uint64
	Dropped     uint64
}

// Hub delivers every published payload to every subscriber without ever blocking the publisher.
type Hub struct {
	mu          sync.Mutex
	subscribers map[uint64]*Subscription
	nextID      uint64

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[uint64]*Subscription)}
}

// Subscription is one subscriber's ordered delivery queue.
type Subscription struct {
	hub  *Hub
	id   uint64
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// Subscribe registers a queue holding up to buffer pending payloads.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{hub: h, id: h.nextID, ch: make(chan []byte, buffer), done: make(chan struct{})}
	h.subscribers[sub.id] = sub
	return sub
}

// SubscribeContext behaves like Subscribe and closes the subscription when ctx ends. The
// watcher exits as soon as the subscription ends for any reason.
func (h *Hub) SubscribeContext(ctx context.Context, buffer int) *Subscription {
	sub := h.Subscribe(buffer)
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.Close()
			case <-sub.done:
			}
		}()
	}
	return sub
}

// Publish offers payload to every subscriber and returns how many accepted it. A subscriber
// whose queue is full is dropped and its channel closed.
func (h *Hub) Publish(payload []byte) int {
	if h == nil {
		return 0
	}
	h.published.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()
	accepted := 0
	for id, sub := range h.subscribers {
		select {
		case sub.ch <- payload:
			accepted++
		default:
			//1.- A lagging consumer loses its queue instead of stalling everyone else.
			delete(h.subscribers, id)
			sub.closeChannel()
			h.dropped.Add(1)
		}
	}
	h.delivered.Add(uint64(accepted))
	return accepted
}

// Stats returns a point in time summary.
func (h *Hub) Stats() Stats {
	if h == nil {
		return Stats{}
	}
	h.mu.Lock()
	count := len(h.subscribers)
	h.mu.Unlock()
	return Stats{
		Subscribers: count,
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// C returns the delivery channel. It is closed when the subscription ends for any reason.
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, ok := s.hub.subscribers[s.id]; ok {
		delete(s.hub.subscribers, s.id)
	}
	s.closeChannel()
}

// closeChannel must run with the hub lock held.
func (s *Subscription) closeChannel() {
	s.once.Do(func() {
		close(s.ch)
		close(s.done)
	})
}
