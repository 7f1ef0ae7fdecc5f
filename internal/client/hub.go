package client

import (
	"log"
	"sync"

	"github.com/kernelmux/kernelmux/internal/wire"
)

// subscriberBuffer is the per-subscriber queue depth. A subscriber that
// falls this far behind is disconnected rather than allowed to stall the
// publisher.
const subscriberBuffer = 64

// Hub fans broadcast (iopub) messages out to any number of subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]bool
	closed bool
}

// Subscriber is one feed of broadcast messages.
type Subscriber struct {
	hub  *Hub
	ch   chan *wire.Message
	once sync.Once
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscriber]bool)}
}

// Subscribe registers a new feed covering every subsequent broadcast.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{hub: h, ch: make(chan *wire.Message, subscriberBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s
	}
	h.subs[s] = true
	h.mu.Unlock()
	return s
}

// Feed returns the subscriber's message channel. Closed when the
// subscriber is cancelled, dropped for being too slow, or the hub shuts
// down.
func (s *Subscriber) Feed() <-chan *wire.Message { return s.ch }

// Close cancels the subscription. Idempotent.
func (s *Subscriber) Close() {
	s.hub.remove(s)
}

func (h *Hub) remove(s *Subscriber) {
	h.mu.Lock()
	present := h.subs[s]
	if present {
		delete(h.subs, s)
	}
	h.mu.Unlock()
	if present {
		s.once.Do(func() { close(s.ch) })
	}
}

// Publish delivers msg to every subscriber without blocking. A subscriber
// whose buffer is full can't keep up and is disconnected.
func (h *Hub) Publish(msg *wire.Message) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
		default:
			log.Printf("[iopub] subscriber too slow, disconnecting")
			h.remove(s)
		}
	}
}

// CloseAll drops every subscriber and refuses new ones.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[*Subscriber]bool)
	h.closed = true
	h.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}
