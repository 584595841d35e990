package bridge

import (
	"log"
	"sync"
	"time"

	sessionmodel "github.com/zhouzirui/voicebridge/backend/internal/model/session"
)

// Hub 把会话事件分发给所有订阅者。订阅者消费过慢时丢弃新事件，不会阻塞会话。
type Hub struct {
	sessionID string

	mu      sync.Mutex
	subs    map[int]chan sessionmodel.Event
	next    int
	closed  bool
	dropped int
}

// NewHub creates an empty hub for sessionID.
func NewHub(sessionID string) *Hub {
	return &Hub{sessionID: sessionID, subs: make(map[int]chan sessionmodel.Event)}
}

// Subscribe returns a channel of events and a function that ends the subscription.
// The channel is closed when the hub closes or the subscription ends.
func (h *Hub) Subscribe(buffer int) (<-chan sessionmodel.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan sessionmodel.Event, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers ev to every subscriber without blocking.
func (h *Hub) Publish(ev sessionmodel.Event) {
	if ev.SessionID == "" {
		ev.SessionID = h.sessionID
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped++
			if h.dropped == 1 || h.dropped%100 == 0 {
				log.Printf("[bridge] session=%s slow subscriber, dropped %d events", h.sessionID, h.dropped)
			}
		}
	}
}

// Close closes every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
