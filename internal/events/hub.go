package events

import (
	"sync"

	"github.com/terra-clan/cert-engine/internal/models"
)

// subscriberBuffer is how many events a slow subscriber may lag before events are dropped
const subscriberBuffer = 16

// Hub fans certificate status changes out to subscribers keyed by request id
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan models.CertificateEvent]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan models.CertificateEvent]struct{})}
}

// Subscribe registers for events of requestID. The returned func unsubscribes and closes the channel.
func (h *Hub) Subscribe(requestID string) (<-chan models.CertificateEvent, func()) {
	ch := make(chan models.CertificateEvent, subscriberBuffer)

	h.mu.Lock()
	if h.subs[requestID] == nil {
		h.subs[requestID] = make(map[chan models.CertificateEvent]struct{})
	}
	h.subs[requestID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[requestID], ch)
			if len(h.subs[requestID]) == 0 {
				delete(h.subs, requestID)
			}
			close(ch)
		})
	}
}

// Publish delivers ev to the subscribers of its request without blocking
func (h *Hub) Publish(ev models.CertificateEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[ev.RequestID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of subscribers of requestID
func (h *Hub) Subscribers(requestID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[requestID])
}
