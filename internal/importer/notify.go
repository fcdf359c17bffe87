package importer

import (
	"log"
	"sync"
)

const subscriberBuffer = 16

// Hub is an in-process notification channel: a per-topic fan-out of progress
// snapshots. Publishing never blocks; a subscriber that falls behind loses
// intermediate snapshots, which is acceptable for at-least-recent progress
// delivery.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[chan ProgressSnapshot]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[chan ProgressSnapshot]struct{})}
}

// Publish delivers the snapshot to every subscriber of the topic.
func (h *Hub) Publish(topic string, snapshot ProgressSnapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.topics[topic] {
		select {
		case ch <- snapshot:
		default:
			log.Printf("[notify] dropping snapshot for slow subscriber on %s", topic)
		}
	}
}

// Subscribe registers a listener for a topic and returns the channel plus an
// unsubscribe function.
func (h *Hub) Subscribe(topic string) (<-chan ProgressSnapshot, func()) {
	ch := make(chan ProgressSnapshot, subscriberBuffer)

	h.mu.Lock()
	subscribers := h.topics[topic]
	if subscribers == nil {
		subscribers = make(map[chan ProgressSnapshot]struct{})
		h.topics[topic] = subscribers
	}
	subscribers[ch] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		if subscribers, ok := h.topics[topic]; ok {
			delete(subscribers, ch)
			if len(subscribers) == 0 {
				delete(h.topics, topic)
			}
		}
		h.mu.Unlock()
	}
	return ch, unsubscribe
}
