// Package events provides an in-process pub/sub broker for session status
// transitions, feeding the websocket status stream.
package events

import (
	"sync"

	"github.com/crestonhq/researchd/internal/domain"
)

// StatusEvent describes one observed session status transition.
type StatusEvent struct {
	SessionID string        `json:"session_id"`
	Status    domain.Status `json:"status"`
	TraceID   string        `json:"trace_id,omitempty"`
	Error     string        `json:"error,omitempty"`
}

const subscriberBuffer = 16

// Broker fans out status events to per-session subscribers. Slow subscribers
// drop events rather than block the publishing execution unit.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[chan StatusEvent]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan StatusEvent]struct{})}
}

// Subscribe registers a listener for one session's transitions. The returned
// cancel function must be called to release the subscription.
func (b *Broker) Subscribe(sessionID string) (<-chan StatusEvent, func()) {
	ch := make(chan StatusEvent, subscriberBuffer)

	b.mu.Lock()
	if _, ok := b.subs[sessionID]; !ok {
		b.subs[sessionID] = make(map[chan StatusEvent]struct{})
	}
	b.subs[sessionID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[sessionID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, sessionID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of its session. Never blocks.
func (b *Broker) Publish(ev StatusEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
