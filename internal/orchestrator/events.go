package orchestrator

import "sync"

const subscriberBuffer = 16

// eventHub fans session events out to websocket subscribers. Slow consumers
// lose events rather than blocking the pipeline.
type eventHub struct {
	mu   sync.Mutex
	subs map[string]map[chan any]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[string]map[chan any]struct{})}
}

func (h *eventHub) subscribe(sessionID string) (<-chan any, func()) {
	ch := make(chan any, subscriberBuffer)
	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan any]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[sessionID]; ok {
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.subs, sessionID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *eventHub) publish(sessionID string, event any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[sessionID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// close drops every subscriber of an ended session.
func (h *eventHub) close(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[sessionID] {
		close(ch)
	}
	delete(h.subs, sessionID)
}
