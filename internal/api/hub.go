package api

import (
	"sync"

	"github.com/autorun-cli/autorun/internal/runner"
)

// hub fans progress events out to per-plan websocket subscribers.
// Sends never block: a subscriber that falls behind loses events
// rather than stalling the run.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[chan runner.ProgressEvent]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[chan runner.ProgressEvent]struct{})}
}

// subscribe registers a listener for one plan's events. The returned
// cancel func must be called exactly once.
func (h *hub) subscribe(sessionID string) (<-chan runner.ProgressEvent, func()) {
	ch := make(chan runner.ProgressEvent, 64)

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan runner.ProgressEvent]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[sessionID], ch)
		if len(h.subs[sessionID]) == 0 {
			delete(h.subs, sessionID)
		}
	}
}

// publish delivers the event to every subscriber of its plan.
func (h *hub) publish(e runner.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[e.SessionID] {
		select {
		case ch <- e:
		default:
		}
	}
}
