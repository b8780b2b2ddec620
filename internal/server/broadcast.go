package server

import (
	"sync"

	"github.com/livecalc/core/internal/engine"
)

// eventBroadcaster fans one run's OrchestratorEvents out to every currently
// attached WebSocket client. A slow or absent subscriber never blocks the
// publisher: each subscriber channel is buffered, and a full channel drops
// the event for that subscriber rather than stalling the run.
type eventBroadcaster struct {
	mu   sync.Mutex
	subs map[chan engine.OrchestratorEvent]struct{}
}

func newEventBroadcaster() *eventBroadcaster {
	return &eventBroadcaster{subs: make(map[chan engine.OrchestratorEvent]struct{})}
}

func (b *eventBroadcaster) subscribe() chan engine.OrchestratorEvent {
	ch := make(chan engine.OrchestratorEvent, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *eventBroadcaster) unsubscribe(ch chan engine.OrchestratorEvent) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *eventBroadcaster) publish(ev engine.OrchestratorEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
