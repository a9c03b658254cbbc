// Package bus fans avatar events out to subscribers such as gateway clients.
package bus

import (
	"log/slog"
	"sync"
)

// MessageBus is an in-process EventPublisher. Handlers run synchronously on
// the broadcasting goroutine and must not block.
type MessageBus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func New() *MessageBus {
	return &MessageBus{handlers: make(map[string]EventHandler)}
}

func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers event to every subscriber. A panicking handler is
// logged and skipped; delivery is best effort.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	hs := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		deliver(h, event)
	}
}

func deliver(h EventHandler, event Event) {
	defer func() {
		if p := recover(); p != nil {
			slog.Warn("bus handler panicked", "event", event.Name, "panic", p)
		}
	}()
	h(event)
}
