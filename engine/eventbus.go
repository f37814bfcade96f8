package engine

import (
	"log/slog"
	"sync"
	"time"

	"opclink/logging"
)

// EventHandler receives events from an EventBus.
type EventHandler func(Event)

type subscriber struct {
	id    int
	fn    EventHandler
	types map[EventType]bool // nil means all types
}

// EventBus delivers events synchronously to subscribers in subscription
// order. Handlers run on the emitting goroutine and must not block.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscriber
	logger *slog.Logger
}

// NewEventBus creates an empty EventBus. A panicking handler is logged to
// logger and skipped; the remaining handlers still run.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logging.OrDiscard(logger)}
}

// Subscribe registers fn for every event and returns its subscription ID.
func (b *EventBus) Subscribe(fn EventHandler) int {
	return b.add(fn, nil)
}

// SubscribeTypes registers fn for the listed event types only.
func (b *EventBus) SubscribeTypes(fn EventHandler, types ...EventType) int {
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return b.add(fn, set)
}

func (b *EventBus) add(fn EventHandler, types map[EventType]bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs = append(b.subs, subscriber{id: b.nextID, fn: fn, types: types})
	return b.nextID
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit stamps e and delivers it to every matching subscriber.
func (b *EventBus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		if s.types != nil && !s.types[e.Type] {
			continue
		}
		b.deliver(s, e)
	}
}

func (b *EventBus) deliver(s subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "subscription", s.id, "event", e.Type.String(), "panic", r)
		}
	}()
	s.fn(e)
}
