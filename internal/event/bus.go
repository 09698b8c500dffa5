package event

import (
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Handler is a function that handles an event.
type Handler func(Event)

// subscription represents a registered event handler.
type subscription struct {
	id        string
	eventType string
	handler   Handler
}

// Bus is a simple synchronous pub-sub event bus. It lets the orchestrator,
// the daemon's logging sink, and tests observe one another without direct
// dependencies.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]subscription // eventType -> subscriptions
	nextID        atomic.Uint64
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscriptions: make(map[string][]subscription),
	}
}

// Subscribe registers a handler for a specific event type.
// Returns a subscription ID that can be used to unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("sub-%d", b.nextID.Add(1))
	b.subscriptions[eventType] = append(b.subscriptions[eventType], subscription{
		id:        id,
		eventType: eventType,
		handler:   handler,
	})
	return id
}

// SubscribeAll registers a handler for all event types.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe("*", handler)
}

// Unsubscribe removes a subscription by ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id == id {
				b.subscriptions[eventType] = append(subs[:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish dispatches an event to all registered handlers. Specific handlers
// are called first, then wildcard handlers, each in registration order.
// A panicking handler is recovered and logged so it cannot block delivery
// to the remaining handlers.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	eventType := event.EventType()

	specificSubs := make([]subscription, len(b.subscriptions[eventType]))
	copy(specificSubs, b.subscriptions[eventType])

	wildcardSubs := make([]subscription, len(b.subscriptions["*"]))
	copy(wildcardSubs, b.subscriptions["*"])

	b.mu.RUnlock()

	for _, sub := range specificSubs {
		b.safeCall(sub.handler, event)
	}
	for _, sub := range wildcardSubs {
		b.safeCall(sub.handler, event)
	}
}

// safeCall invokes a handler and recovers from any panics.
func (b *Bus) safeCall(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: event handler panicked for event %s: %v\n%s",
				event.EventType(), r, debug.Stack())
		}
	}()
	handler(event)
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}
