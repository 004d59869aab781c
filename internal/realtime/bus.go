// Package realtime bridges out-of-band signals (view visibility changes,
// mutation broadcasts from elsewhere in the application or from other
// instances) into cache invalidation and consumer re-fetch.
package realtime

import "sync"

// Topics carried by the bus.
const (
	// TopicVisibility carries view foreground/background transitions.
	TopicVisibility = "visibility"
	// TopicMutation carries mutation-completed events; Event.Name is the
	// cache invalidation event name.
	TopicMutation = "mutation"
)

// Visibility signal names.
const (
	SignalVisible = "visible"
	SignalHidden  = "hidden"
)

// Event is one signal on the bus.
type Event struct {
	Topic     string
	Name      string
	RelatedID string
}

// Handler receives bus events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Bus is an explicit observer-list publish/subscribe dispatcher. It
// replaces ambient, loosely-typed event broadcasts with direct handler
// registration, so a mutation signal can never fire into the void
// unnoticed.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string]map[int]Handler),
	}
}

// Subscribe registers a handler for a topic and returns a cancel function.
// Cancelling twice is a safe no-op.
func (b *Bus) Subscribe(topic string, h Handler) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]Handler)
	}
	b.handlers[topic][id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers[topic], id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers the event to every handler subscribed to its topic.
// Delivery order across handlers is unspecified.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[ev.Topic]))
	for _, h := range b.handlers[ev.Topic] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	// Dispatch outside the lock so handlers may subscribe or cancel.
	for _, h := range hs {
		h(ev)
	}
}

// Subscribers returns the number of handlers on a topic, for diagnostics.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}
