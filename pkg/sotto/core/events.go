// events.go implements an in-memory pub/sub bus for orchestration events,
// fanning out to multiple listeners via direct function call.
//
// Event streams:
//   - "mode": mode_change, device_stale
//   - "delivery": batch_delivered, delivery_failed
//   - "buffer": buffering_started, buffer_replayed, queue_eviction
//   - "task": task_created, task_completed
//   - "health": storage_degraded
package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a single typed orchestration event.
type Event struct {
	Seq       int64     `json:"seq"`
	Stream    string    `json:"stream"`
	Type      string    `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// EventListener is a callback that receives orchestration events.
type EventListener func(event Event)

// EventBus is a thread-safe pub/sub hub. Subscribers receive events
// synchronously during Emit — listener logic must stay fast or dispatch to
// goroutines internally.
type EventBus struct {
	listeners sync.Map // listenerID (uint64) → EventListener
	nextID    atomic.Uint64
	seq       atomic.Int64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers a listener and returns an unsubscribe function.
func (eb *EventBus) Subscribe(fn EventListener) func() {
	id := eb.nextID.Add(1)
	eb.listeners.Store(id, fn)
	return func() { eb.listeners.Delete(id) }
}

// SubscribeStream registers a listener for one stream only.
func (eb *EventBus) SubscribeStream(stream string, fn EventListener) func() {
	return eb.Subscribe(func(event Event) {
		if event.Stream == stream {
			fn(event)
		}
	})
}

// Emit sends an event to all registered listeners, assigning the sequence
// number and timestamp.
func (eb *EventBus) Emit(event Event) {
	event.Seq = eb.seq.Add(1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	eb.listeners.Range(func(_, value any) bool {
		if fn, ok := value.(EventListener); ok {
			fn(event)
		}
		return true
	})
}
