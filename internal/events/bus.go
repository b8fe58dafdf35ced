// Package events provides the in-process notification bus the UI layer
// subscribes to. The core publishes change notifications here and never calls
// into rendering directly.
package events

import (
	"sync"
	"time"
)

// Event types emitted by the sync core.
const (
	EventSyncStarted      = "sync.started"
	EventSyncCompleted    = "sync.completed"
	EventRecordReconciled = "record.reconciled"
	EventOperationFailed  = "operation.failed"
	EventPhotoProgress    = "photo.progress"
	EventPhotoCompleted   = "photo.completed"
	EventPhotoFailed      = "photo.failed"
	EventSnapshotRefresh  = "snapshot.refreshed"
)

// Event is a single change notification.
type Event struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// Subscription receives events matching its type filter. Events are dropped,
// not blocked on, when the subscriber falls behind; the durable store is the
// source of truth, the bus only nudges projections to reload.
type Subscription struct {
	ch     chan Event
	types  map[string]bool
	bus    *Bus
	closed bool
}

// Events returns the subscription's receive channel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close removes the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

func (s *Subscription) wants(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	return s.types[eventType]
}

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[*Subscription]bool),
	}
}

// Subscribe registers a subscriber for the given event types.
// No types means all events.
func (b *Bus) Subscribe(types ...string) *Subscription {
	sub := &Subscription{
		ch:    make(chan Event, 64),
		types: make(map[string]bool, len(types)),
		bus:   b,
	}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()

	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sub] && !sub.closed {
		delete(b.subs, sub)
		sub.closed = true
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers without blocking.
func (b *Bus) Publish(eventType string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.wants(eventType) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Slow subscriber, drop the event
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
