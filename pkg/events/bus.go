// Package events provides the publish/subscribe feed that surfaces session
// side effects to UI and debug collaborators without coupling to internals.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of a feed record
type Type string

const (
	TypeStateChanged       Type = "state_changed"
	TypeSampleAccepted     Type = "sample_accepted"
	TypeSampleDiscarded    Type = "sample_discarded"
	TypeGeofenceTransition Type = "geofence_transition"
	TypeError              Type = "error"
)

// Event is a single feed record
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	OwnerID   string                 `json:"owner_id"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscriber receives feed records on a buffered channel. Records are
// dropped for slow subscribers rather than blocking the publisher.
type Subscriber struct {
	C chan Event

	bus *Bus
}

// Close removes the subscriber from the bus and closes its channel
func (s *Subscriber) Close() {
	s.bus.unsubscribe(s)
}

// Bus fans out events to all subscribers
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

// NewBus creates an empty event bus
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a new subscriber with the given channel capacity
func (b *Bus) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscriber{
		C:   make(chan Event, buffer),
		bus: b,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.C)
	}
	b.mu.Unlock()
}

// Publish delivers an event to every subscriber. The event ID and timestamp
// are filled in when absent. Publish never blocks: full subscriber channels
// drop the record.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.C <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
