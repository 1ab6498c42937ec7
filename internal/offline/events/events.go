// Package events provides the event bus shared by the offline subsystem.
//
// The sync engine, connectivity probe, and cache manager publish events here;
// the client facade and the notify server subscribe to re-derive their state.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type identifies the kind of an event.
type Type string

const (
	// TypeSyncStart indicates a sync pass has begun.
	TypeSyncStart Type = "sync_start"

	// TypeSyncComplete indicates a sync pass finished with every eligible
	// change applied.
	TypeSyncComplete Type = "sync_complete"

	// TypeSyncError indicates a sync pass finished with at least one change
	// failing for a reason other than being offline.
	TypeSyncError Type = "sync_error"

	// TypeOnline indicates connectivity to the upstream API was restored.
	TypeOnline Type = "online"

	// TypeOffline indicates the upstream API became unreachable.
	TypeOffline Type = "offline"

	// TypeDocumentCached indicates a document was written to the offline store.
	TypeDocumentCached Type = "document_cached"

	// TypeDocumentUncached indicates a document was removed from the offline store.
	TypeDocumentUncached Type = "document_uncached"
)

// Event is a single broadcast message.
type Event struct {
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SyncResultData carries the outcome of a sync pass.
type SyncResultData struct {
	Applied   int           `json:"applied"`
	Failed    int           `json:"failed"`
	Remaining int           `json:"remaining"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// DocumentData identifies the document an event refers to.
type DocumentData struct {
	DocumentID string `json:"document_id"`
}

// Broadcaster fans events out to subscribers. Sends never block: events for
// slow consumers are dropped rather than stalling a publisher.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe registers a new subscriber and returns its channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all current subscribers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
}

// PublishData marshals data and publishes it under the given type.
// Marshal failures publish the bare event type instead of failing.
func (b *Broadcaster) PublishData(typ Type, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		b.Publish(Event{Type: typ})
		return
	}
	b.Publish(Event{Type: typ, Data: raw})
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
