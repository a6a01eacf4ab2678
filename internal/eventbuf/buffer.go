// Package eventbuf keeps a bounded, timestamped, queryable store of events
// received from the gateway channel. It is read-only with respect to the
// connection: the gateway's event stream is its only writer.
package eventbuf

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultCapacity is the buffer size used when none is configured.
const DefaultCapacity = 1000

// Event is one buffered gateway event.
type Event struct {
	Name       string          `json:"event"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Query filters buffered events. Zero values mean "no constraint".
type Query struct {
	Event string    // exact event-name match
	Since time.Time // ReceivedAt >= Since
	Limit int       // keep only the most recent Limit matches
}

// Buffer is a fixed-capacity FIFO of events: when full, the oldest entry is
// evicted to make room.
type Buffer struct {
	mu       sync.RWMutex
	entries  []Event
	capacity int
	clock    func() time.Time
}

// New creates a buffer. capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		entries:  make([]Event, 0, capacity),
		capacity: capacity,
		clock:    time.Now,
	}
}

// Push appends an event stamped with the current time, evicting the oldest
// entry when at capacity.
func (b *Buffer) Push(name string, payload json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == b.capacity {
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:len(b.entries)-1]
	}
	b.entries = append(b.entries, Event{
		Name:       name,
		Payload:    payload,
		ReceivedAt: b.clock(),
	})
}

// Find returns the matching events oldest-first. When q.Limit is set the
// result is truncated to the most recent matches, preserving their original
// relative order.
func (b *Buffer) Find(q Query) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	matched := make([]Event, 0, len(b.entries))
	for _, e := range b.entries {
		if q.Event != "" && e.Name != q.Event {
			continue
		}
		if !q.Since.IsZero() && e.ReceivedAt.Before(q.Since) {
			continue
		}
		matched = append(matched, e)
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[len(matched)-q.Limit:]
	}
	return matched
}

// Size returns the number of buffered events.
func (b *Buffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
}
