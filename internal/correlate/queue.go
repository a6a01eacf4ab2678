// Package correlate matches asynchronous UI responses back to the inbound
// message that triggered them.
//
// The queue assumes strict one-in-one-out ordering between injected
// messages and target responses: each notification is attributed to the
// oldest pending injection. It cannot handle the target producing multiple
// responses per injection or responses arriving out of order; that
// approximation is deliberate.
package correlate

import (
	"log"
	"sync"
	"time"
)

// StaleHorizon is how long a pending injection stays matchable.
const StaleHorizon = 5 * time.Minute

// Sink receives a matched response together with the channel and sender of
// the injection it was attributed to.
type Sink func(channel, sender, text string)

type pendingInjection struct {
	channel    string
	sender     string
	injectedAt time.Time
}

// Queue is a FIFO of pending injections with staleness eviction.
type Queue struct {
	mu      sync.Mutex
	entries []pendingInjection
	horizon time.Duration
	clock   func() time.Time
	sink    Sink
	drop    func(text string)
}

// NewQueue creates a queue delivering matches to sink.
func NewQueue(sink Sink) *Queue {
	return &Queue{
		horizon: StaleHorizon,
		clock:   time.Now,
		sink:    sink,
	}
}

// OnDrop registers fn to receive responses that could not be attributed to
// any pending injection.
func (q *Queue) OnDrop(fn func(text string)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drop = fn
}

// TrackInjection records that a message from channel/sender is about to be
// injected, then drops any entries that have aged past the horizon.
func (q *Queue) TrackInjection(channel, sender string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, pendingInjection{
		channel:    channel,
		sender:     sender,
		injectedAt: q.clock(),
	})
	q.evictStaleLocked()
}

// Notify attributes one response text to the oldest pending injection and
// delivers it to the sink. A notification with no pending injection is
// dropped: there is no way to attribute it.
func (q *Queue) Notify(text string) {
	q.mu.Lock()
	q.evictStaleLocked()
	if len(q.entries) == 0 {
		drop := q.drop
		q.mu.Unlock()
		log.Printf("correlate: dropping unattributable response (%d chars)", len(text))
		if drop != nil {
			drop(text)
		}
		return
	}
	head := q.entries[0]
	q.entries = q.entries[1:]
	sink := q.sink
	q.mu.Unlock()

	if sink != nil {
		sink(head.channel, head.sender, text)
	}
}

// Size returns the number of pending injections.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// evictStaleLocked drops aged entries from the front. Entries are ordered
// by injection time, so eviction stops at the first fresh one.
func (q *Queue) evictStaleLocked() {
	cutoff := q.clock().Add(-q.horizon)
	for len(q.entries) > 0 && q.entries[0].injectedAt.Before(cutoff) {
		q.entries = q.entries[1:]
	}
}
