package rpc

import "time"

// Backoff computes the delay before each reconnect attempt: it starts at
// BaseDelay, doubles on every consecutive failure, and caps at MaxDelay.
// A successful reopen calls Reset so the next failure starts over at
// BaseDelay.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration

	attemptCount int
}

// NewBackoff creates a backoff with the standard reconnect schedule:
// 1s, 2s, 4s, ... capped at 30s.
func NewBackoff() *Backoff {
	return &Backoff{
		BaseDelay: 1 * time.Second,
		MaxDelay:  30 * time.Second,
	}
}

// NextDelay returns the delay for the next attempt and advances the counter.
func (b *Backoff) NextDelay() time.Duration {
	delay := b.BaseDelay
	for i := 0; i < b.attemptCount; i++ {
		delay *= 2
		if delay >= b.MaxDelay {
			delay = b.MaxDelay
			break
		}
	}
	b.attemptCount++
	return delay
}

// Reset restarts the schedule from BaseDelay.
func (b *Backoff) Reset() {
	b.attemptCount = 0
}

// AttemptCount returns how many delays have been handed out since the last
// reset.
func (b *Backoff) AttemptCount() int {
	return b.attemptCount
}
