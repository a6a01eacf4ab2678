package rpc

import (
	"testing"
	"time"
)

func TestBackoffSchedule(t *testing.T) {
	b := NewBackoff()

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second,
	}

	for i, w := range want {
		got := b.NextDelay()
		if got != w {
			t.Errorf("attempt %d: NextDelay() = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff()

	for i := 0; i < 5; i++ {
		b.NextDelay()
	}
	b.Reset()

	if got := b.NextDelay(); got != 1*time.Second {
		t.Errorf("NextDelay() after reset = %v, want 1s", got)
	}
	if got := b.AttemptCount(); got != 1 {
		t.Errorf("AttemptCount() = %d, want 1", got)
	}
}

func TestBackoffCustomSchedule(t *testing.T) {
	b := &Backoff{BaseDelay: 10 * time.Millisecond, MaxDelay: 35 * time.Millisecond}

	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		35 * time.Millisecond,
		35 * time.Millisecond,
	}
	for i, w := range want {
		if got := b.NextDelay(); got != w {
			t.Errorf("attempt %d: NextDelay() = %v, want %v", i+1, got, w)
		}
	}
}
