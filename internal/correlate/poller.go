package correlate

import (
	"context"
	"time"
)

// Poll tuning. The read interval and the "unchanged for three consecutive
// polls" rule come from the synchronous request path: the target's visible
// response text is sampled until it diverges from the baseline and stops
// changing.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultPollTimeout  = 120 * time.Second
	stableThreshold     = 3
)

// ReadFunc samples the target's current last-response text.
type ReadFunc func(ctx context.Context) (string, error)

type pollPhase int

const (
	phaseBaseline pollPhase = iota
	phaseDiverged
)

// WaitStable polls read until the value differs from baseline and holds
// steady for three consecutive polls, or until timeout. It returns the
// stabilized text and true, or — on timeout — the last diverged text seen
// (ok reports whether any divergence appeared at all). Read errors are
// treated as missed polls; the loop keeps going.
func WaitStable(ctx context.Context, read ReadFunc, baseline string, interval, timeout time.Duration) (string, bool) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	phase := phaseBaseline
	current := ""
	lastDiverged := ""
	stableCount := 0

	for {
		select {
		case <-ctx.Done():
			return lastDiverged, lastDiverged != ""
		case <-ticker.C:
		}

		text, err := read(ctx)
		if err != nil {
			continue
		}

		switch phase {
		case phaseBaseline:
			// An empty read is not a divergence: the response node can
			// vanish mid-render, and "" must never be taken as the answer.
			if text != baseline && text != "" {
				phase = phaseDiverged
				current = text
				lastDiverged = text
				stableCount = 1
			}
		case phaseDiverged:
			switch {
			case text == current:
				stableCount++
				if stableCount >= stableThreshold {
					return current, true
				}
			case text == baseline:
				// The divergence disappeared; start over.
				phase = phaseBaseline
				current = ""
				stableCount = 0
			default:
				current = text
				lastDiverged = text
				stableCount = 1
			}
		}
	}
}
