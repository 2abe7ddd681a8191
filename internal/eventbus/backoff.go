// ABOUTME: Reconnect backoff shared by the broker-backed transports
// ABOUTME: Exponential growth with a cap and symmetric jitter around the base delay

package eventbus

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	maxReconnectDelay = 30 * time.Second
	reconnectJitter   = 25 // percent
)

// jitteredDelay spreads base by +/- jitterPct percent, never exceeding limit
func jitteredDelay(base, limit time.Duration, jitterPct int) time.Duration {
	if jitterPct <= 0 {
		jitterPct = reconnectJitter
	}
	delta := (rand.Float64()*2 - 1) * float64(jitterPct) / 100.0
	wait := time.Duration(float64(base) * (1 + delta))
	if wait < 0 {
		wait = base
	}
	if wait > limit {
		wait = limit
	}
	return wait
}

// backoff tracks the reconnect delay for one supervisor loop
type backoff struct {
	base    time.Duration
	current time.Duration
}

func newBackoff(base time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	return &backoff{base: base, current: base}
}

// wait sleeps for the next delay or until ctx is done. Returns false if ctx ended.
func (b *backoff) wait(ctx context.Context) bool {
	d := jitteredDelay(b.current, maxReconnectDelay, reconnectJitter)
	if b.current*2 < maxReconnectDelay {
		b.current *= 2
	} else {
		b.current = maxReconnectDelay
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (b *backoff) reset() { b.current = b.base }
