package syncer

import (
	"math/rand"
	"time"
)

const (
	// DefaultBackoffBase is the first reconnect delay.
	DefaultBackoffBase = 1 * time.Second
	// DefaultBackoffCap bounds the reconnect delay. Reconnects never give
	// up on transient failures; only explicit rejection closes a session.
	DefaultBackoffCap = 30 * time.Second
)

// backoffDelay returns the delay before reconnect attempt number attempt
// (1-based): exponential from base, capped, with up to 25% random jitter
// so a fleet of clients does not reconnect in lockstep.
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}

	delay := base
	for i := 1; i < attempt && delay < cap; i++ {
		delay *= 2
	}
	if delay > cap {
		delay = cap
	}

	jitterRange := int64(delay / 4)
	if jitterRange > 0 {
		delay += time.Duration(rand.Int63n(jitterRange))
	}
	if delay > cap {
		delay = cap
	}
	return delay
}
