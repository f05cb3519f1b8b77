package redtooth

import (
	"math/rand"
	"time"
)

const (
	defaultBackoffFloor   = time.Second
	defaultBackoffCeiling = 10 * time.Second

	// jitter band applied to every delay to avoid synchronized retry storms
	backoffJitterFraction = 0.2
)

// backoff implements the shared retry policy: exponential growth to a ceiling,
// ±20% jitter clamped to the floor, reset to the floor on any success.
// It governs both watchdog reconnects and discovery inquiry retries.
// Not safe for concurrent use; every owner keeps its own instance.
type backoff struct {
	floor   time.Duration
	ceiling time.Duration
	current time.Duration
}

func newBackoff(floor, ceiling time.Duration) *backoff {
	if floor <= 0 {
		floor = defaultBackoffFloor
	}
	if ceiling < floor {
		ceiling = floor
	}

	return &backoff{
		floor:   floor,
		ceiling: ceiling,
		current: floor,
	}
}

// Next returns the jittered delay to wait before the next attempt and
// advances the unjittered schedule for the failure after this one.
func (b *backoff) Next() time.Duration {
	delay := jitter(b.current)
	if delay < b.floor {
		delay = b.floor
	}

	b.current *= 2
	if b.current > b.ceiling {
		b.current = b.ceiling
	}

	return delay
}

// Reset returns the schedule to its floor. Called on any success.
func (b *backoff) Reset() {
	b.current = b.floor
}

func jitter(d time.Duration) time.Duration {
	// uniform in [1-fraction, 1+fraction]
	factor := 1 - backoffJitterFraction + 2*backoffJitterFraction*rand.Float64()
	return time.Duration(float64(d) * factor)
}
