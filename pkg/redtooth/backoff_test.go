package redtooth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffStaysWithinJitterBand(t *testing.T) {
	t.Parallel()

	b := newBackoff(time.Second, 10*time.Second)

	delay := b.Next()
	assert.GreaterOrEqual(t, delay, time.Second, "first delay may never undercut the floor")
	assert.LessOrEqual(t, delay, 1200*time.Millisecond)
}

func TestBackoffDoublesUpToCeiling(t *testing.T) {
	t.Parallel()

	b := newBackoff(time.Second, 10*time.Second)

	// unjittered schedule: 1s, 2s, 4s, 8s, 10s, 10s, ...
	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}

	for i, want := range expected {
		delay := b.Next()

		low := time.Duration(float64(want) * (1 - backoffJitterFraction))
		high := time.Duration(float64(want) * (1 + backoffJitterFraction))
		if low < time.Second {
			low = time.Second
		}

		assert.GreaterOrEqual(t, delay, low, "attempt %d", i)
		assert.LessOrEqual(t, delay, high, "attempt %d", i)
	}
}

func TestBackoffResetReturnsToFloor(t *testing.T) {
	t.Parallel()

	b := newBackoff(time.Second, 10*time.Second)

	for i := 0; i < 5; i++ {
		b.Next()
	}

	b.Reset()

	delay := b.Next()
	assert.LessOrEqual(t, delay, 1200*time.Millisecond, "post-reset delay should be back at the floor")
}

func TestBackoffDefendsAgainstBadBounds(t *testing.T) {
	t.Parallel()

	// non-positive floor falls back to the default
	b := newBackoff(0, 10*time.Second)
	assert.Equal(t, defaultBackoffFloor, b.floor)

	// ceiling below floor collapses to the floor
	b = newBackoff(5*time.Second, time.Second)
	assert.Equal(t, 5*time.Second, b.ceiling)

	for i := 0; i < 10; i++ {
		delay := b.Next()
		assert.LessOrEqual(t, delay, 6*time.Second)
	}
}
