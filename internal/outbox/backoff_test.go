package outbox

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/hostwell/relay/internal/clock"
)

func TestBackoffScheduleWithFullCeiling(t *testing.T) {
	// FullJitter pins the uniform draw to its ceiling, making the schedule
	// exact: base * 2^(attempts-1), capped.
	b := NewBackoff(time.Second, 5*time.Minute, clock.FullJitter{})

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{8, 128 * time.Second},
		{9, 256 * time.Second},
		{10, 5 * time.Minute}, // 512s exceeds the cap
		{20, 5 * time.Minute},
		{64, 5 * time.Minute}, // shift past the word size must not wrap
	}
	for _, tt := range tests {
		if got := b.Next(tt.attempts); got != tt.want {
			t.Errorf("Next(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestBackoffZeroJitter(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Minute, clock.ZeroJitter{})
	for attempts := 1; attempts <= 10; attempts++ {
		if got := b.Next(attempts); got != 0 {
			t.Errorf("Next(%d) = %v, want 0 with zero jitter", attempts, got)
		}
	}
}

// TestProperty_BackoffEnvelope validates that for any attempt count and seed
// the delay stays inside [0, min(cap, base*2^(attempts-1))].
func TestProperty_BackoffEnvelope(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	base := 100 * time.Millisecond
	cap := 30 * time.Second

	properties.Property("delay never exceeds the capped exponential ceiling", prop.ForAll(
		func(attempts int, seed int64) bool {
			b := NewBackoff(base, cap, clock.NewRandJitter(seed))
			delay := b.Next(attempts)
			if delay < 0 {
				return false
			}

			ceiling := cap
			if shift := uint(attempts - 1); shift < 62 {
				if raw := base << shift; raw > 0 && raw < cap {
					ceiling = raw
				}
			}
			return delay <= ceiling
		},
		gen.IntRange(1, 100),
		gen.Int64(),
	))

	properties.Property("delay is monotone in the ceiling until the cap", prop.ForAll(
		func(attempts int) bool {
			b := NewBackoff(base, cap, clock.FullJitter{})
			return b.Next(attempts) <= b.Next(attempts+1)
		},
		gen.IntRange(1, 30),
	))

	properties.TestingRun(t)
}
