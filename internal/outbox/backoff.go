package outbox

import (
	"time"

	"github.com/hostwell/relay/internal/clock"
)

const (
	// DefaultBackoffBase is the first retry's backoff ceiling.
	DefaultBackoffBase = time.Second
	// DefaultBackoffCap bounds the exponential growth.
	DefaultBackoffCap = 5 * time.Minute
)

// Backoff computes retry delays with exponential growth and full jitter:
// delay = uniform(0, min(cap, base * 2^(attempts-1))). The jitter source is
// injectable so schedules are exact under test.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter clock.Jitter
}

// NewBackoff creates a Backoff with the given envelope. Non-positive base or
// cap fall back to the defaults; a nil jitter gets a time-seeded source.
func NewBackoff(base, cap time.Duration, jitter clock.Jitter) Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	if jitter == nil {
		jitter = clock.NewRandJitter(time.Now().UnixNano())
	}
	return Backoff{Base: base, Cap: cap, Jitter: jitter}
}

// Next returns the delay before the given attempt's retry. attempts is the
// count after the failed delivery, so the first retry passes 1.
func (b Backoff) Next(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	ceiling := b.Cap
	// Shifting past 62 bits overflows; the cap applies long before that.
	if shift := uint(attempts - 1); shift < 62 {
		if raw := b.Base << shift; raw > 0 && raw < b.Cap {
			ceiling = raw
		}
	}
	return b.Jitter.Uniform(ceiling)
}
