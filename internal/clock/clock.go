// Package clock provides the time and identifier sources used by the relay
// core. Both are injectable so that claim windows, lease expiries, and backoff
// schedules are deterministic under test.
package clock

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock supplies monotonic UTC timestamps.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time
}

// Real is a Clock backed by the system clock.
type Real struct{}

// Now returns the current system time in UTC.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Fake is a manually advanced Clock for tests. Thread-safe.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a Fake clock anchored at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d and returns the new time.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// Set moves the fake clock to an absolute instant.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}

// NewID returns a collision-free identifier.
func NewID() string {
	return uuid.New().String()
}

// Jitter produces a uniformly distributed duration in [0, max).
// A nil Jitter is treated as the shared seeded source.
type Jitter interface {
	Uniform(max time.Duration) time.Duration
}

// RandJitter is a Jitter backed by a seeded math/rand source.
// The mutex makes it safe for concurrent workers.
type RandJitter struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandJitter creates a RandJitter seeded from the given value.
func NewRandJitter(seed int64) *RandJitter {
	return &RandJitter{rnd: rand.New(rand.NewSource(seed))}
}

// Uniform returns a random duration in [0, max). Returns 0 when max <= 0.
func (j *RandJitter) Uniform(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return time.Duration(j.rnd.Int63n(int64(max)))
}

// FullJitter is a Jitter that always returns the maximum. Used in tests to
// make backoff schedules exact.
type FullJitter struct{}

// Uniform returns max unchanged.
func (FullJitter) Uniform(max time.Duration) time.Duration {
	if max < 0 {
		return 0
	}
	return max
}

// ZeroJitter is a Jitter that always returns zero delay.
type ZeroJitter struct{}

// Uniform returns 0 regardless of max.
func (ZeroJitter) Uniform(time.Duration) time.Duration { return 0 }
