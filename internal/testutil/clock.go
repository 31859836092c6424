// Package testutil provides shared test helpers.
package testutil

import (
	"sync"
	"time"
)

// Clock is a thread-safe deterministic time source for tests.
//
// Components take a now func() time.Time seam; tests hand them clock.Now
// and drive time explicitly with Advance. This makes retention-horizon and
// ordering tests independent of wall-clock speed.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current frozen time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Tick advances the clock by one second. Handy when a test just needs
// strictly increasing timestamps.
func (c *Clock) Tick() time.Time {
	return c.Advance(time.Second)
}
