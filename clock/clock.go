// Package clock provides the injectable time source used for every
// due-time comparison in the engine. The executor never reads the
// operating system clock directly, so tests (and operators) can
// fast-forward time and make future jobs due deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock is the time-source capability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// systemClock reads the wall clock.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System returns the default wall-clock implementation.
func System() Clock { return systemClock{} }

// Settable is a Clock whose current time can be set or advanced.
// It starts at the wall-clock time of creation and then only moves
// when told to. Safe for concurrent use.
type Settable struct {
	mu  sync.RWMutex
	now time.Time
}

// NewSettable creates a Settable clock starting at the current wall time.
func NewSettable() *Settable {
	return &Settable{now: time.Now().UTC()}
}

// NewSettableAt creates a Settable clock starting at t.
func NewSettableAt(t time.Time) *Settable {
	return &Settable{now: t.UTC()}
}

// Now returns the clock's current time.
func (c *Settable) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// SetCurrentTime moves the clock to t. Moving backwards is allowed.
func (c *Settable) SetCurrentTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// Advance moves the clock forward by d and returns the new time.
func (c *Settable) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
