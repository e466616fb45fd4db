// Package system provides the wall-clock implementation of flow.Clock.
package system

import "time"

// Clock reads time.Now and waits on real timers.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// After returns a channel that fires once d has elapsed, along with a stop
// function that releases the timer early.
func (Clock) After(d time.Duration) (<-chan time.Time, func()) {
	timer := time.NewTimer(d)
	return timer.C, func() { timer.Stop() }
}
