package orchestrator

import "time"

// Clock abstracts wall-clock time so tests can drive the poll loop
// without real delays.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that fires once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now().UTC() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns a Clock backed by the system clock.
func RealClock() Clock { return realClock{} }
