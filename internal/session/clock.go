package session

import "time"

// Clock abstracts wall time and interval ticking so session loops can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
	// Tick returns a channel firing every d, plus a stop function that
	// releases the underlying resources.
	Tick(d time.Duration) (<-chan time.Time, func())
}

type systemClock struct{}

// SystemClock returns the real wall-clock implementation.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Tick(d time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(d)
	return ticker.C, ticker.Stop
}
