// Package clock provides an injectable notion of time for schedulers and tests.
package clock

import "time"

// Clock abstracts the wall clock so timing behaviour is testable without real
// delays.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// System returns the wall-clock implementation.
func System() Clock {
	return systemClock{}
}
