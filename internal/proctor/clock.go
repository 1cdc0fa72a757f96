package proctor

import (
	"k8s.io/utils/clock"
)

// Clock is the monotonic time source driving countdown and autosave ticks.
type Clock = clock.WithTicker

// DefaultClock returns the wall clock.
func DefaultClock() Clock {
	return clock.RealClock{}
}
