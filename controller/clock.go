package controller

import "time"

// minElapsed replaces non-positive elapsed times so the derivative term never
// divides by zero.
const minElapsed = 1e-16

// Clock supplies the time of each control cycle. The controller derives its
// integral and derivative time steps from successive readings.
type Clock interface {
	Now() time.Time
}

// RealtimeClock reads time.Now, whose monotonic reading keeps cycle times
// unaffected by wall clock adjustments.
type RealtimeClock struct{}

func NewRealtimeClock() RealtimeClock {
	return RealtimeClock{}
}

func (RealtimeClock) Now() time.Time { return time.Now() }

// secondsBetween returns the time step between two cycles in seconds. Clocks
// that stall or step backwards yield minElapsed.
func secondsBetween(last time.Time, now time.Time) float64 {
	elapsed := now.Sub(last).Seconds()
	if elapsed <= 0 {
		return minElapsed
	}
	return elapsed
}
