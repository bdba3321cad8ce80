package session

import "time"

// Timer is a scheduled callback returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall time so grace-period expiry can be driven by tests.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// WallClock returns the Clock backed by package time.
func WallClock() Clock {
	return wallClock{}
}
