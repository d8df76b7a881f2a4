// Package clock provides a testable time source and single-slot timers.
package clock

import "time"

// Clock provides the current time and one-shot timer scheduling.
//
// Components that own timers should take a Clock so tests can drive time
// deterministically.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules fn to run once after d. The returned Timer can be
	// stopped before it fires.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a pending one-shot timer.
type Timer interface {
	// Stop cancels the timer. It reports whether the timer was still pending.
	Stop() bool
}

// Real is a production Clock implementation backed by the time package.
type Real struct{}

// Now implements Clock.
func (Real) Now() time.Time { return time.Now() }

// AfterFunc implements Clock.
func (Real) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{t: time.AfterFunc(d, fn)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Stop() bool { return r.t.Stop() }
