package clock

import "time"

// Slot owns at most one pending timer of a given kind.
//
// Arm cancels any previously pending timer before scheduling the new one, so
// re-arming can never stack duplicate fires. Slot is not safe for concurrent
// use; the owning component must serialize access (the engine loop does this,
// the connection manager holds its own lock).
type Slot struct {
	clk   Clock
	timer Timer
}

// NewSlot creates an empty Slot using clk for scheduling.
func NewSlot(clk Clock) *Slot {
	return &Slot{clk: clk}
}

// Arm schedules fn to run once after d, cancelling any pending timer first.
func (s *Slot) Arm(d time.Duration, fn func()) {
	s.Cancel()
	s.timer = s.clk.AfterFunc(d, func() {
		fn()
	})
}

// Cancel stops the pending timer, if any.
func (s *Slot) Cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Pending reports whether a timer is currently armed.
//
// A fired timer still counts as pending until the next Arm or Cancel; owners
// that need exact accounting should Cancel from within the fire callback.
func (s *Slot) Pending() bool {
	return s.timer != nil
}
