// Package clocktest provides a deterministic Clock for tests.
package clocktest

import (
	"sort"
	"sync"
	"time"

	"github.com/tetherhq/tether-go/internal/clock"
)

// FakeClock is a deterministic Clock for tests.
//
// Timers scheduled via AfterFunc fire synchronously from Advance once the
// fake time passes their deadline, in deadline order.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

var _ clock.Clock = (*FakeClock)(nil)

type fakeTimer struct {
	clk      *FakeClock
	deadline time.Time
	seq      int
	fn       func()
	stopped  bool
}

// NewFakeClock returns a FakeClock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now implements clock.Clock.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc implements clock.Clock.
func (c *FakeClock) AfterFunc(d time.Duration, fn func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clk: c, deadline: c.now.Add(d), seq: c.seq, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Set moves the clock to t and fires any timers that became due.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	due := c.takeDueLocked()
	c.mu.Unlock()

	// Fire outside the lock so callbacks can schedule new timers.
	for _, timer := range due {
		timer.fn()
	}
}

// Advance moves time forward by d, firing due timers.
func (c *FakeClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

// PendingTimers returns the number of timers still armed.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (c *FakeClock) takeDueLocked() []*fakeTimer {
	var due, rest []*fakeTimer
	for _, t := range c.timers {
		if t.stopped {
			continue
		}
		if !t.deadline.After(c.now) {
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	c.timers = rest
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due
}

// Stop implements clock.Timer.
func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	for i, other := range t.clk.timers {
		if other == t {
			t.clk.timers = append(t.clk.timers[:i], t.clk.timers[i+1:]...)
			return true
		}
	}
	return false
}
