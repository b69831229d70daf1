package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by sequencing and polling code
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Real is the wall clock
type Real struct{}

func (Real) Now() time.Time        { return time.Now() }
func (Real) Sleep(d time.Duration) { time.Sleep(d) }

// Fake is a manual clock. Sleep advances the clock instead of blocking.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	sleeps int
	slept  time.Duration
}

// NewFake creates a fake clock starting at a fixed instant
func NewFake() *Fake {
	return &Fake{now: time.Date(2013, 4, 11, 0, 0, 0, 0, time.UTC)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.sleeps++
	f.slept += d
}

// Advance moves the clock forward without counting as a sleep
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Sleeps returns the number of Sleep calls and their total duration
func (f *Fake) Sleeps() (int, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sleeps, f.slept
}

// Poll evaluates cond every interval until it returns true or timeout has
// elapsed on c. The condition is not checked before the first interval.
// It reports whether cond was satisfied.
func Poll(c Clock, interval, timeout time.Duration, cond func() bool) bool {
	deadline := c.Now().Add(timeout)
	for {
		c.Sleep(interval)
		if cond() {
			return true
		}
		if !c.Now().Before(deadline) {
			return false
		}
	}
}
