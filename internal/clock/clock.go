// Package clock abstracts wall-clock time so that time-dependent logic can be
// driven deterministically in tests. Production code uses RealClock; tests use
// MockClock and advance time by hand.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source injected into every time-dependent component.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration

	// After returns a channel that receives the current time once d has elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run in its own goroutine once d has elapsed.
	// The returned Timer can stop or reschedule the call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a single scheduled call that can be stopped or rescheduled.
type Timer interface {
	// Stop prevents the timer from firing. Returns false if it already fired
	// or was already stopped.
	Stop() bool

	// Reset reschedules the timer to fire after d from now.
	Reset(d time.Duration) bool
}

// RealClock reads the system clock.
type RealClock struct{}

func NewRealClock() *RealClock { return &RealClock{} }

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{time.AfterFunc(d, f)}
}

type realTimer struct{ t *time.Timer }

func (rt realTimer) Stop() bool                 { return rt.t.Stop() }
func (rt realTimer) Reset(d time.Duration) bool { return rt.t.Reset(d) }

// MockClock is a manually driven Clock for tests. Time only moves when
// Advance or Set is called; pending timers whose deadline is reached fire
// synchronously inside the call, in deadline order.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
}

type mockTimer struct {
	mu       sync.Mutex
	clock    *MockClock
	deadline time.Time
	f        func()
	done     bool
}

// NewMockClock returns a MockClock frozen at start.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{current: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *MockClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.AfterFunc(d, func() { ch <- c.Now() })
	return ch
}

func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	mt := &mockTimer{clock: c, deadline: c.current.Add(d), f: f}
	c.timers = append(c.timers, mt)
	return mt
}

// Advance moves the clock forward by d, firing every timer whose deadline is
// reached. Timers fire one at a time with the clock set to their deadline, so
// a timer that reschedules itself keeps firing within the same Advance.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()
	c.Set(target)
}

// Set jumps the clock to t (never backwards), firing expired timers in order.
func (c *MockClock) Set(t time.Time) {
	for {
		next := c.popNextExpired(t)
		if next == nil {
			break
		}
		next.fire()
	}
	c.mu.Lock()
	if t.After(c.current) {
		c.current = t
	}
	c.mu.Unlock()
}

// popNextExpired removes and returns the live timer with the earliest
// deadline ≤ limit, advancing the clock to that deadline.
func (c *MockClock) popNextExpired(limit time.Time) *mockTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *mockTimer
	bestIdx := -1
	for i, mt := range c.timers {
		mt.mu.Lock()
		ok := !mt.done && !mt.deadline.After(limit)
		deadline := mt.deadline
		mt.mu.Unlock()
		if ok && (best == nil || deadline.Before(best.deadline)) {
			best, bestIdx = mt, i
		}
	}
	if best == nil {
		return nil
	}
	c.timers = append(c.timers[:bestIdx], c.timers[bestIdx+1:]...)
	if best.deadline.After(c.current) {
		c.current = best.deadline
	}
	return best
}

func (mt *mockTimer) fire() {
	mt.mu.Lock()
	if mt.done {
		mt.mu.Unlock()
		return
	}
	mt.done = true
	f := mt.f
	mt.mu.Unlock()
	f()
}

func (mt *mockTimer) Stop() bool {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	wasLive := !mt.done
	mt.done = true
	return wasLive
}

func (mt *mockTimer) Reset(d time.Duration) bool {
	mt.mu.Lock()
	wasLive := !mt.done
	mt.done = false
	mt.mu.Unlock()

	mt.clock.mu.Lock()
	mt.deadline = mt.clock.current.Add(d)
	if !wasLive {
		mt.clock.timers = append(mt.clock.timers, mt)
	} else {
		// Might have been popped already; make sure it is tracked.
		found := false
		for _, existing := range mt.clock.timers {
			if existing == mt {
				found = true
				break
			}
		}
		if !found {
			mt.clock.timers = append(mt.clock.timers, mt)
		}
	}
	mt.clock.mu.Unlock()
	return wasLive
}
