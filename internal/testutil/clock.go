// Package testutil provides deterministic time and id sources for tests and
// the scenario harness.
package testutil

import (
	"sort"
	"sync"
	"time"
)

// ManualClock is a fake clock that only moves when told to.
//
// Timers registered with AfterFunc fire synchronously, in deadline order, on
// the goroutine that calls Advance or Set. This makes debounce and rate-limit
// behaviour fully deterministic.
//
// Thread-safety: all methods are safe for concurrent use. Timer callbacks run
// without the clock's lock held, so they may call back into the clock.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

// NewManualClock creates a clock reading start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

// Now returns the current fake time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to run when the clock reaches Now()+d.
func (c *ManualClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &manualTimer{at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)

	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.stopped || t.fired {
			return false
		}
		t.stopped = true
		return true
	}
}

// Advance moves the clock forward by d, firing due timers along the way.
// Each timer sees Now() equal to its own deadline.
func (c *ManualClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

// Set moves the clock to t (never backwards), firing due timers.
func (c *ManualClock) Set(t time.Time) {
	t = t.UTC()
	for {
		c.mu.Lock()
		next := c.nextDue(t)
		if next == nil {
			if t.After(c.now) {
				c.now = t
			}
			c.mu.Unlock()
			return
		}
		if next.at.After(c.now) {
			c.now = next.at
		}
		next.fired = true
		c.mu.Unlock()

		next.f()
	}
}

// Pending returns how many timers are waiting to fire.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// nextDue returns the earliest live timer due at or before limit and prunes
// dead ones. Caller holds c.mu.
func (c *ManualClock) nextDue(limit time.Time) *manualTimer {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	c.timers = live

	sort.Slice(c.timers, func(i, j int) bool {
		if c.timers[i].at.Equal(c.timers[j].at) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].at.Before(c.timers[j].at)
	})

	if len(c.timers) == 0 || c.timers[0].at.After(limit) {
		return nil
	}
	return c.timers[0]
}
