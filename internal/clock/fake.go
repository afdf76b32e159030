package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock for deterministic tests. Timers
// fire synchronously inside Advance, in deadline order.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	timers map[int]*fakeTimer
}

// NewFake creates a fake clock starting at the given instant.
func NewFake(start time.Time) *FakeClock {
	return &FakeClock{
		now:    start,
		timers: make(map[int]*fakeTimer),
	}
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules fn to run when the clock advances past d.
func (c *FakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	t := &fakeTimer{
		clock:    c,
		id:       c.nextID,
		deadline: c.now.Add(d),
		fn:       fn,
	}
	c.timers[t.id] = t
	return t
}

// Advance moves the clock forward, firing due timers in deadline order.
// A callback may schedule further timers; those fire too if due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		t := c.popDue(target)
		if t == nil {
			break
		}
		c.mu.Lock()
		if t.deadline.After(c.now) {
			c.now = t.deadline
		}
		c.mu.Unlock()
		t.fn()
	}

	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}

// popDue removes and returns the earliest timer with deadline <= target.
func (c *FakeClock) popDue(target time.Time) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	due := make([]*fakeTimer, 0, len(c.timers))
	for _, t := range c.timers {
		if !t.deadline.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].id < due[j].id
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	t := due[0]
	delete(c.timers, t.id)
	return t
}

// PendingTimers returns the number of scheduled, unfired timers.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type fakeTimer struct {
	clock    *FakeClock
	id       int
	deadline time.Time
	fn       func()
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	_, active := t.clock.timers[t.id]
	delete(t.clock.timers, t.id)
	return active
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	_, active := t.clock.timers[t.id]
	t.deadline = t.clock.now.Add(d)
	t.clock.timers[t.id] = t
	return active
}
