// Package vtime provides a virtual clock: time only moves when Advance is
// called, and scheduled functions run in deadline order as it does.
package vtime

import (
	"sort"
	"sync"
	"time"
)

// Clock is a manually advanced clock. The zero value is not usable; use New.
type Clock struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	queue queue
}

// New returns a Clock reading start.
func New(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current virtual time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to run once the clock has been advanced by d.
func (c *Clock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &Timer{clock: c, when: c.now.Add(d), seq: c.seq, f: f}
	c.queue.add(t)
	return t
}

// Advance moves the clock forward by d, running every function that falls
// due on the way. Each function observes Now equal to its own deadline and
// runs without the clock's lock held, so it may schedule further timers;
// those run too if they fall due before the new time.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	end := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		t := c.queue.peek()
		if t == nil || t.when.After(end) {
			c.now = end
			c.mu.Unlock()
			return
		}
		c.queue.pop()
		t.fired = true
		if t.when.After(c.now) {
			c.now = t.when
		}
		c.mu.Unlock()
		t.f()
	}
}

// Pending reports how many timers are waiting to fire.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Timer is a function scheduled on a Clock.
type Timer struct {
	clock *Clock
	when  time.Time
	seq   uint64
	f     func()
	fired bool
}

// Stop cancels the timer. It returns false if the timer already fired or was
// stopped.
func (t *Timer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.fired {
		return false
	}
	return c.queue.remove(t)
}

// queue keeps timers sorted ascending by deadline, then by scheduling order.
type queue []*Timer

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].when.Equal(q[j].when) {
		return q[i].seq < q[j].seq
	}
	return q[i].when.Before(q[j].when)
}

func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *queue) add(t *Timer) {
	*q = append(*q, t)
	sort.Sort(q)
}

func (q queue) peek() *Timer {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func (q *queue) pop() {
	*q = (*q)[1:]
}

func (q *queue) remove(t *Timer) bool {
	for i, u := range *q {
		if u == t {
			*q = append((*q)[:i], (*q)[i+1:]...)
			return true
		}
	}
	return false
}
