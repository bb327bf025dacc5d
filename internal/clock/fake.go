package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock. AfterFunc callbacks run
// synchronously inside Advance, in deadline order.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	callback func()
	channel  chan time.Time
	interval time.Duration
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock starting at initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}

	c.mu.Lock()
	w := &waiter{deadline: c.now.Add(d), callback: f}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.stopped || w.fired {
			return false
		}
		w.stopped = true
		return true
	}}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &waiter{deadline: c.now.Add(d), channel: ch, interval: d}
	c.waiters = append(c.waiters, w)

	return &Ticker{C: ch, stopFunc: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		w.stopped = true
	}}
}

// Advance moves the clock forward by d and fires everything that came due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.collect(target)
		if len(due) == 0 {
			return
		}
		sort.SliceStable(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})
		for _, w := range due {
			if w.callback != nil {
				w.callback()
				continue
			}
			select {
			case w.channel <- target:
			default:
			}
		}
	}
}

func (c *FakeClock) collect(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, remaining []*waiter
	for _, w := range c.waiters {
		if w.stopped {
			continue
		}
		if w.deadline.After(target) {
			remaining = append(remaining, w)
			continue
		}
		due = append(due, w)
		if w.interval > 0 {
			// Tickers only fire once per Advance regardless of how many
			// intervals elapsed, like a dropped-tick time.Ticker.
			for !w.deadline.After(target) {
				w.deadline = w.deadline.Add(w.interval)
			}
			remaining = append(remaining, w)
		} else {
			w.fired = true
		}
	}
	c.waiters = remaining
	return due
}

// PendingCount reports timers and tickers that have not fired or been stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}
