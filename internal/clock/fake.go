package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock for tests. Time only moves when
// Advance is called; AfterFunc callbacks run synchronously inside
// Advance in deadline order.
//
// Do not call Advance from inside an AfterFunc callback.
type FakeClock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	current time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	callback func()
	channel  chan time.Time
	interval time.Duration
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock starting at initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc registers f to run once the clock has been advanced by d.
// A non-positive d runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	if d <= 0 {
		f()
		return fakeTimer{clock: c, waiter: &fakeWaiter{fired: true}}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	waiter := &fakeWaiter{deadline: c.current.Add(d), callback: f}
	c.waiters = append(c.waiters, waiter)
	c.cond.Broadcast()
	return fakeTimer{clock: c, waiter: waiter}
}

// NewTicker returns a ticker that fires once per interval crossed by Advance.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	waiter := &fakeWaiter{deadline: c.current.Add(d), channel: channel, interval: d}
	c.waiters = append(c.waiters, waiter)
	c.cond.Broadcast()

	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			waiter.stopped = true
		},
	}
}

// Advance moves the clock forward by d and fires everything that came due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		due := c.collectDue(target)
		if len(due) == 0 {
			return
		}
		for _, waiter := range due {
			if waiter.callback != nil {
				waiter.callback()
				continue
			}
			select {
			case waiter.channel <- target:
			default:
			}
		}
	}
}

func (c *FakeClock) collectDue(target time.Time) []*fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, remaining []*fakeWaiter
	for _, waiter := range c.waiters {
		switch {
		case waiter.stopped:
		case !waiter.deadline.After(target):
			due = append(due, waiter)
		default:
			remaining = append(remaining, waiter)
		}
	}

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})

	for _, waiter := range due {
		if waiter.interval > 0 {
			waiter.deadline = waiter.deadline.Add(waiter.interval)
			remaining = append(remaining, waiter)
			continue
		}
		waiter.fired = true
	}

	c.waiters = remaining
	return due
}

// WaitForTimers blocks until at least n timers or tickers are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.cond.Wait()
	}
}

// PendingCount returns the number of timers and tickers not yet fired or stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, waiter := range c.waiters {
		if !waiter.stopped {
			count++
		}
	}
	return count
}

type fakeTimer struct {
	clock  *FakeClock
	waiter *fakeWaiter
}

func (t fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.waiter.stopped || t.waiter.fired {
		return false
	}
	t.waiter.stopped = true
	return true
}
