// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. Pending After, AfterFunc,
// Sleep, and ticker waits fire as the clock passes their deadlines.
// AfterFunc callbacks run synchronously inside Advance, so a callback
// must not call Advance or Sleep.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
	fn       func()
	interval time.Duration
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock frozen at start.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.addLocked(&waiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

func (c *FakeClock) Sleep(d time.Duration) {
	if d > 0 {
		<-c.After(d)
	}
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &waiter{deadline: c.now.Add(d), fn: f}
	c.addLocked(w)
	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if w.stopped || w.fired {
				return false
			}
			w.stopped = true
			return true
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !w.stopped && !w.fired
			w.stopped, w.fired = false, false
			w.deadline = c.now.Add(d)
			if !active {
				c.addLocked(w)
			}
			return active
		},
	}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	w := &waiter{deadline: c.now.Add(d), ch: ch, interval: d}
	c.addLocked(w)
	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.stopped = true
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.interval = d
			w.deadline = c.now.Add(d)
			w.stopped = false
		},
	}
}

func (c *FakeClock) addLocked(w *waiter) {
	c.pending = append(c.pending, w)
	c.changed.Broadcast()
}

// Advance moves the clock forward by d and fires every wait whose
// deadline is reached, earliest first. Channel sends never block.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		sort.SliceStable(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})
		for _, w := range due {
			if w.fn != nil {
				w.fn()
				continue
			}
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

func (c *FakeClock) takeDue(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	var due, keep []*waiter
	for _, w := range c.pending {
		switch {
		case w.stopped:
		case w.deadline.After(target):
			keep = append(keep, w)
		default:
			due = append(due, w)
		}
	}
	for _, w := range due {
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			keep = append(keep, w)
		} else {
			w.fired = true
		}
	}
	c.pending = keep
	return due
}

// WaitForTimers blocks until at least n waits are pending. Tests call it
// before Advance so a goroutine's timer is registered first.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount reports the number of waits not yet fired or stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	n := 0
	for _, w := range c.pending {
		if !w.stopped {
			n++
		}
	}
	return n
}
