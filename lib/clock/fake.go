// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a deterministic Clock frozen at initial. Time moves
// only when Advance is called. Safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{current: initial}
	clock.registered = sync.NewCond(&clock.mu)
	return clock
}

// FakeClock is a Clock for tests. Timers and tickers registered
// against it fire when Advance moves the current time past their
// deadline, in deadline order.
//
// AfterFunc callbacks run synchronously inside Advance. Calling
// Advance from within such a callback deadlocks.
type FakeClock struct {
	mu         sync.Mutex
	current    time.Time
	pending    []*pendingEvent
	registered *sync.Cond
}

// pendingEvent is one scheduled timer, ticker tick, or After wait.
type pendingEvent struct {
	deadline time.Time

	// ch receives the fire time for After and ticker events; nil for
	// AfterFunc events.
	ch chan time.Time

	// fn runs synchronously during Advance; nil for channel events.
	fn func()

	// every is non-zero for tickers: after firing, the event is
	// rescheduled at deadline + every.
	every time.Duration

	stopped bool
	fired   bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock advances past
// now + d. A non-positive d delivers immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.pending = append(c.pending, &pendingEvent{
		deadline: c.current.Add(d),
		ch:       ch,
	})
	c.registered.Broadcast()
	return ch
}

// AfterFunc schedules f to run when the clock advances past now + d.
// A non-positive d runs f synchronously before returning.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()

	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	event := &pendingEvent{
		deadline: c.current.Add(d),
		fn:       f,
	}
	c.pending = append(c.pending, event)
	c.registered.Broadcast()
	c.mu.Unlock()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if event.stopped || event.fired {
				return false
			}
			event.stopped = true
			return true
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !event.stopped && !event.fired
			event.stopped = false
			event.fired = false
			event.deadline = c.current.Add(d)
			if !active {
				// The event was removed from pending after firing;
				// put it back.
				c.pending = append(c.pending, event)
				c.registered.Broadcast()
			}
			return active
		},
	}
}

// NewTicker returns a ticker firing every d fake-time units. Panics
// if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	event := &pendingEvent{
		deadline: c.current.Add(d),
		ch:       ch,
		every:    d,
	}
	c.pending = append(c.pending, event)
	c.registered.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			event.stopped = true
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			event.every = d
			event.deadline = c.current.Add(d)
			event.stopped = false
		},
	}
}

// Advance moves the clock forward by d, firing every pending event
// whose deadline falls within the new time, in deadline order.
// Channel deliveries are non-blocking (a full buffer drops the tick,
// matching time.Ticker); AfterFunc callbacks run synchronously.
// Tickers spanning multiple intervals fire once per interval.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		expired := c.takeExpired(target)
		if len(expired) == 0 {
			return
		}
		sort.Slice(expired, func(i, j int) bool {
			return expired[i].deadline.Before(expired[j].deadline)
		})
		for _, event := range expired {
			if event.fn != nil {
				event.fn()
				continue
			}
			select {
			case event.ch <- target:
			default:
			}
		}
	}
}

// takeExpired removes events due at or before target from the pending
// list, rescheduling tickers for their next interval.
func (c *FakeClock) takeExpired(target time.Time) []*pendingEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired, remaining []*pendingEvent
	for _, event := range c.pending {
		if event.stopped {
			continue
		}
		if event.deadline.After(target) {
			remaining = append(remaining, event)
			continue
		}
		expired = append(expired, event)
	}
	for _, event := range expired {
		if event.every > 0 {
			event.deadline = event.deadline.Add(event.every)
			remaining = append(remaining, event)
		} else {
			event.fired = true
		}
	}
	c.pending = remaining
	return expired
}

// WaitForTimers blocks until at least n events are pending. Use this
// before Advance when the timer is registered by another goroutine.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.registered.Wait()
	}
}

// PendingCount returns the number of active pending events.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) activeLocked() int {
	count := 0
	for _, event := range c.pending {
		if !event.stopped {
			count++
		}
	}
	return count
}
