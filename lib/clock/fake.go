// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock for tests. Time stands still until
// Advance is called; Advance fires every timer and ticker whose
// deadline has been reached, in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	period   time.Duration // zero for one-shot timers
	ch       chan time.Time
	stopped  bool
}

// NewFake returns a Fake starting at a fixed, arbitrary instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// NewFakeAt returns a Fake starting at the given instant.
func NewFakeAt(start time.Time) *Fake { return &Fake{now: start} }

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that fires when Advance moves the clock past
// the deadline.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	waiter := &fakeWaiter{deadline: f.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		waiter.ch <- f.now
		return waiter.ch
	}
	f.waiters = append(f.waiters, waiter)
	return waiter.ch
}

// NewTicker returns a ticker driven by Advance.
func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("non-positive interval for NewTicker")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	waiter := &fakeWaiter{deadline: f.now.Add(d), period: d, ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, waiter)
	return &Ticker{
		C: waiter.ch,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			waiter.stopped = true
		},
	}
}

// Sleep advances nothing; it returns once Advance has moved the clock
// past the wake time.
func (f *Fake) Sleep(d time.Duration) { <-f.After(d) }

// Advance moves the clock forward by d, firing due timers and tickers
// in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)

	for {
		// Find the earliest live waiter due at or before target.
		var next *fakeWaiter
		for _, waiter := range f.waiters {
			if waiter.stopped || waiter.deadline.After(target) {
				continue
			}
			if next == nil || waiter.deadline.Before(next.deadline) {
				next = waiter
			}
		}
		if next == nil {
			break
		}

		f.now = next.deadline
		select {
		case next.ch <- f.now:
		default: // ticker consumer fell behind; drop the tick
		}
		if next.period > 0 {
			next.deadline = next.deadline.Add(next.period)
		} else {
			next.stopped = true
		}
	}

	f.now = target
	f.compact()
	f.mu.Unlock()
}

// compact drops stopped waiters. Caller holds mu.
func (f *Fake) compact() {
	live := f.waiters[:0]
	for _, waiter := range f.waiters {
		if !waiter.stopped {
			live = append(live, waiter)
		}
	}
	sort.Slice(live, func(a, b int) bool { return live[a].deadline.Before(live[b].deadline) })
	f.waiters = live
}
