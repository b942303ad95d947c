// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for every timer in the engine: the
// scheduler tick, the orphan sweep, the SIGKILL grace period, git retry
// backoff, and artifact expiry. Production code uses Real; tests use
// Fake and move time forward explicitly.
package clock

import "time"

// Clock is the subset of the time package the engine depends on.
type Clock interface {
	Now() time.Time

	// After delivers the current time once d has elapsed. A
	// non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer has a
	// nil C.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C (capacity 1; late ticks drop).
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop halts the ticker without closing C.
func (t *Ticker) Stop() { t.stop() }

// Reset restarts the tick cycle with interval d.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// Timer is a pending AfterFunc call.
type Timer struct {
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the pending call. It reports false when the call already
// ran or was already stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Reset reschedules the call for d from now and reports whether it was
// still pending.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) Sleep(d time.Duration)                  { time.Sleep(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stop: timer.Stop, reset: timer.Reset}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop, reset: ticker.Reset}
}
