// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()
	c := Fake(epoch)
	ch := c.After(10 * time.Second)
	c.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}
	c.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(epoch.Add(10 * time.Second)) {
			t.Fatalf("fired at %v", got)
		}
	default:
		t.Fatal("did not fire")
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	t.Parallel()
	c := Fake(epoch)
	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })
	if !timer.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	c.Advance(time.Minute)
	if called {
		t.Fatal("stopped timer fired")
	}
	if timer.Stop() {
		t.Fatal("second Stop returned true")
	}
}

func TestFakeAfterFuncOrder(t *testing.T) {
	t.Parallel()
	c := Fake(epoch)
	var order []int
	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	c.Advance(5 * time.Second)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("order = %v", order)
	}
}

func TestFakeTickerReschedules(t *testing.T) {
	t.Parallel()
	c := Fake(epoch)
	ticker := c.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for i := 0; i < 3; i++ {
		c.Advance(5 * time.Second)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("tick %d missing", i)
		}
	}
	if c.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d", c.PendingCount())
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	t.Parallel()
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		c.Sleep(time.Second)
		close(done)
	}()
	c.WaitForTimers(1)
	c.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sleep did not return")
	}
}
