// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package process runs tool child processes in their own process group
// and stops them with a SIGTERM to SIGKILL ladder. It also carries the
// Fatal helper binaries use before the structured logger exists.
package process

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/alexandervashurin/semaphore-sub002/lib/clock"
)

// DefaultGrace is the time between SIGTERM and SIGKILL.
const DefaultGrace = 10 * time.Second

// Group is a started child that leads its own process group. Signals
// sent through the Group reach the child and every descendant that has
// not left the group.
type Group struct {
	cmd   *exec.Cmd
	clock clock.Clock
	grace time.Duration

	mu         sync.Mutex
	terminated bool
	killed     bool
	exited     bool
	killTimer  *clock.Timer
}

// Result is how a Group's child ended.
type Result struct {
	// ExitCode is the child's exit status, or -1 when it died from a
	// signal.
	ExitCode int

	// Signal is the terminating signal, zero for a normal exit.
	Signal syscall.Signal

	// Terminated reports that Terminate was called before the child
	// exited. A terminated child's result maps to Stopped.
	Terminated bool

	// Killed reports that the grace period expired and SIGKILL was
	// sent.
	Killed bool
}

// Start starts cmd as the leader of a new process group. cmd's Stdin is
// left nil so the child reads from the null device. grace of zero means
// DefaultGrace.
func Start(cmd *exec.Cmd, clk clock.Clock, grace time.Duration) (*Group, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", cmd.Path, err)
	}
	return &Group{cmd: cmd, clock: clk, grace: grace}, nil
}

// Pid returns the child's pid, which is also the process group ID.
func (g *Group) Pid() int { return g.cmd.Process.Pid }

// Terminate sends SIGTERM to the group and arms SIGKILL after the grace
// period. Later calls do nothing.
func (g *Group) Terminate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.terminated || g.exited {
		return
	}
	g.terminated = true
	if err := unix.Kill(-g.Pid(), unix.SIGTERM); err != nil {
		// The group is already gone or the signal cannot be delivered.
		g.killLocked()
		return
	}
	g.killTimer = g.clock.AfterFunc(g.grace, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if !g.exited {
			g.killLocked()
		}
	})
}

// Kill sends SIGKILL to the group immediately.
func (g *Group) Kill() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.exited {
		return
	}
	g.terminated = true
	g.killLocked()
}

func (g *Group) killLocked() {
	g.killed = true
	if err := unix.Kill(-g.Pid(), unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		_ = g.cmd.Process.Kill()
	}
}

// Wait reaps the child and returns how it ended. Callers reading the
// child's pipes must drain them before calling Wait.
func (g *Group) Wait() (Result, error) {
	err := g.cmd.Wait()

	g.mu.Lock()
	g.exited = true
	if g.killTimer != nil {
		g.killTimer.Stop()
	}
	result := Result{Terminated: g.terminated, Killed: g.killed}
	g.mu.Unlock()

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, err
		}
	}
	state := g.cmd.ProcessState
	result.ExitCode = state.ExitCode()
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		result.Signal = status.Signal()
	}

	// Reap stragglers that stayed in the group after the leader exited.
	if result.Terminated {
		_ = unix.Kill(-g.Pid(), unix.SIGKILL)
	}
	return result, nil
}
