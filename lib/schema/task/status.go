// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package task

// Status is a task's position in the execution state machine:
//
//	Waiting ──► Starting ──► Running ──► Success | Error
//	                │            │
//	                │            └──► Stopping ──► Stopped
//	                └──► Error | Stopping
//
// Waiting may also end directly in Stopped (cancelled before admission).
// Any non-terminal status may move to Error on a fatal engine failure.
// The only backwards edge is Requeue: a task whose remote runner was lost
// returns from Starting or Running to Waiting.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

// IsTerminal reports whether s ends the task.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusStopped:
		return true
	}
	return false
}

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusWaiting, StatusStarting, StatusRunning, StatusStopping,
		StatusSuccess, StatusError, StatusStopped:
		return true
	}
	return false
}

// HasStarted reports whether a task in status s has left the queue, so
// its started timestamp must be set.
func (s Status) HasStarted() bool {
	return s.IsValid() && s != StatusWaiting
}

var transitions = map[Status][]Status{
	StatusWaiting:  {StatusStarting, StatusStopped, StatusError},
	StatusStarting: {StatusRunning, StatusStopping, StatusError},
	StatusRunning:  {StatusSuccess, StatusError, StatusStopping},
	StatusStopping: {StatusStopped, StatusError},
}

// CanTransition reports whether from → to is a forward edge of the
// state machine. Requeue edges are not included; see CanRequeue.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanRequeue reports whether a task in status s may be reset to Waiting
// after its runner was lost.
func CanRequeue(s Status) bool {
	return s == StatusStarting || s == StatusRunning
}
