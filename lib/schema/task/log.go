// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package task

import "time"

// Level tags the origin of a log record.
type Level string

const (
	// LevelStdout and LevelStderr carry child process output.
	LevelStdout Level = "stdout"
	LevelStderr Level = "stderr"

	// LevelSystem carries engine diagnostics and stage progress.
	LevelSystem Level = "system"

	// LevelStatus records a status transition; Status is set.
	LevelStatus Level = "status"

	// LevelLagged is delivered to a subscriber that fell behind,
	// immediately before its stream closes. It carries no seq of its
	// own; Seq is the last record the subscriber received (zero if
	// none), so a resume starts at Seq+1.
	LevelLagged Level = "lagged"
)

// LogRecord is one entry in a task's ordered log stream. Seq is gap-free
// and strictly increasing per task.
type LogRecord struct {
	TaskID  int64     `json:"task_id" cbor:"1,keyasint"`
	Seq     int64     `json:"seq" cbor:"2,keyasint"`
	Time    time.Time `json:"time" cbor:"3,keyasint"`
	Level   Level     `json:"level" cbor:"4,keyasint"`
	Message string    `json:"message" cbor:"5,keyasint"`

	// Status is set on LevelStatus records.
	Status Status `json:"status,omitempty" cbor:"6,keyasint,omitempty"`

	// Failure accompanies a terminal Error status record.
	Failure *Failure `json:"failure,omitempty" cbor:"7,keyasint,omitempty"`
}

// StatusChange is published for every transition of a task.
type StatusChange struct {
	TaskID    int64     `json:"task_id"`
	ProjectID int64     `json:"project_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Time      time.Time `json:"time"`
	Failure   *Failure  `json:"failure,omitempty"`
}

// StatusUpdate is the persisted form of a task's status fields. Every
// update carries the full set so applying it is idempotent.
type StatusUpdate struct {
	TaskID           int64       `json:"task_id"`
	Status           Status      `json:"status"`
	Started          time.Time   `json:"started,omitzero"`
	Ended            time.Time   `json:"ended,omitzero"`
	Commit           *CommitInfo `json:"commit,omitempty"`
	Failure          *Failure    `json:"failure,omitempty"`
	DispatchAttempts int         `json:"dispatch_attempts,omitempty"`
}
