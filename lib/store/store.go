// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package store defines the persistence the execution engine depends
// on, split by capability so each component receives only what it uses:
//
//   - TaskStore: task records and their output, written by task loggers
//     and read by the pool.
//   - ProjectStore: the project objects a task snapshots at enqueue.
//   - KeyStore: access keys, read only by the key installer and the
//     runner dispatcher.
//   - RunnerStore: remote runner registry and running-job records.
//
// Implementations live in the memstore and sqlitestore subpackages.
// Every call is its own transaction; no transaction spans a job.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a record would violate a
	// uniqueness constraint, such as a duplicate runner token.
	ErrConflict = errors.New("conflict")
)

// TaskStore persists tasks and their log output.
type TaskStore interface {
	CreateTask(ctx context.Context, newTask task.Task) (task.Task, error)
	GetTask(ctx context.Context, id int64) (task.Task, error)
	UpdateTaskStatus(ctx context.Context, update task.StatusUpdate) error
	AppendTaskOutput(ctx context.Context, record task.LogRecord) error

	// ListTaskOutput returns records with seq >= fromSeq in seq order.
	ListTaskOutput(ctx context.Context, taskID, fromSeq int64) ([]task.LogRecord, error)

	// ListTasksByStatus returns tasks in any of statuses ordered by ID.
	ListTasksByStatus(ctx context.Context, statuses ...task.Status) ([]task.Task, error)
}

// ProjectStore reads the objects a template run depends on.
type ProjectStore interface {
	GetTemplate(ctx context.Context, projectID, id int64) (task.Template, error)
	GetRepository(ctx context.Context, projectID, id int64) (task.Repository, error)
	GetInventory(ctx context.Context, projectID, id int64) (task.Inventory, error)
	GetEnvironment(ctx context.Context, projectID, id int64) (task.Environment, error)
}

// KeyStore reads access keys.
type KeyStore interface {
	GetAccessKey(ctx context.Context, projectID, id int64) (task.AccessKey, error)
}

// RunnerStore persists the remote runner registry and the jobs
// dispatched to runners.
type RunnerStore interface {
	CreateRunner(ctx context.Context, runner task.Runner) (task.Runner, error)
	GetRunner(ctx context.Context, id int64) (task.Runner, error)
	GetRunnerByToken(ctx context.Context, token string) (task.Runner, error)

	// TouchRunner records a heartbeat at when and marks the runner
	// active.
	TouchRunner(ctx context.Context, id int64, when time.Time) error
	SetRunnerActive(ctx context.Context, id int64, active bool) error

	// ListDeadRunners returns active runners whose last heartbeat is
	// before deadline.
	ListDeadRunners(ctx context.Context, deadline time.Time) ([]task.Runner, error)

	UpsertRunningJob(ctx context.Context, job task.RunningJob) error
	DeleteRunningJob(ctx context.Context, taskID int64) error
	ListRunningJobs(ctx context.Context) ([]task.RunningJob, error)
}

// AdminStore writes project objects. Project CRUD belongs to the API
// layer; the engine uses it for seeding and tests.
type AdminStore interface {
	SaveTemplate(ctx context.Context, template task.Template) (task.Template, error)
	SaveRepository(ctx context.Context, repository task.Repository) (task.Repository, error)
	SaveInventory(ctx context.Context, inventory task.Inventory) (task.Inventory, error)
	SaveEnvironment(ctx context.Context, environment task.Environment) (task.Environment, error)
	SaveAccessKey(ctx context.Context, key task.AccessKey) (task.AccessKey, error)
}

// Store is the union every backend implements.
type Store interface {
	TaskStore
	ProjectStore
	KeyStore
	RunnerStore
	AdminStore
	Close() error
}

// ApplyStatus copies the status fields of update onto t. Backends use it
// so every one of them interprets an update the same way.
func ApplyStatus(t *task.Task, update task.StatusUpdate) {
	t.Status = update.Status
	t.Started = update.Started
	t.Ended = update.Ended
	t.DispatchAttempts = update.DispatchAttempts
	if update.Commit != nil {
		t.Commit = update.Commit
	}
	t.Failure = update.Failure
}
