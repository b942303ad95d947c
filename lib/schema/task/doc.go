// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package task defines the entities the execution engine moves through
// the pool: tasks and their status machine, the project objects a task
// snapshots at enqueue (template, repository, inventory, environment,
// access keys), remote runners, and log records.
//
// Types here carry no behavior beyond validation helpers. Persistence
// lives in lib/store; execution in lib/taskrunner and lib/taskpool.
package task
