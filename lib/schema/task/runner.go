// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"slices"
	"time"
)

// Runner is a registered remote execution process.
type Runner struct {
	ID int64 `json:"id"`

	// ProjectID scopes the runner to one project. Zero is global.
	ProjectID int64 `json:"project_id,omitempty"`

	// Token is the opaque bearer the runner presents on every call.
	Token string `json:"-"`

	Name             string    `json:"name,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	PublicKey        string    `json:"public_key"`
	MaxParallelTasks int       `json:"max_parallel_tasks,omitempty"`
	Active           bool      `json:"active"`
	LastActive       time.Time `json:"last_active"`
}

// Serves reports whether r may run a task of project with tag.
func (r Runner) Serves(projectID int64, tag string) bool {
	if !r.Active {
		return false
	}
	if r.ProjectID != 0 && r.ProjectID != projectID {
		return false
	}
	return slices.Contains(r.Tags, tag)
}

// RunningJob tracks a task between dispatch and terminal status.
type RunningJob struct {
	TaskID    int64 `json:"task_id"`
	ProjectID int64 `json:"project_id"`

	// RunnerID is non-zero iff the task was dispatched remotely.
	RunnerID int64 `json:"runner_id,omitempty"`

	Progress        Status    `json:"progress"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
	LastCheckin     time.Time `json:"last_checkin"`
}

// JobData is the self-contained snapshot a task runs from: the task and
// every entity it references, resolved at dispatch. For a remote runner
// Keys holds each referenced access key sealed to the runner's public
// key; for in-process execution Keys is empty and keys are read from
// the store.
type JobData struct {
	Task        Task         `json:"task"`
	Template    Template     `json:"template"`
	Repository  *Repository  `json:"repository,omitempty"`
	Inventory   *Inventory   `json:"inventory,omitempty"`
	Environment *Environment `json:"environment,omitempty"`
	Keys        []AccessKey  `json:"keys,omitempty"`
}

// KeyIDs returns the IDs of every access key the job references, in
// first-reference order without duplicates.
func (j JobData) KeyIDs() []int64 {
	var ids []int64
	add := func(id int64) {
		if id != 0 && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if j.Repository != nil {
		add(j.Repository.SSHKeyID)
	}
	if j.Inventory != nil {
		add(j.Inventory.SSHKeyID)
		add(j.Inventory.BecomeKeyID)
	}
	for _, vault := range j.Template.Vaults {
		add(vault.KeyID)
	}
	if j.Environment != nil {
		for _, secret := range j.Environment.Secrets {
			add(secret.KeyID)
		}
	}
	return ids
}

// JobProgress is a runner's report on one task it holds.
type JobProgress struct {
	TaskID int64  `json:"task_id"`
	Status Status `json:"status"`
}

// Heartbeat is what a runner sends on every poll.
type Heartbeat struct {
	Jobs []JobProgress `json:"jobs"`
}

// Assignment is the server's reply to a heartbeat: jobs to start and
// tasks to cancel.
type Assignment struct {
	NewJobs []JobData `json:"new_jobs"`
	Cancel  []int64   `json:"cancel"`
}

// StatusReport is a runner's status change for one task.
type StatusReport struct {
	Status  Status      `json:"status"`
	Commit  *CommitInfo `json:"commit_info,omitempty"`
	Failure *Failure    `json:"failure,omitempty"`
}

// Registration is a runner's registration request.
type Registration struct {
	// Token is the shared registration token from server config.
	Token            string   `json:"token"`
	Name             string   `json:"name,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	ProjectID        int64    `json:"project_id,omitempty"`
	MaxParallelTasks int      `json:"max_parallel_tasks,omitempty"`

	// PublicKey is the runner's age recipient; key material for its
	// jobs is sealed to it.
	PublicKey string `json:"registration_public_key"`
}

// RegistrationReply identifies a newly registered runner. Token is the
// runner's own bearer for every later call.
type RegistrationReply struct {
	RunnerID  int64  `json:"runner_id"`
	Token     string `json:"token"`
	PublicKey string `json:"registration_public_key"`
}
