// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package task

import "time"

// Task is one execution of a Template.
type Task struct {
	ID         int64 `json:"id"`
	ProjectID  int64 `json:"project_id"`
	TemplateID int64 `json:"template_id"`
	UserID     int64 `json:"user_id,omitempty"`

	Status Status `json:"status"`

	// InventoryID overrides the template's inventory when non-zero.
	InventoryID int64 `json:"inventory_id,omitempty"`

	// Environment is a JSON object merged over the template
	// environment's extra vars. Survey var values arrive here.
	Environment string `json:"environment,omitempty"`

	// Arguments is a JSON list of extra CLI arguments appended after
	// the template's own arguments.
	Arguments string `json:"arguments,omitempty"`

	Params Params `json:"params"`

	// BuildTaskID names the Build task whose artifact a Deploy task
	// consumes.
	BuildTaskID int64 `json:"build_task_id,omitempty"`

	Message     string `json:"message,omitempty"`
	Integration bool   `json:"integration,omitempty"`

	Commit *CommitInfo `json:"commit,omitempty"`

	// Failure describes why the task ended in Error.
	Failure *Failure `json:"failure,omitempty"`

	// DispatchAttempts counts remote dispatches lost with their runner.
	DispatchAttempts int `json:"dispatch_attempts,omitempty"`

	Created time.Time `json:"created"`
	Started time.Time `json:"started,omitzero"`
	Ended   time.Time `json:"ended,omitzero"`
}

// Params are per-submission switches for the tool invocation.
type Params struct {
	Debug    bool     `json:"debug,omitempty"`
	DryRun   bool     `json:"dry_run,omitempty"`
	Diff     bool     `json:"diff,omitempty"`
	Limit    []string `json:"limit,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	SkipTags []string `json:"skip_tags,omitempty"`

	// Terraform family.
	Mode        TerraformMode `json:"mode,omitempty"`
	Upgrade     bool          `json:"upgrade,omitempty"`
	Reconfigure bool          `json:"reconfigure,omitempty"`
}

// TerraformMode selects the terraform subcommand a task runs after init.
type TerraformMode string

const (
	TerraformPlan    TerraformMode = "plan"
	TerraformApply   TerraformMode = "apply"
	TerraformDestroy TerraformMode = "destroy"
)

// NewTask is a submission. The pool assigns ID, status, and timestamps.
type NewTask struct {
	ProjectID   int64  `json:"project_id"`
	TemplateID  int64  `json:"template_id"`
	UserID      int64  `json:"user_id,omitempty"`
	InventoryID int64  `json:"inventory_id,omitempty"`
	Environment string `json:"environment,omitempty"`
	Arguments   string `json:"arguments,omitempty"`
	Params      Params `json:"params"`
	BuildTaskID int64  `json:"build_task_id,omitempty"`
	Message     string `json:"message,omitempty"`
	Integration bool   `json:"integration,omitempty"`
}

// CommitInfo identifies the revision a task ran against.
type CommitInfo struct {
	SHA       string    `json:"sha"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorKind classifies a terminal Error.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindPrepareFailure ErrorKind = "prepare_failure"
	KindRunFailure     ErrorKind = "run_failure"
	KindCancelled      ErrorKind = "cancelled"
	KindEngineInternal ErrorKind = "engine_internal"
	KindRunnerLost     ErrorKind = "runner_lost"
)

// Failure is attached to a task that ended in Error.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Stage   string    `json:"stage,omitempty"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`

	// ExitCode and StderrTail are set for run failures.
	ExitCode   int      `json:"exit_code,omitempty"`
	StderrTail []string `json:"stderr_tail,omitempty"`
}

// Summary is the read-only view returned by the pool's list operation.
type Summary struct {
	ID         int64     `json:"id"`
	ProjectID  int64     `json:"project_id"`
	TemplateID int64     `json:"template_id"`
	Status     Status    `json:"status"`
	RunnerID   int64     `json:"runner_id,omitempty"`
	Started    time.Time `json:"started,omitzero"`
}
