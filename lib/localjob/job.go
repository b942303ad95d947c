// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package localjob runs one task's tool on this machine: ansible, the
// terraform family, or a shell script. It writes the task's extra-vars
// and inventory files, builds argv and environment for the tool, runs
// each command in its own process group with output streamed line by
// line to the task log, and maps the outcome to a Result.
package localjob

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alexandervashurin/semaphore-sub002/lib/artifact"
	"github.com/alexandervashurin/semaphore-sub002/lib/clock"
	"github.com/alexandervashurin/semaphore-sub002/lib/keyinstall"
	"github.com/alexandervashurin/semaphore-sub002/lib/process"
	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskerr"
)

// Sink receives a job's output lines and diagnostics.
type Sink interface {
	Log(level task.Level, message string)
}

// PlanStore hands terraform plans from Build tasks to Deploy tasks.
type PlanStore interface {
	Store(ctx context.Context, key artifact.Key, path string) error
	Load(ctx context.Context, key artifact.Key, path string) (release func(), err error)
}

// Apps names the binaries used for each tool family.
type Apps struct {
	Ansible       string `yaml:"ansible"`
	AnsibleGalaxy string `yaml:"ansible_galaxy"`
	Terraform     string `yaml:"terraform"`
	Tofu          string `yaml:"tofu"`
	Terragrunt    string `yaml:"terragrunt"`
	Shell         string `yaml:"shell"`
}

// DefaultApps resolves every binary through PATH.
func DefaultApps() Apps {
	return Apps{
		Ansible:       "ansible-playbook",
		AnsibleGalaxy: "ansible-galaxy",
		Terraform:     "terraform",
		Tofu:          "tofu",
		Terragrunt:    "terragrunt",
		Shell:         "bash",
	}
}

func (a Apps) binary(app task.App) string {
	defaults := DefaultApps()
	pick := func(configured, fallback string) string {
		if configured != "" {
			return configured
		}
		return fallback
	}
	switch app {
	case task.AppAnsible:
		return pick(a.Ansible, defaults.Ansible)
	case task.AppTerraform:
		return pick(a.Terraform, defaults.Terraform)
	case task.AppTofu:
		return pick(a.Tofu, defaults.Tofu)
	case task.AppTerragrunt:
		return pick(a.Terragrunt, defaults.Terragrunt)
	default:
		return pick(a.Shell, defaults.Shell)
	}
}

func (a Apps) galaxy() string {
	if a.AnsibleGalaxy != "" {
		return a.AnsibleGalaxy
	}
	return DefaultApps().AnsibleGalaxy
}

// Secret is a decrypted environment secret.
type Secret struct {
	Name  string
	Type  task.SecretType
	Value string
}

// Config configures a Job.
type Config struct {
	Job task.JobData

	// Dir is the per-task directory. The repository is checked out
	// in Dir/repo; Materialize writes Dir/env.json and
	// Dir/inventory/.
	Dir string

	Keys *keyinstall.Set
	// RepoKeys holds the repository's git key, installed apart from
	// Keys.
	RepoKeys *keyinstall.Set
	Secrets  []Secret
	Apps     Apps

	// BaseEnv is the environment every child starts from. Nil means
	// the current process environment.
	BaseEnv []string

	Plans  PlanStore
	Output Sink
	Clock  clock.Clock

	// Grace is the time between SIGTERM and SIGKILL on cancel.
	Grace time.Duration

	Logger *slog.Logger
}

// Result is how a job ended.
type Result struct {
	// ExitCode is the exit status of the last command run.
	ExitCode int

	// Stopped reports that the job was cancelled.
	Stopped bool

	// Stage names the command that ended the job ("galaxy_roles",
	// "init", "plan", "playbook", ...).
	Stage string

	// StderrTail holds the last lines the failing command wrote to
	// stderr.
	StderrTail []string
}

// Success reports a zero exit without cancellation.
func (r Result) Success() bool { return r.ExitCode == 0 && !r.Stopped }

// Job is one tool invocation.
type Job struct {
	config Config
	logger *slog.Logger

	extraVars    map[string]any
	env          []string
	inventoryArg string

	mu       sync.Mutex
	releases []func()
}

// New returns a Job. Nothing touches the filesystem until Materialize.
func New(config Config) *Job {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.BaseEnv == nil {
		config.BaseEnv = os.Environ()
	}
	return &Job{
		config: config,
		logger: config.Logger.With("task_id", config.Job.Task.ID),
	}
}

// RepoDir returns the working tree the tool runs against.
func (j *Job) RepoDir() string { return filepath.Join(j.config.Dir, "repo") }

// ExtraVarsPath returns the path of the extra-vars JSON file.
func (j *Job) ExtraVarsPath() string { return filepath.Join(j.config.Dir, "env.json") }

// PlanPath returns the path of the terraform plan file.
func (j *Job) PlanPath() string { return filepath.Join(j.config.Dir, "plan.bin") }

// Materialize parses the task's variables and writes env.json and the
// inventory. Errors are coded InvalidData for malformed user input.
func (j *Job) Materialize(ctx context.Context) error {
	extraVars, err := buildExtraVars(j.config.Job, j.config.Secrets)
	if err != nil {
		return err
	}
	j.extraVars = extraVars
	if err := writeJSON(j.ExtraVarsPath(), extraVars); err != nil {
		return err
	}

	env, err := buildEnv(j.config)
	if err != nil {
		return err
	}
	j.env = env

	if j.config.Job.Template.App == task.AppAnsible {
		arg, err := materializeInventory(j.config.Dir, j.RepoDir(), j.config.Job.Inventory)
		if err != nil {
			return err
		}
		j.inventoryArg = arg
	}
	return ctx.Err()
}

// Run runs the tool's commands in order and stops at the first that
// fails or at cancellation. Cancelling ctx terminates the running
// command's process group and yields a Stopped result. An error is
// returned only when a command cannot be started or a plan artifact
// cannot be handed over.
func (j *Job) Run(ctx context.Context) (Result, error) {
	commands, err := j.commands(ctx)
	if err != nil {
		return Result{}, err
	}
	defer j.releasePlans()

	var result Result
	for _, command := range commands {
		if ctx.Err() != nil {
			return Result{Stopped: true, Stage: command.stage}, nil
		}
		result, err = j.runCommand(ctx, command)
		if err != nil {
			return result, err
		}
		if !result.Success() {
			return result, nil
		}
		if command.after != nil {
			if err := command.after(ctx); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

// command is one child process of a job.
type command struct {
	stage string
	path  string
	args  []string
	dir   string
	env   []string

	// after runs when the command exits zero.
	after func(ctx context.Context) error
}

func (j *Job) runCommand(ctx context.Context, c command) (Result, error) {
	cmd := exec.Command(c.path, c.args...)
	cmd.Dir = c.dir
	cmd.Env = append(append([]string(nil), j.env...), c.env...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Stage: c.stage}, taskerr.New("", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{Stage: c.stage}, taskerr.New("", err)
	}

	j.config.Output.Log(task.LevelSystem, "$ "+j.redact(quoteCommand(c.path, c.args)))
	group, err := process.Start(cmd, j.config.Clock, j.config.Grace)
	if err != nil {
		return Result{Stage: c.stage, ExitCode: -1}, taskerr.New("", err)
	}
	j.logger.Info("started tool", "stage", c.stage, "path", c.path, "pid", group.Pid())

	exited := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			j.config.Output.Log(task.LevelSystem, "cancel requested, terminating")
			group.Terminate()
		case <-exited:
		}
	}()

	tail := newTail(stderrTailLines)
	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		pump(stdout, task.LevelStdout, j.config.Output, nil)
	}()
	go func() {
		defer pumps.Done()
		pump(stderr, task.LevelStderr, j.config.Output, tail)
	}()
	pumps.Wait()

	exit, err := group.Wait()
	close(exited)
	if err != nil {
		return Result{Stage: c.stage, ExitCode: -1}, taskerr.New("", fmt.Errorf("waiting for %s: %w", c.stage, err))
	}

	result := Result{
		ExitCode: exit.ExitCode,
		Stopped:  exit.Terminated,
		Stage:    c.stage,
	}
	if !result.Success() {
		result.StderrTail = tail.lines()
	}
	j.logger.Info("tool exited", "stage", c.stage, "exit_code", exit.ExitCode,
		"signal", exit.Signal.String(), "stopped", exit.Terminated, "killed", exit.Killed)
	return result, nil
}

func (j *Job) holdPlan(release func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.releases = append(j.releases, release)
}

func (j *Job) releasePlans() {
	j.mu.Lock()
	releases := j.releases
	j.releases = nil
	j.mu.Unlock()
	for _, release := range releases {
		release()
	}
}

// repoPath joins a repository-relative path and rejects paths that
// escape the repository.
func repoPath(repo, relative, what string) (string, error) {
	cleaned := filepath.Clean(relative)
	if relative == "" || !filepath.IsLocal(cleaned) {
		return "", taskerr.Newf(taskerr.InvalidData, "%s %q is not a path inside the repository", what, relative)
	}
	return filepath.Join(repo, cleaned), nil
}

func quoteCommand(path string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, part := range append([]string{path}, args...) {
		if part == "" || strings.ContainsAny(part, " \t\n'\"$`\\") {
			part = "'" + strings.ReplaceAll(part, "'", `'\''`) + "'"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, " ")
}

// redact masks secret values in text shown to users.
func (j *Job) redact(text string) string {
	for _, secret := range j.config.Secrets {
		if secret.Value != "" {
			text = strings.ReplaceAll(text, secret.Value, "********")
		}
	}
	return text
}
