// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package localjob

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/alexandervashurin/semaphore-sub002/lib/artifact"
	"github.com/alexandervashurin/semaphore-sub002/lib/keyinstall"
	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskerr"
)

// commands returns the child processes of the job in run order.
func (j *Job) commands(ctx context.Context) ([]command, error) {
	if j.extraVars == nil {
		return nil, taskerr.Newf(taskerr.InvalidData, "job run before materialize")
	}
	templateArgs, err := ParseArguments(j.config.Job.Template.Arguments, "template arguments")
	if err != nil {
		return nil, err
	}
	taskArgs, err := ParseArguments(j.config.Job.Task.Arguments, "task arguments")
	if err != nil {
		return nil, err
	}
	extra := slices.Concat(templateArgs, taskArgs)

	app := j.config.Job.Template.App
	switch {
	case app == task.AppAnsible:
		return j.ansibleCommands(extra)
	case app.IsTerraformFamily():
		return j.terraformCommands(ctx, extra)
	case app == task.AppShell:
		return j.shellCommands(templateArgs, taskArgs)
	default:
		return nil, taskerr.Newf(taskerr.InvalidData, "unsupported app %q", app)
	}
}

// ansibleCommands installs galaxy requirements found in the repository
// and runs the playbook.
func (j *Job) ansibleCommands(extra []string) ([]command, error) {
	repo := j.RepoDir()
	var commands []command
	for _, kind := range []string{"role", "collection"} {
		requirements := filepath.Join(repo, kind+"s", "requirements.yml")
		if _, err := os.Stat(requirements); err != nil {
			continue
		}
		commands = append(commands, command{
			stage: "galaxy_" + kind + "s",
			path:  j.config.Apps.galaxy(),
			args:  []string{kind, "install", "-r", requirements, "--force"},
			dir:   repo,
		})
	}

	args, err := j.AnsibleArgs()
	if err != nil {
		return nil, err
	}
	commands = append(commands, command{
		stage: "playbook",
		path:  j.config.Apps.binary(task.AppAnsible),
		args:  append(args, extra...),
		dir:   repo,
	})
	return commands, nil
}

// AnsibleArgs returns the ansible-playbook argv after the binary name,
// without template and task arguments.
func (j *Job) AnsibleArgs() ([]string, error) {
	job := j.config.Job
	playbook, err := repoPath(j.RepoDir(), job.Template.Playbook, "playbook")
	if err != nil {
		return nil, err
	}
	args := []string{playbook}
	if j.inventoryArg != "" {
		args = append(args, "-i", j.inventoryArg)
	}
	args = append(args, "--extra-vars", "@"+j.ExtraVarsPath())

	if user, ok := j.config.Keys.First(keyinstall.RoleAnsibleUser); ok && user.Path != "" {
		if user.KeyType == task.KeySSH {
			args = append(args, "--private-key", user.Path)
			if user.Login != "" {
				args = append(args, "--user", user.Login)
			}
		} else {
			args = append(args, "--extra-vars", "@"+user.Path)
		}
	}
	if become, ok := j.config.Keys.First(keyinstall.RoleAnsibleBecome); ok && become.Path != "" {
		args = append(args, "--become", "--extra-vars", "@"+become.Path)
	}

	params := job.Task.Params
	if params.Debug {
		args = append(args, "-vvvv")
	}
	if params.DryRun {
		args = append(args, "--check")
	}
	if params.Diff {
		args = append(args, "--diff")
	}
	if len(params.Limit) > 0 {
		args = append(args, "--limit", strings.Join(params.Limit, ","))
	}
	if len(params.Tags) > 0 {
		args = append(args, "--tags", strings.Join(params.Tags, ","))
	}
	if len(params.SkipTags) > 0 {
		args = append(args, "--skip-tags", strings.Join(params.SkipTags, ","))
	}

	for _, vault := range j.config.Keys.Get(keyinstall.RoleVault) {
		label := vault.Label
		if label == "" {
			label = "default"
		}
		args = append(args, "--vault-id", label+"@"+vault.Path)
	}
	return args, nil
}

// terraformCommands runs init, optional workspace selection, and the
// plan, apply, or destroy step in the template's subdirectory.
func (j *Job) terraformCommands(ctx context.Context, extra []string) ([]command, error) {
	job := j.config.Job
	app := job.Template.App
	binary := j.config.Apps.binary(app)

	dir := j.RepoDir()
	if job.Template.Playbook != "" && job.Template.Playbook != "." {
		subdir, err := repoPath(dir, job.Template.Playbook, "terraform directory")
		if err != nil {
			return nil, err
		}
		dir = subdir
	}

	// terragrunt drives terraform unless the template picks the binary.
	var wrapperArgs []string
	if app == task.AppTerragrunt && !slices.ContainsFunc(extra, func(arg string) bool {
		return strings.HasPrefix(arg, "--tf-path")
	}) {
		wrapperArgs = []string{"--tf-path=" + j.config.Apps.binary(task.AppTerraform)}
	}
	step := func(stage string, args ...string) command {
		return command{stage: stage, path: binary, args: append(args, wrapperArgs...), dir: dir}
	}

	params := job.Task.Params
	initArgs := []string{"init", "-input=false"}
	if params.Upgrade {
		initArgs = append(initArgs, "-upgrade")
	}
	if params.Reconfigure {
		initArgs = append(initArgs, "-reconfigure")
	}
	commands := []command{step("init", initArgs...)}
	if workspace := job.Template.Terraform.Workspace; workspace != "" {
		commands = append(commands, step("workspace", "workspace", "select", "-or-create=true", workspace))
	}

	var final command
	switch mode := TerraformModeOf(job); mode {
	case task.TerraformPlan:
		final = step("plan", append([]string{"plan", "-input=false", "-out=" + j.PlanPath()}, j.terraformVars()...)...)
		if job.Template.Type == task.TemplateBuild && j.config.Plans != nil {
			key := artifact.Key{ProjectID: job.Task.ProjectID, TemplateID: job.Template.ID, TaskID: job.Task.ID}
			final.after = func(ctx context.Context) error {
				if err := j.config.Plans.Store(ctx, key, j.PlanPath()); err != nil {
					return taskerr.New("", fmt.Errorf("storing plan artifact: %w", err))
				}
				j.config.Output.Log(task.LevelSystem, fmt.Sprintf("plan stored for deploy (build task %d)", job.Task.ID))
				return nil
			}
		}

	case task.TerraformApply:
		if job.Template.Type == task.TemplateDeploy && job.Task.BuildTaskID != 0 {
			if err := j.loadPlan(ctx); err != nil {
				return nil, err
			}
			// A saved plan carries its variables; terraform rejects -var with it.
			final = step("apply", "apply", "-input=false", "-auto-approve", j.PlanPath())
		} else {
			final = step("apply", append([]string{"apply", "-input=false", "-auto-approve"}, j.terraformVars()...)...)
		}

	case task.TerraformDestroy:
		final = step("destroy", append([]string{"destroy", "-input=false", "-auto-approve"}, j.terraformVars()...)...)

	default:
		return nil, taskerr.Newf(taskerr.InvalidData, "unknown terraform mode %q", mode)
	}
	final.args = append(final.args, extra...)
	return append(commands, final), nil
}

// TerraformModeOf returns the terraform step a task runs. Without an
// explicit mode, Build templates and dry runs plan and everything else
// applies.
func TerraformModeOf(job task.JobData) task.TerraformMode {
	if mode := job.Task.Params.Mode; mode != "" {
		return mode
	}
	if job.Template.Type == task.TemplateBuild || job.Task.Params.DryRun {
		return task.TerraformPlan
	}
	return task.TerraformApply
}

func (j *Job) loadPlan(ctx context.Context) error {
	job := j.config.Job
	if j.config.Plans == nil {
		return taskerr.Newf(taskerr.InvalidData, "deploy task %d has no plan store", job.Task.ID)
	}
	key := artifact.Key{ProjectID: job.Task.ProjectID, TemplateID: job.Template.BuildTemplateID, TaskID: job.Task.BuildTaskID}
	release, err := j.config.Plans.Load(ctx, key, j.PlanPath())
	if errors.Is(err, artifact.ErrNotFound) {
		return taskerr.Newf(taskerr.InvalidData, "no plan artifact from build task %d", job.Task.BuildTaskID)
	}
	if err != nil {
		return taskerr.New("", fmt.Errorf("loading plan artifact: %w", err))
	}
	j.holdPlan(release)
	j.config.Output.Log(task.LevelSystem, fmt.Sprintf("applying plan from build task %d", job.Task.BuildTaskID))
	return nil
}

// terraformVars passes every extra var as -var name=value in name order.
func (j *Job) terraformVars() []string {
	var args []string
	for _, name := range slices.Sorted(maps.Keys(j.extraVars)) {
		if name == semaphoreVars {
			continue
		}
		args = append(args, "-var", name+"="+stringValue(j.extraVars[name]))
	}
	return args
}

// shellCommands runs the script with survey vars as name=value
// arguments in declaration order, then the remaining extra vars in name
// order. Template arguments come before the vars and task arguments
// after them.
func (j *Job) shellCommands(templateArgs, taskArgs []string) ([]command, error) {
	repo := j.RepoDir()
	script, err := repoPath(repo, j.config.Job.Template.Playbook, "script")
	if err != nil {
		return nil, err
	}
	args := []string{script}
	args = append(args, templateArgs...)
	args = append(args, j.ShellVarArgs()...)
	args = append(args, taskArgs...)
	return []command{{
		stage: "script",
		path:  j.config.Apps.binary(task.AppShell),
		args:  args,
		dir:   repo,
	}}, nil
}

// ShellVarArgs returns the name=value arguments passed to a script.
func (j *Job) ShellVarArgs() []string {
	var args []string
	seen := map[string]bool{semaphoreVars: true}
	for _, survey := range j.config.Job.Template.SurveyVars {
		value, ok := j.extraVars[survey.Name]
		if !ok || seen[survey.Name] {
			continue
		}
		seen[survey.Name] = true
		args = append(args, survey.Name+"="+stringValue(value))
	}
	for _, name := range slices.Sorted(maps.Keys(j.extraVars)) {
		if !seen[name] {
			args = append(args, name+"="+stringValue(j.extraVars[name]))
		}
	}
	return args
}
