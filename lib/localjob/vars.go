// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package localjob

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/tidwall/jsonc"

	"github.com/alexandervashurin/semaphore-sub002/lib/keyinstall"
	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/secret"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskerr"
)

// semaphoreVars is the extra-vars key carrying task details.
const semaphoreVars = "semaphore_vars"

// ParseObject parses user-authored JSON that may carry comments and
// trailing commas. Empty input is an empty object.
func ParseObject(text, what string) (map[string]any, error) {
	result := map[string]any{}
	if text == "" {
		return result, nil
	}
	if err := json.Unmarshal(jsonc.ToJSON([]byte(text)), &result); err != nil {
		return nil, taskerr.New(taskerr.InvalidData, fmt.Errorf("parsing %s: %w", what, err))
	}
	return result, nil
}

// ParseArguments parses a JSON list of CLI arguments.
func ParseArguments(text, what string) ([]string, error) {
	if text == "" {
		return nil, nil
	}
	var args []string
	if err := json.Unmarshal(jsonc.ToJSON([]byte(text)), &args); err != nil {
		return nil, taskerr.New(taskerr.InvalidData, fmt.Errorf("parsing %s: %w", what, err))
	}
	return args, nil
}

// buildExtraVars merges the environment's extra vars, the task's own
// values, survey defaults, and var secrets, and adds task details.
func buildExtraVars(job task.JobData, secrets []Secret) (map[string]any, error) {
	vars := map[string]any{}
	if job.Environment != nil {
		environmentVars, err := ParseObject(job.Environment.JSON, "environment extra vars")
		if err != nil {
			return nil, err
		}
		maps.Copy(vars, environmentVars)
	}
	taskVars, err := ParseObject(job.Task.Environment, "task variables")
	if err != nil {
		return nil, err
	}
	maps.Copy(vars, taskVars)

	for _, survey := range job.Template.SurveyVars {
		if _, set := vars[survey.Name]; !set && survey.Default != "" {
			vars[survey.Name] = survey.Default
		}
	}
	for _, s := range secrets {
		if s.Type == task.SecretVar {
			vars[s.Name] = s.Value
		}
	}
	vars[semaphoreVars] = map[string]any{"task_details": taskDetails(job)}
	return vars, nil
}

func taskDetails(job task.JobData) map[string]any {
	details := map[string]any{
		"id":          job.Task.ID,
		"project_id":  job.Task.ProjectID,
		"template_id": job.Task.TemplateID,
	}
	if job.Task.UserID != 0 {
		details["user_id"] = job.Task.UserID
	}
	if job.Task.Message != "" {
		details["message"] = job.Task.Message
	}
	if job.Task.Commit != nil {
		details["commit_hash"] = job.Task.Commit.SHA
		details["commit_message"] = job.Task.Commit.Message
	}
	if job.Inventory != nil {
		details["inventory_id"] = job.Inventory.ID
		details["inventory_name"] = job.Inventory.Name
	}
	if job.Repository != nil {
		details["repository_id"] = job.Repository.ID
		details["repository_name"] = job.Repository.Name
	}
	if job.Template.Type != task.TemplateTask {
		details["type"] = string(job.Template.Type)
	}
	if job.Task.BuildTaskID != 0 {
		details["build_task_id"] = job.Task.BuildTaskID
	}
	return details
}

// buildEnv assembles the child environment: base, the environment's
// ENV object, env secrets, task details, tool defaults, and finally
// the key installer's variables. Later entries override earlier ones.
func buildEnv(config Config) ([]string, error) {
	env := slices.Clone(config.BaseEnv)

	if config.Job.Environment != nil {
		overrides, err := ParseObject(config.Job.Environment.ENV, "environment variables")
		if err != nil {
			return nil, err
		}
		for _, name := range slices.Sorted(maps.Keys(overrides)) {
			env = append(env, name+"="+stringValue(overrides[name]))
		}
	}
	for _, s := range config.Secrets {
		if s.Type == task.SecretEnv {
			env = append(env, s.Name+"="+s.Value)
		}
	}

	job := config.Job
	env = append(env,
		"SEMAPHORE_TASK_ID="+strconv.FormatInt(job.Task.ID, 10),
		"SEMAPHORE_TASK_PROJECT_ID="+strconv.FormatInt(job.Task.ProjectID, 10),
		"SEMAPHORE_TASK_TEMPLATE_ID="+strconv.FormatInt(job.Task.TemplateID, 10),
	)
	if job.Task.UserID != 0 {
		env = append(env, "SEMAPHORE_TASK_USER_ID="+strconv.FormatInt(job.Task.UserID, 10))
	}
	if job.Task.Commit != nil {
		env = append(env, "SEMAPHORE_TASK_COMMIT_HASH="+job.Task.Commit.SHA)
	}
	if job.Task.Message != "" {
		env = append(env, "SEMAPHORE_TASK_MESSAGE="+job.Task.Message)
	}

	switch {
	case job.Template.App == task.AppAnsible:
		env = append(env,
			"PYTHONUNBUFFERED=1",
			"ANSIBLE_FORCE_COLOR=1",
			"ANSIBLE_HOST_KEY_CHECKING=False",
		)
	case job.Template.App.IsTerraformFamily():
		env = append(env, "TF_IN_AUTOMATION=1", "TF_INPUT=0")
	}

	// The task key agent follows the repository key agent so its
	// SSH_AUTH_SOCK wins; git reaches its key through GIT_SSH_COMMAND.
	env = append(env, config.RepoKeys.Env(keyinstall.RoleGit)...)
	env = append(env, config.Keys.Env(
		keyinstall.RoleAnsibleUser,
		keyinstall.RoleAnsibleBecome,
		keyinstall.RoleVault,
		keyinstall.RoleShellPassword,
	)...)
	return env, nil
}

// stringValue renders an extra var for a command line or environment:
// strings verbatim, everything else as JSON.
func stringValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}

func writeJSON(path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return taskerr.New(taskerr.InvalidData, err)
	}
	defer secret.Zero(data)
	if err := secret.WriteFile(path, data, 0o600); err != nil {
		return taskerr.New("", fmt.Errorf("writing %s: %w", path, err))
	}
	return nil
}

