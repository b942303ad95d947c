// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package taskpool

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexandervashurin/semaphore-sub002/lib/localjob"
	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/store"
)

// snapshot resolves every object a submission references into a
// JobData and validates the submission against its template. Later
// edits to the template, repository, inventory, or environment do not
// affect the task.
func (p *Pool) snapshot(ctx context.Context, submission task.NewTask) (task.JobData, error) {
	if submission.ProjectID == 0 || submission.TemplateID == 0 {
		return task.JobData{}, validationError("project and template are required")
	}
	projects := p.config.Stores.Projects

	template, err := projects.GetTemplate(ctx, submission.ProjectID, submission.TemplateID)
	if err != nil {
		return task.JobData{}, lookupError(err, "template", submission.TemplateID)
	}
	job := task.JobData{
		Task: task.Task{
			ProjectID:   submission.ProjectID,
			TemplateID:  submission.TemplateID,
			UserID:      submission.UserID,
			InventoryID: submission.InventoryID,
			Environment: submission.Environment,
			Arguments:   submission.Arguments,
			Params:      submission.Params,
			BuildTaskID: submission.BuildTaskID,
			Message:     submission.Message,
			Integration: submission.Integration,
		},
		Template: template,
	}

	if template.RepositoryID != 0 {
		repository, err := projects.GetRepository(ctx, submission.ProjectID, template.RepositoryID)
		if err != nil {
			return task.JobData{}, lookupError(err, "repository", template.RepositoryID)
		}
		job.Repository = &repository
	}

	inventoryID := template.InventoryID
	if submission.InventoryID != 0 {
		inventoryID = submission.InventoryID
	}
	if inventoryID != 0 {
		inventory, err := projects.GetInventory(ctx, submission.ProjectID, inventoryID)
		if err != nil {
			return task.JobData{}, lookupError(err, "inventory", inventoryID)
		}
		job.Inventory = &inventory
	}

	if template.EnvironmentID != 0 {
		environment, err := projects.GetEnvironment(ctx, submission.ProjectID, template.EnvironmentID)
		if err != nil {
			return task.JobData{}, lookupError(err, "environment", template.EnvironmentID)
		}
		job.Environment = &environment
	}

	if err := p.validate(ctx, job); err != nil {
		return task.JobData{}, err
	}
	return job, nil
}

func (p *Pool) validate(ctx context.Context, job task.JobData) error {
	template := job.Template
	switch app := template.App; {
	case app == task.AppAnsible, app == task.AppShell, app.IsTerraformFamily():
	default:
		return validationError("template %d has unknown app %q", template.ID, app)
	}
	if template.Playbook == "" && !template.App.IsTerraformFamily() {
		return validationError("template %d has no playbook", template.ID)
	}

	vars, err := localjob.ParseObject(job.Task.Environment, "task variables")
	if err != nil {
		return validationError("%v", err)
	}
	for _, survey := range template.SurveyVars {
		if !survey.Required || survey.Default != "" {
			continue
		}
		if value, set := vars[survey.Name]; !set || value == "" {
			return validationError("survey variable %q is required", survey.Name)
		}
	}
	if job.Environment != nil {
		if _, err := localjob.ParseObject(job.Environment.JSON, "environment extra vars"); err != nil {
			return validationError("%v", err)
		}
		if _, err := localjob.ParseObject(job.Environment.ENV, "environment variables"); err != nil {
			return validationError("%v", err)
		}
	}
	if _, err := localjob.ParseArguments(template.Arguments, "template arguments"); err != nil {
		return validationError("%v", err)
	}
	if _, err := localjob.ParseArguments(job.Task.Arguments, "task arguments"); err != nil {
		return validationError("%v", err)
	}

	if mode := job.Task.Params.Mode; mode != "" {
		if !template.App.IsTerraformFamily() {
			return validationError("terraform mode %q on a %s template", mode, template.App)
		}
		switch mode {
		case task.TerraformPlan, task.TerraformApply, task.TerraformDestroy:
		default:
			return validationError("unknown terraform mode %q", mode)
		}
	}

	if job.Task.BuildTaskID != 0 {
		if template.Type != task.TemplateDeploy {
			return validationError("build task %d given for a %q template", job.Task.BuildTaskID, template.Type)
		}
		build, err := p.config.Stores.Tasks.GetTask(ctx, job.Task.BuildTaskID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && build.ProjectID != job.Task.ProjectID) {
			return validationError("build task %d not found", job.Task.BuildTaskID)
		}
		if err != nil {
			return fmt.Errorf("loading build task %d: %w", job.Task.BuildTaskID, err)
		}
		if template.BuildTemplateID != 0 && build.TemplateID != template.BuildTemplateID {
			return validationError("task %d is not a build of template %d", build.ID, template.BuildTemplateID)
		}
		if build.Status != task.StatusSuccess {
			return validationError("build task %d is %s", build.ID, build.Status)
		}
	}
	return nil
}

// lookupError turns a missing referenced object into a validation
// failure and passes store failures through.
func lookupError(err error, what string, id int64) error {
	if errors.Is(err, store.ErrNotFound) {
		return validationError("%s %d not found", what, id)
	}
	return fmt.Errorf("loading %s %d: %w", what, id, err)
}
