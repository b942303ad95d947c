// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package taskpool

import (
	"context"
	"fmt"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskerr"
	"github.com/alexandervashurin/semaphore-sub002/lib/tasklog"
)

// recover cleans up after a previous server. Tasks it left mid-flight
// end in Error; tasks it left Waiting are snapshotted again and queued
// in creation order. It runs before the scheduler goroutine starts, so
// it touches the scheduler directly.
func (p *Pool) recover(ctx context.Context) error {
	tasks := p.config.Stores.Tasks

	interrupted, err := tasks.ListTasksByStatus(ctx, task.StatusStarting, task.StatusRunning, task.StatusStopping)
	if err != nil {
		return fmt.Errorf("listing interrupted tasks: %w", err)
	}
	for _, stale := range interrupted {
		log, err := p.resumeLog(ctx, stale)
		if err != nil {
			return err
		}
		log.Log(task.LevelSystem, "server restarted while the task was "+string(stale.Status))
		if err := log.Finalize(ctx, task.StatusError, engineFailure("server restarted")); err != nil {
			return fmt.Errorf("finalizing interrupted task %d: %w", stale.ID, err)
		}
		p.logger.Warn("interrupted task failed", "task_id", stale.ID, "status", stale.Status)
	}

	jobs, err := p.config.Stores.Runners.ListRunningJobs(ctx)
	if err != nil {
		return fmt.Errorf("listing running jobs: %w", err)
	}
	for _, job := range jobs {
		if err := p.config.Stores.Runners.DeleteRunningJob(ctx, job.TaskID); err != nil {
			return fmt.Errorf("removing running job %d: %w", job.TaskID, err)
		}
	}

	waiting, err := tasks.ListTasksByStatus(ctx, task.StatusWaiting)
	if err != nil {
		return fmt.Errorf("listing waiting tasks: %w", err)
	}
	for _, pending := range waiting {
		job, snapshotErr := p.snapshot(ctx, submissionOf(pending))
		log, err := p.resumeLog(ctx, pending)
		if err != nil {
			return err
		}
		if snapshotErr != nil {
			failure := taskerr.Failure(snapshotErr)
			failure.Stage = "recover"
			if err := log.Finalize(ctx, task.StatusError, failure); err != nil {
				return fmt.Errorf("finalizing task %d: %w", pending.ID, err)
			}
			p.logger.Warn("waiting task no longer valid", "task_id", pending.ID, "error", snapshotErr)
			continue
		}
		job.Task = pending
		p.sched.add(&entry{job: job, tag: job.Template.RunnerTag, log: log})
	}
	if len(interrupted) > 0 || len(waiting) > 0 {
		p.logger.Info("recovered tasks", "failed", len(interrupted), "requeued", len(waiting))
	}
	return nil
}

// resumeLog returns a logger for an existing task whose seq continues
// after the records already stored.
func (p *Pool) resumeLog(ctx context.Context, existing task.Task) (*tasklog.Logger, error) {
	records, err := p.config.Stores.Tasks.ListTaskOutput(ctx, existing.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("reading output of task %d: %w", existing.ID, err)
	}
	var firstSeq int64 = 1
	if len(records) > 0 {
		firstSeq = records[len(records)-1].Seq + 1
	}
	return tasklog.New(tasklog.Config{
		Task:             existing,
		Store:            p.config.Stores.Tasks,
		OnStatus:         p.metrics.observe,
		Clock:            p.clock,
		SubscriberBuffer: p.config.SubscriberBuffer,
		FirstSeq:         firstSeq,
		Logger:           p.logger,
	}), nil
}

func submissionOf(existing task.Task) task.NewTask {
	return task.NewTask{
		ProjectID:   existing.ProjectID,
		TemplateID:  existing.TemplateID,
		UserID:      existing.UserID,
		InventoryID: existing.InventoryID,
		Environment: existing.Environment,
		Arguments:   existing.Arguments,
		Params:      existing.Params,
		BuildTaskID: existing.BuildTaskID,
		Message:     existing.Message,
		Integration: existing.Integration,
	}
}
