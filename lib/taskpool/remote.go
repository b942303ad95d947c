// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package taskpool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/secretstorage"
	"github.com/alexandervashurin/semaphore-sub002/lib/store"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskerr"
	"github.com/alexandervashurin/semaphore-sub002/lib/tasklog"
)

// StageDispatch names failures that happen while handing a task to a
// remote runner.
const StageDispatch = "dispatch"

// Heartbeat records that runnerID is alive, reconciles the jobs it
// reports, and hands it new jobs from the dispatch queue. Reported jobs
// the pool no longer assigns to this runner (finished, cancelled, or
// reassigned after a loss) come back in Cancel and change nothing on
// the server.
func (p *Pool) Heartbeat(ctx context.Context, runnerID int64, jobs []task.JobProgress) (task.Assignment, error) {
	runner, err := p.config.Stores.Runners.GetRunner(ctx, runnerID)
	if errors.Is(err, store.ErrNotFound) {
		return task.Assignment{}, ErrRunnerNotFound
	}
	if err != nil {
		return task.Assignment{}, fmt.Errorf("loading runner %d: %w", runnerID, err)
	}
	now := p.clock.Now()
	if err := p.config.Stores.Runners.TouchRunner(ctx, runnerID, now); err != nil {
		return task.Assignment{}, fmt.Errorf("recording heartbeat: %w", err)
	}
	runner.Active = true

	var (
		assignment task.Assignment
		assigned   []*entry
	)
	err = p.do(ctx, func(s *scheduler) {
		s.runners[runnerID] = now
		p.metrics.runnersActive.Set(float64(len(s.runners)))

		for _, progress := range jobs {
			e, ok := s.entries[progress.TaskID]
			if !ok || e.runnerID != runnerID {
				assignment.Cancel = append(assignment.Cancel, progress.TaskID)
				continue
			}
			e.lastCheckin = now
			if e.cancelRequested {
				assignment.Cancel = append(assignment.Cancel, progress.TaskID)
			}
		}
		// Jobs assigned on an earlier heartbeat may not be reported yet.
		held := 0
		for _, e := range s.entries {
			if e.runnerID == runnerID {
				held++
			}
		}

		capacity := -1
		if runner.MaxParallelTasks > 0 {
			capacity = max(runner.MaxParallelTasks-held, 0)
		}
		assigned = s.assign(runner, capacity, now)
	})
	if err != nil {
		return task.Assignment{}, err
	}

	for _, e := range assigned {
		job, err := p.sealJob(ctx, e.job, runner.PublicKey)
		if err != nil {
			p.failDispatch(e, err)
			continue
		}
		if err := p.config.Stores.Runners.UpsertRunningJob(ctx, task.RunningJob{
			TaskID:      e.id(),
			ProjectID:   e.project(),
			RunnerID:    runnerID,
			Progress:    e.log.Status(),
			LastCheckin: now,
		}); err != nil {
			p.logger.Warn("recording running job", "task_id", e.id(), "error", err)
		}
		e.log.Log(task.LevelSystem, fmt.Sprintf("dispatched to runner %d (%s)", runner.ID, runner.Name))
		p.logger.Info("task dispatched", "task_id", e.id(), "runner_id", runnerID)
		assignment.NewJobs = append(assignment.NewJobs, job)
	}
	return assignment, nil
}

// assign moves queued tasks the runner serves to it, in tag order and
// FIFO within a tag, up to capacity (negative means unlimited).
func (s *scheduler) assign(runner task.Runner, capacity int, now time.Time) []*entry {
	var assigned []*entry
	for _, tag := range runner.Tags {
		for _, e := range slices.Clone(s.dispatch[tag]) {
			if capacity == 0 {
				return assigned
			}
			if !runner.Serves(e.project(), tag) {
				continue
			}
			s.dropDispatch(e)
			s.pool.queued.Add(-1)
			s.pool.running.Add(1)
			e.phase = phaseRunning
			e.runnerID = runner.ID
			e.lastCheckin = now
			assigned = append(assigned, e)
			capacity--
		}
	}
	return assigned
}

// sealJob copies job with every referenced access key resealed to the
// runner's public key. A key missing from the store is left out; the
// runner then fails the stage that installs it with KeyNotFound, as an
// in-process runner would.
func (p *Pool) sealJob(ctx context.Context, job task.JobData, recipient string) (task.JobData, error) {
	sealed := job
	sealed.Keys = nil
	for _, id := range job.KeyIDs() {
		key, err := p.config.Stores.Keys.GetAccessKey(ctx, job.Task.ProjectID, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return task.JobData{}, fmt.Errorf("loading access key %d: %w", id, err)
		}
		if key.Type == task.KeyNone {
			sealed.Keys = append(sealed.Keys, key)
			continue
		}
		resealed, err := secretstorage.Reseal(ctx, p.config.Decrypter, key, recipient)
		if err != nil {
			return task.JobData{}, taskerr.New(taskerr.DecryptFailed, fmt.Errorf("sealing access key %q: %w", key.Name, err))
		}
		sealed.Keys = append(sealed.Keys, resealed)
	}
	return sealed, nil
}

// failDispatch ends a task that could not be handed to its runner.
func (p *Pool) failDispatch(e *entry, err error) {
	failure := taskerr.Failure(taskerr.Wrap(err, task.KindPrepareFailure, StageDispatch))
	p.logger.Error("dispatch failed", "task_id", e.id(), "error", err)
	e.log.Log(task.LevelSystem, "dispatch failed: "+failure.Message)
	if err := e.log.Finalize(context.Background(), task.StatusError, failure); err != nil {
		p.logger.Warn("finalizing task", "task_id", e.id(), "error", err)
	}
	if err := p.config.Stores.Runners.DeleteRunningJob(context.Background(), e.id()); err != nil {
		p.logger.Warn("removing running job", "task_id", e.id(), "error", err)
	}
	p.release(e)
}

// owned returns the entry for taskID if runnerID holds it.
func (p *Pool) owned(ctx context.Context, runnerID, taskID int64) (*entry, error) {
	var e *entry
	err := p.do(ctx, func(s *scheduler) {
		candidate, ok := s.entries[taskID]
		if ok && candidate.runnerID == runnerID && candidate.phase == phaseRunning {
			candidate.lastCheckin = p.clock.Now()
			e = candidate
		}
	})
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrTaskNotFound
	}
	return e, nil
}

// RunnerJob returns the snapshot of a task runnerID currently holds.
// The runner API uses it to scope plan uploads and downloads.
func (p *Pool) RunnerJob(ctx context.Context, runnerID, taskID int64) (task.JobData, error) {
	e, err := p.owned(ctx, runnerID, taskID)
	if err != nil {
		return task.JobData{}, err
	}
	return e.job, nil
}

// ReportStatus applies a runner's status change. A runner's non-terminal
// report wins unless the server has already requested a cancel; a
// terminal report ends the task and frees its slot.
func (p *Pool) ReportStatus(ctx context.Context, runnerID, taskID int64, report task.StatusReport) error {
	if !report.Status.IsValid() {
		return fmt.Errorf("invalid status %q", report.Status)
	}
	e, err := p.owned(ctx, runnerID, taskID)
	if err != nil {
		return err
	}
	if report.Commit != nil {
		e.log.SetCommit(*report.Commit)
	}

	if report.Status.IsTerminal() {
		status := report.Status
		if status == task.StatusSuccess {
			if e.log.Status() == task.StatusStopping {
				status = task.StatusStopped
			} else {
				_ = advance(e.log, task.StatusRunning)
			}
		}
		if err := e.log.Finalize(ctx, status, report.Failure); err != nil {
			p.logger.Warn("finalizing remote task", "task_id", taskID, "error", err)
		}
		if err := p.config.Stores.Runners.DeleteRunningJob(context.WithoutCancel(ctx), taskID); err != nil {
			p.logger.Warn("removing running job", "task_id", taskID, "error", err)
		}
		p.release(e)
		p.logger.Info("remote task finished", "task_id", taskID, "runner_id", runnerID, "status", e.log.Status())
		return nil
	}

	if err := advance(e.log, report.Status); err != nil {
		p.logger.Debug("ignoring runner status", "task_id", taskID, "status", report.Status, "error", err)
		return nil
	}
	if err := p.config.Stores.Runners.UpsertRunningJob(ctx, task.RunningJob{
		TaskID:          taskID,
		ProjectID:       e.project(),
		RunnerID:        runnerID,
		Progress:        e.log.Status(),
		CancelRequested: e.log.Status() == task.StatusStopping,
		LastCheckin:     p.clock.Now(),
	}); err != nil {
		p.logger.Warn("recording running job", "task_id", taskID, "error", err)
	}
	return nil
}

// advance moves log to status, passing through Starting when a runner
// skips it. Repeating the current status is not an error.
func advance(log *tasklog.Logger, status task.Status) error {
	current := log.Status()
	if current == status {
		return nil
	}
	if current == task.StatusWaiting && status != task.StatusStarting && task.CanTransition(task.StatusStarting, status) {
		if err := log.SetStatus(task.StatusStarting); err != nil {
			return err
		}
	}
	return log.SetStatus(status)
}

// AppendOutput adds a runner's log records to the task's stream. The
// server assigns the seq; status records are dropped because status
// arrives through ReportStatus.
func (p *Pool) AppendOutput(ctx context.Context, runnerID, taskID int64, records []task.LogRecord) error {
	e, err := p.owned(ctx, runnerID, taskID)
	if err != nil {
		return err
	}
	for _, record := range records {
		switch record.Level {
		case task.LevelStatus, task.LevelLagged:
			continue
		}
		e.log.Log(record.Level, record.Message)
	}
	return nil
}

func (p *Pool) orphanLoop(ctx context.Context) {
	ticker := p.clock.NewTicker(p.config.OrphanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.sweepOrphans(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("orphan sweep failed", "error", err)
			}
		}
	}
}

// lost is a task whose runner went silent, with the decision taken for
// it on the scheduler.
type lost struct {
	entry *entry
	// final is the terminal status to publish, or empty when the task
	// went back to the dispatch queue.
	final   task.Status
	failure *task.Failure
}

// sweepOrphans deactivates runners silent past the runner timeout and
// recovers their tasks. A task also counts as orphaned when its runner
// heartbeats but stopped reporting it. The first loss of a task puts it
// back at the head of its dispatch queue; the second ends it with
// RunnerLost.
func (p *Pool) sweepOrphans(ctx context.Context) error {
	deadline := p.clock.Now().Add(-p.config.RunnerTimeout)
	dead, err := p.config.Stores.Runners.ListDeadRunners(ctx, deadline)
	if err != nil {
		return fmt.Errorf("listing dead runners: %w", err)
	}
	deadIDs := make([]int64, 0, len(dead))
	for _, runner := range dead {
		if err := p.config.Stores.Runners.SetRunnerActive(ctx, runner.ID, false); err != nil {
			return fmt.Errorf("deactivating runner %d: %w", runner.ID, err)
		}
		deadIDs = append(deadIDs, runner.ID)
		p.metrics.runnersLost.Inc()
		p.logger.Warn("runner lost", "runner_id", runner.ID, "name", runner.Name, "last_active", runner.LastActive)
	}

	var orphans []lost
	err = p.do(ctx, func(s *scheduler) {
		for _, id := range deadIDs {
			delete(s.runners, id)
		}
		for id, seen := range s.runners {
			if seen.Before(deadline) {
				delete(s.runners, id)
			}
		}
		p.metrics.runnersActive.Set(float64(len(s.runners)))

		for _, e := range s.entries {
			if e.phase != phaseRunning || e.runnerID == 0 {
				continue
			}
			if !slices.Contains(deadIDs, e.runnerID) && !e.lastCheckin.Before(deadline) {
				continue
			}
			orphans = append(orphans, s.orphan(e))
		}
		s.schedule()
	})
	if err != nil {
		return err
	}

	for _, orphan := range orphans {
		e := orphan.entry
		if err := p.config.Stores.Runners.DeleteRunningJob(ctx, e.id()); err != nil {
			p.logger.Warn("removing running job", "task_id", e.id(), "error", err)
		}
		if orphan.final == "" {
			continue
		}
		if err := e.log.Finalize(context.WithoutCancel(ctx), orphan.final, orphan.failure); err != nil {
			p.logger.Warn("finalizing orphaned task", "task_id", e.id(), "error", err)
		}
		p.release(e)
	}
	return nil
}

// orphan decides the fate of a running remote task whose runner is
// gone.
func (s *scheduler) orphan(e *entry) lost {
	runnerID := e.runnerID
	logger := s.pool.logger.With("task_id", e.id(), "runner_id", runnerID)

	if e.cancelRequested {
		logger.Info("runner lost while cancelling")
		return lost{entry: e, final: task.StatusStopped}
	}
	if e.log.DispatchAttempts() >= 1 {
		logger.Error("runner lost a second time")
		e.log.Log(task.LevelSystem, fmt.Sprintf("runner %d lost", runnerID))
		return lost{entry: e, final: task.StatusError, failure: &task.Failure{
			Kind:    task.KindRunnerLost,
			Code:    string(taskerr.RunnerLost),
			Message: fmt.Sprintf("runner %d stopped heartbeating", runnerID),
		}}
	}

	reason := fmt.Sprintf("runner %d stopped heartbeating", runnerID)
	if task.CanRequeue(e.log.Status()) {
		if err := e.log.Requeue(reason); err != nil {
			logger.Error("requeue failed", "error", err)
			return lost{entry: e, final: task.StatusError, failure: engineFailure("requeue failed: " + err.Error())}
		}
	} else {
		e.log.Log(task.LevelSystem, "requeued: "+reason)
	}
	logger.Warn("task requeued after runner loss")
	s.pool.running.Add(-1)
	s.enqueueDispatch(e, true)
	return lost{entry: e}
}
