// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package storetest holds behavior every store.Store implementation
// must share. Backends call Run from their own tests.
package storetest

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/store"
)

// Run exercises a fresh store from open in every subtest.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("TaskLifecycle", func(t *testing.T) { t.Parallel(); taskLifecycle(t, open(t)) })
	t.Run("TaskOutput", func(t *testing.T) { t.Parallel(); taskOutput(t, open(t)) })
	t.Run("TasksByStatus", func(t *testing.T) { t.Parallel(); tasksByStatus(t, open(t)) })
	t.Run("ProjectObjects", func(t *testing.T) { t.Parallel(); projectObjects(t, open(t)) })
	t.Run("Runners", func(t *testing.T) { t.Parallel(); runners(t, open(t)) })
	t.Run("RunningJobs", func(t *testing.T) { t.Parallel(); runningJobs(t, open(t)) })
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func taskLifecycle(t *testing.T, s store.Store) {
	ctx := t.Context()
	created, err := s.CreateTask(ctx, task.Task{
		ProjectID:  1,
		TemplateID: 10,
		Status:     task.StatusWaiting,
		Params:     task.Params{Limit: []string{"web"}},
		Created:    epoch,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("CreateTask did not assign an ID")
	}
	second, err := s.CreateTask(ctx, task.Task{ProjectID: 1, TemplateID: 10, Status: task.StatusWaiting})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID <= created.ID {
		t.Fatalf("IDs not increasing: %d then %d", created.ID, second.ID)
	}

	commit := &task.CommitInfo{SHA: "feedface", Message: "fix"}
	failure := &task.Failure{Kind: task.KindRunFailure, Stage: "run", ExitCode: 2}
	err = s.UpdateTaskStatus(ctx, task.StatusUpdate{
		TaskID:           created.ID,
		Status:           task.StatusError,
		Started:          epoch.Add(time.Second),
		Ended:            epoch.Add(2 * time.Second),
		Commit:           commit,
		Failure:          failure,
		DispatchAttempts: 1,
	})
	if err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	got, err := s.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusError || got.DispatchAttempts != 1 {
		t.Errorf("status fields not applied: %+v", got)
	}
	if got.Commit == nil || got.Commit.SHA != "feedface" {
		t.Errorf("commit = %+v", got.Commit)
	}
	if got.Failure == nil || got.Failure.ExitCode != 2 || got.Failure.Stage != "run" {
		t.Errorf("failure = %+v", got.Failure)
	}
	if !got.Ended.Equal(epoch.Add(2*time.Second)) || !got.Created.Equal(epoch) {
		t.Errorf("times = created %v ended %v", got.Created, got.Ended)
	}
	if !slices.Equal(got.Params.Limit, []string{"web"}) {
		t.Errorf("params = %+v", got.Params)
	}

	// A later update without a commit keeps the recorded one.
	err = s.UpdateTaskStatus(ctx, task.StatusUpdate{TaskID: created.ID, Status: task.StatusError, Failure: failure})
	if err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetTask(ctx, created.ID)
	if got.Commit == nil {
		t.Error("commit dropped by an update without one")
	}

	if _, err := s.GetTask(ctx, 9999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetTask(missing) = %v, want ErrNotFound", err)
	}
	err = s.UpdateTaskStatus(ctx, task.StatusUpdate{TaskID: 9999, Status: task.StatusRunning})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateTaskStatus(missing) = %v, want ErrNotFound", err)
	}
}

func taskOutput(t *testing.T, s store.Store) {
	ctx := t.Context()
	created, err := s.CreateTask(ctx, task.Task{ProjectID: 1, Status: task.StatusRunning})
	if err != nil {
		t.Fatal(err)
	}
	for seq := int64(1); seq <= 5; seq++ {
		record := task.LogRecord{
			TaskID:  created.ID,
			Seq:     seq,
			Time:    epoch.Add(time.Duration(seq) * time.Millisecond),
			Level:   task.LevelStdout,
			Message: "line",
		}
		if seq == 5 {
			record.Level = task.LevelStatus
			record.Status = task.StatusSuccess
		}
		if err := s.AppendTaskOutput(ctx, record); err != nil {
			t.Fatalf("AppendTaskOutput(%d): %v", seq, err)
		}
	}

	records, err := s.ListTaskOutput(ctx, created.ID, 3)
	if err != nil {
		t.Fatal(err)
	}
	var seqs []int64
	for _, record := range records {
		seqs = append(seqs, record.Seq)
	}
	if !slices.Equal(seqs, []int64{3, 4, 5}) {
		t.Fatalf("seqs from 3 = %v", seqs)
	}
	if records[2].Status != task.StatusSuccess {
		t.Errorf("status record lost its status: %+v", records[2])
	}

	if err := s.AppendTaskOutput(ctx, task.LogRecord{TaskID: 9999, Seq: 1}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("AppendTaskOutput(missing task) = %v, want ErrNotFound", err)
	}
	if records, _ := s.ListTaskOutput(ctx, 9999, 0); len(records) != 0 {
		t.Errorf("output for missing task = %v", records)
	}
}

func tasksByStatus(t *testing.T, s store.Store) {
	ctx := t.Context()
	statuses := []task.Status{task.StatusWaiting, task.StatusRunning, task.StatusWaiting, task.StatusSuccess}
	for _, status := range statuses {
		if _, err := s.CreateTask(ctx, task.Task{ProjectID: 1, Status: status}); err != nil {
			t.Fatal(err)
		}
	}
	tasks, err := s.ListTasksByStatus(ctx, task.StatusWaiting, task.StatusRunning)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks, want 3", len(tasks))
	}
	for i := 1; i < len(tasks); i++ {
		if tasks[i].ID <= tasks[i-1].ID {
			t.Errorf("not ordered by ID: %d after %d", tasks[i].ID, tasks[i-1].ID)
		}
	}
	if tasks, _ := s.ListTasksByStatus(ctx, task.StatusStopped); len(tasks) != 0 {
		t.Errorf("stopped tasks = %v", tasks)
	}
}

func projectObjects(t *testing.T, s store.Store) {
	ctx := t.Context()
	template, err := s.SaveTemplate(ctx, task.Template{
		ProjectID: 1,
		Name:      "deploy",
		App:       task.AppAnsible,
		Playbook:  "site.yml",
		Vaults:    []task.TemplateVault{{Label: "prod", KeyID: 5}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if template.ID == 0 {
		t.Fatal("SaveTemplate did not assign an ID")
	}
	got, err := s.GetTemplate(ctx, 1, template.ID)
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if got.Playbook != "site.yml" || len(got.Vaults) != 1 || got.Vaults[0].KeyID != 5 {
		t.Errorf("template = %+v", got)
	}
	if _, err := s.GetTemplate(ctx, 2, template.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetTemplate(other project) = %v, want ErrNotFound", err)
	}

	// Saving with an explicit ID replaces the object.
	template.Playbook = "other.yml"
	if _, err := s.SaveTemplate(ctx, template); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetTemplate(ctx, 1, template.ID)
	if got.Playbook != "other.yml" {
		t.Errorf("update not visible: %q", got.Playbook)
	}

	repository, err := s.SaveRepository(ctx, task.Repository{ID: 40, ProjectID: 1, URL: "file:///repo"})
	if err != nil || repository.ID != 40 {
		t.Fatalf("SaveRepository = %+v, %v", repository, err)
	}
	if got, err := s.GetRepository(ctx, 1, 40); err != nil || got.URL != "file:///repo" {
		t.Errorf("GetRepository = %+v, %v", got, err)
	}
	next, err := s.SaveRepository(ctx, task.Repository{ProjectID: 1})
	if err != nil || next.ID <= 40 {
		t.Errorf("ID after explicit 40 = %d, %v", next.ID, err)
	}

	inventory, err := s.SaveInventory(ctx, task.Inventory{ProjectID: 1, Type: task.InventoryStatic, Inventory: "[web]\nhost1"})
	if err != nil {
		t.Fatal(err)
	}
	if got, err := s.GetInventory(ctx, 1, inventory.ID); err != nil || got.Inventory != "[web]\nhost1" {
		t.Errorf("GetInventory = %+v, %v", got, err)
	}

	environment, err := s.SaveEnvironment(ctx, task.Environment{
		ProjectID: 1,
		JSON:      `{"a":1}`,
		Secrets:   []task.EnvironmentSecret{{Name: "TOKEN", Type: task.SecretEnv, KeyID: 3}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, err := s.GetEnvironment(ctx, 1, environment.ID); err != nil || len(got.Secrets) != 1 {
		t.Errorf("GetEnvironment = %+v, %v", got, err)
	}

	// Global keys (project 0) resolve from any project.
	key, err := s.SaveAccessKey(ctx, task.AccessKey{Name: "shared", Type: task.KeyString, Storage: task.StorageLocal, Secret: "c2VjcmV0"})
	if err != nil {
		t.Fatal(err)
	}
	if got, err := s.GetAccessKey(ctx, 7, key.ID); err != nil || got.Secret != "c2VjcmV0" {
		t.Errorf("GetAccessKey(global) = %+v, %v", got, err)
	}
	if _, err := s.GetAccessKey(ctx, 1, 9999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetAccessKey(missing) = %v, want ErrNotFound", err)
	}
}

func runners(t *testing.T, s store.Store) {
	ctx := t.Context()
	first, err := s.CreateRunner(ctx, task.Runner{
		Name:      "first",
		Token:     "token-a",
		Tags:      []string{"linux"},
		PublicKey: "age1example",
		Active:    true,
	})
	if err != nil {
		t.Fatalf("CreateRunner: %v", err)
	}
	if _, err := s.CreateRunner(ctx, task.Runner{Token: "token-a"}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate token = %v, want ErrConflict", err)
	}
	second, err := s.CreateRunner(ctx, task.Runner{Name: "second", Token: "token-b", Active: true})
	if err != nil {
		t.Fatal(err)
	}

	byToken, err := s.GetRunnerByToken(ctx, "token-a")
	if err != nil {
		t.Fatalf("GetRunnerByToken: %v", err)
	}
	if byToken.ID != first.ID || byToken.Token != "token-a" || !slices.Equal(byToken.Tags, []string{"linux"}) {
		t.Errorf("runner = %+v", byToken)
	}
	if _, err := s.GetRunnerByToken(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown token = %v, want ErrNotFound", err)
	}

	if err := s.TouchRunner(ctx, first.ID, epoch.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.TouchRunner(ctx, second.ID, epoch); err != nil {
		t.Fatal(err)
	}
	dead, err := s.ListDeadRunners(ctx, epoch.Add(30*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 || dead[0].ID != second.ID {
		t.Fatalf("dead = %+v, want only the second runner", dead)
	}

	if err := s.SetRunnerActive(ctx, second.ID, false); err != nil {
		t.Fatal(err)
	}
	if dead, _ := s.ListDeadRunners(ctx, epoch.Add(time.Hour)); len(dead) != 1 || dead[0].ID != first.ID {
		t.Errorf("inactive runner still listed: %+v", dead)
	}
	got, err := s.GetRunner(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Active || !got.LastActive.Equal(epoch.Add(time.Minute)) {
		t.Errorf("touch not recorded: %+v", got)
	}
	if err := s.TouchRunner(ctx, 9999, epoch); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("TouchRunner(missing) = %v, want ErrNotFound", err)
	}
}

func runningJobs(t *testing.T, s store.Store) {
	ctx := t.Context()
	for _, job := range []task.RunningJob{
		{TaskID: 3, ProjectID: 1, RunnerID: 2, Progress: task.StatusRunning, LastCheckin: epoch},
		{TaskID: 1, ProjectID: 1, Progress: task.StatusStarting},
	} {
		if err := s.UpsertRunningJob(ctx, job); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpsertRunningJob(ctx, task.RunningJob{TaskID: 3, ProjectID: 1, RunnerID: 2, CancelRequested: true}); err != nil {
		t.Fatal(err)
	}
	jobs, err := s.ListRunningJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 || jobs[0].TaskID != 1 || jobs[1].TaskID != 3 || !jobs[1].CancelRequested {
		t.Fatalf("jobs = %+v", jobs)
	}
	if err := s.DeleteRunningJob(ctx, 3); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteRunningJob(ctx, 3); err != nil {
		t.Errorf("deleting twice: %v", err)
	}
	if jobs, _ := s.ListRunningJobs(ctx); len(jobs) != 1 {
		t.Errorf("jobs after delete = %+v", jobs)
	}
}
