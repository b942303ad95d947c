// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package memstore is an in-memory store.Store for tests and for
// servers started without a database path. Nothing survives the
// process.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/store"
)

// Store holds every record in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	lastID map[string]int64

	tasks        map[int64]task.Task
	output       map[int64][]task.LogRecord
	templates    map[int64]task.Template
	repositories map[int64]task.Repository
	inventories  map[int64]task.Inventory
	environments map[int64]task.Environment
	keys         map[int64]task.AccessKey
	runners      map[int64]task.Runner
	runningJobs  map[int64]task.RunningJob
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		lastID:       make(map[string]int64),
		tasks:        make(map[int64]task.Task),
		output:       make(map[int64][]task.LogRecord),
		templates:    make(map[int64]task.Template),
		repositories: make(map[int64]task.Repository),
		inventories:  make(map[int64]task.Inventory),
		environments: make(map[int64]task.Environment),
		keys:         make(map[int64]task.AccessKey),
		runners:      make(map[int64]task.Runner),
		runningJobs:  make(map[int64]task.RunningJob),
	}
}

// Close does nothing.
func (s *Store) Close() error { return nil }

// assignID returns id when set (keeping the sequence ahead of it) and
// the next ID of kind otherwise.
func (s *Store) assignID(kind string, id int64) int64 {
	if id != 0 {
		s.lastID[kind] = max(s.lastID[kind], id)
		return id
	}
	s.lastID[kind]++
	return s.lastID[kind]
}

func (s *Store) CreateTask(_ context.Context, newTask task.Task) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	newTask.ID = s.assignID("task", newTask.ID)
	s.tasks[newTask.ID] = newTask
	return newTask, nil
}

func (s *Store) GetTask(_ context.Context, id int64) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, store.ErrNotFound
	}
	return t, nil
}

func (s *Store) UpdateTaskStatus(_ context.Context, update task.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[update.TaskID]
	if !ok {
		return store.ErrNotFound
	}
	store.ApplyStatus(&t, update)
	s.tasks[t.ID] = t
	return nil
}

func (s *Store) AppendTaskOutput(_ context.Context, record task.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[record.TaskID]; !ok {
		return store.ErrNotFound
	}
	s.output[record.TaskID] = append(s.output[record.TaskID], record)
	return nil
}

func (s *Store) ListTaskOutput(_ context.Context, taskID, fromSeq int64) ([]task.LogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []task.LogRecord
	for _, record := range s.output[taskID] {
		if record.Seq >= fromSeq {
			records = append(records, record)
		}
	}
	slices.SortFunc(records, func(a, b task.LogRecord) int { return cmp.Compare(a.Seq, b.Seq) })
	return records, nil
}

func (s *Store) ListTasksByStatus(_ context.Context, statuses ...task.Status) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []task.Task
	for _, t := range s.tasks {
		if slices.Contains(statuses, t.Status) {
			tasks = append(tasks, t)
		}
	}
	slices.SortFunc(tasks, func(a, b task.Task) int { return cmp.Compare(a.ID, b.ID) })
	return tasks, nil
}

// get looks up id in m and checks it belongs to projectID.
func get[T any](s *Store, m map[int64]T, projectID, id int64, project func(T) int64) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := m[id]
	if !ok || (projectID != 0 && project(value) != 0 && project(value) != projectID) {
		var zero T
		return zero, store.ErrNotFound
	}
	return value, nil
}

func (s *Store) GetTemplate(_ context.Context, projectID, id int64) (task.Template, error) {
	return get(s, s.templates, projectID, id, func(t task.Template) int64 { return t.ProjectID })
}

func (s *Store) GetRepository(_ context.Context, projectID, id int64) (task.Repository, error) {
	return get(s, s.repositories, projectID, id, func(r task.Repository) int64 { return r.ProjectID })
}

func (s *Store) GetInventory(_ context.Context, projectID, id int64) (task.Inventory, error) {
	return get(s, s.inventories, projectID, id, func(i task.Inventory) int64 { return i.ProjectID })
}

func (s *Store) GetEnvironment(_ context.Context, projectID, id int64) (task.Environment, error) {
	return get(s, s.environments, projectID, id, func(e task.Environment) int64 { return e.ProjectID })
}

func (s *Store) GetAccessKey(_ context.Context, projectID, id int64) (task.AccessKey, error) {
	return get(s, s.keys, projectID, id, func(k task.AccessKey) int64 { return k.ProjectID })
}

func (s *Store) SaveTemplate(_ context.Context, template task.Template) (task.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	template.ID = s.assignID("template", template.ID)
	s.templates[template.ID] = template
	return template, nil
}

func (s *Store) SaveRepository(_ context.Context, repository task.Repository) (task.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repository.ID = s.assignID("repository", repository.ID)
	s.repositories[repository.ID] = repository
	return repository, nil
}

func (s *Store) SaveInventory(_ context.Context, inventory task.Inventory) (task.Inventory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inventory.ID = s.assignID("inventory", inventory.ID)
	s.inventories[inventory.ID] = inventory
	return inventory, nil
}

func (s *Store) SaveEnvironment(_ context.Context, environment task.Environment) (task.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	environment.ID = s.assignID("environment", environment.ID)
	s.environments[environment.ID] = environment
	return environment, nil
}

func (s *Store) SaveAccessKey(_ context.Context, key task.AccessKey) (task.AccessKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key.ID = s.assignID("key", key.ID)
	s.keys[key.ID] = key
	return key, nil
}

func (s *Store) CreateRunner(_ context.Context, runner task.Runner) (task.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.runners {
		if existing.Token == runner.Token {
			return task.Runner{}, store.ErrConflict
		}
	}
	runner.ID = s.assignID("runner", runner.ID)
	s.runners[runner.ID] = runner
	return runner, nil
}

func (s *Store) GetRunner(_ context.Context, id int64) (task.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runner, ok := s.runners[id]
	if !ok {
		return task.Runner{}, store.ErrNotFound
	}
	return runner, nil
}

func (s *Store) GetRunnerByToken(_ context.Context, token string) (task.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, runner := range s.runners {
		if runner.Token == token {
			return runner, nil
		}
	}
	return task.Runner{}, store.ErrNotFound
}

func (s *Store) TouchRunner(_ context.Context, id int64, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	runner, ok := s.runners[id]
	if !ok {
		return store.ErrNotFound
	}
	runner.LastActive = when
	runner.Active = true
	s.runners[id] = runner
	return nil
}

func (s *Store) SetRunnerActive(_ context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	runner, ok := s.runners[id]
	if !ok {
		return store.ErrNotFound
	}
	runner.Active = active
	s.runners[id] = runner
	return nil
}

func (s *Store) ListDeadRunners(_ context.Context, deadline time.Time) ([]task.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dead []task.Runner
	for _, runner := range s.runners {
		if runner.Active && runner.LastActive.Before(deadline) {
			dead = append(dead, runner)
		}
	}
	slices.SortFunc(dead, func(a, b task.Runner) int { return cmp.Compare(a.ID, b.ID) })
	return dead, nil
}

func (s *Store) UpsertRunningJob(_ context.Context, job task.RunningJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runningJobs[job.TaskID] = job
	return nil
}

func (s *Store) DeleteRunningJob(_ context.Context, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runningJobs, taskID)
	return nil
}

func (s *Store) ListRunningJobs(_ context.Context) ([]task.RunningJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]task.RunningJob, 0, len(s.runningJobs))
	for _, job := range s.runningJobs {
		jobs = append(jobs, job)
	}
	slices.SortFunc(jobs, func(a, b task.RunningJob) int { return cmp.Compare(a.TaskID, b.TaskID) })
	return jobs, nil
}
