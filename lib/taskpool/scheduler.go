// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package taskpool

import (
	"context"
	"slices"
	"time"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/tasklog"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskrunner"
)

type phase int

const (
	// phaseWaiting: in its project's FIFO, holding no slot.
	phaseWaiting phase = iota

	// phaseQueued: holding a slot, waiting in the runner dispatch
	// queue for a runner serving its tag.
	phaseQueued

	// phaseRunning: holding a slot, running in-process or assigned to
	// a remote runner.
	phaseRunning
)

// entry is one live task.
type entry struct {
	job   task.JobData
	log   *tasklog.Logger
	tag   string
	phase phase

	local *taskrunner.Runner

	runnerID        int64
	cancelRequested bool
	lastCheckin     time.Time
}

func (e *entry) id() int64      { return e.job.Task.ID }
func (e *entry) project() int64 { return e.job.Task.ProjectID }

// scheduler is the queue state. Only the pool's loop goroutine touches
// it.
type scheduler struct {
	pool *Pool

	entries map[int64]*entry

	// waiting holds each project's FIFO; ring lists the projects with
	// a non-empty FIFO in round-robin order.
	waiting map[int64][]*entry
	ring    []int64

	running map[int64]int
	total   int

	// dispatch is the runner dispatch queue, FIFO per tag.
	dispatch map[string][]*entry

	// runners records the last heartbeat of each runner seen alive.
	runners map[int64]time.Time
}

func newScheduler(pool *Pool) *scheduler {
	return &scheduler{
		pool:     pool,
		entries:  make(map[int64]*entry),
		waiting:  make(map[int64][]*entry),
		running:  make(map[int64]int),
		dispatch: make(map[string][]*entry),
		runners:  make(map[int64]time.Time),
	}
}

// add appends e to its project's FIFO.
func (s *scheduler) add(e *entry) {
	s.entries[e.id()] = e
	e.phase = phaseWaiting
	project := e.project()
	if len(s.waiting[project]) == 0 {
		s.ring = append(s.ring, project)
	}
	s.waiting[project] = append(s.waiting[project], e)
	s.pool.waiting.Add(1)
}

func (s *scheduler) hasGlobalRoom() bool {
	limit := s.pool.config.MaxParallelTasks
	return limit <= 0 || s.total < limit
}

func (s *scheduler) hasProjectRoom(project int64) bool {
	limit := s.pool.config.MaxParallelTasksPerProject
	return limit < 0 || s.running[project] < limit
}

// schedule admits waiting tasks while slots are free. A project that
// receives a slot moves to the back of the ring, so under a global
// limit projects take turns.
func (s *scheduler) schedule() {
	for s.hasGlobalRoom() {
		index := slices.IndexFunc(s.ring, s.hasProjectRoom)
		if index < 0 {
			return
		}
		project := s.ring[index]
		s.ring = slices.Delete(s.ring, index, index+1)

		queue := s.waiting[project]
		e := queue[0]
		queue[0] = nil
		queue = queue[1:]
		if len(queue) == 0 {
			delete(s.waiting, project)
		} else {
			s.waiting[project] = queue
			s.ring = append(s.ring, project)
		}
		s.pool.waiting.Add(-1)
		s.admit(e)
	}
}

// admit gives e a slot and dispatches it.
func (s *scheduler) admit(e *entry) {
	s.running[e.project()]++
	s.total++
	if e.tag != "" {
		s.enqueueDispatch(e, false)
		return
	}
	s.startLocal(e)
}

func (s *scheduler) enqueueDispatch(e *entry, front bool) {
	e.phase = phaseQueued
	e.runnerID = 0
	if front {
		s.dispatch[e.tag] = slices.Insert(s.dispatch[e.tag], 0, e)
	} else {
		s.dispatch[e.tag] = append(s.dispatch[e.tag], e)
	}
	s.pool.queued.Add(1)
}

func (s *scheduler) startLocal(e *entry) {
	p := s.pool
	e.phase = phaseRunning
	p.running.Add(1)
	e.local = taskrunner.New(taskrunner.Config{
		Job:       e.job,
		Log:       e.log,
		TmpRoot:   p.config.TmpRoot,
		Keys:      p.config.Stores.Keys,
		Decrypter: p.config.Decrypter,
		Projects:  p.config.Stores.Projects,
		Git:       p.config.Git,
		Plans:     p.config.Plans,
		Apps:      p.config.Apps,
		PreHooks:  p.config.PreHooks,
		PostHooks: p.config.PostHooks,
		BaseEnv:   p.config.BaseEnv,
		Clock:     p.clock,
		Grace:     p.config.Grace,
		OnFinish:  func(task.Status) { p.finishLocal(e) },
		Logger:    p.logger,
	})

	p.tasks.Add(1)
	go func() {
		defer p.tasks.Done()
		if err := p.config.Stores.Runners.UpsertRunningJob(p.runCtx, task.RunningJob{
			TaskID:      e.id(),
			ProjectID:   e.project(),
			Progress:    task.StatusStarting,
			LastCheckin: p.clock.Now(),
		}); err != nil {
			p.logger.Warn("recording running job", "task_id", e.id(), "error", err)
		}
		status := e.local.Run(p.runCtx)
		p.logger.Info("task finished", "task_id", e.id(), "status", status)
	}()
}

// finishLocal runs on the task's goroutine once its terminal status is
// published.
func (p *Pool) finishLocal(e *entry) {
	if err := p.config.Stores.Runners.DeleteRunningJob(context.Background(), e.id()); err != nil {
		p.logger.Warn("removing running job", "task_id", e.id(), "error", err)
	}
	p.release(e)
}

// release frees e's slot and forgets it. It is a no-op for an entry the
// scheduler no longer holds.
func (p *Pool) release(e *entry) {
	err := p.do(context.Background(), func(s *scheduler) {
		s.remove(e)
		s.schedule()
	})
	if err != nil {
		p.logger.Debug("releasing task after pool stop", "task_id", e.id(), "error", err)
	}
}

// remove drops e from every structure and frees its slot.
func (s *scheduler) remove(e *entry) {
	if s.entries[e.id()] != e {
		return
	}
	delete(s.entries, e.id())
	switch e.phase {
	case phaseWaiting:
		project := e.project()
		queue := slices.DeleteFunc(s.waiting[project], func(other *entry) bool { return other == e })
		if len(queue) == 0 {
			delete(s.waiting, project)
			s.ring = slices.DeleteFunc(s.ring, func(id int64) bool { return id == project })
		} else {
			s.waiting[project] = queue
		}
		s.pool.waiting.Add(-1)
		return
	case phaseQueued:
		s.dropDispatch(e)
		s.pool.queued.Add(-1)
	case phaseRunning:
		s.pool.running.Add(-1)
	}
	s.running[e.project()]--
	if s.running[e.project()] <= 0 {
		delete(s.running, e.project())
	}
	s.total--
}

func (s *scheduler) dropDispatch(e *entry) {
	queue := slices.DeleteFunc(s.dispatch[e.tag], func(other *entry) bool { return other == e })
	if len(queue) == 0 {
		delete(s.dispatch, e.tag)
	} else {
		s.dispatch[e.tag] = queue
	}
}

// cancel applies a cancel to e and returns the follow-up to run off the
// scheduler goroutine.
func (s *scheduler) cancel(e *entry) func() {
	p := s.pool
	switch {
	case e.phase == phaseWaiting || e.phase == phaseQueued:
		s.remove(e)
		s.schedule()
		return func() { p.stopUnstarted(e) }

	case e.local != nil:
		return e.local.Cancel

	default:
		if e.cancelRequested {
			return nil
		}
		e.cancelRequested = true
		job := task.RunningJob{
			TaskID:          e.id(),
			ProjectID:       e.project(),
			RunnerID:        e.runnerID,
			Progress:        e.log.Status(),
			CancelRequested: true,
			LastCheckin:     e.lastCheckin,
		}
		return func() {
			if status := e.log.Status(); status == task.StatusStarting || status == task.StatusRunning {
				_ = e.log.SetStatus(task.StatusStopping)
			}
			e.log.Log(task.LevelSystem, "cancel requested")
			if err := p.config.Stores.Runners.UpsertRunningJob(context.Background(), job); err != nil {
				p.logger.Warn("recording cancel request", "task_id", e.id(), "error", err)
			}
		}
	}
}
