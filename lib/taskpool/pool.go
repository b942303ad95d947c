// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskpool admits, schedules, and tracks tasks.
//
// A Pool owns every task from submission until its terminal status. One
// scheduler goroutine holds all queue state: a FIFO per project, the
// per-project and global running counts, and the runner dispatch queue
// keyed by runner tag. Every public method hands the scheduler a closure
// and waits for it, so queue state has a single writer and no lock.
// Store I/O and process work never run on the scheduler goroutine.
//
// Tasks whose template names a runner tag wait for a remote runner
// serving that tag; the runner pulls them with Heartbeat and reports
// back through ReportStatus and AppendOutput. Every other task runs
// in-process on a taskrunner.Runner. A separate goroutine sweeps
// runners that stopped heartbeating and requeues their tasks once.
package taskpool

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexandervashurin/semaphore-sub002/lib/clock"
	"github.com/alexandervashurin/semaphore-sub002/lib/git"
	"github.com/alexandervashurin/semaphore-sub002/lib/localjob"
	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/secretstorage"
	"github.com/alexandervashurin/semaphore-sub002/lib/store"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskerr"
	"github.com/alexandervashurin/semaphore-sub002/lib/tasklog"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskrunner"
)

const (
	// DefaultPerProject is the per-project concurrency limit when none
	// is configured.
	DefaultPerProject = 1

	DefaultRunnerTimeout  = 60 * time.Second
	DefaultOrphanInterval = 5 * time.Second
)

var (
	// ErrTaskNotFound is returned for a task the pool does not hold
	// and the store does not know.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotLive is returned when subscribing to a task that already
	// finished; its output is in the store.
	ErrNotLive = errors.New("task is not live")

	// ErrRunnerNotFound is returned for an unknown runner.
	ErrRunnerNotFound = errors.New("runner not found")

	// ErrClosed is returned once the pool has shut down.
	ErrClosed = errors.New("task pool closed")
)

// Stores groups the persistence a Pool uses.
type Stores struct {
	Tasks    store.TaskStore
	Projects store.ProjectStore
	Keys     store.KeyStore
	Runners  store.RunnerStore
}

// Config configures a Pool.
type Config struct {
	Stores Stores

	// Decrypter opens access keys for in-process tasks and for
	// resealing keys to remote runners.
	Decrypter secretstorage.Decrypter

	Git   *git.Provider
	Plans localjob.PlanStore
	Apps  localjob.Apps

	// TmpRoot holds per-task directories of in-process tasks.
	TmpRoot string

	// MaxParallelTasks limits running tasks across projects. Zero
	// means no limit.
	MaxParallelTasks int

	// MaxParallelTasksPerProject limits running tasks per project.
	// Zero means DefaultPerProject; negative means no limit.
	MaxParallelTasksPerProject int

	RunnerTimeout  time.Duration
	OrphanInterval time.Duration

	SubscriberBuffer int

	PreHooks  []taskrunner.Hook
	PostHooks []taskrunner.Hook

	// Grace is the SIGTERM to SIGKILL delay for cancelled children.
	Grace time.Duration

	// BaseEnv is the environment in-process tools start from. Nil
	// means the server's environment.
	BaseEnv []string

	Clock clock.Clock

	// Registerer receives the pool's metrics. Nil skips
	// registration.
	Registerer prometheus.Registerer

	Logger *slog.Logger
}

// Stats is a point-in-time view of the pool's counters.
type Stats struct {
	// Waiting counts tasks in project queues.
	Waiting int

	// Queued counts tasks waiting in the runner dispatch queue.
	Queued int

	// Running counts tasks holding a concurrency slot and assigned to
	// a runner (in-process or remote).
	Running int
}

// Pool is the task admission controller and scheduler.
type Pool struct {
	config  Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics

	inbox chan func(*scheduler)

	// runCtx is the parent of every in-process task.
	runCtx     context.Context
	cancelRuns context.CancelFunc
	tasks      sync.WaitGroup

	stop     context.CancelFunc
	stopped  chan struct{}
	loops    sync.WaitGroup
	started  atomic.Bool
	closeOne sync.Once

	waiting atomic.Int64
	queued  atomic.Int64
	running atomic.Int64

	// sched is touched only by the scheduler goroutine, and by Start
	// before that goroutine exists.
	sched *scheduler
}

// New returns a Pool. Call Start to recover state and begin scheduling.
func New(config Config) *Pool {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxParallelTasksPerProject == 0 {
		config.MaxParallelTasksPerProject = DefaultPerProject
	}
	if config.RunnerTimeout <= 0 {
		config.RunnerTimeout = DefaultRunnerTimeout
	}
	if config.OrphanInterval <= 0 {
		config.OrphanInterval = DefaultOrphanInterval
	}
	if config.Git == nil {
		config.Git = git.NewProvider(git.ProviderConfig{Clock: config.Clock, Logger: config.Logger})
	}

	p := &Pool{
		config:  config,
		clock:   config.Clock,
		logger:  config.Logger,
		inbox:   make(chan func(*scheduler)),
		stopped: make(chan struct{}),
	}
	p.runCtx, p.cancelRuns = context.WithCancel(context.Background())
	p.sched = newScheduler(p)
	p.metrics = newMetrics(p, config.Registerer)
	return p
}

// Start recovers tasks left by a previous server, then starts the
// scheduler and the orphan cleaner. It returns once both are running.
func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("task pool already started")
	}
	if err := p.recover(ctx); err != nil {
		return fmt.Errorf("recovering tasks: %w", err)
	}
	p.sched.schedule()

	loopCtx, stop := context.WithCancel(context.Background())
	p.stop = stop
	p.loops.Add(2)
	go func() {
		defer p.loops.Done()
		defer close(p.stopped)
		p.loop(loopCtx)
	}()
	go func() {
		defer p.loops.Done()
		p.orphanLoop(loopCtx)
	}()
	p.logger.Info("task pool started",
		"max_parallel_tasks", p.config.MaxParallelTasks,
		"max_parallel_tasks_per_project", p.config.MaxParallelTasksPerProject,
		"runner_timeout", p.config.RunnerTimeout)
	return nil
}

// Close stops every in-process task, waits for their teardown, and
// stops the scheduler. Waiting tasks stay Waiting in the store and are
// re-enqueued by the next Start. Remote tasks are left to their
// runners.
func (p *Pool) Close() {
	p.closeOne.Do(func() {
		p.cancelRuns()
		p.tasks.Wait()
		if p.stop != nil {
			p.stop()
			p.loops.Wait()
		}
		p.logger.Info("task pool stopped")
	})
}

func (p *Pool) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case request := <-p.inbox:
			request(p.sched)
		}
	}
}

// do runs fn on the scheduler goroutine and waits for it.
func (p *Pool) do(ctx context.Context, fn func(*scheduler)) error {
	done := make(chan struct{})
	request := func(s *scheduler) {
		defer close(done)
		fn(s)
	}
	select {
	case p.inbox <- request:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopped:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-p.stopped:
		return ErrClosed
	}
}

// Enqueue validates and snapshots a submission, records the task as
// Waiting, and queues it. Validation failures are *taskerr.Error with
// kind Validation and create no task.
func (p *Pool) Enqueue(ctx context.Context, submission task.NewTask) (int64, error) {
	job, err := p.snapshot(ctx, submission)
	if err != nil {
		return 0, err
	}
	created, err := p.config.Stores.Tasks.CreateTask(ctx, task.Task{
		ProjectID:   submission.ProjectID,
		TemplateID:  submission.TemplateID,
		UserID:      submission.UserID,
		Status:      task.StatusWaiting,
		InventoryID: submission.InventoryID,
		Environment: submission.Environment,
		Arguments:   submission.Arguments,
		Params:      submission.Params,
		BuildTaskID: submission.BuildTaskID,
		Message:     submission.Message,
		Integration: submission.Integration,
		Created:     p.clock.Now(),
	})
	if err != nil {
		return 0, fmt.Errorf("creating task: %w", err)
	}
	job.Task = created

	e := p.newEntry(job)
	if err := p.do(ctx, func(s *scheduler) {
		s.add(e)
		s.schedule()
	}); err != nil {
		e.log.Finalize(context.WithoutCancel(ctx), task.StatusError, &task.Failure{
			Kind:    task.KindEngineInternal,
			Message: "task pool unavailable: " + err.Error(),
		})
		return 0, err
	}
	p.logger.Info("task enqueued", "task_id", created.ID, "project_id", created.ProjectID,
		"template_id", created.TemplateID, "runner_tag", job.Template.RunnerTag)
	return created.ID, nil
}

func (p *Pool) newEntry(job task.JobData) *entry {
	return &entry{
		job: job,
		tag: job.Template.RunnerTag,
		log: tasklog.New(tasklog.Config{
			Task:             job.Task,
			Store:            p.config.Stores.Tasks,
			OnStatus:         p.metrics.observe,
			Clock:            p.clock,
			SubscriberBuffer: p.config.SubscriberBuffer,
			Logger:           p.logger,
		}),
	}
}

// Cancel stops a task. A task still waiting for a slot or a runner ends
// Stopped at once without spawning anything. An in-process task is
// signalled; a remote task is flagged so its runner sees the cancel on
// its next heartbeat. Cancelling a finished task does nothing.
func (p *Pool) Cancel(ctx context.Context, taskID int64) error {
	var (
		found  bool
		action func()
	)
	err := p.do(ctx, func(s *scheduler) {
		e, ok := s.entries[taskID]
		if !ok {
			return
		}
		found = true
		action = s.cancel(e)
	})
	if err != nil {
		return err
	}
	if found {
		if action != nil {
			action()
		}
		return nil
	}

	existing, err := p.config.Stores.Tasks.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrTaskNotFound
	}
	if err != nil {
		return err
	}
	if existing.Status.IsTerminal() {
		return nil
	}
	return fmt.Errorf("task %d is %s but not held by the pool: %w", taskID, existing.Status, ErrTaskNotFound)
}

// stopUnstarted finalizes a task that never left the pool.
func (p *Pool) stopUnstarted(e *entry) {
	if err := e.log.Finalize(context.Background(), task.StatusStopped, nil); err != nil {
		p.logger.Warn("finalizing cancelled task", "task_id", e.id(), "error", err)
	}
	p.logger.Info("waiting task cancelled", "task_id", e.id())
}

// SubscribeOutput attaches to a live task's log, replaying retained
// records from fromSeq (zero for live records only).
func (p *Pool) SubscribeOutput(ctx context.Context, taskID, fromSeq int64) (*tasklog.Subscription, error) {
	return p.subscribe(ctx, taskID, tasklog.SubscribeOptions{FromSeq: fromSeq})
}

// SubscribeStatus attaches to a live task's status changes.
func (p *Pool) SubscribeStatus(ctx context.Context, taskID int64) (*tasklog.Subscription, error) {
	return p.subscribe(ctx, taskID, tasklog.SubscribeOptions{StatusOnly: true})
}

func (p *Pool) subscribe(ctx context.Context, taskID int64, options tasklog.SubscribeOptions) (*tasklog.Subscription, error) {
	var log *tasklog.Logger
	if err := p.do(ctx, func(s *scheduler) {
		if e, ok := s.entries[taskID]; ok {
			log = e.log
		}
	}); err != nil {
		return nil, err
	}
	if log != nil {
		return log.Subscribe(options), nil
	}
	if _, err := p.config.Stores.Tasks.GetTask(ctx, taskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return nil, ErrNotLive
}

// ListRunning returns the tasks holding a slot, in task ID order.
func (p *Pool) ListRunning(ctx context.Context) ([]task.Summary, error) {
	var summaries []task.Summary
	err := p.do(ctx, func(s *scheduler) {
		for _, e := range s.entries {
			if e.phase != phaseRunning {
				continue
			}
			snapshot := e.log.Snapshot()
			summaries = append(summaries, task.Summary{
				ID:         e.id(),
				ProjectID:  e.project(),
				TemplateID: e.job.Task.TemplateID,
				Status:     snapshot.Status,
				RunnerID:   e.runnerID,
				Started:    snapshot.Started,
			})
		}
	})
	slices.SortFunc(summaries, func(a, b task.Summary) int { return cmp.Compare(a.ID, b.ID) })
	return summaries, err
}

// Stats returns the pool's counters without involving the scheduler.
func (p *Pool) Stats() Stats {
	return Stats{
		Waiting: int(p.waiting.Load()),
		Queued:  int(p.queued.Load()),
		Running: int(p.running.Load()),
	}
}

// engineFailure is the record for a task the engine itself could not
// carry.
func engineFailure(message string) *task.Failure {
	return &task.Failure{Kind: task.KindEngineInternal, Message: message}
}

// validationError marks err as a rejected submission.
func validationError(format string, args ...any) error {
	return taskerr.Wrap(taskerr.Newf(taskerr.InvalidData, format, args...), task.KindValidation, "enqueue")
}
