// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package runnerapi

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/alexandervashurin/semaphore-sub002/lib/clock"
	"github.com/alexandervashurin/semaphore-sub002/lib/git"
	"github.com/alexandervashurin/semaphore-sub002/lib/localjob"
	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/sealed"
	"github.com/alexandervashurin/semaphore-sub002/lib/secret"
	"github.com/alexandervashurin/semaphore-sub002/lib/secretstorage"
	"github.com/alexandervashurin/semaphore-sub002/lib/statefile"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskrunner"
	"github.com/alexandervashurin/semaphore-sub002/lib/tasklog"
)

// DefaultPollInterval is the time between heartbeats.
const DefaultPollInterval = 2 * time.Second

// State is a runner's registration as kept in its state file.
type State struct {
	ServerURL  string    `json:"server_url"`
	RunnerID   int64     `json:"runner_id"`
	Token      string    `json:"token"`
	PrivateKey string    `json:"private_key"`
	PublicKey  string    `json:"public_key"`
	Registered time.Time `json:"registered"`
}

// RegisterConfig configures LoadOrRegister.
type RegisterConfig struct {
	// Client is unauthenticated; only Register is called on it.
	Client    *Client
	ServerURL string
	StatePath string

	// Request is sent as is, with PublicKey filled in.
	Request task.Registration

	Clock  clock.Clock
	Logger *slog.Logger
}

// LoadOrRegister returns the registration in config.StatePath when it
// was made with the same server, and otherwise registers a new runner
// under a fresh age identity and saves it.
func LoadOrRegister(ctx context.Context, config RegisterConfig) (State, error) {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	var state State
	err := statefile.Read(config.StatePath, &state)
	if err == nil && state.ServerURL == config.ServerURL && state.Token != "" {
		config.Logger.Info("using saved runner registration", "runner_id", state.RunnerID)
		return state, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		config.Logger.Warn("ignoring unreadable runner state", "path", config.StatePath, "error", err)
	}

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return State{}, err
	}
	defer keypair.Close()

	request := config.Request
	request.PublicKey = keypair.PublicKey
	reply, err := config.Client.Register(ctx, request)
	if err != nil {
		return State{}, err
	}
	state = State{
		ServerURL:  config.ServerURL,
		RunnerID:   reply.RunnerID,
		Token:      reply.Token,
		PrivateKey: keypair.PrivateKey.String(),
		PublicKey:  keypair.PublicKey,
		Registered: config.Clock.Now().UTC(),
	}
	if err := statefile.Write(config.StatePath, state); err != nil {
		return State{}, fmt.Errorf("saving runner registration: %w", err)
	}
	config.Logger.Info("runner registered", "runner_id", state.RunnerID, "tags", request.Tags)
	return state, nil
}

// AgentConfig configures an Agent.
type AgentConfig struct {
	// Client must carry the runner's ID and token (see WithRunner).
	Client *Client

	// Identity is the age private key job keys are sealed to. The
	// agent borrows it.
	Identity *secret.Buffer

	TmpRoot string
	Apps    localjob.Apps
	Git     *git.Provider

	PreHooks  []taskrunner.Hook
	PostHooks []taskrunner.Hook
	BaseEnv   []string
	Grace     time.Duration

	PollInterval  time.Duration
	FlushInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Agent polls the server for jobs and runs them with taskrunner.
type Agent struct {
	config    AgentConfig
	clock     clock.Clock
	logger    *slog.Logger
	decrypter secretstorage.Decrypter

	mu   sync.Mutex
	jobs map[int64]*agentJob

	tasks sync.WaitGroup
}

type agentJob struct {
	runner *taskrunner.Runner
	log    *tasklog.Logger
}

// NewAgent returns an Agent. Nothing happens until Run.
func NewAgent(config AgentConfig) *Agent {
	if config.Client == nil || config.Identity == nil {
		panic("runnerapi.Agent: Client and Identity are required")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Agent{
		config:    config,
		clock:     config.Clock,
		logger:    config.Logger,
		decrypter: secretstorage.NewSealed(config.Identity),
		jobs:      make(map[int64]*agentJob),
	}
}

// Run heartbeats until ctx is done, then stops every task it holds and
// waits for them to report their final status. It returns
// ErrUnauthorized when the server no longer knows the runner.
func (a *Agent) Run(ctx context.Context) error {
	// Tasks outlive ctx long enough to stop cleanly.
	taskCtx, cancelTasks := context.WithCancel(context.WithoutCancel(ctx))
	defer func() {
		cancelTasks()
		a.tasks.Wait()
	}()

	ticker := a.clock.NewTicker(a.config.PollInterval)
	defer ticker.Stop()
	for {
		err := a.poll(ctx, taskCtx)
		switch {
		case errors.Is(err, ErrUnauthorized):
			return err
		case err != nil && ctx.Err() == nil:
			a.logger.Warn("heartbeat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			a.logger.Info("runner stopping", "running", a.Running())
			return nil
		case <-ticker.C:
		}
	}
}

// Running returns the IDs of the tasks the agent holds.
func (a *Agent) Running() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]int64, 0, len(a.jobs))
	for id := range a.jobs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (a *Agent) poll(ctx, taskCtx context.Context) error {
	var heartbeat task.Heartbeat
	a.mu.Lock()
	for id, job := range a.jobs {
		heartbeat.Jobs = append(heartbeat.Jobs, task.JobProgress{TaskID: id, Status: job.log.Status()})
	}
	a.mu.Unlock()
	slices.SortFunc(heartbeat.Jobs, func(x, y task.JobProgress) int { return cmp.Compare(x.TaskID, y.TaskID) })

	assignment, err := a.config.Client.Heartbeat(ctx, heartbeat)
	if err != nil {
		return err
	}
	for _, id := range assignment.Cancel {
		a.mu.Lock()
		job, ok := a.jobs[id]
		a.mu.Unlock()
		if ok {
			a.logger.Info("server cancelled task", "task_id", id)
			job.runner.Cancel()
		}
	}
	for _, job := range assignment.NewJobs {
		a.start(taskCtx, job)
	}
	return nil
}

func (a *Agent) start(ctx context.Context, job task.JobData) {
	id := job.Task.ID
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.jobs[id]; ok {
		return
	}

	logger := a.logger.With("task_id", id)
	link := &uplink{client: a.config.Client, taskID: id, logger: logger}
	log := tasklog.New(tasklog.Config{
		Task:   job.Task,
		Store:  link,
		Clock:  a.clock,
		Logger: logger,
	})
	runner := taskrunner.New(taskrunner.Config{
		Job:       job,
		Log:       log,
		TmpRoot:   a.config.TmpRoot,
		Decrypter: a.decrypter,
		Git:       a.config.Git,
		Plans:     remotePlans{client: a.config.Client, taskID: id},
		Apps:      a.config.Apps,
		PreHooks:  a.config.PreHooks,
		PostHooks: a.config.PostHooks,
		BaseEnv:   a.config.BaseEnv,
		Clock:     a.clock,
		Grace:     a.config.Grace,
		Logger:    a.logger,
	})
	// onGone runs on the logger's writer; Cancel must not block it.
	link.onGone = func() { go runner.Cancel() }
	a.jobs[id] = &agentJob{runner: runner, log: log}
	logger.Info("task received", "template_id", job.Template.ID, "app", job.Template.App)

	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		done := make(chan struct{})
		flushed := make(chan struct{})
		go func() {
			defer close(flushed)
			link.run(a.clock, a.config.FlushInterval, done)
		}()
		status := runner.Run(ctx)
		close(done)
		<-flushed

		a.mu.Lock()
		delete(a.jobs, id)
		a.mu.Unlock()
		logger.Info("task finished", "status", status)
	}()
}
